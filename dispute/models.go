package dispute

import "time"

// Kind is what the broker asked for.
type Kind string

const (
	KindCorrection Kind = "correction"
	KindDeletion   Kind = "deletion"
)

// State is the outcome of a dispute. Disputes are decided on intake.
type State string

const (
	StateApplied  State = "applied"
	StateRejected State = "rejected"
)

// Record mirrors the disputes table.
type Record struct {
	ID          string    `json:"id"`
	ListingID   string    `json:"listing_id"`
	BrokerID    string    `json:"broker_id"`
	Kind        Kind      `json:"kind"`
	State       State     `json:"state"`
	Reason      string    `json:"reason"`
	EvidenceURL *string   `json:"evidence_url"`
	CreatedAt   time.Time `json:"created_at"`
}
