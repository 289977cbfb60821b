package ledger

import (
	"context"
	"time"

	"dealledger/broker"
	"dealledger/dedupe"
	"dealledger/listing"
)

// Outbox topics emitted alongside ledger writes.
const (
	TopicListingCreated       = "listing.created"
	TopicListingUpdated       = "listing.updated"
	TopicListingStatusChanged = "listing.status_changed"
)

// Event is an outbox message written in the same transaction as the change it describes.
type Event struct {
	Topic     string         `json:"topic"`
	ListingID string         `json:"listing_id"`
	Payload   map[string]any `json:"payload"`
	CreatedAt time.Time      `json:"created_at"`
}

// Reader exposes committed ledger state.
type Reader interface {
	Get(ctx context.Context, id string) (listing.Record, error)
	Listings(ctx context.Context) ([]listing.Record, error)
	History(ctx context.Context, listingID string) ([]listing.History, error)
	AllHistory(ctx context.Context) ([]listing.History, error)
	Brokers(ctx context.Context) ([]broker.Record, error)
	DuplicatePairs(ctx context.Context) ([]listing.DuplicatePair, error)
	ReviewQueue(ctx context.Context) ([]listing.Record, error)
}

// Repository is a transactional ledger store.
type Repository interface {
	Reader
	Begin(ctx context.Context) (Tx, error)
}

// Tx stages the writes of one observation. Nothing is visible to readers until Commit,
// and Rollback after Commit is a no-op.
type Tx interface {
	dedupe.Lookup

	// LockBroker serializes writers of the same broker across processes.
	LockBroker(ctx context.Context, brokerID string) error
	// Get returns the listing as seen by this transaction and locks it for update.
	Get(ctx context.Context, id string) (listing.Record, error)
	// Candidates returns listings of other brokers, restricted to state when it is set.
	Candidates(ctx context.Context, excludeBrokerID string, state *string) ([]listing.Record, error)
	Broker(ctx context.Context, id string) (broker.Record, bool, error)

	Insert(ctx context.Context, rec listing.Record) error
	// Update replaces the listing when its stored version still equals prevVersion.
	Update(ctx context.Context, rec listing.Record, prevVersion int64) error
	AppendHistory(ctx context.Context, entries []listing.History) error
	// AttachFlags adds flags to another listing at commit time, recording history when
	// the set grows.
	AttachFlags(ctx context.Context, id string, flags []listing.Flag, at time.Time) error
	RecordDuplicate(ctx context.Context, pair listing.DuplicatePair) error
	CountListings(ctx context.Context, brokerID string) (total, active int, err error)
	UpsertBroker(ctx context.Context, rec broker.Record) error
	Enqueue(ctx context.Context, ev Event) error

	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// Flusher is implemented by stores that persist on demand.
type Flusher interface {
	Flush(ctx context.Context) error
}
