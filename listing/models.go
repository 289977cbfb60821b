package listing

import "time"

// Status is the lifecycle state of a listing as observed on the broker site.
type Status string

const (
	StatusActive   Status = "active"
	StatusRemoved  Status = "removed"
	StatusSold     Status = "sold"
	StatusPending  Status = "pending"
	StatusRelisted Status = "relisted"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusActive, StatusRemoved, StatusSold, StatusPending, StatusRelisted:
		return true
	}
	return false
}

// Fields holds every schema attribute a broker observation can carry.
type Fields struct {
	SourceURL  string
	SourceID   *string
	BrokerID   string
	BrokerName string

	Title       string
	Description *string
	AskingPrice *int64
	PriceHidden bool
	Vertical    string
	Category    *string

	City           *string
	State          *string
	Country        *string
	Zip            *string
	Region         *string
	LocationHidden bool

	Revenue         *int64
	CashFlow        *int64
	EBITDA          *int64
	Inventory       *int64
	FFE             *int64
	RealEstate      *bool
	RealEstateValue *int64
	YearEstablished *int
	Employees       *int

	SellerFinancing *bool
	SBAPrequalified *bool
	Franchise       *bool
	FranchiseName   *string
	HomeBased       *bool
	Relocatable     *bool
	AbsenteeOwner   *bool

	ScrapedAt time.Time
}

// Record is the canonical ledger entity for one broker listing.
type Record struct {
	ID string
	Fields

	Status      Status
	FirstSeen   time.Time
	LastSeen    time.Time
	ContentHash string
	Confidence  float64
	Flags       FlagSet

	// Aliases are non-canonical URLs known to describe this listing.
	Aliases         []string
	NeedsReview     bool
	SourceReachable bool
	PeakAskingPrice *int64
	// LastChanged is the last time content or status changed.
	LastChanged time.Time
	Version     int64
}

// Clone returns a deep copy so callers can mutate without aliasing stored state.
func (r Record) Clone() Record {
	out := r
	out.Flags = r.Flags.Clone()
	if r.Aliases != nil {
		out.Aliases = append([]string(nil), r.Aliases...)
	}
	return out
}

// KnowsURL reports whether url is the canonical URL or one of the aliases.
func (r Record) KnowsURL(url string) bool {
	if r.SourceURL == url {
		return true
	}
	for _, a := range r.Aliases {
		if a == url {
			return true
		}
	}
	return false
}

// History is one immutable field-level change on a listing.
type History struct {
	Seq       int64
	ListingID string
	Timestamp time.Time
	Field     string
	OldValue  *string
	NewValue  *string
}

// DuplicateReason explains why two listings were paired.
type DuplicateReason string

const (
	ReasonSimilarity        DuplicateReason = "similarity"
	ReasonAmbiguousIdentity DuplicateReason = "ambiguous_identity"
)

// DuplicatePair records a suspected duplicate; the listings are never merged.
type DuplicatePair struct {
	ListingID  string
	OtherID    string
	Score      float64
	Reason     DuplicateReason
	DetectedAt time.Time
}
