package broker

import "time"

// Record aggregates what the ledger knows about one broker source.
type Record struct {
	ID             string
	Name           string
	Website        string
	Verified       bool
	ActiveListings int
	TotalObserved  int
	FirstSeen      time.Time
	LastScraped    time.Time
}
