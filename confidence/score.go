package confidence

import (
	"time"

	"dealledger/listing"
)

// Weights in basis points so the score is exactly the sum of the applicable weights.
const (
	WeightReachable      = 3000
	WeightPrice          = 1500
	WeightLocation       = 1500
	WeightFinancial      = 2000
	WeightBrokerVerified = 1000
	WeightFresh          = 1000

	scale = 10000
)

// FreshWithin is how recent the last observation must be to count as fresh.
const FreshWithin = 7 * 24 * time.Hour

// Input is the read-only view the scorer needs.
type Input struct {
	Reachable      bool
	HasPrice       bool
	HasLocation    bool
	HasFinancial   bool
	BrokerVerified bool
	LastSeen       time.Time
	Now            time.Time
}

// InputFor derives scorer input from a record.
func InputFor(rec listing.Record, brokerVerified bool, now time.Time) Input {
	return Input{
		Reachable:      rec.SourceReachable,
		HasPrice:       rec.AskingPrice != nil,
		HasLocation:    !rec.LocationHidden && (rec.City != nil || rec.State != nil),
		HasFinancial:   rec.Revenue != nil || rec.CashFlow != nil || rec.EBITDA != nil,
		BrokerVerified: brokerVerified,
		LastSeen:       rec.LastSeen,
		Now:            now,
	}
}

// Score returns the completeness and freshness score in [0,1].
func Score(in Input) float64 {
	return float64(Points(in)) / scale
}

// Points returns the score in basis points.
func Points(in Input) int {
	points := 0
	if in.Reachable {
		points += WeightReachable
	}
	if in.HasPrice {
		points += WeightPrice
	}
	if in.HasLocation {
		points += WeightLocation
	}
	if in.HasFinancial {
		points += WeightFinancial
	}
	if in.BrokerVerified {
		points += WeightBrokerVerified
	}
	if !in.LastSeen.IsZero() && !in.LastSeen.After(in.Now) && in.Now.Sub(in.LastSeen) <= FreshWithin {
		points += WeightFresh
	}
	return points
}
