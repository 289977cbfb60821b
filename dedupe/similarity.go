package dedupe

import (
	"math"
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"

	"dealledger/listing"
)

// Weights are the relative contributions of each similarity factor.
type Weights struct {
	Title     float64 `json:"title"`
	Location  float64 `json:"location"`
	Price     float64 `json:"price"`
	Financial float64 `json:"financial"`
}

// Options are the similarity policy constants.
type Options struct {
	Threshold float64
	Weights   Weights
	// PriceFullWithin is the relative price difference that still scores 1.
	PriceFullWithin float64
	// PriceOuterBound is the relative price difference at which the factor reaches 0.
	PriceOuterBound     float64
	FinancialFullWithin float64
	FinancialOuterBound float64
}

// DefaultOptions returns the standard policy: threshold 0.85, prices within 20% and financials
// within 25% count fully.
func DefaultOptions() Options {
	return Options{
		Threshold:           0.85,
		Weights:             Weights{Title: 0.40, Location: 0.20, Price: 0.25, Financial: 0.15},
		PriceFullWithin:     0.20,
		PriceOuterBound:     0.50,
		FinancialFullWithin: 0.25,
		FinancialOuterBound: 0.60,
	}
}

// Scorer computes cross-broker similarity. It never merges anything.
type Scorer struct {
	opts Options
}

func NewScorer(opts Options) *Scorer {
	return &Scorer{opts: opts}
}

// Threshold is the score at or above which two listings are suspected duplicates.
func (s *Scorer) Threshold() float64 { return s.opts.Threshold }

// Match scores a and b and reports whether they cross the threshold.
func (s *Scorer) Match(a, b listing.Fields) (float64, bool) {
	score := s.Score(a, b)
	return score, score >= s.opts.Threshold
}

// Score returns a weighted similarity in [0,1]. Factors without data on either side are left
// out and the remaining weights renormalized. A title is not enough on its own: when no other
// factor has data on both sides, the missing factors count as zero.
func (s *Scorer) Score(a, b listing.Fields) float64 {
	w := s.opts.Weights
	var sum, total float64
	corroborated := false
	add := func(weight, value float64, ok, title bool) {
		if !ok || weight <= 0 {
			return
		}
		sum += weight * value
		total += weight
		if !title {
			corroborated = true
		}
	}

	v, ok := titleFactor(a.Title, b.Title)
	add(w.Title, v, ok, true)
	v, ok = locationFactor(a, b)
	add(w.Location, v, ok, false)
	v, ok = s.priceFactor(a, b)
	add(w.Price, v, ok, false)
	v, ok = s.financialFactor(a, b)
	add(w.Financial, v, ok, false)

	if !corroborated {
		total = w.Title + w.Location + w.Price + w.Financial
	}
	if total == 0 {
		return 0
	}
	return clamp01(sum / total)
}

func titleFactor(a, b string) (float64, bool) {
	na, nb := NormalizeTitle(a), NormalizeTitle(b)
	if na == "" || nb == "" {
		return 0, false
	}
	return TitleSimilarity(na, nb), true
}

// TitleSimilarity is 1 minus the Levenshtein distance over the longer title length.
func TitleSimilarity(a, b string) float64 {
	la, lb := len([]rune(a)), len([]rune(b))
	longest := max(la, lb)
	if longest == 0 {
		return 1
	}
	return clamp01(1 - float64(matchr.Levenshtein(a, b))/float64(longest))
}

// NormalizeTitle lowercases and strips punctuation so formatting noise does not count as edits.
func NormalizeTitle(s string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			return unicode.ToLower(r)
		}
		return ' '
	}, s)
	return strings.Join(strings.Fields(mapped), " ")
}

func locationFactor(a, b listing.Fields) (float64, bool) {
	if a.LocationHidden || b.LocationHidden || a.State == nil || b.State == nil {
		return 0, false
	}
	if !strings.EqualFold(*a.State, *b.State) {
		return 0, true
	}
	if a.City != nil && b.City != nil && strings.EqualFold(*a.City, *b.City) {
		return 1, true
	}
	return 0.5, true
}

func (s *Scorer) priceFactor(a, b listing.Fields) (float64, bool) {
	if a.AskingPrice == nil || b.AskingPrice == nil {
		return 0, false
	}
	return closeness(*a.AskingPrice, *b.AskingPrice, s.opts.PriceFullWithin, s.opts.PriceOuterBound), true
}

func (s *Scorer) financialFactor(a, b listing.Fields) (float64, bool) {
	pairs := [][2]*int64{
		{a.Revenue, b.Revenue},
		{a.CashFlow, b.CashFlow},
		{a.EBITDA, b.EBITDA},
	}
	var sum float64
	var n int
	for _, p := range pairs {
		if p[0] == nil || p[1] == nil {
			continue
		}
		sum += closeness(*p[0], *p[1], s.opts.FinancialFullWithin, s.opts.FinancialOuterBound)
		n++
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}

// closeness is 1 while the relative difference is within full, falling linearly to 0 at outer.
func closeness(x, y int64, full, outer float64) float64 {
	fx, fy := math.Abs(float64(x)), math.Abs(float64(y))
	largest := math.Max(fx, fy)
	if largest == 0 {
		return 1
	}
	d := math.Abs(float64(x)-float64(y)) / largest
	switch {
	case d <= full:
		return 1
	case outer <= full || d >= outer:
		return 0
	default:
		return 1 - (d-full)/(outer-full)
	}
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
