package listing

import (
	"encoding/json"
	"slices"
	"strings"
)

// Flag is a non-blocking data-quality annotation.
type Flag string

const (
	FlagPriceDrop50         Flag = "price_drop_50"
	FlagStale90             Flag = "stale_90"
	FlagSource404           Flag = "source_404"
	FlagPriceSuspicious     Flag = "price_suspicious"
	FlagRelistDetected      Flag = "relist_detected"
	FlagDuplicateSuspected  Flag = "duplicate_suspected"
	FlagPriceRangeCollapsed Flag = "price_range_collapsed"
	FlagCurrencyUnconverted Flag = "currency_unconverted"
	FlagStatusAnomaly       Flag = "status_anomaly"
)

// FlagSet is an unordered set of flags.
type FlagSet map[Flag]struct{}

// NewFlagSet builds a set from the given flags.
func NewFlagSet(flags ...Flag) FlagSet {
	s := make(FlagSet, len(flags))
	for _, f := range flags {
		s[f] = struct{}{}
	}
	return s
}

// Has reports membership.
func (s FlagSet) Has(f Flag) bool {
	_, ok := s[f]
	return ok
}

// Add inserts flags and reports whether the set grew.
func (s *FlagSet) Add(flags ...Flag) bool {
	if *s == nil {
		*s = make(FlagSet, len(flags))
	}
	grew := false
	for _, f := range flags {
		if f == "" {
			continue
		}
		if _, ok := (*s)[f]; !ok {
			(*s)[f] = struct{}{}
			grew = true
		}
	}
	return grew
}

// Union adds every flag of other.
func (s *FlagSet) Union(other FlagSet) bool {
	return s.Add(other.Sorted()...)
}

// Clone copies the set.
func (s FlagSet) Clone() FlagSet {
	out := make(FlagSet, len(s))
	for f := range s {
		out[f] = struct{}{}
	}
	return out
}

// Sorted returns the flags in lexical order.
func (s FlagSet) Sorted() []Flag {
	out := make([]Flag, 0, len(s))
	for f := range s {
		out = append(out, f)
	}
	slices.Sort(out)
	return out
}

// Strings returns the sorted flags as plain strings.
func (s FlagSet) Strings() []string {
	sorted := s.Sorted()
	out := make([]string, len(sorted))
	for i, f := range sorted {
		out[i] = string(f)
	}
	return out
}

// String joins the sorted flags with '|', the delimiter used in tabular exports.
func (s FlagSet) String() string {
	return strings.Join(s.Strings(), "|")
}

// ParseFlags splits a '|' delimited cell back into a set.
func ParseFlags(cell string) FlagSet {
	s := FlagSet{}
	for _, part := range strings.Split(cell, "|") {
		if part = strings.TrimSpace(part); part != "" {
			s[Flag(part)] = struct{}{}
		}
	}
	return s
}

// MarshalJSON renders the set as a sorted array.
func (s FlagSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Strings())
}

func (s *FlagSet) UnmarshalJSON(data []byte) error {
	var flags []Flag
	if err := json.Unmarshal(data, &flags); err != nil {
		return err
	}
	*s = NewFlagSet(flags...)
	return nil
}
