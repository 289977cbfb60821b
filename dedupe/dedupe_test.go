package dedupe

import (
	"context"
	"errors"
	"math"
	"testing"

	"dealledger/listing"
)

func TestCanonicalURL(t *testing.T) {
	got, err := CanonicalURL("https://WWW.Broker.example:443/listings/42/?b=2&a=1#photos")
	if err != nil {
		t.Fatalf("canonical: %v", err)
	}
	if want := "https://broker.example/listings/42?a=1&b=2"; got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
	if _, err := CanonicalURL("/relative/path"); !errors.Is(err, ErrInvalidURL) {
		t.Fatalf("expected relative url to be rejected")
	}
}

type fakeLookup struct {
	byURL      map[string]listing.Record
	bySourceID map[string]listing.Record
	byHash     map[string][]listing.Record
}

func (f *fakeLookup) FindByURL(_ context.Context, brokerID, url string) (listing.Record, bool, error) {
	rec, ok := f.byURL[brokerID+" "+url]
	return rec, ok, nil
}

func (f *fakeLookup) FindBySourceID(_ context.Context, brokerID, sourceID string) (listing.Record, bool, error) {
	rec, ok := f.bySourceID[brokerID+" "+sourceID]
	return rec, ok, nil
}

func (f *fakeLookup) FindByContentHash(_ context.Context, brokerID, hash string) ([]listing.Record, error) {
	return f.byHash[brokerID+" "+hash], nil
}

func TestResolveByURLThenSourceID(t *testing.T) {
	existing := listing.Record{ID: "rec-1", Fields: listing.Fields{BrokerID: "acme", SourceURL: "https://acme.example/l/1"}}
	lookup := &fakeLookup{
		byURL:      map[string]listing.Record{"acme https://acme.example/l/1": existing},
		bySourceID: map[string]listing.Record{"acme A-100": existing},
	}

	res, err := Resolve(context.Background(), lookup, listing.Fields{BrokerID: "acme", SourceURL: "https://www.acme.example/l/1/"}, "sha256:x")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Found || res.Record.ID != "rec-1" || res.NewAlias != "" {
		t.Fatalf("expected canonical url match, got %+v", res)
	}

	sourceID := "A-100"
	res, err = Resolve(context.Background(), lookup, listing.Fields{BrokerID: "acme", SourceURL: "https://acme.example/business/laundromat-a-100", SourceID: &sourceID}, "sha256:x")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if !res.Found || res.Record.ID != "rec-1" {
		t.Fatalf("expected source id match, got %+v", res)
	}
	if res.NewAlias != "https://acme.example/business/laundromat-a-100" {
		t.Fatalf("expected new url recorded as alias, got %q", res.NewAlias)
	}
}

func TestResolveAmbiguousContent(t *testing.T) {
	twin := listing.Record{ID: "rec-2", Fields: listing.Fields{BrokerID: "acme", SourceURL: "https://acme.example/l/2"}}
	lookup := &fakeLookup{byHash: map[string][]listing.Record{"acme sha256:same": {twin}}}

	res, err := Resolve(context.Background(), lookup, listing.Fields{BrokerID: "acme", SourceURL: "https://acme.example/l/3"}, "sha256:same")
	if err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if res.Found {
		t.Fatalf("ambiguous content must not resolve to an existing record")
	}
	if len(res.Ambiguous) != 1 || res.Ambiguous[0].ID != "rec-2" {
		t.Fatalf("expected twin reported as ambiguous, got %+v", res.Ambiguous)
	}
}

func TestTitleSimilarity(t *testing.T) {
	got := TitleSimilarity(NormalizeTitle("Commercial Cleaning Company"), NormalizeTitle("Commercial Cleaning Company, LLC"))
	want := 1 - 4.0/31.0
	if math.Abs(got-want) > 1e-9 {
		t.Fatalf("similarity = %v, want %v", got, want)
	}
	if TitleSimilarity("abc", "abc") != 1 {
		t.Fatalf("identical titles must score 1")
	}
}

func fields(title, city, state string, price, revenue int64) listing.Fields {
	return listing.Fields{Title: title, City: &city, State: &state, AskingPrice: &price, Revenue: &revenue}
}

func TestScoreNearDuplicatesAcrossBrokers(t *testing.T) {
	s := NewScorer(DefaultOptions())
	a := fields("Commercial Cleaning Company", "Dallas", "TX", 500000, 1200000)
	b := fields("Commercial Cleaning Company LLC", "Dallas", "TX", 460000, 1150000)

	score, dup := s.Match(a, b)
	if !dup {
		t.Fatalf("expected duplicate suspicion, score %v", score)
	}
	if score <= 0.85 || score > 1 {
		t.Fatalf("score out of expected range: %v", score)
	}
}

func TestScoreDistinctListings(t *testing.T) {
	s := NewScorer(DefaultOptions())
	a := fields("Commercial Cleaning Company", "Dallas", "TX", 500000, 1200000)
	b := fields("Neighborhood Pizza Restaurant", "Boise", "ID", 150000, 300000)
	if score, dup := s.Match(a, b); dup || score > 0.3 {
		t.Fatalf("distinct listings scored %v", score)
	}
}

func TestScoreRenormalizesMissingFactors(t *testing.T) {
	s := NewScorer(DefaultOptions())
	price := int64(300000)
	a := listing.Fields{Title: "Pool Route", AskingPrice: &price}
	b := listing.Fields{Title: "Pool Route", AskingPrice: &price}
	if got := s.Score(a, b); math.Abs(got-1) > 1e-9 {
		t.Fatalf("identical title and price with nothing else must score 1, got %v", got)
	}
	if got := s.Score(listing.Fields{}, listing.Fields{}); got != 0 {
		t.Fatalf("no comparable data must score 0, got %v", got)
	}
}

func TestScoreTitleAloneIsNotADuplicate(t *testing.T) {
	s := NewScorer(DefaultOptions())
	a := listing.Fields{Title: "Profitable Restaurant For Sale", LocationHidden: true}
	b := listing.Fields{Title: "Profitable Restaurant for sale!", LocationHidden: true}

	score, dup := s.Match(a, b)
	if dup {
		t.Fatalf("generic titles with nothing else to compare must not be flagged, score %v", score)
	}
	if math.Abs(score-DefaultOptions().Weights.Title) > 1e-9 {
		t.Fatalf("missing factors must count as zero, got %v", score)
	}
}

func TestCloseness(t *testing.T) {
	cases := []struct {
		x, y int64
		want float64
	}{
		{100, 90, 1},
		{100, 80, 1},
		{100, 65, 0.5},
		{100, 50, 0},
		{100, 10, 0},
		{0, 0, 1},
	}
	for _, tc := range cases {
		if got := closeness(tc.x, tc.y, 0.20, 0.50); math.Abs(got-tc.want) > 1e-9 {
			t.Errorf("closeness(%d,%d) = %v, want %v", tc.x, tc.y, got, tc.want)
		}
	}
}
