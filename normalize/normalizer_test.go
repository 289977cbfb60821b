package normalize

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/shopspring/decimal"

	"dealledger/listing"
	"dealledger/observation"
	"dealledger/status"
)

func newTestNormalizer() *Normalizer {
	return NewNormalizer(Options{
		Rates: map[string]decimal.Decimal{"EUR": decimal.RequireFromString("1.10")},
		Now:   func() time.Time { return time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC) },
	})
}

func baseObservation() observation.Observation {
	return observation.Observation{
		SourceURL:  "https://broker.example/listings/42",
		BrokerID:   "acme",
		BrokerName: "Acme Business Brokers",
		Title:      "Established Coin Laundromat",
		Status:     "Active",
	}
}

func TestNormalizeRejectsMissingRequiredFields(t *testing.T) {
	obs := baseObservation()
	obs.Title = "  "
	obs.Status = ""

	_, err := newTestNormalizer().Normalize(obs)
	var vErr *ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected ValidationError, got %v", err)
	}
	if diff := cmp.Diff([]string{"title", "status"}, vErr.Missing); diff != "" {
		t.Fatalf("missing fields mismatch (-want +got):\n%s", diff)
	}
}

func TestNormalizePrice(t *testing.T) {
	n := newTestNormalizer()
	cases := []struct {
		name     string
		price    string
		currency string
		fx       string
		want     *int64
		hidden   bool
		flag     listing.Flag
	}{
		{name: "plain", price: "$450,000", want: ptr(450000)},
		{name: "number", price: "450000", want: ptr(450000)},
		{name: "millions suffix", price: "$1.2M", want: ptr(1200000)},
		{name: "thousands suffix", price: "850K", want: ptr(850000)},
		{name: "spelled out", price: "1.5 million", want: ptr(1500000)},
		{name: "contact", price: "Contact for Price", hidden: true},
		{name: "negotiable", price: "Negotiable", hidden: true},
		{name: "call with phone number", price: "Call for price: (800) 555-1234", hidden: true},
		{name: "contact with phone number", price: "Contact broker at 555-1234", hidden: true},
		{name: "amount marked negotiable", price: "$450,000 negotiable", want: ptr(450000)},
		{name: "range", price: "$400,000 - $450,000", want: ptr(400000), flag: listing.FlagPriceRangeCollapsed},
		{name: "range words", price: "500K to 450K", want: ptr(450000), flag: listing.FlagPriceRangeCollapsed},
		{name: "euro table rate", price: "€300k", want: ptr(330000)},
		{name: "explicit rate wins", price: "300,000", currency: "EUR", fx: "1.2", want: ptr(360000)},
		{name: "unknown currency", price: "GBP 100,000", flag: listing.FlagCurrencyUnconverted},
		{name: "empty", price: ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			obs := baseObservation()
			obs.AskingPrice = observation.T(tc.price)
			if tc.currency != "" {
				obs.Currency = observation.T(tc.currency)
			}
			if tc.fx != "" {
				obs.FXRate = observation.T(tc.fx)
			}
			res, err := n.Normalize(obs)
			if err != nil {
				t.Fatalf("normalize: %v", err)
			}
			if diff := cmp.Diff(tc.want, res.AskingPrice); diff != "" {
				t.Errorf("asking price mismatch (-want +got):\n%s", diff)
			}
			if res.PriceHidden != tc.hidden {
				t.Errorf("price hidden = %v, want %v", res.PriceHidden, tc.hidden)
			}
			if tc.flag != "" && !listing.NewFlagSet(res.Flags...).Has(tc.flag) {
				t.Errorf("expected flag %s, got %v", tc.flag, res.Flags)
			}
			if tc.flag == "" && len(res.Flags) != 0 {
				t.Errorf("unexpected flags %v", res.Flags)
			}
		})
	}
}

func TestNormalizeLocation(t *testing.T) {
	n := newTestNormalizer()

	obs := baseObservation()
	obs.City = observation.T("  Austin ")
	obs.State = observation.T("Texas")
	res, err := n.Normalize(obs)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if got := deref(res.State); got != "TX" {
		t.Errorf("state = %q, want TX", got)
	}
	if got := deref(res.Country); got != "US" {
		t.Errorf("country = %q, want US", got)
	}
	if got := deref(res.City); got != "Austin" {
		t.Errorf("city = %q", got)
	}

	obs = baseObservation()
	obs.Location = observation.T("Toronto, Ontario")
	res, _ = n.Normalize(obs)
	if deref(res.State) != "ON" || deref(res.Country) != "CA" || deref(res.City) != "Toronto" {
		t.Errorf("free text location parsed as city=%q state=%q country=%q", deref(res.City), deref(res.State), deref(res.Country))
	}

	obs = baseObservation()
	obs.State = observation.T("Greater Chicagoland")
	res, _ = n.Normalize(obs)
	if res.State != nil {
		t.Errorf("unmapped state must not be kept as a code, got %q", *res.State)
	}
	if deref(res.Region) != "Greater Chicagoland" {
		t.Errorf("unmapped state must be kept as region, got %q", deref(res.Region))
	}

	obs = baseObservation()
	obs.State = observation.T("Greater Chicagoland")
	obs.Region = observation.T("Midwest")
	res, _ = n.Normalize(obs)
	if deref(res.Region) != "Midwest, Greater Chicagoland" {
		t.Errorf("unmapped state must be appended to the given region, got %q", deref(res.Region))
	}

	obs = baseObservation()
	obs.City = observation.T("Confidential")
	obs.State = observation.T("FL")
	obs.Zip = observation.T("33101")
	res, _ = n.Normalize(obs)
	if !res.LocationHidden || res.City != nil || res.State != nil || res.Zip != nil {
		t.Errorf("confidential location not cleared: %+v", res.Fields)
	}
}

func TestNormalizeVerticalPrecedence(t *testing.T) {
	n := newTestNormalizer()

	obs := baseObservation()
	obs.Category = observation.T("HVAC")
	res, _ := n.Normalize(obs)
	if res.Vertical != "hvac" || res.NeedsReview {
		t.Errorf("broker category must win, got %s review=%v", res.Vertical, res.NeedsReview)
	}

	obs = baseObservation()
	obs.Category = observation.T("Business Services")
	res, _ = n.Normalize(obs)
	if res.Vertical != "laundromat" {
		t.Errorf("title keyword must win over unknown category, got %s", res.Vertical)
	}

	obs = baseObservation()
	obs.Title = "Turnkey Opportunity"
	obs.Description = observation.T("Long running pest control route with recurring contracts")
	res, _ = n.Normalize(obs)
	if res.Vertical != "pest" {
		t.Errorf("description keyword expected pest, got %s", res.Vertical)
	}

	obs = baseObservation()
	obs.Title = "Turnkey Opportunity"
	res, _ = n.Normalize(obs)
	if res.Vertical != VerticalOther || !res.NeedsReview {
		t.Errorf("expected other with review marker, got %s review=%v", res.Vertical, res.NeedsReview)
	}
}

func TestNormalizeSignalsAndScalars(t *testing.T) {
	n := newTestNormalizer()
	no := false

	obs := baseObservation()
	obs.Reachable = &no
	obs.Employees = observation.T("12 full-time")
	obs.SellerFinancing = observation.T("Yes")
	obs.FranchiseName = observation.T("Speed Queen")
	res, err := n.Normalize(obs)
	if err != nil {
		t.Fatalf("normalize: %v", err)
	}
	if res.Trigger != status.TriggerUnreachable || res.Reachable {
		t.Errorf("expected unreachable trigger, got %s reachable=%v", res.Trigger, res.Reachable)
	}
	if res.Employees == nil || *res.Employees != 12 {
		t.Errorf("employees = %v", res.Employees)
	}
	if res.SellerFinancing == nil || !*res.SellerFinancing {
		t.Errorf("seller financing = %v", res.SellerFinancing)
	}
	if res.Franchise == nil || !*res.Franchise {
		t.Errorf("franchise name must imply franchise")
	}
	if !res.ScrapedAt.Equal(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("missing scrape time must default to now, got %v", res.ScrapedAt)
	}
	if res.BrokerName != "Acme Business Brokers" {
		t.Errorf("broker name = %q", res.BrokerName)
	}
}

func ptr(v int64) *int64 { return &v }

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
