package contenthash

import (
	"strings"
	"testing"

	"dealledger/listing"
)

func sample() listing.Fields {
	price, revenue, cash := int64(500000), int64(900000), int64(180000)
	city, state := "Austin", "TX"
	desc := "Well established HVAC contractor."
	return listing.Fields{
		Title:       "HVAC Contractor",
		AskingPrice: &price,
		Revenue:     &revenue,
		CashFlow:    &cash,
		City:        &city,
		State:       &state,
		Description: &desc,
	}
}

func TestHashDeterministicAndPrefixed(t *testing.T) {
	a, b := sample(), sample()
	b.BrokerID = "other-broker"
	b.Vertical = "hvac"

	ha, hb := Hash(a), Hash(b)
	if ha != hb {
		t.Fatalf("fields outside the fingerprint must not change the digest: %s vs %s", ha, hb)
	}
	if !strings.HasPrefix(ha, Prefix) || len(ha) != len(Prefix)+64 {
		t.Fatalf("unexpected digest format %q", ha)
	}
}

func TestHashChangesWithEachField(t *testing.T) {
	base := Hash(sample())
	other := int64(1)
	text := "x"
	mutations := map[string]func(f *listing.Fields){
		"title":       func(f *listing.Fields) { f.Title += "!" },
		"price":       func(f *listing.Fields) { f.AskingPrice = &other },
		"revenue":     func(f *listing.Fields) { f.Revenue = nil },
		"cash_flow":   func(f *listing.Fields) { f.CashFlow = &other },
		"city":        func(f *listing.Fields) { f.City = &text },
		"state":       func(f *listing.Fields) { f.State = nil },
		"description": func(f *listing.Fields) { f.Description = &text },
	}
	for name, mutate := range mutations {
		f := sample()
		mutate(&f)
		if Hash(f) == base {
			t.Errorf("changing %s did not change the digest", name)
		}
	}
}

func TestHashNullDistinctFromEmpty(t *testing.T) {
	a, b := sample(), sample()
	empty := ""
	a.City = nil
	b.City = &empty
	if Hash(a) == Hash(b) {
		t.Fatalf("null and empty city collided")
	}
}

func TestHashSeparatorCannotShiftFields(t *testing.T) {
	a, b := sample(), sample()
	x, y := "Austin|5:TX", "TX"
	a.City, a.State = &x, nil
	b.City, b.State = &y, &y
	if Hash(a) == Hash(b) {
		t.Fatalf("crafted values collided across fields")
	}
}

func TestHashUsesDescriptionPrefixOnly(t *testing.T) {
	a, b := sample(), sample()
	long := strings.Repeat("é", 500)
	longer := long + " plus trailing detail"
	a.Description = &long
	b.Description = &longer
	if Hash(a) != Hash(b) {
		t.Fatalf("characters past 500 must not affect the digest")
	}
	changed := strings.Repeat("é", 499) + "e"
	b.Description = &changed
	if Hash(a) == Hash(b) {
		t.Fatalf("a change within the first 500 characters must affect the digest")
	}
}
