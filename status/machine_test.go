package status

import (
	"testing"

	"dealledger/listing"
)

func TestTransitionTable(t *testing.T) {
	cases := []struct {
		from    listing.Status
		trigger Trigger
		want    listing.Status
		flag    listing.Flag
	}{
		{listing.StatusActive, TriggerUnreachable, listing.StatusRemoved, ""},
		{listing.StatusActive, TriggerSold, listing.StatusSold, ""},
		{listing.StatusActive, TriggerPending, listing.StatusPending, ""},
		{listing.StatusRemoved, TriggerVisible, listing.StatusActive, listing.FlagRelistDetected},
		{listing.StatusRemoved, TriggerRelist, listing.StatusRelisted, listing.FlagRelistDetected},
		{listing.StatusPending, TriggerVisible, listing.StatusActive, ""},
		{listing.StatusActive, TriggerVisible, listing.StatusActive, ""},
		{listing.StatusSold, TriggerSold, listing.StatusSold, ""},
		{listing.StatusRelisted, TriggerVisible, listing.StatusRelisted, ""},
		{listing.StatusSold, TriggerVisible, listing.StatusActive, listing.FlagRelistDetected},
		{listing.StatusSold, TriggerRelist, listing.StatusRelisted, listing.FlagRelistDetected},
		{listing.StatusRelisted, TriggerUnreachable, listing.StatusRemoved, ""},
		{listing.StatusRelisted, TriggerSold, listing.StatusSold, ""},
		{listing.StatusRelisted, TriggerPending, listing.StatusPending, ""},
	}

	for _, tc := range cases {
		out := Transition(tc.from, tc.trigger)
		if out.Anomaly != nil {
			t.Errorf("%s/%s: unexpected anomaly %v", tc.from, tc.trigger, out.Anomaly)
		}
		if out.To != tc.want {
			t.Errorf("%s/%s: got %s, want %s", tc.from, tc.trigger, out.To, tc.want)
		}
		if tc.flag != "" && (len(out.Flags) != 1 || out.Flags[0] != tc.flag) {
			t.Errorf("%s/%s: flags %v, want [%s]", tc.from, tc.trigger, out.Flags, tc.flag)
		}
		if tc.flag == "" && len(out.Flags) != 0 {
			t.Errorf("%s/%s: unexpected flags %v", tc.from, tc.trigger, out.Flags)
		}
	}
}

func TestTransitionClosure(t *testing.T) {
	for _, from := range States {
		for _, trigger := range Triggers {
			out := Transition(from, trigger)
			if !out.To.Valid() {
				t.Fatalf("%s/%s produced invalid state %q", from, trigger, out.To)
			}
			if Legal(from, trigger) {
				if out.Anomaly != nil {
					t.Errorf("%s/%s is legal but reported anomaly", from, trigger)
				}
				continue
			}
			if out.Anomaly == nil {
				t.Errorf("%s/%s is illegal but no anomaly reported", from, trigger)
				continue
			}
			if out.To != from || out.Anomaly.Clamped != from {
				t.Errorf("%s/%s clamped to %s, want %s", from, trigger, out.To, from)
			}
		}
	}
}

func TestNoStateIsTerminal(t *testing.T) {
	for _, from := range States {
		left := false
		for _, trigger := range Triggers {
			if out := Transition(from, trigger); out.Anomaly == nil && out.To != from {
				left = true
			}
		}
		if !left {
			t.Errorf("%s has no legal way out", from)
		}
	}
}

func TestSoldListingCannotGoPending(t *testing.T) {
	out := Transition(listing.StatusSold, TriggerPending)
	if out.To != listing.StatusSold {
		t.Fatalf("expected sold to be kept, got %s", out.To)
	}
	if out.Anomaly == nil || out.Anomaly.Claimed != listing.StatusPending {
		t.Fatalf("expected anomaly claiming pending, got %+v", out.Anomaly)
	}
}

func TestParseTrigger(t *testing.T) {
	cases := map[string]Trigger{
		"Active":              TriggerVisible,
		"":                    TriggerVisible,
		"SOLD":                TriggerSold,
		"Under Contract":      TriggerPending,
		"pending":             TriggerPending,
		"Delisted":            TriggerUnreachable,
		"relisted":            TriggerRelist,
		"Closed":              TriggerSold,
		"Undisclosed":         TriggerVisible,
		"Price not disclosed": TriggerVisible,
		"Loiter":              TriggerVisible,
	}
	for in, want := range cases {
		if got := ParseTrigger(in, true); got != want {
			t.Errorf("ParseTrigger(%q) = %s, want %s", in, got, want)
		}
	}
	if got := ParseTrigger("active", false); got != TriggerUnreachable {
		t.Errorf("unreachable check must win, got %s", got)
	}
}
