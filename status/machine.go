package status

import (
	"fmt"
	"regexp"
	"strings"

	"dealledger/listing"
)

// Trigger is the status signal carried by an observation.
type Trigger string

const (
	TriggerVisible     Trigger = "visible"
	TriggerUnreachable Trigger = "unreachable"
	TriggerSold        Trigger = "sold"
	TriggerPending     Trigger = "pending"
	TriggerRelist      Trigger = "relist"
)

// Triggers lists every trigger in a stable order.
var Triggers = []Trigger{TriggerVisible, TriggerUnreachable, TriggerSold, TriggerPending, TriggerRelist}

// States lists every listing state in a stable order.
var States = []listing.Status{
	listing.StatusActive, listing.StatusRemoved, listing.StatusSold, listing.StatusPending, listing.StatusRelisted,
}

// IllegalTransition describes a signal that the transition table does not allow.
type IllegalTransition struct {
	From    listing.Status
	Trigger Trigger
	Claimed listing.Status
	Clamped listing.Status
}

func (e *IllegalTransition) Error() string {
	return fmt.Sprintf("status: illegal transition %s -(%s)-> %s, clamped to %s", e.From, e.Trigger, e.Claimed, e.Clamped)
}

// Outcome is the result of evaluating one signal.
type Outcome struct {
	To      listing.Status
	Flags   []listing.Flag
	Anomaly *IllegalTransition
}

// Changed reports whether the state moved.
func (o Outcome) Changed(from listing.Status) bool {
	return o.To != from
}

type edge struct {
	from    listing.Status
	trigger Trigger
}

type target struct {
	to    listing.Status
	flags []listing.Flag
}

var transitions = map[edge]target{
	{listing.StatusActive, TriggerUnreachable}:   {to: listing.StatusRemoved},
	{listing.StatusActive, TriggerSold}:          {to: listing.StatusSold},
	{listing.StatusActive, TriggerPending}:       {to: listing.StatusPending},
	{listing.StatusRemoved, TriggerVisible}:      {to: listing.StatusActive, flags: []listing.Flag{listing.FlagRelistDetected}},
	{listing.StatusRemoved, TriggerRelist}:       {to: listing.StatusRelisted, flags: []listing.Flag{listing.FlagRelistDetected}},
	{listing.StatusPending, TriggerVisible}:      {to: listing.StatusActive},
	{listing.StatusSold, TriggerVisible}:         {to: listing.StatusActive, flags: []listing.Flag{listing.FlagRelistDetected}},
	{listing.StatusSold, TriggerRelist}:          {to: listing.StatusRelisted, flags: []listing.Flag{listing.FlagRelistDetected}},
	{listing.StatusRelisted, TriggerUnreachable}: {to: listing.StatusRemoved},
	{listing.StatusRelisted, TriggerSold}:        {to: listing.StatusSold},
	{listing.StatusRelisted, TriggerPending}:     {to: listing.StatusPending},
}

// claimedState is the state a trigger asserts when no table edge applies.
func claimedState(trigger Trigger) listing.Status {
	switch trigger {
	case TriggerUnreachable:
		return listing.StatusRemoved
	case TriggerSold:
		return listing.StatusSold
	case TriggerPending:
		return listing.StatusPending
	case TriggerRelist:
		return listing.StatusRelisted
	default:
		return listing.StatusActive
	}
}

// sameState reports whether trigger re-asserts the current state, which is always legal.
func sameState(from listing.Status, trigger Trigger) bool {
	claimed := claimedState(trigger)
	if claimed == from {
		return true
	}
	// A relisted listing that is still visible stays relisted.
	return from == listing.StatusRelisted && trigger == TriggerVisible
}

// Transition evaluates a status signal against the current state. Signals the table does not
// allow keep the current state and report an anomaly; they never fail.
func Transition(from listing.Status, trigger Trigger) Outcome {
	if t, ok := transitions[edge{from, trigger}]; ok {
		return Outcome{To: t.to, Flags: append([]listing.Flag(nil), t.flags...)}
	}
	if sameState(from, trigger) {
		return Outcome{To: from}
	}
	return Outcome{
		To: from,
		Anomaly: &IllegalTransition{
			From:    from,
			Trigger: trigger,
			Claimed: claimedState(trigger),
			Clamped: from,
		},
	}
}

// Legal reports whether (from, trigger) is an explicit table edge or a same-state signal.
func Legal(from listing.Status, trigger Trigger) bool {
	if _, ok := transitions[edge{from, trigger}]; ok {
		return true
	}
	return sameState(from, trigger)
}

// ParseTrigger maps broker status text and a reachability check to a trigger.
// A failed reachability check wins over whatever the page claimed.
func ParseTrigger(claimed string, reachable bool) Trigger {
	if !reachable {
		return TriggerUnreachable
	}
	s := strings.ToLower(strings.TrimSpace(claimed))
	for _, r := range triggerRules {
		if r.pattern.MatchString(s) {
			return r.trigger
		}
	}
	return TriggerVisible
}

// triggerRules are checked in order; whole words only, so "undisclosed" is not "closed".
var triggerRules = []struct {
	pattern *regexp.Regexp
	trigger Trigger
}{
	{regexp.MustCompile(`\brelist(ed|ing)?\b|\bback on (the )?market\b`), TriggerRelist},
	{regexp.MustCompile(`\b(sold|closed)\b`), TriggerSold},
	{regexp.MustCompile(`\b(pending|under contract|under offer|loi)\b`), TriggerPending},
	{regexp.MustCompile(`\b(removed|delisted|off market|withdrawn|expired)\b`), TriggerUnreachable},
}
