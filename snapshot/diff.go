package snapshot

import (
	"slices"
	"sort"

	"dealledger/listing"
)

// Options controls Compare.
type Options struct {
	// Ignore lists columns left out of the comparison, such as last_seen.
	Ignore []string
}

type FieldChange struct {
	ID    string  `json:"id"`
	Field string  `json:"field"`
	Old   *string `json:"old_value"`
	New   *string `json:"new_value"`
}

type StatusChange struct {
	ID   string `json:"id"`
	From string `json:"from"`
	To   string `json:"to"`
}

// Diff is the difference between two snapshots.
type Diff struct {
	Added         []string       `json:"added"`
	Removed       []string       `json:"removed"`
	StatusChanged []StatusChange `json:"status_changed"`
	Changes       []FieldChange  `json:"changes"`
}

// Empty reports whether the snapshots are equivalent.
func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.StatusChanged) == 0 && len(d.Changes) == 0
}

// Compare lists listings added and removed between from and to, status moves, and every
// changed cell of listings present in both. Null and empty cells compare equal because the
// CSV form cannot tell them apart.
func Compare(from, to Table, opts Options) Diff {
	d := Diff{
		Added:         []string{},
		Removed:       []string{},
		StatusChanged: []StatusChange{},
		Changes:       []FieldChange{},
	}
	for id := range to.Rows {
		if _, ok := from.Rows[id]; !ok {
			d.Added = append(d.Added, id)
		}
	}
	var common []string
	for id := range from.Rows {
		if _, ok := to.Rows[id]; ok {
			common = append(common, id)
		} else {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(common)

	for _, id := range common {
		before, after := from.Rows[id], to.Rows[id]
		for _, col := range columnsOf(before, after) {
			if col == "id" || slices.Contains(opts.Ignore, col) {
				continue
			}
			if cell(before[col]) == cell(after[col]) {
				continue
			}
			d.Changes = append(d.Changes, FieldChange{ID: id, Field: col, Old: before[col], New: after[col]})
			if col == "status" {
				d.StatusChanged = append(d.StatusChanged, StatusChange{ID: id, From: cell(before[col]), To: cell(after[col])})
			}
		}
	}
	return d
}

func cell(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}

// columnsOf returns the union of both rows' columns, known columns first in export order.
func columnsOf(a, b map[string]*string) []string {
	var out []string
	seen := make(map[string]bool, len(listing.Columns))
	for _, col := range listing.Columns {
		seen[col] = true
		_, inA := a[col]
		_, inB := b[col]
		if inA || inB {
			out = append(out, col)
		}
	}
	var extra []string
	for _, row := range []map[string]*string{a, b} {
		for col := range row {
			if !seen[col] {
				seen[col] = true
				extra = append(extra, col)
			}
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}
