package snapshot

import (
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"dealledger/listing"
)

// Table is a point-in-time view keyed by listing id then column. A nil cell is null.
type Table struct {
	Rows map[string]map[string]*string
}

// Len returns the number of listings.
func (t Table) Len() int { return len(t.Rows) }

// FromRecords builds the table of live ledger state.
func FromRecords(records []listing.Record) Table {
	t := Table{Rows: make(map[string]map[string]*string, len(records))}
	for _, rec := range records {
		row := make(map[string]*string, len(listing.Columns))
		for _, col := range listing.Columns {
			row[col] = rec.Value(col)
		}
		t.Rows[rec.ID] = row
	}
	return t
}

// Record parses an exported row back into a listing record.
func (r Row) Record() (listing.Record, error) {
	rec := listing.Record{
		ID: r.ID,
		Fields: listing.Fields{
			SourceURL:       r.SourceURL,
			SourceID:        r.SourceID,
			BrokerID:        r.BrokerID,
			BrokerName:      r.BrokerName,
			Title:           r.Title,
			Description:     r.Description,
			AskingPrice:     r.AskingPrice,
			PriceHidden:     r.PriceHidden,
			Vertical:        r.Vertical,
			Category:        r.Category,
			City:            r.City,
			State:           r.State,
			Country:         r.Country,
			Zip:             r.Zip,
			Region:          r.Region,
			LocationHidden:  r.LocationHidden,
			Revenue:         r.Revenue,
			CashFlow:        r.CashFlow,
			EBITDA:          r.EBITDA,
			Inventory:       r.Inventory,
			FFE:             r.FFE,
			RealEstate:      r.RealEstate,
			RealEstateValue: r.RealEstateValue,
			YearEstablished: r.YearEstablished,
			Employees:       r.Employees,
			SellerFinancing: r.SellerFinancing,
			SBAPrequalified: r.SBAPrequalified,
			Franchise:       r.Franchise,
			FranchiseName:   r.FranchiseName,
			HomeBased:       r.HomeBased,
			Relocatable:     r.Relocatable,
			AbsenteeOwner:   r.AbsenteeOwner,
		},
		Status:      listing.Status(r.Status),
		ContentHash: r.ContentHash,
		Confidence:  r.Confidence,
		Flags:       listing.NewFlagSet(),
	}
	for _, f := range r.Flags {
		rec.Flags.Add(listing.Flag(f))
	}

	var err error
	if rec.FirstSeen, err = parseTime("first_seen", r.FirstSeen); err != nil {
		return listing.Record{}, err
	}
	if rec.LastSeen, err = parseTime("last_seen", r.LastSeen); err != nil {
		return listing.Record{}, err
	}
	if r.ScrapedAt != nil {
		if rec.ScrapedAt, err = parseTime("scraped_at", *r.ScrapedAt); err != nil {
			return listing.Record{}, err
		}
	}
	return rec, nil
}

func parseTime(field, value string) (time.Time, error) {
	t, err := time.Parse(listing.TimeFormat, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("snapshot: parse %s %q: %w", field, value, err)
	}
	return t.UTC(), nil
}

// Records parses every row of the document.
func (d Document) Records() ([]listing.Record, error) {
	out := make([]listing.Record, 0, len(d.Listings))
	for _, row := range d.Listings {
		rec, err := row.Record()
		if err != nil {
			return nil, fmt.Errorf("snapshot: listing %s: %w", row.ID, err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// DecodeJSON reads a snapshot document.
func DecodeJSON(r io.Reader) (Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("snapshot: decode json: %w", err)
	}
	if doc.SnapshotVersion == "" {
		return Document{}, errors.New("snapshot: document has no snapshot_version")
	}
	return doc, nil
}

// ReadJSON reads a JSON snapshot into a table.
func ReadJSON(r io.Reader) (Table, error) {
	doc, err := DecodeJSON(r)
	if err != nil {
		return Table{}, err
	}
	records, err := doc.Records()
	if err != nil {
		return Table{}, err
	}
	return FromRecords(records), nil
}

// ReadCSV reads a CSV snapshot into a table. Empty cells are null.
func ReadCSV(r io.Reader) (Table, error) {
	cr := csv.NewReader(r)
	header, err := cr.Read()
	if err != nil {
		return Table{}, fmt.Errorf("snapshot: read csv header: %w", err)
	}
	idCol := -1
	for i, col := range header {
		if col == "id" {
			idCol = i
		}
	}
	if idCol < 0 {
		return Table{}, errors.New("snapshot: csv has no id column")
	}

	t := Table{Rows: make(map[string]map[string]*string)}
	for line := 2; ; line++ {
		cells, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return Table{}, fmt.Errorf("snapshot: read csv line %d: %w", line, err)
		}
		row := make(map[string]*string, len(header))
		for i, col := range header {
			if cells[i] != "" {
				v := cells[i]
				row[col] = &v
			} else {
				row[col] = nil
			}
		}
		t.Rows[cells[idCol]] = row
	}
	return t, nil
}

// ReadFile loads a .json or .csv snapshot.
func ReadFile(path string) (Table, error) {
	f, err := os.Open(path)
	if err != nil {
		return Table{}, fmt.Errorf("snapshot: open %s: %w", path, err)
	}
	defer f.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return ReadJSON(f)
	case ".csv":
		return ReadCSV(f)
	default:
		return Table{}, fmt.Errorf("snapshot: unsupported file type %s", path)
	}
}
