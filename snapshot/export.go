package snapshot

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"dealledger/listing"
)

// Version is the snapshot document format.
const Version = "1.0.0"

var tracer = otel.Tracer("dealledger/snapshot")

// Row is one exported listing with exactly the published fields, in column order.
type Row struct {
	ID              string   `json:"id"`
	SourceURL       string   `json:"source_url"`
	SourceID        *string  `json:"source_id"`
	BrokerID        string   `json:"broker_id"`
	BrokerName      string   `json:"broker_name"`
	FirstSeen       string   `json:"first_seen"`
	LastSeen        string   `json:"last_seen"`
	Status          string   `json:"status"`
	Title           string   `json:"title"`
	Description     *string  `json:"description"`
	AskingPrice     *int64   `json:"asking_price"`
	PriceHidden     bool     `json:"price_hidden"`
	Vertical        string   `json:"vertical"`
	Category        *string  `json:"category"`
	City            *string  `json:"city"`
	State           *string  `json:"state"`
	Country         *string  `json:"country"`
	Zip             *string  `json:"zip"`
	Region          *string  `json:"region"`
	LocationHidden  bool     `json:"location_hidden"`
	Revenue         *int64   `json:"revenue"`
	CashFlow        *int64   `json:"cash_flow"`
	EBITDA          *int64   `json:"ebitda"`
	Inventory       *int64   `json:"inventory"`
	FFE             *int64   `json:"ffe"`
	RealEstate      *bool    `json:"real_estate"`
	RealEstateValue *int64   `json:"real_estate_value"`
	YearEstablished *int     `json:"year_established"`
	Employees       *int     `json:"employees"`
	SellerFinancing *bool    `json:"seller_financing"`
	SBAPrequalified *bool    `json:"sba_prequalified"`
	Franchise       *bool    `json:"franchise"`
	FranchiseName   *string  `json:"franchise_name"`
	HomeBased       *bool    `json:"home_based"`
	Relocatable     *bool    `json:"relocatable"`
	AbsenteeOwner   *bool    `json:"absentee_owner"`
	ScrapedAt       *string  `json:"scraped_at"`
	ContentHash     string   `json:"content_hash"`
	Confidence      float64  `json:"confidence"`
	Flags           []string `json:"flags"`
}

// Document is the JSON snapshot.
type Document struct {
	SnapshotVersion string `json:"snapshot_version"`
	GeneratedAt     string `json:"generated_at"`
	ListingsCount   int    `json:"listings_count"`
	Listings        []Row  `json:"listings"`
}

// NewRow flattens a record into its exported form.
func NewRow(rec listing.Record) Row {
	row := Row{
		ID:              rec.ID,
		SourceURL:       rec.SourceURL,
		SourceID:        rec.SourceID,
		BrokerID:        rec.BrokerID,
		BrokerName:      rec.BrokerName,
		FirstSeen:       listing.FormatTime(rec.FirstSeen),
		LastSeen:        listing.FormatTime(rec.LastSeen),
		Status:          string(rec.Status),
		Title:           rec.Title,
		Description:     rec.Description,
		AskingPrice:     rec.AskingPrice,
		PriceHidden:     rec.PriceHidden,
		Vertical:        rec.Vertical,
		Category:        rec.Category,
		City:            rec.City,
		State:           rec.State,
		Country:         rec.Country,
		Zip:             rec.Zip,
		Region:          rec.Region,
		LocationHidden:  rec.LocationHidden,
		Revenue:         rec.Revenue,
		CashFlow:        rec.CashFlow,
		EBITDA:          rec.EBITDA,
		Inventory:       rec.Inventory,
		FFE:             rec.FFE,
		RealEstate:      rec.RealEstate,
		RealEstateValue: rec.RealEstateValue,
		YearEstablished: rec.YearEstablished,
		Employees:       rec.Employees,
		SellerFinancing: rec.SellerFinancing,
		SBAPrequalified: rec.SBAPrequalified,
		Franchise:       rec.Franchise,
		FranchiseName:   rec.FranchiseName,
		HomeBased:       rec.HomeBased,
		Relocatable:     rec.Relocatable,
		AbsenteeOwner:   rec.AbsenteeOwner,
		ContentHash:     rec.ContentHash,
		Confidence:      rec.Confidence,
		Flags:           rec.Flags.Strings(),
	}
	if !rec.ScrapedAt.IsZero() {
		s := listing.FormatTime(rec.ScrapedAt)
		row.ScrapedAt = &s
	}
	return row
}

// Build renders records into a snapshot document.
func Build(records []listing.Record, generatedAt time.Time) Document {
	rows := make([]Row, len(records))
	for i, rec := range records {
		rows[i] = NewRow(rec)
	}
	return Document{
		SnapshotVersion: Version,
		GeneratedAt:     listing.FormatTime(generatedAt),
		ListingsCount:   len(rows),
		Listings:        rows,
	}
}

func WriteJSON(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("snapshot: encode json: %w", err)
	}
	return nil
}

// WriteCSV writes one row per record under the fixed column header. Null values are empty
// cells and flags are joined with '|'.
func WriteCSV(w io.Writer, records []listing.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(listing.Columns); err != nil {
		return fmt.Errorf("snapshot: write header: %w", err)
	}
	cells := make([]string, len(listing.Columns))
	for _, rec := range records {
		for i, v := range rec.Values() {
			cells[i] = ""
			if v != nil {
				cells[i] = *v
			}
		}
		if err := cw.Write(cells); err != nil {
			return fmt.Errorf("snapshot: write row %s: %w", rec.ID, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("snapshot: flush csv: %w", err)
	}
	return nil
}

// HistoryColumns is the header of the history export. Rows keep ledger order.
var HistoryColumns = []string{"listing_id", "timestamp", "field", "old_value", "new_value"}

type historyRow struct {
	ListingID string  `json:"listing_id"`
	Timestamp string  `json:"timestamp"`
	Field     string  `json:"field"`
	OldValue  *string `json:"old_value"`
	NewValue  *string `json:"new_value"`
}

func WriteHistoryJSON(w io.Writer, history []listing.History) error {
	rows := make([]historyRow, len(history))
	for i, h := range history {
		rows[i] = historyRow{
			ListingID: h.ListingID,
			Timestamp: listing.FormatTime(h.Timestamp),
			Field:     h.Field,
			OldValue:  h.OldValue,
			NewValue:  h.NewValue,
		}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rows); err != nil {
		return fmt.Errorf("snapshot: encode history: %w", err)
	}
	return nil
}

func WriteHistoryCSV(w io.Writer, history []listing.History) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(HistoryColumns); err != nil {
		return fmt.Errorf("snapshot: write history header: %w", err)
	}
	deref := func(s *string) string {
		if s == nil {
			return ""
		}
		return *s
	}
	for _, h := range history {
		row := []string{
			h.ListingID, listing.FormatTime(h.Timestamp), h.Field,
			deref(h.OldValue), deref(h.NewValue),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("snapshot: write history row %d: %w", h.Seq, err)
		}
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		return fmt.Errorf("snapshot: flush history csv: %w", err)
	}
	return nil
}

// Export is the set of files one ExportDir call produced.
type Export struct {
	Files    []string
	Manifest string
}

// ExportDir writes dated listing and history exports plus latest.* copies into dir. With a
// signer it also writes a manifest token over the JSON snapshot.
func ExportDir(ctx context.Context, dir string, records []listing.Record, history []listing.History, generatedAt time.Time, signer *Signer) (out Export, err error) {
	_, span := tracer.Start(ctx, "ExportDir")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()
	span.SetAttributes(attribute.Int("listings", len(records)), attribute.Int("history", len(history)))

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return Export{}, fmt.Errorf("snapshot: create %s: %w", dir, err)
	}
	date := generatedAt.UTC().Format("2006-01-02")
	doc := Build(records, generatedAt)

	var snapshotJSON []byte
	writers := []struct {
		name  string
		write func(io.Writer) error
	}{
		{"listings_" + date + ".json", func(w io.Writer) error { return WriteJSON(w, doc) }},
		{"listings_" + date + ".csv", func(w io.Writer) error { return WriteCSV(w, records) }},
		{"history_" + date + ".json", func(w io.Writer) error { return WriteHistoryJSON(w, history) }},
		{"history_" + date + ".csv", func(w io.Writer) error { return WriteHistoryCSV(w, history) }},
		{"latest.json", func(w io.Writer) error { return WriteJSON(w, doc) }},
		{"latest.csv", func(w io.Writer) error { return WriteCSV(w, records) }},
	}
	for _, fw := range writers {
		path := filepath.Join(dir, fw.name)
		if err := writeFile(path, fw.write); err != nil {
			return Export{}, err
		}
		out.Files = append(out.Files, path)
		if fw.name == "latest.json" {
			if snapshotJSON, err = os.ReadFile(path); err != nil {
				return Export{}, fmt.Errorf("snapshot: reread %s: %w", path, err)
			}
		}
	}

	if signer != nil {
		token, err := signer.Sign(snapshotJSON, doc.ListingsCount, generatedAt)
		if err != nil {
			return Export{}, err
		}
		path := filepath.Join(dir, "manifest_"+date+".jwt")
		if err := writeFile(path, func(w io.Writer) error {
			_, err := io.WriteString(w, token+"\n")
			return err
		}); err != nil {
			return Export{}, err
		}
		out.Manifest = path
		out.Files = append(out.Files, path)
	}
	return out, nil
}

// writeFile writes through a temporary file so readers never see a partial export.
func writeFile(path string, write func(io.Writer) error) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("snapshot: create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	if err := write(bw); err != nil {
		f.Close()
		os.Remove(tmp)
		return err
	}
	if err := bw.Flush(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("snapshot: write %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("snapshot: close %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("snapshot: rename %s: %w", path, err)
	}
	return nil
}
