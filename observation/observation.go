package observation

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Text is a raw scalar from a scraper. Scrapers emit strings, numbers or booleans for the
// same field depending on the site, so all of them decode into text.
type Text struct {
	Value string
	Set   bool
}

// T builds a set Text; handy in tests and adapters.
func T(v string) Text { return Text{Value: v, Set: true} }

// String returns the trimmed value, empty when unset.
func (t Text) String() string {
	if !t.Set {
		return ""
	}
	return strings.TrimSpace(t.Value)
}

// Empty reports whether the text is unset or blank.
func (t Text) Empty() bool { return t.String() == "" }

func (t *Text) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*t = Text{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return fmt.Errorf("observation: decode text: %w", err)
		}
		*t = Text{Value: s, Set: true}
		return nil
	}
	switch string(data) {
	case "true", "false":
		*t = Text{Value: string(data), Set: true}
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return fmt.Errorf("observation: unsupported scalar %s", data)
	}
	*t = Text{Value: string(data), Set: true}
	return nil
}

func (t Text) MarshalJSON() ([]byte, error) {
	if !t.Set {
		return []byte("null"), nil
	}
	return json.Marshal(t.Value)
}

// Observation is one raw listing observation produced by a scraper per scrape cycle.
type Observation struct {
	SourceURL     string `json:"source_url"`
	SourceID      Text   `json:"source_id"`
	BrokerID      string `json:"broker_id"`
	BrokerName    string `json:"broker_name"`
	BrokerWebsite string `json:"broker_website,omitempty"`

	Title       string `json:"title"`
	Description Text   `json:"description"`
	Status      string `json:"status"`

	// Reachable is the result of the source URL check; nil means the page was fetched.
	Reachable  *bool `json:"reachable,omitempty"`
	HTTPStatus int   `json:"http_status,omitempty"`

	AskingPrice Text `json:"asking_price"`
	Currency    Text `json:"currency"`
	FXRate      Text `json:"fx_rate"`

	Revenue         Text `json:"revenue"`
	CashFlow        Text `json:"cash_flow"`
	EBITDA          Text `json:"ebitda"`
	Inventory       Text `json:"inventory"`
	FFE             Text `json:"ffe"`
	RealEstate      Text `json:"real_estate"`
	RealEstateValue Text `json:"real_estate_value"`
	YearEstablished Text `json:"year_established"`
	Employees       Text `json:"employees"`

	SellerFinancing Text `json:"seller_financing"`
	SBAPrequalified Text `json:"sba_prequalified"`
	Franchise       Text `json:"franchise"`
	FranchiseName   Text `json:"franchise_name"`
	HomeBased       Text `json:"home_based"`
	Relocatable     Text `json:"relocatable"`
	AbsenteeOwner   Text `json:"absentee_owner"`

	Category Text `json:"category"`
	City     Text `json:"city"`
	State    Text `json:"state"`
	Country  Text `json:"country"`
	Zip      Text `json:"zip"`
	Region   Text `json:"region"`
	Location Text `json:"location"`

	ScrapedAt time.Time `json:"scraped_at"`
}

// IsReachable folds the reachability flag and HTTP status into one answer.
func (o Observation) IsReachable() bool {
	if o.Reachable != nil && !*o.Reachable {
		return false
	}
	switch o.HTTPStatus {
	case 404, 410:
		return false
	}
	return true
}

// Source is implemented by anything that produces raw observations, such as a broker scraper.
type Source interface {
	Name() string
	Observations(ctx context.Context) ([]Observation, error)
}

// LineError is a JSONL line that did not decode.
type LineError struct {
	Line int
	Err  error
}

func (e *LineError) Error() string {
	return fmt.Sprintf("observation: line %d: %v", e.Line, e.Err)
}

func (e *LineError) Unwrap() error { return e.Err }

// DecodeErrors lists the lines ReadJSONL had to skip.
type DecodeErrors []*LineError

func (d DecodeErrors) Error() string {
	msgs := make([]string, len(d))
	for i, e := range d {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "; ")
}

// ReadJSONL decodes one observation per non-empty line. Malformed lines are skipped and
// returned as DecodeErrors together with every line that did decode.
func ReadJSONL(r io.Reader) ([]Observation, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var (
		out []Observation
		bad DecodeErrors
	)
	line := 0
	for scanner.Scan() {
		line++
		raw := bytes.TrimSpace(scanner.Bytes())
		if len(raw) == 0 {
			continue
		}
		var obs Observation
		if err := json.Unmarshal(raw, &obs); err != nil {
			bad = append(bad, &LineError{Line: line, Err: err})
			continue
		}
		out = append(out, obs)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("observation: scan: %w", err)
	}
	if len(bad) > 0 {
		return out, bad
	}
	return out, nil
}

// FileSource reads observations from a JSONL file written by a scraper run.
type FileSource struct {
	Path string
}

func (f FileSource) Name() string { return f.Path }

func (f FileSource) Observations(ctx context.Context) ([]Observation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	file, err := os.Open(f.Path)
	if err != nil {
		return nil, fmt.Errorf("observation: open %s: %w", f.Path, err)
	}
	defer file.Close()
	return ReadJSONL(file)
}
