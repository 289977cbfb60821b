package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"dealledger/ledger"
	"dealledger/listing"
	"dealledger/normalize"
	"dealledger/observation"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeLedger struct {
	mu       sync.Mutex
	failures map[string]int
	applied  map[string][]string
	calls    map[string]int
	flushes  int
	flushErr error

	delay       time.Duration
	inFlight    atomic.Int32
	maxInFlight atomic.Int32
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		failures: make(map[string]int),
		applied:  make(map[string][]string),
		calls:    make(map[string]int),
	}
}

func (f *fakeLedger) Apply(_ context.Context, obs normalize.Result) (ledger.ApplyResult, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		max := f.maxInFlight.Load()
		if n <= max || f.maxInFlight.CompareAndSwap(max, n) {
			break
		}
	}
	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[obs.SourceURL]++
	if f.failures[obs.SourceURL] > 0 {
		f.failures[obs.SourceURL]--
		return ledger.ApplyResult{}, &ledger.PersistenceError{Op: "commit tx", Err: errors.New("connection reset")}
	}
	f.applied[obs.BrokerID] = append(f.applied[obs.BrokerID], obs.SourceURL)
	return ledger.ApplyResult{Created: true}, nil
}

func (f *fakeLedger) Flush(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return f.flushErr
}

func obs(brokerID, url, title string) observation.Observation {
	return observation.Observation{
		SourceURL:   url,
		BrokerID:    brokerID,
		Title:       title,
		Status:      "active",
		AskingPrice: observation.T("$450,000"),
		City:        observation.T("Austin"),
		State:       observation.T("TX"),
		ScrapedAt:   time.Date(2024, 3, 1, 11, 0, 0, 0, time.UTC),
	}
}

func fastRetry(attempts int) Options {
	return Options{Workers: 2, Retry: RetryConfig{MaxAttempts: attempts, BaseDelay: time.Millisecond}}
}

func TestRunRetriesPersistenceFailures(t *testing.T) {
	fake := newFakeLedger()
	fake.failures["https://a.example/1"] = 2
	fake.failures["https://a.example/2"] = 5

	p := NewPipeline(normalize.NewNormalizer(normalize.Options{}), fake).
		WithOptions(fastRetry(3)).
		WithLogger(quiet)

	report, err := p.Run(context.Background(), []observation.Observation{
		obs("a", "https://a.example/1", "Coin Laundry"),
		obs("a", "https://a.example/2", "Car Wash"),
		obs("a", "https://a.example/3", "Bakery"),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Applied != 2 || report.Failed != 1 || report.Created != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if got := fake.calls["https://a.example/1"]; got != 3 {
		t.Fatalf("expected 3 attempts for the flaky observation, got %d", got)
	}
	if got := fake.calls["https://a.example/2"]; got != 3 {
		t.Fatalf("expected attempts capped at 3, got %d", got)
	}
	if len(report.Errors) != 1 || report.Errors[0].Outcome != OutcomeFailed {
		t.Fatalf("expected one failed observation, got %+v", report.Errors)
	}
	if !errors.Is(report.Errors[0].Err, ledger.ErrPersistence) {
		t.Fatalf("failure should keep its cause, got %v", report.Errors[0].Err)
	}
	if fake.flushes != 1 {
		t.Fatalf("expected one flush, got %d", fake.flushes)
	}
}

func TestRunKeepsOrderWithinBrokerAndBoundsWorkers(t *testing.T) {
	fake := newFakeLedger()
	fake.delay = 2 * time.Millisecond

	var batch []observation.Observation
	want := map[string][]string{}
	for _, b := range []string{"a", "b", "c", "d", "e"} {
		for _, n := range []string{"1", "2", "3", "4"} {
			url := "https://" + b + ".example/" + n
			batch = append(batch, obs(b, url, "Listing "+n))
			want[b] = append(want[b], url)
		}
	}

	p := NewPipeline(normalize.NewNormalizer(normalize.Options{}), fake).
		WithOptions(fastRetry(1)).
		WithLogger(quiet)
	report, err := p.Run(context.Background(), batch)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Brokers != 5 || report.Applied != 20 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if diff := cmp.Diff(want, fake.applied); diff != "" {
		t.Fatalf("per-broker order mismatch (-want +got):\n%s", diff)
	}
	if max := fake.maxInFlight.Load(); max > 2 {
		t.Fatalf("expected at most 2 concurrent applies, saw %d", max)
	}
}

func TestRunSkipsRemainingWorkOnCancel(t *testing.T) {
	fake := newFakeLedger()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := NewPipeline(normalize.NewNormalizer(normalize.Options{}), fake).WithLogger(quiet)
	report, err := p.Run(ctx, []observation.Observation{
		obs("a", "https://a.example/1", "Coin Laundry"),
		obs("b", "https://b.example/1", "Car Wash"),
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if report.Skipped != 2 || report.Applied != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if fake.flushes != 1 {
		t.Fatalf("ledger must still be flushed after cancellation")
	}
}

func TestRunReportsFlushFailure(t *testing.T) {
	fake := newFakeLedger()
	fake.flushErr = errors.New("disk full")

	p := NewPipeline(normalize.NewNormalizer(normalize.Options{}), fake).WithLogger(quiet)
	report, err := p.Run(context.Background(), []observation.Observation{obs("a", "https://a.example/1", "Coin Laundry")})
	if err == nil {
		t.Fatalf("expected flush error")
	}
	if report.Applied != 1 {
		t.Fatalf("applied work should still be reported, got %+v", report)
	}
}

func TestRunAgainstMemoryLedger(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ledger.json")
	repo, err := ledger.OpenMemoryRepository(path)
	if err != nil {
		t.Fatalf("open repository: %v", err)
	}
	svc := ledger.NewService(repo).WithLogger(quiet)
	p := NewPipeline(normalize.NewNormalizer(normalize.Options{}), svc).WithLogger(quiet)

	missingTitle := obs("a", "https://a.example/2", "")
	badURL := obs("a", "not a url", "Dry Cleaner")

	report, err := p.Run(context.Background(), []observation.Observation{
		obs("a", "https://a.example/1", "Coin Laundry"),
		missingTitle,
		badURL,
		obs("a", "https://a.example/1", "Coin Laundry"),
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if report.Created != 1 || report.Unchanged != 1 || report.Rejected != 2 {
		t.Fatalf("unexpected report: %+v", report)
	}
	var verr *normalize.ValidationError
	if !errors.As(report.Errors[0].Err, &verr) || verr.Missing[0] != "title" {
		t.Fatalf("expected missing title validation error, got %v", report.Errors[0].Err)
	}

	reopened, err := ledger.OpenMemoryRepository(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	records, err := reopened.Listings(context.Background())
	if err != nil {
		t.Fatalf("listings: %v", err)
	}
	if len(records) != 1 || records[0].Title != "Coin Laundry" || records[0].Status != listing.StatusActive {
		t.Fatalf("unexpected persisted listings: %+v", records)
	}
}

func TestRunSourceRejectsMalformedLinesOnly(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.jsonl")
	lines := `{"source_url":"https://a.example/1","broker_id":"a","title":"Coin Laundry","status":"active"}
{"source_url":"https://b.example/1","broker_id":"b","title":
{"source_url":"https://c.example/1","broker_id":"c","title":"Car Wash","status":"active"}
`
	if err := os.WriteFile(path, []byte(lines), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	fake := newFakeLedger()
	p := NewPipeline(normalize.NewNormalizer(normalize.Options{}), fake).WithLogger(quiet)
	report, err := p.RunSource(context.Background(), observation.FileSource{Path: path})
	if err != nil {
		t.Fatalf("run source: %v", err)
	}
	if report.Observed != 3 || report.Applied != 2 || report.Rejected != 1 {
		t.Fatalf("unexpected report: %+v", report)
	}
	if len(fake.applied["a"]) != 1 || len(fake.applied["c"]) != 1 {
		t.Fatalf("other brokers must still be applied, got %+v", fake.applied)
	}
	var le *observation.LineError
	if len(report.Errors) != 1 || !errors.As(report.Errors[0].Err, &le) || le.Line != 2 {
		t.Fatalf("expected line 2 to be rejected, got %+v", report.Errors)
	}
}

func TestGroupByBroker(t *testing.T) {
	groups := groupByBroker([]observation.Observation{
		obs("b", "https://b.example/1", "x"),
		obs("a", "https://a.example/1", "x"),
		obs("b", "https://b.example/2", "x"),
	})
	if len(groups) != 2 || groups[0].brokerID != "b" || groups[1].brokerID != "a" {
		t.Fatalf("unexpected groups: %+v", groups)
	}
	if len(groups[0].observations) != 2 || groups[0].observations[1].SourceURL != "https://b.example/2" {
		t.Fatalf("observations out of order: %+v", groups[0].observations)
	}
}
