package commands

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"dealledger/ledger"
)

const batch = `{"source_url":"https://acme.example/l/1","broker_id":"acme","broker_name":"Acme Business Brokers","title":"Coin Laundry","status":"active","asking_price":"$450,000","revenue":"300000","city":"Austin","state":"TX","scraped_at":"2024-03-01T11:00:00Z"}
{"source_url":"https://acme.example/l/2","broker_id":"acme","title":"","status":"active"}
{"source_url":"https://bizco.example/listing/9","broker_id":"bizco","title":"Austin Car Wash","status":"under contract","asking_price":"1.2M","city":"Austin","state":"TX","scraped_at":"2024-03-01T12:00:00Z"}
`

func run(t *testing.T, args ...string) {
	t.Helper()
	rootCmd.SetArgs(args)
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		t.Fatalf("ledger %v: %v", args, err)
	}
}

func TestIngestExportAndVerify(t *testing.T) {
	dir := t.TempDir()
	state := filepath.Join(dir, "data", "ledger.json")
	exports := filepath.Join(dir, "exports")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("LEDGER_STATE_PATH", state)
	t.Setenv("LEDGER_EXPORT_DIR", exports)
	t.Setenv("LEDGER_SIGNING_KEY", "cli-test-key")
	t.Setenv("LEDGER_POLICY_PATH", filepath.Join(dir, "ledger.json5"))
	t.Setenv("LOG_LEVEL", "error")

	input := filepath.Join(dir, "batch.jsonl")
	if err := os.WriteFile(input, []byte(batch), 0o644); err != nil {
		t.Fatalf("write batch: %v", err)
	}

	run(t, "ingest", input)

	repo, err := ledger.OpenMemoryRepository(state)
	if err != nil {
		t.Fatalf("open state: %v", err)
	}
	records, _ := repo.Listings(context.Background())
	if len(records) != 2 {
		t.Fatalf("expected 2 listings after ingest, got %d", len(records))
	}
	brokers, _ := repo.Brokers(context.Background())
	if len(brokers) != 2 {
		t.Fatalf("expected 2 brokers, got %d", len(brokers))
	}

	run(t, "verify-broker", "acme")
	run(t, "export")

	manifests, _ := filepath.Glob(filepath.Join(exports, "manifest_*.jwt"))
	if len(manifests) != 1 {
		t.Fatalf("expected one manifest, got %v", manifests)
	}
	latest := filepath.Join(exports, "latest.json")
	run(t, "verify-manifest", manifests[0], latest)
	run(t, "diff", latest)
	run(t, "diff", latest, filepath.Join(exports, "latest.csv"))
	run(t, "stats")

	reopened, err := ledger.OpenMemoryRepository(state)
	if err != nil {
		t.Fatalf("reopen state: %v", err)
	}
	acme, err := reopened.GetByID(context.Background(), "acme")
	if err != nil || !acme.Verified {
		t.Fatalf("expected acme to be verified, got %+v (%v)", acme, err)
	}
}
