package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestLoadReadsEnvironment(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("DATABASE_URL", "postgres://ledger@localhost/ledger")
	t.Setenv("LEDGER_WORKERS", "8")
	t.Setenv("LEDGER_MAX_RETRIES", "not-a-number")
	t.Setenv("LEDGER_RETRY_BASE_DELAY", "50ms")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("LEDGER_POLICY_PATH", filepath.Join(dir, "ledger.json5"))

	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, "postgres://ledger@localhost/ledger", cfg.DatabaseURL)
	require.Equal(t, "data/ledger.json", cfg.StatePath)
	require.Equal(t, "exports", cfg.ExportDir)
	require.Equal(t, 8, cfg.Workers)
	require.Equal(t, 3, cfg.MaxRetries, "unparsable values fall back to the default")
	require.Equal(t, 50*time.Millisecond, cfg.RetryBaseDelay)
	require.Equal(t, slog.LevelDebug, cfg.Level())
	require.Equal(t, DefaultPolicy(), cfg.Policy)

	opts := cfg.IngestOptions()
	require.Equal(t, 8, opts.Workers)
	require.Equal(t, 4, opts.Retry.MaxAttempts, "three retries after the first attempt")
}

func TestLoadPolicyMergesLocalOverride(t *testing.T) {
	dir := t.TempDir()
	base := filepath.Join(dir, "ledger.json5")
	writeFile(t, base, `{
		// tighter matching for the pilot brokers
		similarity_threshold: 0.9,
		weights: { title: 0.5 },
		stale_days: 60,
		fx_rates: { MXN: 0.058 },
	}`)
	writeFile(t, filepath.Join(dir, "ledger.local.json5"), `{
		stale_days: 30,
		price_revenue_max: 12,
	}`)

	p, err := LoadPolicy(base)
	require.NoError(t, err)
	require.Equal(t, 0.9, p.SimilarityThreshold)
	require.Equal(t, 0.5, p.Weights.Title)
	require.Equal(t, 0.20, p.Weights.Location, "unset weights keep their defaults")
	require.Equal(t, 30, p.StaleDays)
	require.Equal(t, 12.0, p.PriceRevenueMax)
	require.Equal(t, 0.1, p.PriceRevenueMin)
	require.Equal(t, 0.058, p.FXRates["MXN"])
	require.Equal(t, 1.08, p.FXRates["EUR"])

	cfg := &Config{Policy: p}
	opts := cfg.LedgerOptions()
	require.Equal(t, 30*24*time.Hour, opts.StaleAfter)
	require.Equal(t, 0.9, opts.Similarity.Threshold)

	rates := cfg.NormalizeOptions().Rates
	require.True(t, rates["MXN"].Equal(decimal.RequireFromString("0.058")))
}

func TestLoadPolicyRejectsInvalidValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ledger.json5")

	writeFile(t, path, `{ similarity_threshold: 1.5 }`)
	if _, err := LoadPolicy(path); err == nil {
		t.Fatalf("expected threshold above 1 to be rejected")
	}

	writeFile(t, path, `{ price_revenue_min: 20 }`)
	if _, err := LoadPolicy(path); err == nil {
		t.Fatalf("expected inverted price/revenue band to be rejected")
	}

	writeFile(t, path, `{ similarity_threshold: `)
	if _, err := LoadPolicy(path); err == nil {
		t.Fatalf("expected malformed policy to be rejected")
	}
}

func TestLocalName(t *testing.T) {
	if got := localName(filepath.Join("etc", "ledger.json5")); got != filepath.Join("etc", "ledger.local.json5") {
		t.Fatalf("unexpected local name %q", got)
	}
}
