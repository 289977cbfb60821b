package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"dealledger/ingest"
	"dealledger/ledger"
	"dealledger/normalize"
)

// Config holds all runtime configuration loaded from environment variables and the policy file.
type Config struct {
	DatabaseURL    string
	StatePath      string
	ExportDir      string
	SigningKey     string
	Workers        int
	MaxRetries     int
	RetryBaseDelay time.Duration
	LogLevel       string
	PolicyPath     string

	Policy Policy
}

// Load reads the .env file if present, then the environment, then the policy file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: load .env: %w", err)
	}

	cfg := &Config{
		DatabaseURL:    getEnv("DATABASE_URL", ""),
		StatePath:      getEnv("LEDGER_STATE_PATH", "data/ledger.json"),
		ExportDir:      getEnv("LEDGER_EXPORT_DIR", "exports"),
		SigningKey:     getEnv("LEDGER_SIGNING_KEY", ""),
		Workers:        getEnvInt("LEDGER_WORKERS", 4),
		MaxRetries:     getEnvInt("LEDGER_MAX_RETRIES", 3),
		RetryBaseDelay: getEnvDuration("LEDGER_RETRY_BASE_DELAY", 200*time.Millisecond),
		LogLevel:       getEnv("LOG_LEVEL", "info"),
		PolicyPath:     getEnv("LEDGER_POLICY_PATH", "ledger.json5"),
	}

	policy, err := LoadPolicy(cfg.PolicyPath)
	if err != nil {
		return nil, err
	}
	cfg.Policy = policy
	return cfg, nil
}

// Level parses LogLevel, falling back to info.
func (c *Config) Level() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.TrimSpace(c.LogLevel))); err != nil {
		return slog.LevelInfo
	}
	return level
}

// LedgerOptions converts the policy into ledger tuning.
func (c *Config) LedgerOptions() ledger.Options {
	return c.Policy.ledgerOptions()
}

// NormalizeOptions converts the configured FX rates.
func (c *Config) NormalizeOptions() normalize.Options {
	return normalize.Options{Rates: c.Policy.rates()}
}

// IngestOptions converts worker and retry settings.
func (c *Config) IngestOptions() ingest.Options {
	return ingest.Options{
		Workers: c.Workers,
		Retry: ingest.RetryConfig{
			MaxAttempts: c.MaxRetries + 1,
			BaseDelay:   c.RetryBaseDelay,
		},
	}
}

func getEnv(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		n, err := strconv.Atoi(val)
		if err == nil {
			return n
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		d, err := time.ParseDuration(val)
		if err == nil {
			return d
		}
	}
	return fallback
}
