package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"dealledger/ledger"
)

// RetryConfig holds the parameters for the retry strategy.
type RetryConfig struct {
	MaxAttempts int
	BaseDelay   time.Duration
}

// Do executes fn with exponential back-off. Only persistence failures are retried; anything
// else is a property of the observation and would fail the same way again.
func (r RetryConfig) Do(ctx context.Context, logger *slog.Logger, operation string, fn func() error) error {
	attempts := r.MaxAttempts
	if attempts < 1 {
		attempts = 1
	}
	delay := r.BaseDelay

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ledger.ErrPersistence) {
			return lastErr
		}
		if attempt == attempts {
			break
		}

		logger.Warn("retrying", "operation", operation, "attempt", attempt, "max_attempts", attempts,
			"delay", delay, "err", lastErr)
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s: %w (last error: %v)", operation, ctx.Err(), lastErr)
		case <-timer.C:
		}
		delay *= 2
	}
	return fmt.Errorf("%s failed after %d attempts: %w", operation, attempts, lastErr)
}
