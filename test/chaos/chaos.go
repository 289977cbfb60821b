package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Killed counts backends terminated by TerminateRandomBackend.
var Killed atomic.Int64

// TerminateRandomBackend kills one of the database's other backends with probability 1/odds
// every interval, so in-flight ledger transactions die mid-commit.
func TerminateRandomBackend(ctx context.Context, pool *pgxpool.Pool, interval time.Duration, odds int, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if odds > 1 && rand.Intn(odds) != 0 {
				continue
			}
			var n int64
			err := pool.QueryRow(ctx, `
				SELECT COUNT(*) FROM (
					SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database() AND pid <> pg_backend_pid()
					  AND state IN ('active', 'idle in transaction')
					ORDER BY random() LIMIT 1) t`).Scan(&n)
			if err == nil {
				Killed.Add(n)
			}
		}
	}
}
