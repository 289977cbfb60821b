package test

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/rand"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/sync/errgroup"

	"dealledger/dispute"
	"dealledger/ledger"
	"dealledger/test/actors"
	"dealledger/test/chaos"
	"dealledger/test/infra"
	"dealledger/test/oracles"
)

var (
	flDuration    = flag.Duration("duration", 90*time.Second, "how long to run stress")
	flConcurrency = flag.Int("concurrency", 6, "number of brokers ingesting concurrently")
	flListings    = flag.Int("listings", 12, "listings per broker")
	flSeed        = flag.Int64("seed", time.Now().UnixNano(), "random seed")
	flDSN         = flag.String("dsn", "", "existing Postgres DSN to reuse (avoids Docker)")
	flChaos       = flag.Bool("chaos", true, "terminate random backends while running")
)

func TestLedgerConcurrency(t *testing.T) {
	if testing.Short() {
		t.Skip("stress run skipped in -short mode")
	}
	seed := *flSeed
	rand.Seed(seed)

	var (
		pgC = &infra.PGContainer{}
		dsn string
		err error
	)
	ctx, cancel := context.WithTimeout(context.Background(), *flDuration+60*time.Second)
	defer cancel()

	// a supplied database is shared with other runs and gets an isolated schema
	usedShared := *flDSN != "" || os.Getenv("STRESS_TEST_PG_DSN") != ""
	if usedShared || dockerAvailable(ctx) {
		pgC, dsn, err = infra.StartPostgres16(ctx, *flDSN)
		if err != nil {
			t.Fatalf("start postgres: %v", err)
		}
	} else {
		dsn, err = infra.InitLocalDatabase(ctx)
		if err != nil {
			t.Skipf("no docker and no local postgres: %v", err)
		}
	}
	defer pgC.Terminate(context.Background())

	pool, teardown, err := infra.ApplyMigrations(ctx, dsn, usedShared)
	if err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	defer pool.Close()
	defer func() {
		if err := teardown(context.Background()); err != nil {
			t.Logf("teardown warning: %v", err)
		}
	}()

	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := ledger.NewService(ledger.NewPGRepository(pool)).WithLogger(quiet)
	disputes := dispute.NewService(dispute.NewRepository(pool), svc)

	g, ctx2 := errgroup.WithContext(ctx)
	stop := make(chan struct{})

	// two listers per broker contend on the same rows; brokers contend through flag unions
	for i := 0; i < *flConcurrency; i++ {
		brokerID := fmt.Sprintf("broker-%d", i)
		for j := 0; j < 2; j++ {
			g.Go(func() error { return actors.Lister(ctx2, svc, brokerID, *flListings, stop) })
		}
	}
	g.Go(func() error { return actors.Disputer(ctx2, pool, disputes, stop) })
	g.Go(func() error { return actors.Exporter(ctx2, svc, stop) })
	if *flChaos {
		go chaos.TerminateRandomBackend(ctx2, pool, 2*time.Second, 5, stop)
	}

	deadline := time.Now().Add(*flDuration)
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	var failed bool
loop:
	for time.Now().Before(deadline) {
		select {
		case <-ctx2.Done():
			break loop
		case <-ticker.C:
			name, row, err := oracles.Run(ctx2, pool)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					break loop
				}
				// the oracle's own connection may be the one chaos just killed
				t.Logf("oracle error: %v", err)
				continue
			}
			if name != "" {
				failed = true
				dumpRecent(t, ctx2, pool)
				t.Fatalf("Oracle %s failed. First row: %s (seed=%d)", name, row, seed)
			}
		}
	}

	close(stop)
	if err := g.Wait(); err != nil && !failed {
		if !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("actors errored: %v (seed=%d)", err, seed)
		}
	}

	// final pass once every writer has stopped
	name, row, err := oracles.Run(context.Background(), pool)
	if err != nil {
		t.Fatalf("final oracle run: %v", err)
	}
	if name != "" {
		t.Fatalf("Oracle %s failed after quiesce. First row: %s (seed=%d)", name, row, seed)
	}
	t.Logf("backends killed: %d", chaos.Killed.Load())
}

func dockerAvailable(ctx context.Context) bool {
	if _, err := exec.LookPath("docker"); err != nil {
		return false
	}
	c := exec.CommandContext(ctx, "docker", "info")
	c.Stdout = io.Discard
	c.Stderr = io.Discard
	return c.Run() == nil
}

func dumpRecent(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	t.Helper()
	type dump struct {
		name string
		sql  string
	}
	dumps := []dump{
		{"listing_history", `SELECT seq, listing_id, field, old_value, new_value, changed_at FROM listing_history ORDER BY seq DESC LIMIT 50`},
		{"listings", `SELECT id, broker_id, status, flags, version, last_seen FROM listings ORDER BY last_seen DESC LIMIT 50`},
		{"outbox", `SELECT id, topic, listing_id, created_at FROM outbox ORDER BY id DESC LIMIT 50`},
		{"duplicate_pairs", `SELECT listing_id, other_id, score, reason FROM duplicate_pairs ORDER BY detected_at DESC LIMIT 50`},
	}
	for _, d := range dumps {
		rows, err := pool.Query(ctx, d.sql)
		if err != nil {
			t.Logf("dump %s error: %v", d.name, err)
			continue
		}
		cols := rows.FieldDescriptions()
		t.Logf("-- %s --", d.name)
		for rows.Next() {
			vals, _ := rows.Values()
			buf := make([]any, 0, len(vals))
			for i := range vals {
				buf = append(buf, fmt.Sprintf("%s=%v", string(cols[i].Name), vals[i]))
			}
			t.Logf("%s", buf)
		}
		rows.Close()
	}
}
