package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"

	"dealledger/broker"
	"dealledger/config"
	"dealledger/db"
	"dealledger/dispute"
	"dealledger/ledger"
)

// env is what every command runs against, built once per invocation.
type env struct {
	cfg      *config.Config
	pool     *pgxpool.Pool
	ledger   *ledger.Service
	brokers  *broker.Service
	disputes *dispute.Service
	// flushers persist file-backed stores after a command changed them.
	flushers []interface{ Flush(context.Context) error }
}

type envKey struct{}

func withEnv(ctx context.Context, e *env) context.Context {
	return context.WithValue(ctx, envKey{}, e)
}

func getEnv(ctx context.Context) *env {
	return ctx.Value(envKey{}).(*env)
}

var rootCmd = &cobra.Command{
	Use:   "ledger",
	Short: "ledger ingests broker listing observations into an append-only deal ledger.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		initSlog(cfg.Level())

		e, err := open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		cmd.SetContext(withEnv(cmd.Context(), e))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		e := getEnv(cmd.Context())
		defer func() {
			if e.pool != nil {
				e.pool.Close()
			}
		}()
		for _, f := range e.flushers {
			if err := f.Flush(context.WithoutCancel(cmd.Context())); err != nil {
				return err
			}
		}
		return nil
	},
	SilenceUsage: true,
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initSlog(level slog.Level) {
	logger := slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.Kitchen,
	}))
	slog.SetDefault(logger)
}

// open uses Postgres when DATABASE_URL is set and the state file otherwise.
func open(ctx context.Context, cfg *config.Config) (*env, error) {
	e := &env{cfg: cfg}

	var (
		repo         ledger.Repository
		brokerReader broker.Reader
		disputeStore dispute.Store
	)
	if cfg.DatabaseURL != "" {
		pool, err := db.NewPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("bootstrap database pool: %w", err)
		}
		e.pool = pool
		repo = ledger.NewPGRepository(pool)
		brokerReader = broker.NewRepository(pool)
		disputeStore = dispute.NewRepository(pool)
		slog.Debug("using postgres ledger")
	} else {
		mem, err := ledger.OpenMemoryRepository(cfg.StatePath)
		if err != nil {
			return nil, err
		}
		store, err := dispute.OpenMemoryStore(filepath.Join(filepath.Dir(cfg.StatePath), "disputes.json"))
		if err != nil {
			return nil, err
		}
		repo, brokerReader, disputeStore = mem, mem, store
		e.flushers = append(e.flushers, store)
		slog.Debug("using file ledger", "path", cfg.StatePath)
	}

	e.ledger = ledger.NewService(repo).WithOptions(cfg.LedgerOptions())
	e.flushers = append(e.flushers, e.ledger)
	e.brokers = broker.NewService(brokerReader)
	e.disputes = dispute.NewService(disputeStore, e.ledger)
	return e, nil
}
