package infra

import (
	"context"
	"fmt"
	"os"

	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// PGContainer is a throwaway Postgres. The zero value stands for an externally managed database.
type PGContainer struct {
	C *postgres.PostgresContainer
}

// StartPostgres16 returns a DSN for the stress run: overrideDSN or STRESS_TEST_PG_DSN when set,
// otherwise a fresh Postgres 16 container.
func StartPostgres16(ctx context.Context, overrideDSN string) (*PGContainer, string, error) {
	for _, dsn := range []string{overrideDSN, os.Getenv("STRESS_TEST_PG_DSN")} {
		if dsn != "" {
			return &PGContainer{}, dsn, nil
		}
	}

	pgC, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dealledger"),
		postgres.WithUsername("ledger"),
		postgres.WithPassword("ledger"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		return nil, "", fmt.Errorf("run postgres container: %w", err)
	}

	dsn, err := pgC.ConnectionString(ctx, "sslmode=disable", "application_name=dealledger_stress")
	if err != nil {
		_ = pgC.Terminate(ctx)
		return nil, "", fmt.Errorf("container dsn: %w", err)
	}
	return &PGContainer{C: pgC}, dsn, nil
}

func (p *PGContainer) Terminate(ctx context.Context) error {
	if p == nil || p.C == nil {
		return nil
	}
	return p.C.Terminate(ctx)
}
