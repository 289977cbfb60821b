package broker

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound signals the requested broker does not exist.
var ErrNotFound = errors.New("broker: not found")

// SelectColumns is the column order Scan expects.
const SelectColumns = `id, name, website, verified, active_listings, total_observed, first_seen, last_scraped`

// Repository provides read access to broker records. Writes belong to the ledger.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed repository implementation.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetByID fetches a broker by its primary key.
func (r *Repository) GetByID(ctx context.Context, id string) (Record, error) {
	query := `SELECT ` + SelectColumns + ` FROM brokers WHERE id = $1`

	rec, err := Scan(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Record{}, ErrNotFound
		}
		return Record{}, fmt.Errorf("broker: query by id: %w", err)
	}

	return rec, nil
}

// List fetches up to limit brokers ordered by name.
func (r *Repository) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}

	query := `SELECT ` + SelectColumns + ` FROM brokers ORDER BY name ASC, id ASC LIMIT $1`

	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("broker: list: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0, 16)
	for rows.Next() {
		rec, err := Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("broker: scan record: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("broker: iterate records: %w", err)
	}

	return records, nil
}

// Scan reads one broker row in SelectColumns order.
func Scan(row pgx.Row) (Record, error) {
	var rec Record
	err := row.Scan(
		&rec.ID,
		&rec.Name,
		&rec.Website,
		&rec.Verified,
		&rec.ActiveListings,
		&rec.TotalObserved,
		&rec.FirstSeen,
		&rec.LastScraped,
	)
	return rec, err
}
