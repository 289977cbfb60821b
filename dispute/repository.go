package dispute

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrDuplicateID signals an id collision on insert.
var ErrDuplicateID = errors.New("dispute: duplicate id")

// Repository stores disputes in Postgres.
type Repository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

func (r *Repository) Insert(ctx context.Context, rec Record) error {
	const query = `
		INSERT INTO disputes (id, listing_id, broker_id, kind, state, reason, evidence_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := r.pool.Exec(ctx, query, rec.ID, rec.ListingID, rec.BrokerID, string(rec.Kind), string(rec.State),
		rec.Reason, rec.EvidenceURL, rec.CreatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateID
		}
		return fmt.Errorf("dispute: insert: %w", err)
	}
	return nil
}

func (r *Repository) List(ctx context.Context, listingID string) ([]Record, error) {
	query := `
		SELECT id, listing_id, broker_id, kind, state, reason, evidence_url, created_at
		FROM disputes
	`
	var args []any
	if listingID != "" {
		query += " WHERE listing_id = $1"
		args = append(args, listingID)
	}
	query += " ORDER BY created_at DESC, id"

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("dispute: list: %w", err)
	}
	defer rows.Close()

	out := make([]Record, 0, 8)
	for rows.Next() {
		rec, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("dispute: scan: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("dispute: iterate: %w", err)
	}
	return out, nil
}

func scan(row pgx.Row) (Record, error) {
	var (
		rec         Record
		kind, state string
	)
	if err := row.Scan(&rec.ID, &rec.ListingID, &rec.BrokerID, &kind, &state, &rec.Reason, &rec.EvidenceURL, &rec.CreatedAt); err != nil {
		return Record{}, err
	}
	rec.Kind, rec.State = Kind(kind), State(state)
	return rec, nil
}

// MemoryStore keeps disputes in process, optionally backed by a JSON file.
type MemoryStore struct {
	mu      sync.RWMutex
	path    string
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

// OpenMemoryStore loads the disputes saved at path. A missing file is an empty store.
func OpenMemoryStore(path string) (*MemoryStore, error) {
	m := NewMemoryStore()
	m.path = path
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dispute: read %s: %w", path, err)
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("dispute: decode %s: %w", path, err)
	}
	for _, rec := range records {
		m.records[rec.ID] = rec
	}
	return m, nil
}

// Flush writes the store to its file through a temporary file.
func (m *MemoryStore) Flush(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	records, _ := m.List(ctx, "")
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("dispute: encode: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(m.path), 0o755); err != nil {
		return fmt.Errorf("dispute: create dir: %w", err)
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("dispute: write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("dispute: rename %s: %w", tmp, err)
	}
	return nil
}

func (m *MemoryStore) Insert(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[rec.ID]; ok {
		return ErrDuplicateID
	}
	m.records[rec.ID] = rec
	return nil
}

func (m *MemoryStore) List(_ context.Context, listingID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Record, 0, len(m.records))
	for _, rec := range m.records {
		if listingID == "" || rec.ListingID == listingID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}
