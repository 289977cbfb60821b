package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"dealledger/broker"
	"dealledger/listing"
)

var listingColumns = []string{
	"id", "source_url", "source_id", "broker_id", "broker_name", "first_seen", "last_seen", "status",
	"title", "description", "asking_price", "price_hidden", "vertical", "category",
	"city", "state", "country", "zip", "region", "location_hidden",
	"revenue", "cash_flow", "ebitda", "inventory", "ffe",
	"real_estate", "real_estate_value", "year_established", "employees",
	"seller_financing", "sba_prequalified", "franchise", "franchise_name",
	"home_based", "relocatable", "absentee_owner",
	"scraped_at", "content_hash", "confidence", "flags",
	"aliases", "needs_review", "source_reachable", "peak_asking_price", "last_changed", "version",
}

var (
	selectListing = `SELECT ` + strings.Join(listingColumns, ", ") + ` FROM listings`
	selectJoined  = `SELECT l.` + strings.Join(listingColumns, ", l.") + ` FROM listings l`
	insertListing = buildInsert()
	updateListing = buildUpdate()
)

func buildInsert() string {
	params := make([]string, len(listingColumns))
	for i := range listingColumns {
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return `INSERT INTO listings (` + strings.Join(listingColumns, ", ") + `) VALUES (` + strings.Join(params, ", ") + `)`
}

// buildUpdate sets every column but id; the last parameter is the expected version.
func buildUpdate() string {
	sets := make([]string, 0, len(listingColumns)-1)
	for i, col := range listingColumns[1:] {
		sets = append(sets, fmt.Sprintf("%s = $%d", col, i+2))
	}
	return fmt.Sprintf(`UPDATE listings SET %s WHERE id = $1 AND version = $%d`,
		strings.Join(sets, ", "), len(listingColumns)+1)
}

func listingArgs(rec listing.Record) []any {
	aliases := rec.Aliases
	if aliases == nil {
		aliases = []string{}
	}
	return []any{
		rec.ID, rec.SourceURL, rec.SourceID, rec.BrokerID, rec.BrokerName, rec.FirstSeen, rec.LastSeen, string(rec.Status),
		rec.Title, rec.Description, rec.AskingPrice, rec.PriceHidden, rec.Vertical, rec.Category,
		rec.City, rec.State, rec.Country, rec.Zip, rec.Region, rec.LocationHidden,
		rec.Revenue, rec.CashFlow, rec.EBITDA, rec.Inventory, rec.FFE,
		rec.RealEstate, rec.RealEstateValue, rec.YearEstablished, rec.Employees,
		rec.SellerFinancing, rec.SBAPrequalified, rec.Franchise, rec.FranchiseName,
		rec.HomeBased, rec.Relocatable, rec.AbsenteeOwner,
		rec.ScrapedAt, rec.ContentHash, rec.Confidence, rec.Flags.Strings(),
		aliases, rec.NeedsReview, rec.SourceReachable, rec.PeakAskingPrice, rec.LastChanged, rec.Version,
	}
}

func scanListing(row pgx.Row) (listing.Record, error) {
	var (
		rec    listing.Record
		status string
		flags  []string
	)
	err := row.Scan(
		&rec.ID, &rec.SourceURL, &rec.SourceID, &rec.BrokerID, &rec.BrokerName, &rec.FirstSeen, &rec.LastSeen, &status,
		&rec.Title, &rec.Description, &rec.AskingPrice, &rec.PriceHidden, &rec.Vertical, &rec.Category,
		&rec.City, &rec.State, &rec.Country, &rec.Zip, &rec.Region, &rec.LocationHidden,
		&rec.Revenue, &rec.CashFlow, &rec.EBITDA, &rec.Inventory, &rec.FFE,
		&rec.RealEstate, &rec.RealEstateValue, &rec.YearEstablished, &rec.Employees,
		&rec.SellerFinancing, &rec.SBAPrequalified, &rec.Franchise, &rec.FranchiseName,
		&rec.HomeBased, &rec.Relocatable, &rec.AbsenteeOwner,
		&rec.ScrapedAt, &rec.ContentHash, &rec.Confidence, &flags,
		&rec.Aliases, &rec.NeedsReview, &rec.SourceReachable, &rec.PeakAskingPrice, &rec.LastChanged, &rec.Version,
	)
	if err != nil {
		return listing.Record{}, err
	}
	rec.Status = listing.Status(status)
	rec.Flags = listing.NewFlagSet()
	for _, f := range flags {
		rec.Flags.Add(listing.Flag(f))
	}
	if len(rec.Aliases) == 0 {
		rec.Aliases = nil
	}
	return rec, nil
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryListings(ctx context.Context, q querier, sql string, args ...any) ([]listing.Record, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []listing.Record
	for rows.Next() {
		rec, err := scanListing(rows)
		if err != nil {
			return nil, fmt.Errorf("scan listing: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func queryHistory(ctx context.Context, q querier, sql string, args ...any) ([]listing.History, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []listing.History
	for rows.Next() {
		var h listing.History
		if err := rows.Scan(&h.Seq, &h.ListingID, &h.Timestamp, &h.Field, &h.OldValue, &h.NewValue); err != nil {
			return nil, fmt.Errorf("scan history: %w", err)
		}
		h.Timestamp = h.Timestamp.UTC()
		out = append(out, h)
	}
	return out, rows.Err()
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// PGRepository stores the ledger in Postgres. Writers of one broker are serialized with a
// transaction scoped advisory lock and listing rows are locked FOR UPDATE before they change.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewPGRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Begin(ctx context.Context) (Tx, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("ledger: begin tx: %w", err)
	}
	return &pgTx{tx: tx}, nil
}

func (r *PGRepository) Get(ctx context.Context, id string) (listing.Record, error) {
	rec, err := scanListing(r.pool.QueryRow(ctx, selectListing+` WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return listing.Record{}, ErrNotFound
		}
		return listing.Record{}, fmt.Errorf("ledger: get listing: %w", err)
	}
	return rec, nil
}

func (r *PGRepository) Listings(ctx context.Context) ([]listing.Record, error) {
	out, err := queryListings(ctx, r.pool, selectListing+` ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list listings: %w", err)
	}
	return out, nil
}

const selectHistory = `SELECT seq, listing_id, changed_at, field, old_value, new_value FROM listing_history`

func (r *PGRepository) History(ctx context.Context, listingID string) ([]listing.History, error) {
	out, err := queryHistory(ctx, r.pool, selectHistory+` WHERE listing_id = $1 ORDER BY seq`, listingID)
	if err != nil {
		return nil, fmt.Errorf("ledger: list history: %w", err)
	}
	return out, nil
}

func (r *PGRepository) AllHistory(ctx context.Context) ([]listing.History, error) {
	out, err := queryHistory(ctx, r.pool, selectHistory+` ORDER BY seq`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list history: %w", err)
	}
	return out, nil
}

func (r *PGRepository) Brokers(ctx context.Context) ([]broker.Record, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+broker.SelectColumns+` FROM brokers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list brokers: %w", err)
	}
	defer rows.Close()

	var out []broker.Record
	for rows.Next() {
		b, err := broker.Scan(rows)
		if err != nil {
			return nil, fmt.Errorf("ledger: scan broker: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate brokers: %w", err)
	}
	return out, nil
}

func (r *PGRepository) DuplicatePairs(ctx context.Context) ([]listing.DuplicatePair, error) {
	rows, err := r.pool.Query(ctx, `
SELECT listing_id, other_id, score, reason, detected_at
FROM duplicate_pairs
ORDER BY listing_id, other_id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list duplicate pairs: %w", err)
	}
	defer rows.Close()

	var out []listing.DuplicatePair
	for rows.Next() {
		var (
			p      listing.DuplicatePair
			reason string
		)
		if err := rows.Scan(&p.ListingID, &p.OtherID, &p.Score, &reason, &p.DetectedAt); err != nil {
			return nil, fmt.Errorf("ledger: scan duplicate pair: %w", err)
		}
		p.Reason = listing.DuplicateReason(reason)
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("ledger: iterate duplicate pairs: %w", err)
	}
	return out, nil
}

func (r *PGRepository) ReviewQueue(ctx context.Context) ([]listing.Record, error) {
	out, err := queryListings(ctx, r.pool, selectListing+` WHERE needs_review ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("ledger: list review queue: %w", err)
	}
	return out, nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockBroker(ctx context.Context, brokerID string) error {
	if _, err := t.tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, brokerID); err != nil {
		return fmt.Errorf("ledger: advisory lock: %w", err)
	}
	return nil
}

func (t *pgTx) FindByURL(ctx context.Context, brokerID, url string) (listing.Record, bool, error) {
	rec, err := scanListing(t.tx.QueryRow(ctx, selectJoined+`
JOIN listing_urls u ON u.listing_id = l.id
WHERE u.broker_id = $1 AND u.url = $2`, brokerID, url))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return listing.Record{}, false, nil
		}
		return listing.Record{}, false, fmt.Errorf("ledger: find by url: %w", err)
	}
	return rec, true, nil
}

func (t *pgTx) FindBySourceID(ctx context.Context, brokerID, sourceID string) (listing.Record, bool, error) {
	rec, err := scanListing(t.tx.QueryRow(ctx, selectListing+`
WHERE broker_id = $1 AND source_id = $2
ORDER BY first_seen, id
LIMIT 1`, brokerID, sourceID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return listing.Record{}, false, nil
		}
		return listing.Record{}, false, fmt.Errorf("ledger: find by source id: %w", err)
	}
	return rec, true, nil
}

func (t *pgTx) FindByContentHash(ctx context.Context, brokerID, hash string) ([]listing.Record, error) {
	out, err := queryListings(ctx, t.tx, selectListing+` WHERE broker_id = $1 AND content_hash = $2 ORDER BY id`, brokerID, hash)
	if err != nil {
		return nil, fmt.Errorf("ledger: find by content hash: %w", err)
	}
	return out, nil
}

func (t *pgTx) Candidates(ctx context.Context, excludeBrokerID string, state *string) ([]listing.Record, error) {
	out, err := queryListings(ctx, t.tx, selectListing+`
WHERE broker_id <> $1 AND ($2::text IS NULL OR state = $2)
ORDER BY id`, excludeBrokerID, state)
	if err != nil {
		return nil, fmt.Errorf("ledger: load candidates: %w", err)
	}
	return out, nil
}

func (t *pgTx) Get(ctx context.Context, id string) (listing.Record, error) {
	rec, err := scanListing(t.tx.QueryRow(ctx, selectListing+` WHERE id = $1 FOR UPDATE`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return listing.Record{}, ErrNotFound
		}
		return listing.Record{}, fmt.Errorf("ledger: lock listing: %w", err)
	}
	return rec, nil
}

func (t *pgTx) Broker(ctx context.Context, id string) (broker.Record, bool, error) {
	b, err := broker.Scan(t.tx.QueryRow(ctx, `SELECT `+broker.SelectColumns+` FROM brokers WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return broker.Record{}, false, nil
		}
		return broker.Record{}, false, fmt.Errorf("ledger: load broker: %w", err)
	}
	return b, true, nil
}

func (t *pgTx) Insert(ctx context.Context, rec listing.Record) error {
	if _, err := t.tx.Exec(ctx, insertListing, listingArgs(rec)...); err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%w: listing %s already exists", ErrVersionConflict, rec.ID)
		}
		return fmt.Errorf("ledger: insert listing: %w", err)
	}
	return t.claimURLs(ctx, rec, true)
}

func (t *pgTx) Update(ctx context.Context, rec listing.Record, prevVersion int64) error {
	args := append(listingArgs(rec), prevVersion)
	tag, err := t.tx.Exec(ctx, updateListing, args...)
	if err != nil {
		return fmt.Errorf("ledger: update listing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: listing %s moved past version %d", ErrVersionConflict, rec.ID, prevVersion)
	}
	return t.claimURLs(ctx, rec, false)
}

// claimURLs registers the canonical URL and aliases. A new listing must own its canonical URL
// outright; aliases already claimed by this listing are skipped.
func (t *pgTx) claimURLs(ctx context.Context, rec listing.Record, strict bool) error {
	urls := append([]string{rec.SourceURL}, rec.Aliases...)
	for i, u := range urls {
		sql := `INSERT INTO listing_urls (broker_id, url, listing_id) VALUES ($1, $2, $3) ON CONFLICT (broker_id, url) DO NOTHING`
		if strict && i == 0 {
			sql = `INSERT INTO listing_urls (broker_id, url, listing_id) VALUES ($1, $2, $3)`
		}
		if _, err := t.tx.Exec(ctx, sql, rec.BrokerID, u, rec.ID); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: url %s already claimed", ErrVersionConflict, u)
			}
			return fmt.Errorf("ledger: claim url: %w", err)
		}
	}
	return nil
}

const insertHistory = `INSERT INTO listing_history (listing_id, changed_at, field, old_value, new_value) VALUES ($1, $2, $3, $4, $5)`

func (t *pgTx) AppendHistory(ctx context.Context, entries []listing.History) error {
	if len(entries) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, h := range entries {
		batch.Queue(insertHistory, h.ListingID, h.Timestamp, h.Field, h.OldValue, h.NewValue)
	}
	if err := t.tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("ledger: insert history: %w", err)
	}
	return nil
}

func (t *pgTx) AttachFlags(ctx context.Context, id string, flags []listing.Flag, at time.Time) error {
	var current []string
	if err := t.tx.QueryRow(ctx, `SELECT flags FROM listings WHERE id = $1 FOR UPDATE`, id).Scan(&current); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrNotFound
		}
		return fmt.Errorf("ledger: lock flags: %w", err)
	}

	set := listing.NewFlagSet()
	for _, f := range current {
		set.Add(listing.Flag(f))
	}
	before := set.String()
	if !set.Add(flags...) {
		return nil
	}
	after := set.String()

	if _, err := t.tx.Exec(ctx, `UPDATE listings SET flags = $2, version = version + 1 WHERE id = $1`, id, set.Strings()); err != nil {
		return fmt.Errorf("ledger: update flags: %w", err)
	}
	if _, err := t.tx.Exec(ctx, insertHistory, id, at, "flags", before, after); err != nil {
		return fmt.Errorf("ledger: insert flag history: %w", err)
	}
	return nil
}

func (t *pgTx) RecordDuplicate(ctx context.Context, pair listing.DuplicatePair) error {
	const insertSQL = `
INSERT INTO duplicate_pairs (listing_id, other_id, score, reason, detected_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (listing_id, other_id) DO NOTHING;
`
	if _, err := t.tx.Exec(ctx, insertSQL, pair.ListingID, pair.OtherID, pair.Score, string(pair.Reason), pair.DetectedAt); err != nil {
		return fmt.Errorf("ledger: insert duplicate pair: %w", err)
	}
	return nil
}

func (t *pgTx) CountListings(ctx context.Context, brokerID string) (int, int, error) {
	var total, active int
	err := t.tx.QueryRow(ctx, `
SELECT count(*), count(*) FILTER (WHERE status IN ('active', 'relisted'))
FROM listings
WHERE broker_id = $1`, brokerID).Scan(&total, &active)
	if err != nil {
		return 0, 0, fmt.Errorf("ledger: count listings: %w", err)
	}
	return total, active, nil
}

func (t *pgTx) UpsertBroker(ctx context.Context, b broker.Record) error {
	const upsertSQL = `
INSERT INTO brokers (id, name, website, verified, active_listings, total_observed, first_seen, last_scraped)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO UPDATE SET
    name = EXCLUDED.name,
    website = EXCLUDED.website,
    verified = EXCLUDED.verified,
    active_listings = EXCLUDED.active_listings,
    total_observed = EXCLUDED.total_observed,
    last_scraped = EXCLUDED.last_scraped;
`
	_, err := t.tx.Exec(ctx, upsertSQL, b.ID, b.Name, b.Website, b.Verified, b.ActiveListings, b.TotalObserved, b.FirstSeen, b.LastScraped)
	if err != nil {
		return fmt.Errorf("ledger: upsert broker: %w", err)
	}
	return nil
}

func (t *pgTx) Enqueue(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("ledger: marshal outbox payload: %w", err)
	}

	const insertSQL = `
INSERT INTO outbox (topic, listing_id, payload, created_at)
VALUES ($1, $2, $3, $4);
`
	if _, err := t.tx.Exec(ctx, insertSQL, ev.Topic, ev.ListingID, payload, ev.CreatedAt); err != nil {
		return fmt.Errorf("ledger: insert outbox message: %w", err)
	}
	return nil
}

func (t *pgTx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("ledger: commit: %w", err)
	}
	return nil
}

func (t *pgTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("ledger: rollback: %w", err)
	}
	return nil
}
