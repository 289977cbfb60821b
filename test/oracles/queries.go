package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Oracle is a query that returns rows only when a ledger invariant is broken.
type Oracle struct {
	Name string
	SQL  string
}

func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_listing_bounds",
			SQL: `SELECT id, first_seen, last_seen, confidence FROM listings
                  WHERE first_seen > last_seen OR confidence < 0 OR confidence > 1`,
		},
		{
			Name: "O2_history_chain",
			SQL: `WITH h AS (
                      SELECT listing_id, field, seq, old_value,
                             LAG(new_value) OVER (PARTITION BY listing_id, field ORDER BY seq) AS prev_new,
                             LAG(seq) OVER (PARTITION BY listing_id, field ORDER BY seq) AS prev_seq
                      FROM listing_history)
                  SELECT * FROM h WHERE prev_seq IS NOT NULL AND old_value IS DISTINCT FROM prev_new`,
		},
		{
			Name: "O3_status_matches_history",
			SQL: `SELECT l.id, l.status, h.new_value FROM listings l
                  JOIN LATERAL (
                      SELECT new_value FROM listing_history
                      WHERE listing_id = l.id AND field = 'status'
                      ORDER BY seq DESC LIMIT 1) h ON true
                  WHERE h.new_value IS DISTINCT FROM l.status`,
		},
		{
			Name: "O4_canonical_url_owned",
			SQL: `SELECT l.id, l.source_url FROM listings l
                  WHERE NOT EXISTS (
                      SELECT 1 FROM listing_urls u
                      WHERE u.broker_id = l.broker_id AND u.url = l.source_url AND u.listing_id = l.id)`,
		},
		{
			Name: "O5_pairs_flagged",
			SQL: `SELECT p.* FROM duplicate_pairs p
                  JOIN listings a ON a.id = p.listing_id
                  JOIN listings b ON b.id = p.other_id
                  WHERE NOT ('duplicate_suspected' = ANY (a.flags))
                     OR NOT ('duplicate_suspected' = ANY (b.flags))`,
		},
		{
			Name: "O6_broker_counters",
			SQL: `SELECT b.id, b.total_observed, b.active_listings, c.total, c.active FROM brokers b
                  JOIN (
                      SELECT broker_id, COUNT(*) AS total, COUNT(*) FILTER (WHERE status = 'active') AS active
                      FROM listings GROUP BY broker_id) c ON c.broker_id = b.id
                  WHERE b.total_observed <> c.total OR b.active_listings <> c.active`,
		},
		{
			Name: "O7_rejected_deletions_only",
			SQL: `SELECT d.* FROM disputes d
                  WHERE d.kind = 'deletion' AND d.state <> 'rejected'`,
		},
		{
			Name: "O8_mutation_guards",
			SQL: `SELECT name AS missing_trigger FROM (VALUES ('listing_history_append_only'), ('listings_no_delete')) t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
