package actors

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"dealledger/dispute"
	"dealledger/ledger"
	"dealledger/listing"
	"dealledger/normalize"
	"dealledger/snapshot"
	"dealledger/status"
)

func ptr[T any](v T) *T { return &v }

func stopped(ctx context.Context, stop <-chan struct{}) (bool, error) {
	select {
	case <-ctx.Done():
		return true, ctx.Err()
	case <-stop:
		return true, nil
	default:
		return false, nil
	}
}

// observation builds the n-th listing of a broker. Brokers share titles and locations so
// listings of different brokers look alike and trigger cross-broker flag unions.
func observation(brokerID string, n int, price int64, trigger status.Trigger) normalize.Result {
	return normalize.Result{
		Fields: listing.Fields{
			SourceURL:   fmt.Sprintf("https://%s.example/listings/%d", brokerID, n),
			SourceID:    ptr(fmt.Sprintf("%s-%d", brokerID, n)),
			BrokerID:    brokerID,
			BrokerName:  brokerID,
			Title:       fmt.Sprintf("Established Coin Laundry #%d", n),
			AskingPrice: ptr(price),
			Vertical:    "laundromat",
			City:        ptr("Austin"),
			State:       ptr("TX"),
			Country:     ptr("US"),
			Revenue:     ptr(int64(300000 + n*1000)),
			ScrapedAt:   time.Now().UTC(),
		},
		Trigger:   trigger,
		Reachable: trigger != status.TriggerUnreachable,
	}
}

func randomTrigger() status.Trigger {
	switch r := rand.Intn(20); {
	case r == 0:
		return status.TriggerSold
	case r == 1:
		return status.TriggerPending
	case r < 4:
		return status.TriggerUnreachable
	case r == 4:
		return status.TriggerRelist
	default:
		return status.TriggerVisible
	}
}

// Lister keeps re-observing the listings of one broker with moving prices and status signals.
// Persistence failures are expected while chaos kills backends; anything else ends the run.
func Lister(ctx context.Context, svc *ledger.Service, brokerID string, listings int, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		n := rand.Intn(listings)
		price := int64(400000 + rand.Intn(8)*25000)
		_, err := svc.Apply(ctx, observation(brokerID, n, price, randomTrigger()))
		if err != nil && !errors.Is(err, ledger.ErrPersistence) {
			return fmt.Errorf("lister %s: %w", brokerID, err)
		}
		time.Sleep(time.Duration(5+rand.Intn(15)) * time.Millisecond)
	}
}

// Disputer files deletion requests against random listings. Every one of them must be rejected.
func Disputer(ctx context.Context, pool *pgxpool.Pool, disputes *dispute.Service, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		var id string
		if err := pool.QueryRow(ctx, `SELECT id FROM listings ORDER BY random() LIMIT 1`).Scan(&id); err == nil {
			_, err := disputes.File(ctx, dispute.Request{ListingID: id, Kind: dispute.KindDeletion, Reason: "stress"})
			if err == nil {
				return fmt.Errorf("disputer: deletion of %s was accepted", id)
			}
		}
		time.Sleep(time.Duration(50+rand.Intn(50)) * time.Millisecond)
	}
}

// Exporter snapshots the live ledger and checks that the JSON form reads back without a diff.
func Exporter(ctx context.Context, svc *ledger.Service, stop <-chan struct{}) error {
	for {
		if done, err := stopped(ctx, stop); done {
			return err
		}
		records, err := svc.Listings(ctx)
		if err == nil {
			var buf bytes.Buffer
			if err := snapshot.WriteJSON(&buf, snapshot.Build(records, time.Now())); err != nil {
				return fmt.Errorf("exporter: %w", err)
			}
			table, err := snapshot.ReadJSON(&buf)
			if err != nil {
				return fmt.Errorf("exporter: read back: %w", err)
			}
			if d := snapshot.Compare(table, snapshot.FromRecords(records), snapshot.Options{}); !d.Empty() {
				return fmt.Errorf("exporter: snapshot does not round-trip: %+v", d.Changes)
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
}
