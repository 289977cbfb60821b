package dispute

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"dealledger/dedupe"
	"dealledger/ledger"
	"dealledger/listing"
	"dealledger/normalize"
)

var (
	// ErrDeletionRejected is returned for every deletion request; listings are never deleted.
	ErrDeletionRejected = errors.New("dispute: deletion requests are rejected")
	// ErrEvidenceRequired is returned for corrections without an evidence URL.
	ErrEvidenceRequired = errors.New("dispute: correction requires evidence")
	// ErrListingMismatch is returned when the correction does not describe the disputed listing.
	ErrListingMismatch = errors.New("dispute: correction does not match listing")
)

// Store persists dispute decisions.
type Store interface {
	Insert(ctx context.Context, rec Record) error
	List(ctx context.Context, listingID string) ([]Record, error)
}

// Ledger is the part of the ledger a dispute needs.
type Ledger interface {
	Get(ctx context.Context, id string) (listing.Record, error)
	Apply(ctx context.Context, obs normalize.Result) (ledger.ApplyResult, error)
}

// Request is a broker's objection to a listing.
type Request struct {
	ListingID   string
	Kind        Kind
	Reason      string
	EvidenceURL string
	// Correction carries the corrected observation for KindCorrection.
	Correction normalize.Result
}

type Service struct {
	store       Store
	ledger      Ledger
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(store Store, l Ledger) *Service {
	return &Service{
		store:       store,
		ledger:      l,
		idGenerator: uuid.NewString,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

// WithClock overrides the time source.
func (s *Service) WithClock(now func() time.Time) *Service {
	if now != nil {
		s.now = now
	}
	return s
}

// File decides a dispute on intake. Deletions are stored as rejected; corrections with
// evidence go through the ledger like any observation, so the prior values stay in history.
func (s *Service) File(ctx context.Context, req Request) (Record, error) {
	current, err := s.ledger.Get(ctx, req.ListingID)
	if err != nil {
		return Record{}, fmt.Errorf("dispute: load listing: %w", err)
	}

	rec := Record{
		ID:        s.idGenerator(),
		ListingID: current.ID,
		BrokerID:  current.BrokerID,
		Kind:      req.Kind,
		Reason:    strings.TrimSpace(req.Reason),
		CreatedAt: s.now().UTC(),
	}
	if ev := strings.TrimSpace(req.EvidenceURL); ev != "" {
		rec.EvidenceURL = &ev
	}

	switch req.Kind {
	case KindDeletion:
		return s.reject(ctx, rec, ErrDeletionRejected)
	case KindCorrection:
	default:
		return Record{}, fmt.Errorf("dispute: unknown kind %q", req.Kind)
	}

	if rec.EvidenceURL == nil {
		return s.reject(ctx, rec, ErrEvidenceRequired)
	}
	if _, err := dedupe.CanonicalURL(*rec.EvidenceURL); err != nil {
		return s.reject(ctx, rec, fmt.Errorf("%w: %v", ErrEvidenceRequired, err))
	}

	corr := req.Correction
	canonical, err := dedupe.CanonicalURL(corr.SourceURL)
	if err != nil || corr.BrokerID != current.BrokerID || !current.KnowsURL(canonical) {
		return s.reject(ctx, rec, ErrListingMismatch)
	}

	if _, err := s.ledger.Apply(ctx, corr); err != nil {
		return Record{}, fmt.Errorf("dispute: apply correction: %w", err)
	}

	rec.State = StateApplied
	if err := s.store.Insert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("dispute: store: %w", err)
	}
	s.logger.Info("correction applied", "dispute_id", rec.ID, "listing_id", rec.ListingID, "broker_id", rec.BrokerID)
	return rec, nil
}

func (s *Service) reject(ctx context.Context, rec Record, cause error) (Record, error) {
	rec.State = StateRejected
	if err := s.store.Insert(ctx, rec); err != nil {
		return Record{}, fmt.Errorf("dispute: store: %w", err)
	}
	s.logger.Info("dispute rejected", "dispute_id", rec.ID, "listing_id", rec.ListingID, "kind", rec.Kind, "cause", cause)
	return rec, cause
}

func (s *Service) List(ctx context.Context, listingID string) ([]Record, error) {
	return s.store.List(ctx, listingID)
}
