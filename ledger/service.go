package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"dealledger/broker"
	"dealledger/confidence"
	"dealledger/contenthash"
	"dealledger/dedupe"
	"dealledger/listing"
	"dealledger/normalize"
	"dealledger/status"
)

var tracer = otel.Tracer("dealledger/ledger")

// Options tunes the warnings and duplicate detection applied on every observation.
type Options struct {
	Similarity dedupe.Options
	// Asking price to revenue ratios outside [PriceRevenueMin, PriceRevenueMax] are suspicious.
	PriceRevenueMin float64
	PriceRevenueMax float64
	// StaleAfter is how long an active listing may go without a content or status change.
	StaleAfter time.Duration
}

func DefaultOptions() Options {
	return Options{
		Similarity:      dedupe.DefaultOptions(),
		PriceRevenueMin: 0.1,
		PriceRevenueMax: 10,
		StaleAfter:      90 * 24 * time.Hour,
	}
}

// Service is the single writer of listing state.
type Service struct {
	repo        Repository
	opts        Options
	scorer      *dedupe.Scorer
	locks       *keyedMutex
	idGenerator func() string
	now         func() time.Time
	logger      *slog.Logger
}

func NewService(repo Repository) *Service {
	defaults := DefaultOptions()
	return &Service{
		repo:        repo,
		opts:        defaults,
		scorer:      dedupe.NewScorer(defaults.Similarity),
		locks:       newKeyedMutex(),
		idGenerator: uuid.NewString,
		now:         time.Now,
		logger:      slog.Default(),
	}
}

func (s *Service) WithIDGenerator(gen func() string) *Service {
	s.idGenerator = gen
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithLogger(logger *slog.Logger) *Service {
	s.logger = logger
	return s
}

func (s *Service) WithOptions(opts Options) *Service {
	s.opts = opts
	s.scorer = dedupe.NewScorer(opts.Similarity)
	return s
}

// ApplyResult describes what one observation did to the ledger.
type ApplyResult struct {
	Record     listing.Record
	Created    bool
	History    []listing.History
	Anomaly    *status.IllegalTransition
	Duplicates []listing.DuplicatePair
	// Ambiguous is set when the observation matched a same-broker listing by content only.
	Ambiguous bool
}

// StatusChanged reports whether the observation moved the listing to another state.
func (r ApplyResult) StatusChanged() bool {
	for _, h := range r.History {
		if h.Field == "status" {
			return true
		}
	}
	return false
}

// Apply merges one normalized observation into the ledger as a single atomic change.
// Writers of the same broker are serialized; once started the write is not abandoned when
// ctx is cancelled, so a caller never observes a half-applied observation.
func (s *Service) Apply(ctx context.Context, obs normalize.Result) (result ApplyResult, err error) {
	ctx, span := tracer.Start(ctx, "Apply", trace.WithAttributes(
		attribute.String("broker_id", obs.BrokerID),
		attribute.String("source_url", obs.SourceURL),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if obs.BrokerID == "" || obs.SourceURL == "" {
		return ApplyResult{}, fmt.Errorf("ledger: observation missing broker or source url")
	}

	unlock := s.locks.Lock(obs.BrokerID)
	defer unlock()
	ctx = context.WithoutCancel(ctx)

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return ApplyResult{}, persistence("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.LockBroker(ctx, obs.BrokerID); err != nil {
		return ApplyResult{}, persistence("lock broker", err)
	}

	result, err = s.apply(ctx, tx, obs, s.now().UTC())
	if err != nil {
		return ApplyResult{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return ApplyResult{}, persistence("commit tx", err)
	}

	span.SetAttributes(attribute.String("listing_id", result.Record.ID), attribute.Int("history", len(result.History)))
	if result.Anomaly != nil {
		s.logger.Warn("status anomaly", "listing_id", result.Record.ID, "from", result.Anomaly.From,
			"trigger", result.Anomaly.Trigger, "clamped", result.Anomaly.Clamped)
	}
	s.logger.Debug("observation applied", "listing_id", result.Record.ID, "broker_id", obs.BrokerID,
		"created", result.Created, "changes", len(result.History))
	return result, nil
}

func (s *Service) apply(ctx context.Context, tx Tx, obs normalize.Result, now time.Time) (ApplyResult, error) {
	hash := contenthash.Hash(obs.Fields)
	res, err := dedupe.Resolve(ctx, tx, obs.Fields, hash)
	if err != nil {
		if errors.Is(err, dedupe.ErrInvalidURL) {
			return ApplyResult{}, fmt.Errorf("ledger: resolve identity: %w", err)
		}
		return ApplyResult{}, persistence("resolve identity", err)
	}

	b, known, err := tx.Broker(ctx, obs.BrokerID)
	if err != nil {
		return ApplyResult{}, persistence("load broker", err)
	}

	var (
		result ApplyResult
		prev   listing.Record
		rec    listing.Record
	)
	if res.Found {
		prev, err = tx.Get(ctx, res.Record.ID)
		if err != nil {
			return ApplyResult{}, persistence("load listing", err)
		}
		rec = prev.Clone()
		if obs.Reachable {
			canonical := rec.SourceURL
			rec.Fields = obs.Fields
			rec.SourceURL = canonical
			rec.ContentHash = hash
			rec.NeedsReview = obs.NeedsReview
		}
		if res.NewAlias != "" {
			rec.Aliases = append(rec.Aliases, res.NewAlias)
		}
		if now.After(rec.LastSeen) {
			rec.LastSeen = now
		}
	} else {
		result.Created = true
		rec = listing.Record{
			ID:          s.idGenerator(),
			Fields:      obs.Fields,
			Status:      listing.StatusActive,
			FirstSeen:   now,
			LastSeen:    now,
			LastChanged: now,
			ContentHash: hash,
			Flags:       listing.NewFlagSet(),
			NeedsReview: obs.NeedsReview,
		}
		rec.SourceURL = res.CanonicalURL
	}
	rec.SourceReachable = obs.Reachable
	if obs.Reachable {
		rec.Flags.Add(obs.Flags...)
	}

	outcome := status.Transition(rec.Status, obs.Trigger)
	rec.Status = outcome.To
	rec.Flags.Add(outcome.Flags...)
	if outcome.Anomaly != nil {
		result.Anomaly = outcome.Anomaly
		rec.Flags.Add(listing.FlagStatusAnomaly)
	}

	s.warn(&rec)

	for _, other := range res.Ambiguous {
		pair, err := s.pairWith(ctx, tx, &rec, other.ID, 1, listing.ReasonAmbiguousIdentity, now)
		if err != nil {
			return ApplyResult{}, err
		}
		result.Ambiguous = true
		result.Duplicates = append(result.Duplicates, pair)
	}
	if obs.Reachable {
		pairs, err := s.detectDuplicates(ctx, tx, &rec, now)
		if err != nil {
			return ApplyResult{}, err
		}
		result.Duplicates = append(result.Duplicates, pairs...)
	}

	if !result.Created {
		result.History = diff(prev, rec, now, append(slices.Clone(listing.ContentColumns), "status"))
		if len(result.History) > 0 {
			rec.LastChanged = now
		}
	}
	if rec.Status == listing.StatusActive && s.opts.StaleAfter > 0 && now.Sub(rec.LastChanged) > s.opts.StaleAfter {
		rec.Flags.Add(listing.FlagStale90)
	}
	if !result.Created {
		result.History = append(result.History, diff(prev, rec, now, []string{"flags"})...)
	}

	verified := known && b.Verified
	rec.Confidence = confidence.Score(confidence.InputFor(rec, verified, now))

	if result.Created {
		rec.Version = 1
		if err := tx.Insert(ctx, rec); err != nil {
			return ApplyResult{}, persistence("insert listing", err)
		}
	} else {
		rec.Version = prev.Version + 1
		if err := tx.Update(ctx, rec, prev.Version); err != nil {
			return ApplyResult{}, persistence("update listing", err)
		}
		if err := tx.AppendHistory(ctx, result.History); err != nil {
			return ApplyResult{}, persistence("append history", err)
		}
	}

	if err := s.touchBroker(ctx, tx, b, known, obs, now); err != nil {
		return ApplyResult{}, err
	}
	if err := s.enqueue(ctx, tx, rec, result, now); err != nil {
		return ApplyResult{}, err
	}

	result.Record = rec
	return result, nil
}

// warn raises the price and reachability warnings. Flags are never removed.
func (s *Service) warn(rec *listing.Record) {
	if !rec.SourceReachable {
		rec.Flags.Add(listing.FlagSource404)
	}

	if rec.AskingPrice != nil {
		ask := *rec.AskingPrice
		if rec.PeakAskingPrice != nil && ask*2 < *rec.PeakAskingPrice {
			rec.Flags.Add(listing.FlagPriceDrop50)
		}
		if rec.PeakAskingPrice == nil || ask > *rec.PeakAskingPrice {
			peak := ask
			rec.PeakAskingPrice = &peak
		}
		if rec.Revenue != nil && *rec.Revenue > 0 {
			ratio := float64(ask) / float64(*rec.Revenue)
			if ratio < s.opts.PriceRevenueMin || ratio > s.opts.PriceRevenueMax {
				rec.Flags.Add(listing.FlagPriceSuspicious)
			}
		}
	}
}

func (s *Service) detectDuplicates(ctx context.Context, tx Tx, rec *listing.Record, now time.Time) ([]listing.DuplicatePair, error) {
	candidates, err := tx.Candidates(ctx, rec.BrokerID, rec.State)
	if err != nil {
		return nil, persistence("load candidates", err)
	}

	var pairs []listing.DuplicatePair
	for _, c := range candidates {
		if c.ID == rec.ID {
			continue
		}
		score, dup := s.scorer.Match(rec.Fields, c.Fields)
		if !dup {
			continue
		}
		pair, err := s.pairWith(ctx, tx, rec, c.ID, score, listing.ReasonSimilarity, now)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, pair)
	}
	return pairs, nil
}

// pairWith flags both sides of a suspected duplicate and records the pair. The listings stay
// separate.
func (s *Service) pairWith(ctx context.Context, tx Tx, rec *listing.Record, otherID string, score float64, reason listing.DuplicateReason, now time.Time) (listing.DuplicatePair, error) {
	rec.Flags.Add(listing.FlagDuplicateSuspected)
	if err := tx.AttachFlags(ctx, otherID, []listing.Flag{listing.FlagDuplicateSuspected}, now); err != nil {
		return listing.DuplicatePair{}, persistence("flag duplicate", err)
	}

	a, b := rec.ID, otherID
	if b < a {
		a, b = b, a
	}
	pair := listing.DuplicatePair{ListingID: a, OtherID: b, Score: score, Reason: reason, DetectedAt: now}
	if err := tx.RecordDuplicate(ctx, pair); err != nil {
		return listing.DuplicatePair{}, persistence("record duplicate", err)
	}
	return pair, nil
}

func (s *Service) touchBroker(ctx context.Context, tx Tx, b broker.Record, known bool, obs normalize.Result, now time.Time) error {
	if !known {
		b = broker.Record{ID: obs.BrokerID, FirstSeen: now}
	}
	if obs.BrokerName != "" {
		b.Name = obs.BrokerName
	}
	if b.Name == "" {
		b.Name = obs.BrokerID
	}
	if obs.BrokerWebsite != "" {
		b.Website = obs.BrokerWebsite
	}
	scraped := obs.ScrapedAt
	if scraped.IsZero() {
		scraped = now
	}
	if scraped.After(b.LastScraped) {
		b.LastScraped = scraped
	}

	total, active, err := tx.CountListings(ctx, obs.BrokerID)
	if err != nil {
		return persistence("count listings", err)
	}
	b.TotalObserved, b.ActiveListings = total, active

	if err := tx.UpsertBroker(ctx, b); err != nil {
		return persistence("upsert broker", err)
	}
	return nil
}

func (s *Service) enqueue(ctx context.Context, tx Tx, rec listing.Record, result ApplyResult, now time.Time) error {
	var events []Event
	switch {
	case result.Created:
		events = append(events, Event{Topic: TopicListingCreated})
	case len(result.History) > 0:
		fields := make([]string, 0, len(result.History))
		for _, h := range result.History {
			fields = append(fields, h.Field)
		}
		events = append(events, Event{Topic: TopicListingUpdated, Payload: map[string]any{"fields": fields}})
		if result.StatusChanged() {
			events = append(events, Event{Topic: TopicListingStatusChanged})
		}
	}

	for _, ev := range events {
		if ev.Payload == nil {
			ev.Payload = make(map[string]any, 3)
		}
		ev.Payload["broker_id"] = rec.BrokerID
		ev.Payload["status"] = string(rec.Status)
		ev.ListingID = rec.ID
		ev.CreatedAt = now
		if err := tx.Enqueue(ctx, ev); err != nil {
			return persistence("enqueue "+ev.Topic, err)
		}
	}
	return nil
}

// diff emits one history entry per column whose flattened value changed.
func diff(prev, next listing.Record, at time.Time, columns []string) []listing.History {
	var out []listing.History
	for _, col := range columns {
		oldValue, newValue := prev.Value(col), next.Value(col)
		if listing.Equal(oldValue, newValue) {
			continue
		}
		out = append(out, listing.History{
			ListingID: next.ID,
			Timestamp: at,
			Field:     col,
			OldValue:  oldValue,
			NewValue:  newValue,
		})
	}
	return out
}

// VerifyBroker marks a broker as verified, which raises the confidence of its listings on
// their next observation.
func (s *Service) VerifyBroker(ctx context.Context, brokerID string) error {
	unlock := s.locks.Lock(brokerID)
	defer unlock()

	tx, err := s.repo.Begin(ctx)
	if err != nil {
		return persistence("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if err := tx.LockBroker(ctx, brokerID); err != nil {
		return persistence("lock broker", err)
	}
	b, ok, err := tx.Broker(ctx, brokerID)
	if err != nil {
		return persistence("load broker", err)
	}
	if !ok {
		return broker.ErrNotFound
	}
	if b.Verified {
		return nil
	}
	b.Verified = true
	if err := tx.UpsertBroker(ctx, b); err != nil {
		return persistence("upsert broker", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return persistence("commit tx", err)
	}
	return nil
}

// Flush persists buffered state when the store supports it.
func (s *Service) Flush(ctx context.Context) error {
	f, ok := s.repo.(Flusher)
	if !ok {
		return nil
	}
	if err := f.Flush(ctx); err != nil {
		return persistence("flush", err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (listing.Record, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) Listings(ctx context.Context) ([]listing.Record, error) {
	return s.repo.Listings(ctx)
}

func (s *Service) History(ctx context.Context, listingID string) ([]listing.History, error) {
	return s.repo.History(ctx, listingID)
}

func (s *Service) AllHistory(ctx context.Context) ([]listing.History, error) {
	return s.repo.AllHistory(ctx)
}

func (s *Service) Brokers(ctx context.Context) ([]broker.Record, error) {
	return s.repo.Brokers(ctx)
}

func (s *Service) DuplicatePairs(ctx context.Context) ([]listing.DuplicatePair, error) {
	return s.repo.DuplicatePairs(ctx)
}

// ReviewQueue lists listings whose vertical could not be classified.
func (s *Service) ReviewQueue(ctx context.Context) ([]listing.Record, error) {
	return s.repo.ReviewQueue(ctx)
}
