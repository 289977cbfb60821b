package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"sync"
	"time"

	"dealledger/broker"
	"dealledger/listing"
)

const stateFormatVersion = 1

// MemoryRepository keeps the ledger in process. Transactions stage their writes and apply
// them under one lock at commit, so readers never see a partial observation. When a state
// path is set, Flush writes the committed state to disk and OpenMemoryRepository loads it.
type MemoryRepository struct {
	mu       sync.RWMutex
	path     string
	listings map[string]listing.Record
	urls     map[string]string
	sources  map[string]string
	history  []listing.History
	brokers  map[string]broker.Record
	pairs    map[string]listing.DuplicatePair
	events   []Event
	seq      int64
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		listings: make(map[string]listing.Record),
		urls:     make(map[string]string),
		sources:  make(map[string]string),
		brokers:  make(map[string]broker.Record),
		pairs:    make(map[string]listing.DuplicatePair),
	}
}

// OpenMemoryRepository loads the state file at path, starting empty when it does not exist.
func OpenMemoryRepository(path string) (*MemoryRepository, error) {
	r := NewMemoryRepository()
	r.path = path

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return r, nil
	}
	if err != nil {
		return nil, fmt.Errorf("ledger: read state: %w", err)
	}

	var st memoryState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("ledger: decode state %s: %w", path, err)
	}
	if st.Version != stateFormatVersion {
		return nil, fmt.Errorf("ledger: state %s has format %d, want %d", path, st.Version, stateFormatVersion)
	}
	for _, rec := range st.Listings {
		if rec.Flags == nil {
			rec.Flags = listing.NewFlagSet()
		}
		r.putListing(rec)
	}
	for _, b := range st.Brokers {
		r.brokers[b.ID] = b
	}
	for _, p := range st.Pairs {
		r.pairs[pairKey(p.ListingID, p.OtherID)] = p
	}
	r.history = st.History
	r.events = st.Events
	r.seq = st.Seq
	return r, nil
}

type memoryState struct {
	Version  int                     `json:"version"`
	Seq      int64                   `json:"seq"`
	Listings []listing.Record        `json:"listings"`
	History  []listing.History       `json:"history"`
	Brokers  []broker.Record         `json:"brokers"`
	Pairs    []listing.DuplicatePair `json:"duplicate_pairs"`
	Events   []Event                 `json:"outbox"`
}

// Flush writes committed state to the state path through a temporary file and rename.
func (r *MemoryRepository) Flush(_ context.Context) error {
	if r.path == "" {
		return nil
	}

	r.mu.RLock()
	st := memoryState{
		Version:  stateFormatVersion,
		Seq:      r.seq,
		Listings: r.sortedListings(),
		History:  slices.Clone(r.history),
		Brokers:  r.sortedBrokers(),
		Pairs:    r.sortedPairs(),
		Events:   slices.Clone(r.events),
	}
	r.mu.RUnlock()

	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("ledger: encode state: %w", err)
	}
	if dir := filepath.Dir(r.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("ledger: create state dir: %w", err)
		}
	}
	tmp := r.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("ledger: write state: %w", err)
	}
	if err := os.Rename(tmp, r.path); err != nil {
		return fmt.Errorf("ledger: replace state: %w", err)
	}
	return nil
}

// Events returns the committed outbox in write order.
func (r *MemoryRepository) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.events)
}

func (r *MemoryRepository) Begin(_ context.Context) (Tx, error) {
	return &memoryTx{
		repo:    r,
		staged:  make(map[string]listing.Record),
		prev:    make(map[string]int64),
		brokers: make(map[string]broker.Record),
	}, nil
}

func (r *MemoryRepository) Get(_ context.Context, id string) (listing.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.listings[id]
	if !ok {
		return listing.Record{}, ErrNotFound
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) Listings(_ context.Context) ([]listing.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedListings(), nil
}

func (r *MemoryRepository) History(_ context.Context, listingID string) ([]listing.History, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []listing.History
	for _, h := range r.history {
		if h.ListingID == listingID {
			out = append(out, h)
		}
	}
	return out, nil
}

func (r *MemoryRepository) AllHistory(_ context.Context) ([]listing.History, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.history), nil
}

func (r *MemoryRepository) Brokers(_ context.Context) ([]broker.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedBrokers(), nil
}

// GetByID and List let the repository back a broker.Service.
func (r *MemoryRepository) GetByID(_ context.Context, id string) (broker.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	b, ok := r.brokers[id]
	if !ok {
		return broker.Record{}, broker.ErrNotFound
	}
	return b, nil
}

func (r *MemoryRepository) List(ctx context.Context, limit int) ([]broker.Record, error) {
	out, _ := r.Brokers(ctx)
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func (r *MemoryRepository) DuplicatePairs(_ context.Context) ([]listing.DuplicatePair, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedPairs(), nil
}

func (r *MemoryRepository) ReviewQueue(_ context.Context) ([]listing.Record, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []listing.Record
	for _, rec := range r.sortedListings() {
		if rec.NeedsReview {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (r *MemoryRepository) sortedListings() []listing.Record {
	out := make([]listing.Record, 0, len(r.listings))
	for _, rec := range r.listings {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryRepository) sortedBrokers() []broker.Record {
	out := make([]broker.Record, 0, len(r.brokers))
	for _, b := range r.brokers {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (r *MemoryRepository) sortedPairs() []listing.DuplicatePair {
	out := make([]listing.DuplicatePair, 0, len(r.pairs))
	for _, p := range r.pairs {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ListingID != out[j].ListingID {
			return out[i].ListingID < out[j].ListingID
		}
		return out[i].OtherID < out[j].OtherID
	})
	return out
}

// putListing stores rec and indexes its URLs and source id. Callers hold mu.
func (r *MemoryRepository) putListing(rec listing.Record) {
	r.listings[rec.ID] = rec.Clone()
	r.urls[brokerKey(rec.BrokerID, rec.SourceURL)] = rec.ID
	for _, a := range rec.Aliases {
		r.urls[brokerKey(rec.BrokerID, a)] = rec.ID
	}
	if rec.SourceID != nil && *rec.SourceID != "" {
		key := brokerKey(rec.BrokerID, *rec.SourceID)
		if _, taken := r.sources[key]; !taken {
			r.sources[key] = rec.ID
		}
	}
}

func brokerKey(brokerID, value string) string {
	return brokerID + "\x00" + value
}

func pairKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b
}

type flagOp struct {
	id    string
	flags []listing.Flag
	at    time.Time
}

type memoryTx struct {
	repo *MemoryRepository
	done bool

	// staged holds inserted and updated listings; prev holds the version an update expects,
	// and is absent for inserts.
	staged  map[string]listing.Record
	prev    map[string]int64
	order   []string
	history []listing.History
	flagOps []flagOp
	pairs   []listing.DuplicatePair
	brokers map[string]broker.Record
	events  []Event
}

func (t *memoryTx) check() error {
	if t.done {
		return ErrTxDone
	}
	return nil
}

func (t *memoryTx) LockBroker(_ context.Context, _ string) error {
	return t.check()
}

// view returns the listing as this transaction sees it.
func (t *memoryTx) view(id string) (listing.Record, bool) {
	if rec, ok := t.staged[id]; ok {
		return rec.Clone(), true
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	rec, ok := t.repo.listings[id]
	if !ok {
		return listing.Record{}, false
	}
	return rec.Clone(), true
}

func (t *memoryTx) FindByURL(_ context.Context, brokerID, url string) (listing.Record, bool, error) {
	if err := t.check(); err != nil {
		return listing.Record{}, false, err
	}
	for _, id := range t.order {
		if rec := t.staged[id]; rec.BrokerID == brokerID && rec.KnowsURL(url) {
			return rec.Clone(), true, nil
		}
	}
	t.repo.mu.RLock()
	id, ok := t.repo.urls[brokerKey(brokerID, url)]
	t.repo.mu.RUnlock()
	if !ok {
		return listing.Record{}, false, nil
	}
	rec, ok := t.view(id)
	return rec, ok, nil
}

func (t *memoryTx) FindBySourceID(_ context.Context, brokerID, sourceID string) (listing.Record, bool, error) {
	if err := t.check(); err != nil {
		return listing.Record{}, false, err
	}
	for _, id := range t.order {
		rec := t.staged[id]
		if rec.BrokerID == brokerID && rec.SourceID != nil && *rec.SourceID == sourceID {
			return rec.Clone(), true, nil
		}
	}
	t.repo.mu.RLock()
	id, ok := t.repo.sources[brokerKey(brokerID, sourceID)]
	t.repo.mu.RUnlock()
	if !ok {
		return listing.Record{}, false, nil
	}
	rec, ok := t.view(id)
	return rec, ok, nil
}

func (t *memoryTx) FindByContentHash(_ context.Context, brokerID, hash string) ([]listing.Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.scan(func(rec listing.Record) bool {
		return rec.BrokerID == brokerID && rec.ContentHash == hash
	}), nil
}

func (t *memoryTx) Candidates(_ context.Context, excludeBrokerID string, state *string) ([]listing.Record, error) {
	if err := t.check(); err != nil {
		return nil, err
	}
	return t.scan(func(rec listing.Record) bool {
		if rec.BrokerID == excludeBrokerID {
			return false
		}
		return state == nil || (rec.State != nil && *rec.State == *state)
	}), nil
}

// scan returns committed listings overlaid with staged ones, ordered by id.
func (t *memoryTx) scan(match func(listing.Record) bool) []listing.Record {
	seen := make(map[string]struct{}, len(t.staged))
	var out []listing.Record
	for id, rec := range t.staged {
		seen[id] = struct{}{}
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	t.repo.mu.RLock()
	for id, rec := range t.repo.listings {
		if _, ok := seen[id]; ok {
			continue
		}
		if match(rec) {
			out = append(out, rec.Clone())
		}
	}
	t.repo.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (t *memoryTx) Get(_ context.Context, id string) (listing.Record, error) {
	if err := t.check(); err != nil {
		return listing.Record{}, err
	}
	rec, ok := t.view(id)
	if !ok {
		return listing.Record{}, ErrNotFound
	}
	return rec, nil
}

func (t *memoryTx) Broker(_ context.Context, id string) (broker.Record, bool, error) {
	if err := t.check(); err != nil {
		return broker.Record{}, false, err
	}
	if b, ok := t.brokers[id]; ok {
		return b, true, nil
	}
	t.repo.mu.RLock()
	defer t.repo.mu.RUnlock()
	b, ok := t.repo.brokers[id]
	return b, ok, nil
}

func (t *memoryTx) Insert(_ context.Context, rec listing.Record) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, ok := t.staged[rec.ID]; ok {
		return fmt.Errorf("ledger: listing %s staged twice", rec.ID)
	}
	t.staged[rec.ID] = rec.Clone()
	t.order = append(t.order, rec.ID)
	return nil
}

func (t *memoryTx) Update(_ context.Context, rec listing.Record, prevVersion int64) error {
	if err := t.check(); err != nil {
		return err
	}
	if _, ok := t.staged[rec.ID]; !ok {
		t.order = append(t.order, rec.ID)
		t.prev[rec.ID] = prevVersion
	}
	t.staged[rec.ID] = rec.Clone()
	return nil
}

func (t *memoryTx) AppendHistory(_ context.Context, entries []listing.History) error {
	if err := t.check(); err != nil {
		return err
	}
	t.history = append(t.history, entries...)
	return nil
}

func (t *memoryTx) AttachFlags(_ context.Context, id string, flags []listing.Flag, at time.Time) error {
	if err := t.check(); err != nil {
		return err
	}
	t.flagOps = append(t.flagOps, flagOp{id: id, flags: slices.Clone(flags), at: at})
	return nil
}

func (t *memoryTx) RecordDuplicate(_ context.Context, pair listing.DuplicatePair) error {
	if err := t.check(); err != nil {
		return err
	}
	t.pairs = append(t.pairs, pair)
	return nil
}

func (t *memoryTx) CountListings(_ context.Context, brokerID string) (int, int, error) {
	if err := t.check(); err != nil {
		return 0, 0, err
	}
	total, active := 0, 0
	for _, rec := range t.scan(func(rec listing.Record) bool { return rec.BrokerID == brokerID }) {
		total++
		if rec.Status == listing.StatusActive || rec.Status == listing.StatusRelisted {
			active++
		}
	}
	return total, active, nil
}

func (t *memoryTx) UpsertBroker(_ context.Context, rec broker.Record) error {
	if err := t.check(); err != nil {
		return err
	}
	t.brokers[rec.ID] = rec
	return nil
}

func (t *memoryTx) Enqueue(_ context.Context, ev Event) error {
	if err := t.check(); err != nil {
		return err
	}
	t.events = append(t.events, ev)
	return nil
}

// Commit validates every staged write and then applies all of them. Validation failures
// leave the repository untouched.
func (t *memoryTx) Commit(_ context.Context) error {
	if err := t.check(); err != nil {
		return err
	}
	t.done = true

	r := t.repo
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, id := range t.order {
		rec := t.staged[id]
		stored, exists := r.listings[id]
		prev, isUpdate := t.prev[id]
		switch {
		case isUpdate && !exists:
			return fmt.Errorf("%w: listing %s", ErrNotFound, id)
		case isUpdate && stored.Version != prev:
			return fmt.Errorf("%w: listing %s at version %d, expected %d", ErrVersionConflict, id, stored.Version, prev)
		case !isUpdate && exists:
			return fmt.Errorf("%w: listing %s already exists", ErrVersionConflict, id)
		}
		for _, u := range append([]string{rec.SourceURL}, rec.Aliases...) {
			if owner, ok := r.urls[brokerKey(rec.BrokerID, u)]; ok && owner != id {
				return fmt.Errorf("%w: url %s belongs to listing %s", ErrVersionConflict, u, owner)
			}
		}
	}
	for _, op := range t.flagOps {
		if _, ok := t.staged[op.id]; ok {
			continue
		}
		if _, ok := r.listings[op.id]; !ok {
			return fmt.Errorf("%w: listing %s", ErrNotFound, op.id)
		}
	}

	for _, id := range t.order {
		r.putListing(t.staged[id])
	}
	for _, h := range t.history {
		r.appendHistory(h)
	}
	for _, op := range t.flagOps {
		rec := r.listings[op.id].Clone()
		before := rec.Value("flags")
		if !rec.Flags.Add(op.flags...) {
			continue
		}
		rec.Version++
		r.listings[op.id] = rec
		r.appendHistory(listing.History{
			ListingID: op.id,
			Timestamp: op.at,
			Field:     "flags",
			OldValue:  before,
			NewValue:  rec.Value("flags"),
		})
	}
	for _, p := range t.pairs {
		key := pairKey(p.ListingID, p.OtherID)
		if _, ok := r.pairs[key]; !ok {
			r.pairs[key] = p
		}
	}
	for id, b := range t.brokers {
		r.brokers[id] = b
	}
	r.events = append(r.events, t.events...)
	return nil
}

// appendHistory assigns the next sequence number. Callers hold mu.
func (r *MemoryRepository) appendHistory(h listing.History) {
	r.seq++
	h.Seq = r.seq
	r.history = append(r.history, h)
}

func (t *memoryTx) Rollback(_ context.Context) error {
	t.done = true
	return nil
}
