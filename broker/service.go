package broker

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// Reader abstracts repository operations for the service.
type Reader interface {
	GetByID(ctx context.Context, id string) (Record, error)
	List(ctx context.Context, limit int) ([]Record, error)
}

// Service exposes broker lookups with a short-lived cache in front of the reader.
type Service struct {
	repo  Reader
	cache *expirable.LRU[string, Record]
}

// NewService builds a Service using the provided reader.
func NewService(repo Reader) *Service {
	return &Service{
		repo:  repo,
		cache: expirable.NewLRU[string, Record](1024, nil, 5*time.Minute),
	}
}

// GetByID returns the broker for the given identifier.
func (s *Service) GetByID(ctx context.Context, id string) (Record, error) {
	if rec, ok := s.cache.Get(id); ok {
		return rec, nil
	}
	rec, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return Record{}, err
	}
	s.cache.Add(id, rec)
	return rec, nil
}

// List returns up to limit brokers and refreshes the cache with them.
func (s *Service) List(ctx context.Context, limit int) ([]Record, error) {
	records, err := s.repo.List(ctx, limit)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		s.cache.Add(rec.ID, rec)
	}
	return records, nil
}

// Invalidate drops a cached broker after the ledger changed it.
func (s *Service) Invalidate(id string) {
	s.cache.Remove(id)
}
