package broker

import (
	"context"
	"errors"
	"testing"
)

type stubReader struct {
	records map[string]Record
	gets    int
	err     error
}

func (s *stubReader) GetByID(_ context.Context, id string) (Record, error) {
	s.gets++
	if s.err != nil {
		return Record{}, s.err
	}
	rec, ok := s.records[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return rec, nil
}

func (s *stubReader) List(_ context.Context, limit int) ([]Record, error) {
	out := make([]Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	if limit > 0 && limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

func TestServiceCachesLookups(t *testing.T) {
	repo := &stubReader{records: map[string]Record{"acme": {ID: "acme", Name: "Acme", Verified: true}}}
	svc := NewService(repo)

	for i := 0; i < 3; i++ {
		rec, err := svc.GetByID(context.Background(), "acme")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		if !rec.Verified {
			t.Fatalf("expected verified broker")
		}
	}
	if repo.gets != 1 {
		t.Fatalf("expected one repository read, got %d", repo.gets)
	}

	svc.Invalidate("acme")
	if _, err := svc.GetByID(context.Background(), "acme"); err != nil {
		t.Fatalf("get after invalidate: %v", err)
	}
	if repo.gets != 2 {
		t.Fatalf("expected invalidate to force a read, got %d reads", repo.gets)
	}
}

func TestServiceDoesNotCacheMisses(t *testing.T) {
	repo := &stubReader{records: map[string]Record{}}
	svc := NewService(repo)

	if _, err := svc.GetByID(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	repo.records["ghost"] = Record{ID: "ghost"}
	if _, err := svc.GetByID(context.Background(), "ghost"); err != nil {
		t.Fatalf("expected broker after it appeared, got %v", err)
	}
}
