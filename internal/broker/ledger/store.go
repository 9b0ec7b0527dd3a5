package ledger

import (
	"context"
	"sort"
	"sync"
)

// Store persists delivery records. Implementations must keep records
// forever; duplicate detection across restarts depends on it.
type Store interface {
	Get(ctx context.Context, messageID string) (Record, bool, error)
	Insert(ctx context.Context, rec Record) error
	Update(ctx context.Context, rec Record) error
	// List returns records with the given status in first-seen order.
	// A limit of zero or less lists all of them.
	List(ctx context.Context, status Status, limit int) ([]Record, error)
	Close() error
}

// MemoryStore is an in-process Store for tests and single-run tooling. It
// does not survive restarts; production deployments use the SQLite or
// Postgres store.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(ctx context.Context, messageID string) (Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[messageID]
	return rec, ok, nil
}

func (s *MemoryStore) Insert(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.MessageID] = rec
	return nil
}

func (s *MemoryStore) Update(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[rec.MessageID] = rec
	return nil
}

func (s *MemoryStore) List(ctx context.Context, status Status, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, rec := range s.records {
		if rec.Status == status {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FirstSeen.Before(out[j].FirstSeen) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }

// Len returns the number of records, for tests.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
