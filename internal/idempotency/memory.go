package idempotency

import (
	"context"
	"sync"
	"time"

	"ecomsimply/internal/domain"
	"ecomsimply/internal/ports"
)

// MemoryStore keeps records in a map. Suitable for single-instance
// deployments and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]domain.IdempotencyRecord
	now     func() time.Time
}

var _ ports.IdempotencyStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]domain.IdempotencyRecord),
		now:     time.Now,
	}
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	rec, err := s.Get(ctx, key)
	return rec != nil, err
}

// Put keeps the first unexpired record for a key.
func (s *MemoryStore) Put(_ context.Context, rec domain.IdempotencyRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.records[rec.Key]; ok && !cur.Expired(s.now()) {
		return nil
	}
	s.records[rec.Key] = rec
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[key]
	if !ok || rec.Expired(s.now()) {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) CleanupExpired(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	n := 0
	for k, rec := range s.records {
		if rec.Expired(now) {
			delete(s.records, k)
			n++
		}
	}
	return n, nil
}

// Size returns the number of entries, expired ones included.
func (s *MemoryStore) Size() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
