package tokencache

import (
	"context"
	"sync"
)

// MemoryStore is a map-backed Store. It is the degraded mode the file store
// falls back to when no writable location exists, and the default in tests.
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (s *MemoryStore) Get(_ context.Context, stage string) (Record, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[stage]
	return rec, ok
}

func (s *MemoryStore) Put(_ context.Context, stage string, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[stage] = rec
	return nil
}

func (s *MemoryStore) Close() error { return nil }
