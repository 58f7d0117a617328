package services

import (
	"context"
	"sync"
	"time"
)

// MemoryCounterStore is a mutex-guarded counter store for tests and local
// development. The RedisService and the SQLite store provide the shared
// deployments; this one exists so the limiter's atomicity contract can be
// exercised without external infrastructure.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

// NewMemoryCounterStore creates an empty in-memory counter store
func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

// IncrementIfBelow atomically increments the counter at key when its current
// value is below limit
func (s *MemoryCounterStore) IncrementIfBelow(_ context.Context, key string, limit int, ttl time.Duration) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !c.expiresAt.After(now) {
		c = &memoryCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}

	if c.count >= int64(limit) {
		return c.count, false, nil
	}
	c.count++
	return c.count, true, nil
}

// Count returns the current counter value (0 when absent or expired)
func (s *MemoryCounterStore) Count(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.counters[key]
	if !ok || !c.expiresAt.After(s.now()) {
		return 0, nil
	}
	return c.count, nil
}
