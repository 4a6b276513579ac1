package ratelimit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// NewCounterStore creates a redis-backed counter store when configured,
// otherwise in-memory.
func NewCounterStore(redisURL string) (CounterStore, error) {
	if strings.TrimSpace(redisURL) == "" {
		return NewMemoryCounterStore(), nil
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return NewRedisCounterStore(redis.NewClient(opts)), nil
}

// MemoryCounterStore mirrors the redis increment+expire semantics under a
// single mutex for single-process deployments and tests.
type MemoryCounterStore struct {
	mu       sync.Mutex
	counters map[string]*memoryCounter
	now      func() time.Time
}

type memoryCounter struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryCounterStore() *MemoryCounterStore {
	return &MemoryCounterStore{
		counters: make(map[string]*memoryCounter),
		now:      time.Now,
	}
}

func (s *MemoryCounterStore) IncrWindow(_ context.Context, key string, ttl time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	c, ok := s.counters[key]
	if !ok || !now.Before(c.expiresAt) {
		c = &memoryCounter{expiresAt: now.Add(ttl)}
		s.counters[key] = c
	}
	c.count++

	// Opportunistic sweep so long-running processes do not accumulate
	// counters for windows that have already closed.
	if len(s.counters) > 1024 {
		for k, v := range s.counters {
			if !now.Before(v.expiresAt) {
				delete(s.counters, k)
			}
		}
	}
	return c.count, nil
}

func (s *MemoryCounterStore) Close() error { return nil }
