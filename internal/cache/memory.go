package cache

import (
	"container/list"
	"context"
	"sync"
	"time"
)

const defaultMaxEntries = 256

// MemoryStore is the in-process driver used when no redis is configured.
// Entries expire at their TTL; when the store is full the least recently
// used live entry is evicted.
type MemoryStore struct {
	mu         sync.Mutex
	entries    map[string]*list.Element
	order      *list.List // front = most recently used
	maxEntries int
	now        func() time.Time
}

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

func NewMemoryStore(maxEntries int) *MemoryStore {
	if maxEntries <= 0 {
		maxEntries = defaultMaxEntries
	}
	return &MemoryStore{
		entries:    make(map[string]*list.Element),
		order:      list.New(),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	el, ok := s.entries[key]
	if !ok {
		return nil, false, nil
	}
	entry := el.Value.(*memoryEntry)
	if !s.now().Before(entry.expiresAt) {
		s.order.Remove(el)
		delete(s.entries, key)
		return nil, false, nil
	}
	s.order.MoveToFront(el)
	out := make([]byte, len(entry.value))
	copy(out, entry.value)
	return out, true, nil
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	stored := make([]byte, len(value))
	copy(stored, value)
	expiresAt := s.now().Add(ttl)

	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.entries[key]; ok {
		entry := el.Value.(*memoryEntry)
		entry.value = stored
		entry.expiresAt = expiresAt
		s.order.MoveToFront(el)
		return nil
	}

	s.entries[key] = s.order.PushFront(&memoryEntry{key: key, value: stored, expiresAt: expiresAt})
	if len(s.entries) > s.maxEntries {
		s.evictLocked()
	}
	return nil
}

// evictLocked removes expired entries first, then the LRU entry if the
// store is still over capacity.
func (s *MemoryStore) evictLocked() {
	now := s.now()
	for el := s.order.Back(); el != nil && len(s.entries) > s.maxEntries; {
		prev := el.Prev()
		entry := el.Value.(*memoryEntry)
		if !now.Before(entry.expiresAt) {
			s.order.Remove(el)
			delete(s.entries, entry.key)
		}
		el = prev
	}
	for len(s.entries) > s.maxEntries {
		el := s.order.Back()
		if el == nil {
			return
		}
		entry := s.order.Remove(el).(*memoryEntry)
		delete(s.entries, entry.key)
	}
}

func (s *MemoryStore) Close() error { return nil }
