package cache

import (
	"container/list"
	"sync"
	"time"
)

type memoryEntry struct {
	key       string
	value     []byte
	expiresAt time.Time
}

// memoryStore is a bounded TTL map with LRU eviction. It backs the layer
// outright when no redis address is configured and during degraded periods.
type memoryStore struct {
	capacity int
	clock    func() time.Time

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

func newMemoryStore(capacity int, clock func() time.Time) *memoryStore {
	return &memoryStore{
		capacity: capacity,
		clock:    clock,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

func (s *memoryStore) get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	elem, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	entry := elem.Value.(*memoryEntry)
	if s.clock().After(entry.expiresAt) {
		s.removeLocked(elem)
		return nil, false
	}
	s.order.MoveToFront(elem)
	return entry.value, true
}

func (s *memoryStore) set(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt := s.clock().Add(ttl)
	if elem, ok := s.entries[key]; ok {
		entry := elem.Value.(*memoryEntry)
		entry.value = value
		entry.expiresAt = expiresAt
		s.order.MoveToFront(elem)
		return
	}
	for len(s.entries) >= s.capacity {
		oldest := s.order.Back()
		if oldest == nil {
			break
		}
		s.removeLocked(oldest)
	}
	s.entries[key] = s.order.PushFront(&memoryEntry{key: key, value: value, expiresAt: expiresAt})
}

func (s *memoryStore) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *memoryStore) removeLocked(elem *list.Element) {
	entry := elem.Value.(*memoryEntry)
	s.order.Remove(elem)
	delete(s.entries, entry.key)
}
