// Package cache provides the small concurrent in-memory store backing
// latest-snapshot reads on the monitoring path.
package cache

import "sync"

// Store is a concurrent-safe in-memory key-value store typed to its value.
type Store[V any] struct {
	mu    sync.RWMutex
	items map[string]V
}

// New creates an empty Store.
func New[V any]() *Store[V] {
	return &Store[V]{
		items: make(map[string]V),
	}
}

// Get retrieves a value from the store.
// The second return reports whether the key exists.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, found := s.items[key]
	return item, found
}

// Set adds or updates a value in the store.
func (s *Store[V]) Set(key string, value V) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[key] = value
}

// Delete removes a value from the store.
func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.items, key)
}

// Len reports the number of entries currently held.
func (s *Store[V]) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.items)
}
