package memory

import (
	"context"
	"sync"
)

// Store implements ports.KeyValueStore using an in-memory map. Values live
// for the lifetime of the process.
type Store struct {
	values map[string]string
	mu     sync.RWMutex
}

// NewStore creates a new in-memory store
func NewStore() *Store {
	return &Store{
		values: make(map[string]string),
	}
}

// Get returns the value stored under key
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.values[key]
	return v, ok, nil
}

// Set stores value under key
func (s *Store) Set(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	return nil
}

// Delete removes key
func (s *Store) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.values, key)
	return nil
}

// Keys returns all stored keys
func (s *Store) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	keys := make([]string, 0, len(s.values))
	for k := range s.values {
		keys = append(keys, k)
	}
	return keys
}
