// Package memory implements an in-memory key-value store.
package memory

import (
	"context"
	"sync"

	"marketplace/pkg/kv"
)

// Store provides an in-memory implementation of kv.Store.
type Store struct {
	mu     sync.RWMutex
	values map[string]string
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{values: make(map[string]string)}
}

// Get retrieves the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if key == "" {
		return "", false, kv.ErrEmptyKey
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.values[key]
	return v, ok, nil
}

// Set replaces the value stored under key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if key == "" {
		return kv.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	return nil
}

// Merge shallow-merges value into the stored value.
func (s *Store) Merge(ctx context.Context, key, value string) error {
	if key == "" {
		return kv.ErrEmptyKey
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.values[key]
	if !ok {
		s.values[key] = value
		return nil
	}
	merged, err := kv.MergeJSON(existing, value)
	if err != nil {
		return err
	}
	s.values[key] = merged
	return nil
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error {
	return nil
}
