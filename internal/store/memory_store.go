package store

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// MemoryStore implements StateStore in process memory
type MemoryStore struct {
	staging
	data   map[string][]byte
	mu     sync.RWMutex
	logger *zap.Logger
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore(logger *zap.Logger) *MemoryStore {
	return &MemoryStore{
		data:   make(map[string][]byte),
		logger: logger,
	}
}

// Get retrieves a value
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if value, deleted, ok := s.lookup(key); ok {
		if deleted {
			return nil, ErrNotFound
		}
		return value, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	value, exists := s.data[key]
	if !exists {
		return nil, ErrNotFound
	}
	return value, nil
}

// Set stages a value
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte) error {
	s.set(key, value)
	return nil
}

// Delete stages a removal
func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.delete(key)
	return nil
}

// Flush commits staged writes
func (s *MemoryStore) Flush(ctx context.Context) error {
	_, err := s.flush(func(writes map[string]pendingWrite) error {
		s.mu.Lock()
		defer s.mu.Unlock()

		for k, w := range writes {
			if w.deleted {
				delete(s.data, k)
				continue
			}
			s.data[k] = w.value
		}
		return nil
	})
	return err
}

// Ping always succeeds
func (s *MemoryStore) Ping(ctx context.Context) error {
	return nil
}

// Close is a no-op
func (s *MemoryStore) Close() error {
	return nil
}

// Committed reports whether key is durable (flushed), ignoring staged writes
func (s *MemoryStore) Committed(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.data[key]
	return ok
}
