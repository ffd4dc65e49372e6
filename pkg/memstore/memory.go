package memstore

import (
	"context"
	"maps"
	"sync"
	"time"
)

// InMemoryStore is an in-memory Store implementation.
// Useful for testing and zero-config runs; it is not durable.
type InMemoryStore struct {
	entries []*Entry
	nextID  int64
	mu      sync.RWMutex
}

// NewInMemoryStore returns an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{nextID: 1}
}

func (s *InMemoryStore) Record(ctx context.Context, subjectKey string, payload, metadata map[string]any) (*Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &Entry{
		ID:         s.nextID,
		SubjectKey: subjectKey,
		Payload:    maps.Clone(payload),
		Metadata:   maps.Clone(metadata),
		CreatedAt:  time.Now(),
	}
	s.nextID++
	s.entries = append(s.entries, entry)

	return entry, nil
}

func (s *InMemoryStore) Query(ctx context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*Entry
	for _, e := range s.entries {
		if filter.matches(e) {
			result = append(result, e)
		}
	}

	return filter.tail(result), nil
}

func (s *InMemoryStore) Close() error {
	return nil
}

var _ Store = (*InMemoryStore)(nil)
