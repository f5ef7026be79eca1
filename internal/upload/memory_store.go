package upload

import (
	"context"
	"fmt"
	"sync"
)

// MemoryOffsetStore is an in-memory OffsetStore. It backs tests and
// single-process deployments that can tolerate losing resume state on
// restart.
type MemoryOffsetStore struct {
	mu      sync.RWMutex
	records map[string]Record
}

// NewMemoryOffsetStore creates an empty in-memory store
func NewMemoryOffsetStore() *MemoryOffsetStore {
	return &MemoryOffsetStore{
		records: make(map[string]Record),
	}
}

// Create persists a new record, failing if one already exists
func (s *MemoryOffsetStore) Create(ctx context.Context, rec *Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[rec.ID]; exists {
		return fmt.Errorf("offset record already exists: %s", rec.ID)
	}

	stored := *rec
	stored.Metadata = copyMetadata(rec.Metadata)
	s.records[rec.ID] = stored
	return nil
}

// Get returns a copy of the record for the given id
func (s *MemoryOffsetStore) Get(ctx context.Context, id string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	out := rec
	out.Metadata = copyMetadata(rec.Metadata)
	return &out, nil
}

// Put overwrites the offset for the given id
func (s *MemoryOffsetStore) Put(ctx context.Context, id string, offset int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, exists := s.records[id]
	if !exists {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	rec.Offset = offset
	s.records[id] = rec
	return nil
}

// Delete removes the record; missing records are not an error
func (s *MemoryOffsetStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.records, id)
	return nil
}

func copyMetadata(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
