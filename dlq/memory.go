package dlq

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-memory DLQ store
type MemoryStore struct {
	mu      sync.RWMutex
	entries []*Entry
}

// NewMemoryStore creates a new in-memory DLQ store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func copyEntry(e *Entry) *Entry {
	c := *e
	c.Event = *e.Event.Clone()
	return &c
}

// Add stores a copy of entry.
func (s *MemoryStore) Add(_ context.Context, entry *Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, copyEntry(entry))
	return nil
}

// Get retrieves a single entry by ID
func (s *MemoryStore) Get(_ context.Context, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.entries {
		if e.ID == id {
			return copyEntry(e), nil
		}
	}
	return nil, ErrNotFound
}

// List returns entries matching the filter, oldest first.
func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entry
	for _, e := range s.entries {
		if filter.Matches(e) {
			out = append(out, copyEntry(e))
		}
	}
	return paginate(out, filter), nil
}

// Count returns the number of entries matching the filter
func (s *MemoryStore) Count(_ context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.entries {
		if filter.Matches(e) {
			n++
		}
	}
	return n, nil
}

// DeleteOlderThan removes entries older than age
func (s *MemoryStore) DeleteOlderThan(_ context.Context, age time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := time.Now().Add(-age)
	kept := s.entries[:0]
	var deleted int64
	for _, e := range s.entries {
		if e.DeadLetteredAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	s.entries = kept
	return deleted, nil
}

// Len returns the number of stored entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
