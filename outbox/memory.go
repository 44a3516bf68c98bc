package outbox

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rbaliyan/pubsub"
)

// ErrNoTransaction is returned by Commit and Rollback outside a transaction.
var ErrNoTransaction = errors.New("no transaction in progress")

type memoryTxKey struct{ store *MemoryStore }

type memoryTx struct {
	mu     sync.Mutex
	staged []*pubsub.OutboxEvent
	done   bool
}

// stage appends ev unless the unit of work already ended.
func (tx *memoryTx) stage(ev *pubsub.OutboxEvent) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return ErrNoTransaction
	}
	tx.staged = append(tx.staged, ev)
	return nil
}

// finish ends the unit of work and returns what it staged.
func (tx *memoryTx) finish() ([]*pubsub.OutboxEvent, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.done {
		return nil, ErrNoTransaction
	}
	tx.done = true
	return tx.staged, nil
}

// MemoryStore is an in-process outbox.
//
// Transactions are units of work: events added inside Transaction become
// visible to the publisher only when the function returns nil.
//
// Example:
//
//	store := outbox.NewMemoryStore()
//	err := store.Transaction(ctx, func(ctx context.Context) error {
//	    if err := orders.Save(ctx, order); err != nil {
//	        return err
//	    }
//	    return store.Add(ctx, ev)
//	})
type MemoryStore struct {
	mu      sync.Mutex
	seq     int64
	events  []*pubsub.OutboxEvent
	claimed map[int64]time.Time
	lease   time.Duration
	now     func() time.Time
}

// NewMemoryStore creates an empty in-memory outbox.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		claimed: make(map[int64]time.Time),
		lease:   DefaultLease,
		now:     time.Now,
	}
}

// WithLease sets how long a claim survives without being released.
func (s *MemoryStore) WithLease(d time.Duration) *MemoryStore {
	s.lease = d
	return s
}

// Transaction runs fn as a unit of work. Adds made with the context passed
// to fn are committed when fn returns nil and discarded otherwise. A
// nested call joins the outer transaction.
func (s *MemoryStore) Transaction(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := ctx.Value(memoryTxKey{s}).(*memoryTx); ok {
		return fn(ctx)
	}
	tx := &memoryTx{}
	txCtx := context.WithValue(ctx, memoryTxKey{s}, tx)
	if err := fn(txCtx); err != nil {
		_, _ = tx.finish()
		return err
	}
	return s.commit(tx)
}

func (s *MemoryStore) commit(tx *memoryTx) error {
	staged, err := tx.finish()
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ev := range staged {
		s.append(ev)
	}
	return nil
}

// Add appends ev, or stages it when ctx carries a transaction.
func (s *MemoryStore) Add(ctx context.Context, ev *pubsub.OutboxEvent) error {
	if ev == nil || ev.EventName == "" {
		return fmt.Errorf("add: %w", pubsub.ErrValidation)
	}
	if ev.EventID == "" {
		ev.EventID = pubsub.NewID()
	}
	if tx, ok := ctx.Value(memoryTxKey{s}).(*memoryTx); ok {
		return tx.stage(ev)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.append(ev)
	return nil
}

// append assigns the id and stores a copy. Caller holds mu.
func (s *MemoryStore) append(ev *pubsub.OutboxEvent) {
	s.seq++
	ev.ID = s.seq
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = s.now()
	}
	s.events = append(s.events, ev.Clone())
}

// GetUnflushedEvents claims up to batchSize events in insertion order.
func (s *MemoryStore) GetUnflushedEvents(_ context.Context, batchSize int) ([]*pubsub.OutboxEvent, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	var out []*pubsub.OutboxEvent
	for _, ev := range s.events {
		if len(out) == batchSize {
			break
		}
		if until, ok := s.claimed[ev.ID]; ok && now.Before(until) {
			continue
		}
		if ev.NextAttemptAt.After(now) {
			continue
		}
		s.claimed[ev.ID] = now.Add(s.lease)
		out = append(out, ev.Clone())
	}
	return out, nil
}

// MarkFlushed removes ev; the memory store keeps no flushed history.
func (s *MemoryStore) MarkFlushed(ctx context.Context, ev *pubsub.OutboxEvent) error {
	return s.Remove(ctx, ev)
}

// IncrementRetry bumps the retry count of ev and releases its claim.
func (s *MemoryStore) IncrementRetry(_ context.Context, ev *pubsub.OutboxEvent, cause error) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := s.find(ev.ID)
	if stored == nil {
		return 0, ErrEventNotFound
	}
	stored.RetryCount++
	stored.LastError = errorText(cause)
	stored.NextAttemptAt = ev.NextAttemptAt
	delete(s.claimed, ev.ID)

	ev.RetryCount = stored.RetryCount
	ev.LastError = stored.LastError
	return stored.RetryCount, nil
}

// Remove deletes ev from the outbox.
func (s *MemoryStore) Remove(_ context.Context, ev *pubsub.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, stored := range s.events {
		if stored.ID == ev.ID {
			s.events = append(s.events[:i:i], s.events[i+1:]...)
			delete(s.claimed, ev.ID)
			return nil
		}
	}
	return ErrEventNotFound
}

// Release drops the claim on ev.
func (s *MemoryStore) Release(_ context.Context, ev *pubsub.OutboxEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.claimed, ev.ID)
	return nil
}

// Len returns the number of unflushed events.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// Get returns a copy of the event with the given id.
func (s *MemoryStore) Get(id int64) (*pubsub.OutboxEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ev := s.find(id)
	if ev == nil {
		return nil, false
	}
	return ev.Clone(), true
}

func (s *MemoryStore) find(id int64) *pubsub.OutboxEvent {
	for _, ev := range s.events {
		if ev.ID == id {
			return ev
		}
	}
	return nil
}

// Compile-time checks
var _ Store = (*MemoryStore)(nil)
