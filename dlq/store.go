// Package dlq stores events the publisher gave up on.
//
// An event lands here when it exhausted its delivery retries or when its
// payload could never be delivered (malformed JSON, undecodable envelope).
// Entries are kept for inspection only: nothing in this package requeues
// them.
//
// The package provides:
//   - Store interface for DLQ persistence
//   - MemoryStore for tests and single-process services
//   - PostgresStore (pgx), RedisStore (go-redis) and MongoStore
//
// # Basic Usage
//
//	store := dlq.NewPostgresStore(pool)
//	publisher := outbox.NewPublisher(outboxStore, adapter, store)
//
//	// Later, inspect what failed
//	entries, err := store.List(ctx, dlq.Filter{
//	    EventName: "OrderPlaced",
//	    StartTime: time.Now().Add(-24 * time.Hour),
//	})
package dlq

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/rbaliyan/pubsub"
)

// ErrNotFound is returned by Get for unknown ids.
var ErrNotFound = errors.New("dead letter entry not found")

// Entry is a dead-lettered outbox event with the reason it failed.
type Entry struct {
	ID             string             // Unique DLQ entry ID (generated)
	Topic          string             // Topic of the publishing adapter
	Event          pubsub.OutboxEvent // The event as it was in the outbox
	Reason         string             // Error that caused dead-lettering
	RetryCount     int                // Failed attempts before dead-lettering
	DeadLetteredAt time.Time          // When the entry was created
}

// NewEntry builds an entry for ev.
func NewEntry(topic string, ev *pubsub.OutboxEvent, reason error) *Entry {
	e := &Entry{
		ID:             pubsub.NewID(),
		Topic:          topic,
		RetryCount:     ev.RetryCount,
		DeadLetteredAt: time.Now().UTC(),
	}
	if reason != nil {
		e.Reason = reason.Error()
	}
	e.Event = *ev.Clone()
	return e
}

// Filter specifies criteria for listing entries.
//
// All fields are optional. An empty filter returns every entry, oldest first.
type Filter struct {
	EventName string    // Filter by event name (empty = all events)
	StartTime time.Time // Entries dead-lettered at or after this time
	EndTime   time.Time // Entries dead-lettered at or before this time
	Reason    string    // Substring of the failure reason
	Limit     int       // Maximum results (0 = no limit)
	Offset    int       // Offset for pagination
}

// Matches reports whether e satisfies every set criterion.
func (f Filter) Matches(e *Entry) bool {
	if f.EventName != "" && e.Event.EventName != f.EventName {
		return false
	}
	if !f.StartTime.IsZero() && e.DeadLetteredAt.Before(f.StartTime) {
		return false
	}
	if !f.EndTime.IsZero() && e.DeadLetteredAt.After(f.EndTime) {
		return false
	}
	if f.Reason != "" && !strings.Contains(e.Reason, f.Reason) {
		return false
	}
	return true
}

func paginate[T any](items []T, f Filter) []T {
	if f.Offset > 0 {
		if f.Offset >= len(items) {
			return nil
		}
		items = items[f.Offset:]
	}
	if f.Limit > 0 && len(items) > f.Limit {
		items = items[:f.Limit]
	}
	return items
}

// Store persists dead-lettered events.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Add stores an entry. entry.ID should be pre-generated.
	Add(ctx context.Context, entry *Entry) error

	// Get retrieves a single entry by ID.
	// Returns ErrNotFound if there is none.
	Get(ctx context.Context, id string) (*Entry, error)

	// List returns entries matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*Entry, error)

	// Count returns the number of entries matching the filter, ignoring
	// Limit and Offset.
	Count(ctx context.Context, filter Filter) (int64, error)

	// DeleteOlderThan removes entries dead-lettered more than age ago.
	DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error)
}
