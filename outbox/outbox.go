// Package outbox implements the transactional outbox pattern for reliable event delivery.
//
// The outbox pattern makes state changes and event publication atomic:
//  1. Domain code adds the event to the outbox in the same transaction as its data
//  2. A background Publisher polls the outbox and flushes events through an EventAdapter
//  3. Flushed events are marked; failures are retried until maxDeliveryRetries,
//     then moved to the dead letter queue
//
// # Overview
//
// The package provides:
//   - Store interface for outbox persistence
//   - MemoryStore with unit-of-work transactions
//   - PostgresStore (pgx) with SKIP LOCKED claims
//   - MongoStore with findAndModify claims
//   - Publisher, the single background task that drains the outbox
//
// # Claims
//
// GetUnflushedEvents claims the events it returns so that two publishers
// never flush the same event at the same time. The claim is released by
// MarkFlushed, IncrementRetry, Remove or Release, and expires after the
// store's lease if the publisher dies.
//
// # Example
//
//	store := outbox.NewPostgresStore(pool)
//
//	err := pgx.BeginFunc(ctx, pool, func(tx pgx.Tx) error {
//	    if _, err := tx.Exec(ctx, "UPDATE orders SET status = 'shipped' WHERE id = $1", orderID); err != nil {
//	        return err
//	    }
//	    ev, err := pubsub.NewOutboxEvent("OrderShipped", pubsub.NewVersion(1, 0, 0), order)
//	    if err != nil {
//	        return err
//	    }
//	    return store.Add(outbox.WithTx(ctx, tx), ev)
//	})
package outbox

import (
	"context"
	"errors"
	"time"

	"github.com/rbaliyan/pubsub"
)

// Default configuration
const (
	DefaultLease      = 30 * time.Second
	DefaultBatchSize  = 100
	DefaultCleanupAge = 24 * time.Hour
)

// Store errors
var (
	// ErrEventNotFound is returned when an event is no longer in the outbox.
	ErrEventNotFound = errors.New("outbox event not found")

	// ErrClaimLost is returned when another publisher claimed the event
	// after this publisher's lease expired.
	ErrClaimLost = errors.New("outbox claim lost")

	// ErrRetriesExhausted is the dead-letter reason for events whose retry
	// count was already past the limit when claimed.
	ErrRetriesExhausted = errors.New("delivery retries exhausted")
)

// Store persists outbox events.
//
// Implementations must be safe for concurrent use.
type Store interface {
	// Add appends ev to the outbox. When ctx carries a transaction the
	// insert joins it. ev.ID and ev.CreatedAt are populated on success.
	Add(ctx context.Context, ev *pubsub.OutboxEvent) error

	// GetUnflushedEvents claims and returns up to batchSize unflushed
	// events, oldest first. Events claimed by another publisher and events
	// whose NextAttemptAt is in the future are skipped.
	GetUnflushedEvents(ctx context.Context, batchSize int) ([]*pubsub.OutboxEvent, error)

	// MarkFlushed records successful delivery and releases the claim.
	MarkFlushed(ctx context.Context, ev *pubsub.OutboxEvent) error

	// IncrementRetry atomically increments the retry count, stores cause
	// and ev.NextAttemptAt, releases the claim and returns the new count.
	IncrementRetry(ctx context.Context, ev *pubsub.OutboxEvent, cause error) (int, error)

	// Remove deletes ev from the outbox.
	Remove(ctx context.Context, ev *pubsub.OutboxEvent) error

	// Release drops the claim on ev without recording an attempt.
	Release(ctx context.Context, ev *pubsub.OutboxEvent) error
}

// Cleaner is implemented by stores that keep flushed events for audit.
type Cleaner interface {
	// DeleteFlushed removes events flushed more than olderThan ago and
	// returns how many were removed.
	DeleteFlushed(ctx context.Context, olderThan time.Duration) (int64, error)
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
