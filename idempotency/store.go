// Package idempotency lets listeners skip redeliveries of messages they
// already handled.
//
// Delivery is at least once: a message can reach a listener again after a
// lost ack, a Stop mid-flight or a retried flush. Wrapping the listener
// with Middleware records every handled message id in a Store and turns
// later deliveries of the same id into no-ops.
//
//	store := idempotency.NewRedisStore(rdb, 24*time.Hour)
//	listener := pubsub.Wrap(orderPlaced, idempotency.Middleware(store, "billing.order-placed"))
package idempotency

import (
	"context"
	"time"
)

// DefaultTTL is how long a handled id is remembered when none is given.
const DefaultTTL = 24 * time.Hour

// Store tracks message ids. Implementations must be safe for concurrent use.
type Store interface {
	// Claim reserves key for processing. It returns false when key is
	// already claimed or processed.
	Claim(ctx context.Context, key string) (bool, error)

	// MarkProcessed records that key was handled.
	MarkProcessed(ctx context.Context, key string) error

	// Release drops a claim so a redelivery can process key again.
	Release(ctx context.Context, key string) error
}
