package idempotency

import (
	"context"

	"github.com/rbaliyan/pubsub"
)

// Middleware skips messages whose id scope has already handled. scope
// separates listeners that handle the same event independently; use one
// value per listener and keep it stable across deploys.
//
// A failed handler releases its claim so the redelivery runs it again. If
// the store is unreachable the message is handled anyway.
func Middleware(store Store, scope string) pubsub.Middleware {
	return func(next pubsub.HandlerFunc) pubsub.HandlerFunc {
		return func(ctx context.Context, msg pubsub.Message) error {
			if msg.ID() == "" {
				return next(ctx, msg)
			}
			key := scope + ":" + msg.ID()
			logger := pubsub.Logger("idempotency")

			claimed, err := store.Claim(ctx, key)
			if err != nil {
				logger.Warn("idempotency store error", "key", key, "error", err)
				return next(ctx, msg)
			}
			if !claimed {
				logger.Debug("skipping duplicate message", "key", key, "event", msg.EventName())
				return nil
			}

			if err := next(ctx, msg); err != nil {
				if rerr := store.Release(context.WithoutCancel(ctx), key); rerr != nil {
					logger.Warn("failed to release idempotency key", "key", key, "error", rerr)
				}
				return err
			}
			if err := store.MarkProcessed(ctx, key); err != nil {
				logger.Warn("failed to mark message processed", "key", key, "error", err)
			}
			return nil
		}
	}
}
