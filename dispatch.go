package pubsub

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Dispatch hands msg to each subscription in order, stopping at the first
// listener error. Each Handle call runs with its own timeout; a listener
// that does not return in time fails the dispatch while its goroutine is
// left to finish on its own.
func Dispatch(ctx context.Context, adapter string, subs []*Subscription, msg Message, timeout time.Duration) error {
	for _, sub := range subs {
		if err := invoke(ctx, adapter, sub, msg, timeout); err != nil {
			return fmt.Errorf("subscription %s (%s %s): %w", sub.ID, sub.EventName, sub.Version, err)
		}
	}
	return nil
}

func invoke(ctx context.Context, adapter string, sub *Subscription, msg Message, timeout time.Duration) error {
	hctx := contextWithDelivery(ctx, adapter, sub)
	if timeout > 0 {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(hctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				slog.Error("listener panic recovered",
					"adapter", adapter,
					"event", msg.EventName(),
					"subscription", sub.ID,
					"error", r,
					"stack", string(debug.Stack()),
				)
				done <- fmt.Errorf("listener panic: %v", r)
			}
		}()
		done <- sub.Listener.Handle(hctx, msg)
	}()

	select {
	case err := <-done:
		return err
	case <-hctx.Done():
		select {
		case err := <-done:
			return err
		default:
		}
		return fmt.Errorf("listener did not complete: %w", hctx.Err())
	}
}
