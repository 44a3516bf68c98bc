package pubsub

import (
	"context"
	"errors"
	"testing"
)

func TestLifecycle(t *testing.T) {
	ctx := context.Background()

	t.Run("Start and Stop are idempotent", func(t *testing.T) {
		l := NewLifecycle("test")
		calls := 0
		open := func(context.Context) error { calls++; return nil }

		if err := l.Start(ctx, open); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		if err := l.Start(ctx, open); err != nil {
			t.Fatalf("second Start failed: %v", err)
		}
		if calls != 1 {
			t.Errorf("expected open once, got %d", calls)
		}
		if l.State() != StateStarted {
			t.Errorf("expected started, got %s", l.State())
		}

		closes := 0
		closeFn := func(context.Context) error { closes++; return nil }
		if err := l.Stop(ctx, closeFn); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if err := l.Stop(ctx, closeFn); err != nil {
			t.Fatalf("second Stop failed: %v", err)
		}
		if closes != 1 {
			t.Errorf("expected close once, got %d", closes)
		}
		if l.State() != StateStopped {
			t.Errorf("expected stopped, got %s", l.State())
		}
	})

	t.Run("Failed start returns to stopped", func(t *testing.T) {
		l := NewLifecycle("test")
		boom := errors.New("boom")
		err := l.Start(ctx, func(context.Context) error { return boom })
		if !errors.Is(err, boom) {
			t.Errorf("expected boom, got %v", err)
		}
		if l.State() != StateStopped {
			t.Errorf("expected stopped, got %s", l.State())
		}
	})

	t.Run("State is Starting during open", func(t *testing.T) {
		l := NewLifecycle("test")
		var seen State
		_ = l.Start(ctx, func(context.Context) error {
			seen = l.State()
			return nil
		})
		if seen != StateStarting {
			t.Errorf("expected starting, got %s", seen)
		}
	})

	t.Run("Require", func(t *testing.T) {
		l := NewLifecycle("test")
		err := l.Require("flush")
		if !errors.Is(err, ErrNotStarted) {
			t.Errorf("expected ErrNotStarted, got %v", err)
		}
		_ = l.Start(ctx, nil)
		if err := l.Require("flush"); err != nil {
			t.Errorf("expected nil, got %v", err)
		}
	})

	t.Run("Restart after stop", func(t *testing.T) {
		l := NewLifecycle("test")
		_ = l.Start(ctx, nil)
		_ = l.Stop(ctx, nil)
		if err := l.Start(ctx, nil); err != nil {
			t.Fatalf("restart failed: %v", err)
		}
		if l.State() != StateStarted {
			t.Errorf("expected started, got %s", l.State())
		}
	})
}
