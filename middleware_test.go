package pubsub

import (
	"context"
	"errors"
	"testing"
)

func TestWrap(t *testing.T) {
	ctx := context.Background()
	var order []string
	tag := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, msg Message) error {
				order = append(order, name)
				return next(ctx, msg)
			}
		}
	}

	inner := NewListener("A", MustParseVersion("1.2.*"), func(context.Context, Message) error {
		order = append(order, "handler")
		return errors.New("boom")
	})
	l := Wrap(inner, tag("outer"), TraceMiddleware(nil), tag("inner"))

	if l.EventName() != "A" || l.Version() != inner.Version() {
		t.Errorf("binding not kept: %s %s", l.EventName(), l.Version())
	}
	if err := l.Handle(ctx, newTestMessage("A", "1.2.0")); err == nil || err.Error() != "boom" {
		t.Errorf("expected handler error, got %v", err)
	}
	want := []string{"outer", "inner", "handler"}
	if len(order) != len(want) {
		t.Fatalf("expected %v, got %v", want, order)
	}
	for i := range want {
		if order[i] != want[i] {
			t.Errorf("expected %v, got %v", want, order)
		}
	}
}
