package nats

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/rbaliyan/pubsub"
	"github.com/rbaliyan/pubsub/adapter/memory"
)

// fakeMsg records how a message was settled.
type fakeMsg struct {
	jetstream.Msg
	data      []byte
	delivered uint64
	settled   string
	delay     time.Duration
}

func (m *fakeMsg) Data() []byte    { return m.data }
func (m *fakeMsg) Subject() string { return "orders.OrderPlaced" }
func (m *fakeMsg) Metadata() (*jetstream.MsgMetadata, error) {
	return &jetstream.MsgMetadata{NumDelivered: m.delivered}, nil
}
func (m *fakeMsg) Ack() error { m.settled = "ack"; return nil }
func (m *fakeMsg) Nak() error { m.settled = "nak"; return nil }
func (m *fakeMsg) NakWithDelay(d time.Duration) error {
	m.settled, m.delay = "nak", d
	return nil
}
func (m *fakeMsg) Term() error                   { m.settled = "term"; return nil }
func (m *fakeMsg) TermWithReason(string) error { m.settled = "term"; return nil }

func newTestAdapter(t *testing.T, maxRetries int) *Adapter {
	t.Helper()
	a, err := New(pubsub.Settings{
		Topic:              "orders",
		Client:             "billing",
		MaxDeliveryRetries: maxRetries,
		ConnectionString:   "nats://localhost:4222",
	})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func encoded(t *testing.T, a *Adapter) []byte {
	t.Helper()
	ev, err := pubsub.NewOutboxEvent("OrderPlaced", pubsub.NewVersion(1, 0, 0), map[string]int{"total": 42})
	if err != nil {
		t.Fatalf("NewOutboxEvent failed: %v", err)
	}
	data, err := a.Encode(ev)
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	return data
}

func TestNew(t *testing.T) {
	_, err := New(pubsub.Settings{Topic: "orders"})
	if !errors.Is(err, pubsub.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestNames(t *testing.T) {
	a, _ := New(pubsub.Settings{Topic: "shop.orders", Client: "billing-api", ConnectionString: "nats://x"})
	if got := a.streamName(); got != "shop_orders" {
		t.Errorf("expected stream shop_orders, got %s", got)
	}
	if got := a.subject("order.placed"); got != "shop.orders.order.placed" {
		t.Errorf("unexpected subject %s", got)
	}
	if got := a.durable("order.placed"); got != "billing_api_order_placed" {
		t.Errorf("unexpected durable %s", got)
	}
}

func TestAdapterNotStarted(t *testing.T) {
	ctx := context.Background()
	a := newTestAdapter(t, 1)

	ev, _ := pubsub.NewOutboxEvent("OrderPlaced", pubsub.NewVersion(1, 0, 0), "x")
	if err := a.Flush(ctx, ev); !errors.Is(err, pubsub.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := a.Ack(ctx, &Message{}); !errors.Is(err, pubsub.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
	if err := a.Ack(ctx, &memory.Message{}); !errors.Is(err, pubsub.ErrMessageTypeMismatch) {
		t.Errorf("expected ErrMessageTypeMismatch, got %v", err)
	}
	if err := a.Health(ctx); !errors.Is(err, pubsub.ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}

	// Registration works before Start.
	l := pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.0.*"), func(context.Context, pubsub.Message) error { return nil })
	if _, err := a.Subscribe(ctx, l); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := a.Unsubscribe(ctx, l); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name      string
		delivered uint64
		err       error
		want      string
	}{
		{"success acks", 1, nil, "ack"},
		{"failure with attempts left naks", 1, errors.New("busy"), "nak"},
		{"failure on last attempt terminates", 3, errors.New("busy"), "term"},
		{"rejection terminates", 1, pubsub.Reject(errors.New("bad")), "term"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newTestAdapter(t, 2)
			var attempt int
			_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.0.*"),
				func(ctx context.Context, msg pubsub.Message) error {
					attempt = msg.Attempt()
					return tt.err
				}))
			msg := &fakeMsg{data: encoded(t, a), delivered: tt.delivered}
			a.handle(msg)

			if msg.settled != tt.want {
				t.Errorf("expected %s, got %s", tt.want, msg.settled)
			}
			if attempt != int(tt.delivered) {
				t.Errorf("expected attempt %d, got %d", tt.delivered, attempt)
			}
		})
	}

	t.Run("undecodable message is terminated", func(t *testing.T) {
		a := newTestAdapter(t, 2)
		msg := &fakeMsg{data: []byte("{"), delivered: 1}
		a.handle(msg)
		if msg.settled != "term" {
			t.Errorf("expected term, got %s", msg.settled)
		}
	})

	t.Run("stopping adapter naks new messages", func(t *testing.T) {
		a := newTestAdapter(t, 2)
		a.stopping = true
		msg := &fakeMsg{data: encoded(t, a), delivered: 1}
		a.handle(msg)
		if msg.settled != "nak" {
			t.Errorf("expected nak, got %s", msg.settled)
		}
	})
}
