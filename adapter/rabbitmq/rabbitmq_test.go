package rabbitmq

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rbaliyan/pubsub"
	"github.com/rbaliyan/pubsub/adapter/memory"
)

type published struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

// fakeChannel is an in-memory Channel that confirms every publish.
type fakeChannel struct {
	mu         sync.Mutex
	confirms   chan amqp.Confirmation
	published  []published
	bindings   map[string]string
	deliveries map[string]chan amqp.Delivery
	nack       bool
	tag        uint64
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		bindings:   make(map[string]string),
		deliveries: make(map[string]chan amqp.Delivery),
	}
}

func (c *fakeChannel) Confirm(bool) error { return nil }
func (c *fakeChannel) NotifyPublish(ch chan amqp.Confirmation) chan amqp.Confirmation {
	c.confirms = ch
	return ch
}
func (c *fakeChannel) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.published = append(c.published, published{exchange, key, msg})
	c.tag++
	c.confirms <- amqp.Confirmation{DeliveryTag: c.tag, Ack: !c.nack}
	return nil
}
func (c *fakeChannel) ExchangeDeclare(string, string, bool, bool, bool, bool, amqp.Table) error {
	return nil
}
func (c *fakeChannel) QueueDeclare(name string, _, _, _, _ bool, _ amqp.Table) (amqp.Queue, error) {
	return amqp.Queue{Name: name}, nil
}
func (c *fakeChannel) QueueBind(name, key, _ string, _ bool, _ amqp.Table) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings[name] = key
	return nil
}
func (c *fakeChannel) Qos(int, int, bool) error { return nil }
func (c *fakeChannel) ConsumeWithContext(_ context.Context, queue, consumer string, _, _, _, _ bool, _ amqp.Table) (<-chan amqp.Delivery, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch := make(chan amqp.Delivery, 8)
	c.deliveries[consumer] = ch
	return ch, nil
}
func (c *fakeChannel) Cancel(consumer string, _ bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if ch, ok := c.deliveries[consumer]; ok {
		close(ch)
		delete(c.deliveries, consumer)
	}
	return nil
}
func (c *fakeChannel) Close() error { return nil }

func (c *fakeChannel) publishedCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.published)
}

// fakeAcknowledger records the settlement of a delivery.
type fakeAcknowledger struct {
	mu      sync.Mutex
	settled string
}

func (a *fakeAcknowledger) Ack(uint64, bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = "ack"
	return nil
}
func (a *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.settled = "nack"
	if requeue {
		a.settled = "requeue"
	}
	return nil
}
func (a *fakeAcknowledger) Reject(uint64, bool) error { return nil }

func (a *fakeAcknowledger) result() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.settled
}

func newTestAdapter(t *testing.T, maxRetries int) (*Adapter, *fakeChannel) {
	t.Helper()
	ch := newFakeChannel()
	a, err := New(pubsub.Settings{Topic: "orders", Client: "billing", MaxDeliveryRetries: maxRetries},
		WithChannels(ch, ch))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a, ch
}

func newEvent(t *testing.T) *pubsub.OutboxEvent {
	t.Helper()
	ev, err := pubsub.NewOutboxEvent("OrderPlaced", pubsub.NewVersion(1, 0, 0), map[string]int{"total": 42})
	if err != nil {
		t.Fatalf("NewOutboxEvent failed: %v", err)
	}
	return ev
}

func delivery(t *testing.T, a *Adapter, attempt int32) (amqp.Delivery, *fakeAcknowledger) {
	t.Helper()
	data, err := a.Encode(newEvent(t))
	if err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	ack := &fakeAcknowledger{}
	d := amqp.Delivery{Acknowledger: ack, Body: data, MessageId: "m-1", DeliveryTag: 1}
	if attempt > 0 {
		d.Headers = amqp.Table{HeaderAttempt: attempt}
	}
	return d, ack
}

func TestNew(t *testing.T) {
	_, err := New(pubsub.Settings{Topic: "orders"})
	if !errors.Is(err, pubsub.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration, got %v", err)
	}
}

func TestAdapter(t *testing.T) {
	ctx := context.Background()

	t.Run("flush before start fails", func(t *testing.T) {
		a, ch := newTestAdapter(t, 1)
		if err := a.Flush(ctx, newEvent(t)); !errors.Is(err, pubsub.ErrNotStarted) {
			t.Errorf("expected ErrNotStarted, got %v", err)
		}
		if ch.publishedCount() != 0 {
			t.Error("nothing must be published")
		}
	})

	t.Run("flush publishes to the topic exchange", func(t *testing.T) {
		a, ch := newTestAdapter(t, 1)
		if err := a.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer a.Stop(ctx)

		ev := newEvent(t)
		if err := a.Flush(ctx, ev); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
		p := ch.published[0]
		if p.exchange != "orders" || p.key != "OrderPlaced" || p.msg.MessageId != ev.EventID {
			t.Errorf("unexpected publish: %+v", p)
		}
		if p.msg.DeliveryMode != amqp.Persistent {
			t.Error("expected persistent delivery")
		}
	})

	t.Run("nacked publish is a transport failure", func(t *testing.T) {
		a, ch := newTestAdapter(t, 1)
		ch.nack = true
		_ = a.Start(ctx)
		defer a.Stop(ctx)

		if err := a.Flush(ctx, newEvent(t)); !errors.Is(err, ErrPublishNacked) || !errors.Is(err, pubsub.ErrTransportFailure) {
			t.Errorf("expected nacked transport failure, got %v", err)
		}
	})

	t.Run("subscribe binds a queue per event name", func(t *testing.T) {
		a, ch := newTestAdapter(t, 1)
		_ = a.Start(ctx)
		defer a.Stop(ctx)

		l1 := pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.0.*"), func(context.Context, pubsub.Message) error { return nil })
		l2 := pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("2.0.*"), func(context.Context, pubsub.Message) error { return nil })
		_, _ = a.Subscribe(ctx, l1)
		_, _ = a.Subscribe(ctx, l2)

		if ch.bindings["billing.OrderPlaced"] != "OrderPlaced" {
			t.Errorf("expected binding, got %v", ch.bindings)
		}
		if len(a.consumers) != 1 {
			t.Errorf("expected one consumer, got %d", len(a.consumers))
		}

		_ = a.Unsubscribe(ctx, l1)
		if len(a.consumers) != 1 {
			t.Error("consumer must stay while a subscription is left")
		}
		_ = a.Unsubscribe(ctx, l2)
		if len(a.consumers) != 0 {
			t.Error("expected consumer cancelled")
		}
	})

	t.Run("ack rejects foreign messages", func(t *testing.T) {
		a, _ := newTestAdapter(t, 1)
		_ = a.Start(ctx)
		defer a.Stop(ctx)
		if err := a.Ack(ctx, &memory.Message{}); !errors.Is(err, pubsub.ErrMessageTypeMismatch) {
			t.Errorf("expected ErrMessageTypeMismatch, got %v", err)
		}
	})

	t.Run("consumed messages reach listeners and are acked", func(t *testing.T) {
		a, ch := newTestAdapter(t, 1)
		got := make(chan pubsub.Message, 1)
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.0.*"),
			func(ctx context.Context, msg pubsub.Message) error {
				got <- msg
				return nil
			}))
		_ = a.Start(ctx)

		d, ack := delivery(t, a, 0)
		ch.mu.Lock()
		for _, deliveries := range ch.deliveries {
			deliveries <- d
		}
		ch.mu.Unlock()

		select {
		case msg := <-got:
			if _, ok := msg.(*Message); !ok {
				t.Errorf("expected *rabbitmq.Message, got %T", msg)
			}
		case <-time.After(time.Second):
			t.Fatal("message not delivered")
		}
		if err := a.Stop(ctx); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if ack.result() != "ack" {
			t.Errorf("expected ack, got %s", ack.result())
		}
	})
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("failure republishes with the next attempt", func(t *testing.T) {
		a, ch := newTestAdapter(t, 2)
		_ = a.Start(ctx)
		defer a.Stop(ctx)
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.0.*"),
			func(context.Context, pubsub.Message) error { return errors.New("busy") }))

		d, ack := delivery(t, a, 0)
		a.handle("billing.OrderPlaced", d)

		if ack.result() != "ack" {
			t.Errorf("expected original acked, got %s", ack.result())
		}
		p := ch.published[len(ch.published)-1]
		if p.exchange != "" || p.key != "billing.OrderPlaced" {
			t.Errorf("expected republish to the queue, got %+v", p)
		}
		if p.msg.Headers[HeaderAttempt] != int32(2) {
			t.Errorf("expected attempt 2, got %v", p.msg.Headers[HeaderAttempt])
		}
	})

	t.Run("last attempt is nacked without requeue", func(t *testing.T) {
		a, ch := newTestAdapter(t, 2)
		_ = a.Start(ctx)
		defer a.Stop(ctx)
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.0.*"),
			func(context.Context, pubsub.Message) error { return errors.New("busy") }))

		d, ack := delivery(t, a, 3)
		a.handle("billing.OrderPlaced", d)

		if ack.result() != "nack" {
			t.Errorf("expected nack, got %s", ack.result())
		}
		if ch.publishedCount() != 0 {
			t.Error("must not republish")
		}
	})

	t.Run("undecodable body is nacked", func(t *testing.T) {
		a, _ := newTestAdapter(t, 2)
		ack := &fakeAcknowledger{}
		a.handle("q", amqp.Delivery{Acknowledger: ack, Body: []byte("nope")})
		if ack.result() != "nack" {
			t.Errorf("expected nack, got %s", ack.result())
		}
	})
}
