// Package nats provides a NATS JetStream event adapter.
//
// The adapter keeps one stream per topic bound to the subjects
// "<topic>.>". Flush publishes each event on "<topic>.<event name>" with
// the event id as Nats-Msg-Id for native deduplication. Every subscribed
// event name gets a durable consumer named after Settings.Client, so
// replicas of one service share the work.
//
//	adapter, err := nats.New(pubsub.Settings{
//	    Topic:            "orders",
//	    Client:           "billing",
//	    ConnectionString: "nats://localhost:4222",
//	}, nats.WithDeduplication(2*time.Minute))
package nats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/rbaliyan/pubsub"
)

// Name of the adapter
const Name = "nats"

// Default configuration
var (
	DefaultReplicas     = 1
	DefaultMaxAge       = 24 * time.Hour
	DefaultDedupWindow  = 2 * time.Minute
	DefaultAckWait      = 30 * time.Second
	DefaultRetryBackoff = time.Second
)

const maxRetryBackoff = 30 * time.Second

// Message is a JetStream message delivered to a listener.
type Message struct {
	pubsub.BaseMessage
	msg   jetstream.Msg
	acked atomic.Bool
}

// Raw returns the underlying JetStream message.
func (m *Message) Raw() jetstream.Msg {
	return m.msg
}

// Adapter implements pubsub.EventAdapter over NATS JetStream.
type Adapter struct {
	*pubsub.Core

	conn      *nats.Conn
	ownsConn  bool
	js        jetstream.JetStream
	stream    jetstream.Stream
	consumers map[string]jetstream.ConsumeContext

	replicas     int
	maxAge       time.Duration
	dedupWindow  time.Duration
	ackWait      time.Duration
	retryBackoff time.Duration

	// gate admits handler calls; Stop closes it and waits for inflight.
	gate     sync.RWMutex
	stopping bool
	inflight sync.WaitGroup
}

// New creates a stopped NATS adapter. Settings.ConnectionString is the
// server URL; it may be empty when WithConn is used.
func New(s pubsub.Settings, opts ...Option) (*Adapter, error) {
	core, err := pubsub.NewCore(Name, s)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		Core:         core,
		consumers:    make(map[string]jetstream.ConsumeContext),
		replicas:     DefaultReplicas,
		maxAge:       DefaultMaxAge,
		dedupWindow:  DefaultDedupWindow,
		ackWait:      DefaultAckWait,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.conn == nil && s.ConnectionString == "" {
		return nil, pubsub.ConfigError("connection string", errors.New("nats url is required"))
	}
	return a, nil
}

// Factory builds a NATS adapter for a pubsub.Providers registry.
func Factory(_ context.Context, s pubsub.Settings) (pubsub.EventAdapter, error) {
	return New(s)
}

func (a *Adapter) streamName() string {
	return pubsub.Sanitize(a.Settings().Topic)
}

func (a *Adapter) subject(eventName string) string {
	return a.Settings().Topic + "." + eventName
}

func (a *Adapter) durable(eventName string) string {
	return pubsub.Sanitize(a.Settings().Client + "_" + eventName)
}

// Start connects, creates or updates the stream and opens a consumer per
// subscribed event name.
func (a *Adapter) Start(ctx context.Context) error {
	return a.Core.Start(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if err != nil {
				a.release()
			}
		}()

		if a.conn == nil {
			conn, err := nats.Connect(a.Settings().ConnectionString, nats.Name(a.Settings().Client))
			if err != nil {
				return a.TransportError("connect", err)
			}
			a.conn, a.ownsConn = conn, true
		}

		js, err := jetstream.New(a.conn)
		if err != nil {
			return a.TransportError("jetstream", err)
		}
		a.js = js

		stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
			Name:       a.streamName(),
			Subjects:   []string{a.Settings().Topic + ".>"},
			Replicas:   a.replicas,
			MaxAge:     a.maxAge,
			Duplicates: a.dedupWindow,
		})
		if err != nil {
			return a.TransportError("create stream", err)
		}
		a.stream = stream

		a.gate.Lock()
		a.stopping = false
		a.gate.Unlock()

		for _, sub := range a.Subscriptions().All() {
			if err := a.consume(ctx, sub.EventName); err != nil {
				return a.TransportError("consume", err)
			}
		}
		return nil
	})
}

// consume opens the durable consumer for eventName unless it is open.
func (a *Adapter) consume(ctx context.Context, eventName string) error {
	if _, ok := a.consumers[eventName]; ok {
		return nil
	}
	consumer, err := a.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       a.durable(eventName),
		FilterSubject: a.subject(eventName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
		AckWait:       a.ackWait,
	})
	if err != nil {
		return err
	}

	logger := a.Logger()
	cc, err := consumer.Consume(a.handle,
		jetstream.ConsumeErrHandler(func(_ jetstream.ConsumeContext, err error) {
			logger.Warn("consumer error", "event", eventName, "error", err)
		}))
	if err != nil {
		return err
	}
	a.consumers[eventName] = cc
	logger.Debug("consuming", "event", eventName, "durable", a.durable(eventName))
	return nil
}

// Stop stops pulling, waits for in-flight listeners and closes the
// connection if the adapter opened it.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.Core.Stop(ctx, func(ctx context.Context) error {
		for name, cc := range a.consumers {
			cc.Stop()
			delete(a.consumers, name)
		}
		a.gate.Lock()
		a.stopping = true
		a.gate.Unlock()

		err := pubsub.Wait(ctx, &a.inflight)
		a.release()
		return err
	})
}

func (a *Adapter) release() {
	for name, cc := range a.consumers {
		cc.Stop()
		delete(a.consumers, name)
	}
	if a.ownsConn && a.conn != nil {
		a.conn.Close()
		a.conn, a.ownsConn = nil, false
	}
	a.js, a.stream = nil, nil
}

// Subscribe registers listener and, when started, opens the consumer for
// its event name.
func (a *Adapter) Subscribe(ctx context.Context, listener pubsub.Listener) (*pubsub.Subscription, error) {
	return a.Core.Subscribe(ctx, listener, func(ctx context.Context, sub *pubsub.Subscription) error {
		return a.consume(ctx, sub.EventName)
	})
}

// Unsubscribe removes listener's subscription. The consumer for the event
// name stops when no subscription is left on it; the durable stays on the
// server so nothing published meanwhile is lost.
func (a *Adapter) Unsubscribe(ctx context.Context, listener pubsub.Listener) error {
	return a.Core.Unsubscribe(ctx, listener, func(_ context.Context, sub *pubsub.Subscription) error {
		if len(a.Subscriptions().ByEventName(sub.EventName)) > 0 {
			return nil
		}
		if cc, ok := a.consumers[sub.EventName]; ok {
			cc.Stop()
			delete(a.consumers, sub.EventName)
		}
		return nil
	})
}

// Flush publishes ev and waits for the stream acknowledgement.
func (a *Adapter) Flush(ctx context.Context, ev *pubsub.OutboxEvent) error {
	if err := a.RequireStarted("flush"); err != nil {
		return err
	}
	data, err := a.Encode(ev)
	if err != nil {
		return a.FlushCompleted(ctx, ev, err)
	}
	_, err = a.js.Publish(ctx, a.subject(ev.EventName), data, jetstream.WithMsgID(ev.EventID))
	return a.FlushCompleted(ctx, ev, a.TransportError("flush", err))
}

// Ack acknowledges the JetStream message. Acking twice is a no-op.
func (a *Adapter) Ack(_ context.Context, msg pubsub.Message) error {
	m, ok := msg.(*Message)
	if !ok {
		return a.MismatchError("*nats.Message", msg)
	}
	if err := a.RequireStarted("ack"); err != nil {
		return err
	}
	return a.TransportError("ack", a.ack(m))
}

func (a *Adapter) ack(m *Message) error {
	if !m.acked.CompareAndSwap(false, true) {
		return nil
	}
	return m.msg.Ack()
}

// Health checks the connection and its round trip.
func (a *Adapter) Health(_ context.Context) error {
	if err := a.RequireStarted("health"); err != nil {
		return err
	}
	if status := a.conn.Status(); status != nats.CONNECTED {
		return a.TransportError("health", errors.New("nats connection is "+status.String()))
	}
	if _, err := a.conn.RTT(); err != nil {
		return a.TransportError("health", err)
	}
	return nil
}

// handle runs on the consumer goroutine for every pulled message.
func (a *Adapter) handle(raw jetstream.Msg) {
	a.gate.RLock()
	if a.stopping {
		a.gate.RUnlock()
		_ = raw.Nak()
		return
	}
	a.inflight.Add(1)
	a.gate.RUnlock()
	defer a.inflight.Done()

	base, err := a.Decode(raw.Data())
	if err != nil {
		a.Logger().Error("terminating undecodable message", "subject", raw.Subject(), "error", err)
		_ = raw.Term()
		return
	}
	base.Attempts = 1
	if meta, err := raw.Metadata(); err == nil && meta.NumDelivered > 0 {
		base.Attempts = int(meta.NumDelivered)
	}
	msg := &Message{BaseMessage: base, msg: raw}

	disposition, cause := a.Receive(context.Background(), msg)
	switch disposition {
	case pubsub.Acknowledge:
		err = a.ack(msg)
	case pubsub.Redeliver:
		delay := pubsub.Jitter(pubsub.Backoff(msg.Attempts-1, a.retryBackoff, maxRetryBackoff), 0.2)
		err = raw.NakWithDelay(delay)
	case pubsub.Discard:
		err = raw.TermWithReason(cause.Error())
	}
	if err != nil {
		a.Logger().Warn("failed to settle message", "msg_id", msg.ID(), "disposition", disposition.String(), "error", err)
	}
}

// Compile-time checks
var (
	_ pubsub.EventAdapter  = (*Adapter)(nil)
	_ pubsub.HealthChecker = (*Adapter)(nil)
	_ pubsub.Message       = (*Message)(nil)
)
