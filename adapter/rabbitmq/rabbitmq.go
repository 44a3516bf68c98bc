// Package rabbitmq provides a RabbitMQ event adapter.
//
// Flush publishes to a durable topic exchange named after Settings.Topic,
// with the event name as routing key, and waits for the publisher
// confirm. Each subscribed event name gets a durable queue
// "<client>.<event name>" bound to the exchange, so replicas of one
// service compete for its messages while other services get their own
// copy.
//
// A failed message is republished to its own queue with an incremented
// attempt header and the original is acked; after MaxDeliveryRetries
// failed attempts, or when a listener rejects it, the message is nacked
// without requeue.
package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rbaliyan/pubsub"
)

// Name of the adapter
const Name = "rabbitmq"

// HeaderAttempt carries the delivery attempt on republished messages.
const HeaderAttempt = "x-pubsub-attempt"

// Default configuration
const (
	DefaultPrefetch       = 16
	DefaultConfirmTimeout = 5 * time.Second
	confirmChannelBuffer  = 256
)

// Errors
var (
	ErrPublishNacked  = errors.New("message was nacked by broker")
	ErrConfirmTimeout = errors.New("confirmation timed out")
	ErrConfirmClosed  = errors.New("confirmation channel closed")
)

// Channel is the subset of *amqp.Channel the adapter uses.
type Channel interface {
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	ConsumeWithContext(ctx context.Context, queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Close() error
}

// Message is an AMQP delivery handed to a listener.
type Message struct {
	pubsub.BaseMessage
	delivery amqp.Delivery
	acked    atomic.Bool
}

// Delivery returns the underlying AMQP delivery.
func (m *Message) Delivery() amqp.Delivery {
	return m.delivery
}

type consumer struct {
	tag    string
	cancel context.CancelFunc
}

// Adapter implements pubsub.EventAdapter over RabbitMQ.
type Adapter struct {
	*pubsub.Core

	conn      *amqp.Connection
	pubCh     Channel
	consCh    Channel
	ownsChans bool
	confirms  chan amqp.Confirmation
	publishMu sync.Mutex

	consumers      map[string]*consumer
	prefetch       int
	confirmTimeout time.Duration
	queueArgs      amqp.Table

	wg sync.WaitGroup
}

// New creates a stopped RabbitMQ adapter. Settings.ConnectionString is
// the AMQP URL; it may be empty when WithChannels is used.
func New(s pubsub.Settings, opts ...Option) (*Adapter, error) {
	core, err := pubsub.NewCore(Name, s)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		Core:           core,
		consumers:      make(map[string]*consumer),
		prefetch:       DefaultPrefetch,
		confirmTimeout: DefaultConfirmTimeout,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.pubCh == nil && s.ConnectionString == "" {
		return nil, pubsub.ConfigError("connection string", errors.New("amqp url is required"))
	}
	return a, nil
}

// Factory builds a RabbitMQ adapter for a pubsub.Providers registry.
func Factory(_ context.Context, s pubsub.Settings) (pubsub.EventAdapter, error) {
	return New(s)
}

func (a *Adapter) exchange() string {
	return a.Settings().Topic
}

func (a *Adapter) queue(eventName string) string {
	return a.Settings().Client + "." + eventName
}

// Start dials the broker, declares the exchange and starts a consumer per
// subscribed event name.
func (a *Adapter) Start(ctx context.Context) error {
	return a.Core.Start(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if err != nil {
				a.release()
			}
		}()

		if a.pubCh == nil {
			if err := a.dial(); err != nil {
				return a.TransportError("connect", err)
			}
		}
		if err := a.pubCh.Confirm(false); err != nil {
			return a.TransportError("confirm", err)
		}
		a.confirms = a.pubCh.NotifyPublish(make(chan amqp.Confirmation, confirmChannelBuffer))

		if err := a.consCh.Qos(a.prefetch, 0, false); err != nil {
			return a.TransportError("qos", err)
		}
		if err := a.pubCh.ExchangeDeclare(a.exchange(), amqp.ExchangeTopic, true, false, false, false, nil); err != nil {
			return a.TransportError("declare exchange", err)
		}

		for _, sub := range a.Subscriptions().All() {
			if err := a.consume(ctx, sub.EventName); err != nil {
				return a.TransportError("consume", err)
			}
		}
		return nil
	})
}

func (a *Adapter) dial() error {
	conn, err := amqp.DialConfig(a.Settings().ConnectionString, amqp.Config{
		Properties: amqp.Table{"connection_name": a.Settings().Client},
	})
	if err != nil {
		return err
	}
	pub, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	cons, err := conn.Channel()
	if err != nil {
		conn.Close()
		return err
	}
	a.conn, a.pubCh, a.consCh, a.ownsChans = conn, pub, cons, true
	return nil
}

// consume declares and binds the queue for eventName and starts its
// delivery loop unless one runs already.
func (a *Adapter) consume(ctx context.Context, eventName string) error {
	if _, ok := a.consumers[eventName]; ok {
		return nil
	}
	queue := a.queue(eventName)
	if _, err := a.consCh.QueueDeclare(queue, true, false, false, false, a.queueArgs); err != nil {
		return err
	}
	if err := a.consCh.QueueBind(queue, eventName, a.exchange(), false, nil); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	tag := pubsub.Sanitize(a.Settings().Client) + "-" + pubsub.NewID()
	deliveries, err := a.consCh.ConsumeWithContext(loopCtx, queue, tag, false, false, false, false, nil)
	if err != nil {
		cancel()
		return err
	}
	a.consumers[eventName] = &consumer{tag: tag, cancel: cancel}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		for d := range deliveries {
			a.handle(queue, d)
		}
	}()
	a.Logger().Debug("consuming", "event", eventName, "queue", queue)
	return nil
}

func (a *Adapter) cancelConsumer(eventName string) {
	c, ok := a.consumers[eventName]
	if !ok {
		return
	}
	if err := a.consCh.Cancel(c.tag, false); err != nil {
		a.Logger().Warn("failed to cancel consumer", "event", eventName, "error", err)
	}
	c.cancel()
	delete(a.consumers, eventName)
}

// Stop cancels the consumers, waits for in-flight listeners and closes the
// channels the adapter opened.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.Core.Stop(ctx, func(ctx context.Context) error {
		for name := range a.consumers {
			a.cancelConsumer(name)
		}
		err := pubsub.Wait(ctx, &a.wg)
		return errors.Join(append([]error{err}, a.release()...)...)
	})
}

func (a *Adapter) release() []error {
	for name, c := range a.consumers {
		c.cancel()
		delete(a.consumers, name)
	}
	if !a.ownsChans {
		return nil
	}
	var errs []error
	for _, ch := range []Channel{a.pubCh, a.consCh} {
		if err := ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
			errs = append(errs, err)
		}
	}
	if err := a.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}
	a.conn, a.pubCh, a.consCh, a.ownsChans = nil, nil, nil, false
	return errs
}

// Subscribe registers listener and, when started, starts consuming its
// event name's queue.
func (a *Adapter) Subscribe(ctx context.Context, listener pubsub.Listener) (*pubsub.Subscription, error) {
	return a.Core.Subscribe(ctx, listener, func(ctx context.Context, sub *pubsub.Subscription) error {
		return a.consume(ctx, sub.EventName)
	})
}

// Unsubscribe removes listener's subscription and cancels the consumer
// when no subscription is left on its event name. The queue is kept.
func (a *Adapter) Unsubscribe(ctx context.Context, listener pubsub.Listener) error {
	return a.Core.Unsubscribe(ctx, listener, func(_ context.Context, sub *pubsub.Subscription) error {
		if len(a.Subscriptions().ByEventName(sub.EventName)) == 0 {
			a.cancelConsumer(sub.EventName)
		}
		return nil
	})
}

// Flush publishes ev to the exchange and waits for the confirm.
func (a *Adapter) Flush(ctx context.Context, ev *pubsub.OutboxEvent) error {
	if err := a.RequireStarted("flush"); err != nil {
		return err
	}
	data, err := a.Encode(ev)
	if err != nil {
		return a.FlushCompleted(ctx, ev, err)
	}
	err = a.publish(ctx, a.exchange(), ev.EventName, amqp.Publishing{
		ContentType:  a.Settings().Codec.ContentType(),
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Type:         ev.EventName,
		Timestamp:    time.Now().UTC(),
		AppId:        a.Settings().Client,
		Body:         data,
	})
	return a.FlushCompleted(ctx, ev, a.TransportError("flush", err))
}

// publish sends msg and waits for its confirm. Calls are serialized so
// confirms arrive in publish order.
func (a *Adapter) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	a.publishMu.Lock()
	defer a.publishMu.Unlock()

	if err := a.pubCh.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}

	timer := time.NewTimer(a.confirmTimeout)
	defer timer.Stop()
	select {
	case conf, ok := <-a.confirms:
		if !ok {
			return ErrConfirmClosed
		}
		if !conf.Ack {
			return ErrPublishNacked
		}
		return nil
	case <-timer.C:
		return ErrConfirmTimeout
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Ack acknowledges the delivery. Acking twice is a no-op.
func (a *Adapter) Ack(_ context.Context, msg pubsub.Message) error {
	m, ok := msg.(*Message)
	if !ok {
		return a.MismatchError("*rabbitmq.Message", msg)
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
	return m.delivery.Ack(false)
}

// Health reports whether the connection is open.
func (a *Adapter) Health(_ context.Context) error {
	if err := a.RequireStarted("health"); err != nil {
		return err
	}
	if a.conn != nil && a.conn.IsClosed() {
		return a.TransportError("health", amqp.ErrClosed)
	}
	return nil
}

func attemptOf(d amqp.Delivery) int {
	switch v := d.Headers[HeaderAttempt].(type) {
	case int32:
		return int(v)
	case int64:
		return int(v)
	case int:
		return v
	}
	return 1
}

// handle runs on the queue's delivery loop.
func (a *Adapter) handle(queue string, d amqp.Delivery) {
	logger := a.Logger()
	base, err := a.Decode(d.Body)
	if err != nil {
		logger.Error("rejecting undecodable message", "queue", queue, "error", err)
		_ = d.Nack(false, false)
		return
	}
	base.Attempts = attemptOf(d)
	msg := &Message{BaseMessage: base, delivery: d}

	disposition, _ := a.Receive(context.Background(), msg)
	switch disposition {
	case pubsub.Acknowledge:
		err = a.ack(msg)
	case pubsub.Redeliver:
		err = a.redeliver(queue, msg)
	case pubsub.Discard:
		if msg.acked.CompareAndSwap(false, true) {
			err = d.Nack(false, false)
		}
	}
	if err != nil {
		logger.Warn("failed to settle message", "msg_id", msg.ID(), "disposition", disposition.String(), "error", err)
	}
}

// redeliver republishes the message to its own queue with the next
// attempt number, then acks the original. If the republish fails the
// original is requeued as is.
func (a *Adapter) redeliver(queue string, msg *Message) error {
	if msg.acked.Load() {
		return nil
	}
	d := msg.delivery
	headers := amqp.Table{}
	for k, v := range d.Headers {
		headers[k] = v
	}
	headers[HeaderAttempt] = int32(msg.Attempt() + 1)

	err := a.publish(context.Background(), "", queue, amqp.Publishing{
		Headers:      headers,
		ContentType:  d.ContentType,
		DeliveryMode: amqp.Persistent,
		MessageId:    d.MessageId,
		Type:         d.Type,
		Timestamp:    d.Timestamp,
		AppId:        d.AppId,
		Body:         d.Body,
	})
	if !msg.acked.CompareAndSwap(false, true) {
		return err
	}
	if err != nil {
		return errors.Join(err, d.Nack(false, true))
	}
	return d.Ack(false)
}

// Compile-time checks
var (
	_ pubsub.EventAdapter  = (*Adapter)(nil)
	_ pubsub.HealthChecker = (*Adapter)(nil)
	_ pubsub.Message       = (*Message)(nil)
	_ Channel              = (*amqp.Channel)(nil)
)
