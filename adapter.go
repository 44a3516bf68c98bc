package pubsub

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/rbaliyan/pubsub/codec"
)

// Default settings
const (
	DefaultClient         = "pubsub"
	DefaultPollInterval   = time.Second
	DefaultHandlerTimeout = 30 * time.Second

	// NoHandlerTimeout lets Listener.Handle run unbounded.
	NoHandlerTimeout time.Duration = -1
)

// EventAdapter delivers outbox events over one transport. All transports
// share this contract so the publisher never knows which one is active.
type EventAdapter interface {
	// Name identifies the transport, e.g. "memory" or "kafka".
	Name() string

	// State reports the lifecycle state.
	State() State

	// Start connects the transport and opens consumers for every registered
	// subscription. Starting a started adapter is a no-op.
	Start(ctx context.Context) error

	// Stop stops new deliveries, waits for in-flight listener calls and
	// releases the transport. Stopping a stopped adapter is a no-op.
	Stop(ctx context.Context) error

	// Subscribe registers listener whether or not the adapter is started.
	// Returns ErrDuplicateSubscription if listener is already subscribed.
	Subscribe(ctx context.Context, listener Listener) (*Subscription, error)

	// Unsubscribe removes listener's subscription.
	// Returns ErrUnknownSubscription if it has none.
	Unsubscribe(ctx context.Context, listener Listener) error

	// Ack acknowledges a message delivered by this adapter.
	// Returns ErrMessageTypeMismatch for messages of another transport.
	Ack(ctx context.Context, msg Message) error

	// Flush delivers ev to the transport.
	// Returns ErrNotStarted unless the adapter is started.
	Flush(ctx context.Context, ev *OutboxEvent) error
}

// HealthChecker is implemented by adapters that can probe their transport.
type HealthChecker interface {
	Health(ctx context.Context) error
}

// Settings configure an adapter.
type Settings struct {
	// Topic groups the events of one producing service.
	Topic string
	// Client identifies this consumer; broker adapters use it as the
	// consumer group.
	Client string
	// MaxDeliveryRetries is the number of failed attempts tolerated before
	// an event is dead-lettered. Zero dead-letters on the first failure.
	MaxDeliveryRetries int
	// PollInterval paces polling transports.
	PollInterval time.Duration
	// HandlerTimeout bounds each Listener.Handle call. Zero means
	// DefaultHandlerTimeout; NoHandlerTimeout disables the bound.
	HandlerTimeout time.Duration
	// ConnectionString locates the broker or database.
	ConnectionString string
	// Codec serializes envelopes on broker transports.
	Codec codec.Codec
	Logger  *slog.Logger
	Metrics Metrics
}

// Validate reports the first invalid setting.
func (s Settings) Validate() error {
	if s.Topic == "" {
		return ConfigError("topic", errors.New("is required"))
	}
	if s.MaxDeliveryRetries < 0 {
		return ConfigError("max delivery retries", fmt.Errorf("must be >= 0, got %d", s.MaxDeliveryRetries))
	}
	if s.PollInterval < 0 {
		return ConfigError("poll interval", fmt.Errorf("must be >= 0, got %s", s.PollInterval))
	}
	if s.HandlerTimeout < 0 && s.HandlerTimeout != NoHandlerTimeout {
		return ConfigError("handler timeout", fmt.Errorf("must be >= 0, got %s", s.HandlerTimeout))
	}
	return nil
}

func (s Settings) withDefaults(name string) Settings {
	if s.Client == "" {
		s.Client = DefaultClient
	}
	if s.PollInterval == 0 {
		s.PollInterval = DefaultPollInterval
	}
	if s.HandlerTimeout == 0 {
		s.HandlerTimeout = DefaultHandlerTimeout
	}
	if s.Codec == nil {
		s.Codec = codec.Default()
	}
	if s.Logger == nil {
		s.Logger = Logger("pubsub>" + name)
	}
	if s.Metrics == nil {
		s.Metrics = NopMetrics{}
	}
	return s
}

// Core carries what every adapter has in common: the lifecycle, the
// subscription registry, matching and dispatch, and post-flush
// bookkeeping. Adapters embed a *Core and add their transport.
type Core struct {
	name      string
	settings  Settings
	lifecycle *Lifecycle
	subs      *Subscriptions
	logger    *slog.Logger
}

// NewCore validates s, applies defaults and returns a stopped core.
func NewCore(name string, s Settings) (*Core, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	s = s.withDefaults(name)
	return &Core{
		name:      name,
		settings:  s,
		lifecycle: NewLifecycle(name),
		subs:      NewSubscriptions(),
		logger:    s.Logger,
	}, nil
}

func (c *Core) Name() string                  { return c.name }
func (c *Core) Settings() Settings            { return c.settings }
func (c *Core) Logger() *slog.Logger          { return c.logger }
func (c *Core) State() State                  { return c.lifecycle.State() }
func (c *Core) Subscriptions() *Subscriptions { return c.subs }

// Start runs open as the Starting step of the lifecycle.
func (c *Core) Start(ctx context.Context, open func(context.Context) error) error {
	err := c.lifecycle.Start(ctx, open)
	if err != nil {
		return err
	}
	c.logger.Info("adapter started", "topic", c.settings.Topic, "client", c.settings.Client)
	return nil
}

// Stop runs closeFn as the Stopping step of the lifecycle.
func (c *Core) Stop(ctx context.Context, closeFn func(context.Context) error) error {
	err := c.lifecycle.Stop(ctx, closeFn)
	c.logger.Info("adapter stopped", "topic", c.settings.Topic, "error", err)
	return err
}

// RequireStarted returns ErrNotStarted unless the adapter is started.
func (c *Core) RequireStarted(op string) error {
	return c.lifecycle.Require(op)
}

// Subscribe registers listener. When the adapter is already started, open
// is called under the lifecycle lock to attach a transport consumer; a
// failing open rolls the registration back.
func (c *Core) Subscribe(ctx context.Context, listener Listener, open func(context.Context, *Subscription) error) (*Subscription, error) {
	if listener == nil {
		return nil, &Error{Kind: KindValidation, Adapter: c.name, Op: "subscribe", Err: errors.New("nil listener")}
	}
	var sub *Subscription
	err := c.lifecycle.Do(func(state State) error {
		s := NewSubscription(c.settings.Topic, c.settings.Client, listener)
		if err := c.subs.Add(s); err != nil {
			return err
		}
		if state == StateStarted && open != nil {
			if err := open(ctx, s); err != nil {
				c.subs.Remove(s)
				return c.TransportError("subscribe", err)
			}
		}
		sub = s
		return nil
	})
	if err != nil {
		var e *Error
		if errors.As(err, &e) && e.Adapter == "" {
			e.Adapter, e.Op = c.name, "subscribe"
		}
		return nil, err
	}
	c.logger.Debug("subscribed", "event", sub.EventName, "version", sub.Version.String(), "subscription", sub.ID)
	return sub, nil
}

// Unsubscribe removes listener's subscription. When the adapter is
// started, closeFn detaches the transport consumer after removal.
func (c *Core) Unsubscribe(ctx context.Context, listener Listener, closeFn func(context.Context, *Subscription) error) error {
	if listener == nil {
		return &Error{Kind: KindUnknownSubscription, Adapter: c.name, Op: "unsubscribe", Err: errors.New("nil listener")}
	}
	return c.lifecycle.Do(func(state State) error {
		sub, err := c.subs.Find(listener)
		if err != nil {
			var e *Error
			if errors.As(err, &e) {
				e.Adapter, e.Op = c.name, "unsubscribe"
			}
			return err
		}
		c.subs.Remove(sub)
		if state == StateStarted && closeFn != nil {
			if err := closeFn(ctx, sub); err != nil {
				return c.TransportError("unsubscribe", err)
			}
		}
		c.logger.Debug("unsubscribed", "event", sub.EventName, "version", sub.Version.String(), "subscription", sub.ID)
		return nil
	})
}

// Deliver dispatches msg to every matching subscription in registration
// order. A message nobody subscribes to is delivered trivially.
func (c *Core) Deliver(ctx context.Context, msg Message) error {
	subs := c.subs.Matching(msg.EventName(), msg.Version())
	if len(subs) == 0 {
		c.logger.Debug("no matching subscription", "event", msg.EventName(), "version", msg.Version().String())
		return nil
	}
	return Dispatch(ctx, c.name, subs, msg, c.settings.HandlerTimeout)
}

// FlushCompleted runs after every flush regardless of transport. It records
// the outcome and returns err unchanged.
func (c *Core) FlushCompleted(ctx context.Context, ev *OutboxEvent, err error) error {
	if err != nil {
		c.settings.Metrics.RecordDelivery(ctx, c.settings.Topic, OutcomeFailed)
		c.logger.Warn("flush failed",
			"event", ev.EventName,
			"event_id", ev.EventID,
			"version", ev.DomainModelVersion.String(),
			"retry_count", ev.RetryCount,
			"error", err)
		return err
	}
	c.settings.Metrics.RecordDelivery(ctx, c.settings.Topic, OutcomeDelivered)
	c.logger.Debug("flushed", "event", ev.EventName, "event_id", ev.EventID)
	return nil
}

// MismatchError reports an Ack with a foreign message type.
func (c *Core) MismatchError(want string, msg Message) error {
	return &Error{
		Kind:    KindMessageTypeMismatch,
		Adapter: c.name,
		Op:      "ack",
		Err:     fmt.Errorf("expected %s, got %T", want, msg),
	}
}

// TransportError wraps a transport failure. Permanent errors keep their kind.
func (c *Core) TransportError(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	return &Error{Kind: KindTransportFailure, Adapter: c.name, Op: op, Err: err}
}

// Envelope converts ev to its wire form.
func (c *Core) Envelope(ev *OutboxEvent) *codec.Envelope {
	return &codec.Envelope{
		ID:        ev.EventID,
		EventName: ev.EventName,
		Version:   ev.DomainModelVersion.String(),
		Payload:   ev.JSONPayload,
		Attempt:   ev.RetryCount + 1,
		CreatedAt: ev.CreatedAt,
		Metadata:  map[string]string{"topic": c.settings.Topic},
	}
}

// Encode serializes ev with the configured codec. An encoding failure is
// permanent.
func (c *Core) Encode(ev *OutboxEvent) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	data, err := c.settings.Codec.Encode(c.Envelope(ev))
	if err != nil {
		return nil, &Error{Kind: KindValidation, Adapter: c.name, Op: "encode", Err: err}
	}
	return data, nil
}

// Decode parses wire data into a message base. Undecodable data is
// permanent.
func (c *Core) Decode(data []byte) (BaseMessage, error) {
	env, err := c.settings.Codec.Decode(data)
	if err != nil {
		return BaseMessage{}, &Error{Kind: KindValidation, Adapter: c.name, Op: "decode", Err: err}
	}
	return MessageFromEnvelope(env)
}

// MessageFromEnvelope builds a message base from a decoded envelope.
func MessageFromEnvelope(env *codec.Envelope) (BaseMessage, error) {
	version, err := ParseVersion(env.Version)
	if err != nil {
		return BaseMessage{}, err
	}
	return BaseMessage{
		MsgID:      env.ID,
		Name:       env.EventName,
		MsgVersion: version,
		Data:       env.Payload,
		Attempts:   env.Attempt,
	}, nil
}
