// Package memory provides an in-process event adapter. Flush hands the
// event synchronously to every matching listener before returning, which
// makes it the reference transport for tests and single-process services.
package memory

import (
	"context"

	"github.com/rbaliyan/pubsub"
)

// Name of the adapter
const Name = "memory"

// Message is the envelope the memory adapter hands to listeners.
type Message struct {
	pubsub.BaseMessage
}

// Adapter delivers events in-process.
type Adapter struct {
	*pubsub.Core
}

// New creates a stopped memory adapter.
func New(s pubsub.Settings) (*Adapter, error) {
	core, err := pubsub.NewCore(Name, s)
	if err != nil {
		return nil, err
	}
	return &Adapter{Core: core}, nil
}

// Factory builds a memory adapter for a pubsub.Providers registry.
func Factory(_ context.Context, s pubsub.Settings) (pubsub.EventAdapter, error) {
	return New(s)
}

// Start marks the adapter started.
func (a *Adapter) Start(ctx context.Context) error {
	return a.Core.Start(ctx, nil)
}

// Stop marks the adapter stopped.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.Core.Stop(ctx, nil)
}

// Subscribe registers listener.
func (a *Adapter) Subscribe(ctx context.Context, listener pubsub.Listener) (*pubsub.Subscription, error) {
	return a.Core.Subscribe(ctx, listener, nil)
}

// Unsubscribe removes listener's subscription.
func (a *Adapter) Unsubscribe(ctx context.Context, listener pubsub.Listener) error {
	return a.Core.Unsubscribe(ctx, listener, nil)
}

// Ack accepts memory messages and does nothing else: delivery already
// completed when Handle returned.
func (a *Adapter) Ack(_ context.Context, msg pubsub.Message) error {
	if _, ok := msg.(*Message); !ok {
		return a.MismatchError("*memory.Message", msg)
	}
	return nil
}

// Flush delivers ev to every matching listener, in registration order,
// and returns the first listener error.
func (a *Adapter) Flush(ctx context.Context, ev *pubsub.OutboxEvent) error {
	if err := a.RequireStarted("flush"); err != nil {
		return err
	}
	msg := &Message{BaseMessage: pubsub.MessageFromEvent(ev)}
	err := a.Deliver(ctx, msg)
	return a.FlushCompleted(ctx, ev, err)
}

// Compile-time checks
var (
	_ pubsub.EventAdapter = (*Adapter)(nil)
	_ pubsub.Message      = (*Message)(nil)
)
