package pubsub

import "context"

// Listener consumes one event name at one version.
//
// Listeners are compared by identity when subscribing and unsubscribing,
// so implementations should be pointer types.
type Listener interface {
	EventName() string
	Version() DomainModelVersion
	Handle(ctx context.Context, msg Message) error
}

// HandlerFunc handles a message.
type HandlerFunc func(ctx context.Context, msg Message) error

type funcListener struct {
	name    string
	version DomainModelVersion
	fn      HandlerFunc
}

// NewListener adapts fn into a Listener bound to eventName and version.
func NewListener(eventName string, version DomainModelVersion, fn HandlerFunc) Listener {
	return &funcListener{name: eventName, version: version, fn: fn}
}

func (l *funcListener) EventName() string           { return l.name }
func (l *funcListener) Version() DomainModelVersion { return l.version }

func (l *funcListener) Handle(ctx context.Context, msg Message) error {
	return l.fn(ctx, msg)
}
