package rabbitmq

import (
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Option configures the RabbitMQ adapter
type Option func(*Adapter)

// WithChannels uses open channels instead of dialing
// Settings.ConnectionString. pub is switched to confirm mode on Start.
// The caller keeps ownership of the connection behind them.
func WithChannels(pub, consume Channel) Option {
	return func(a *Adapter) {
		if pub != nil && consume != nil {
			a.pubCh, a.consCh = pub, consume
		}
	}
}

// WithPrefetch sets the consumer prefetch count.
func WithPrefetch(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.prefetch = n
		}
	}
}

// WithConfirmTimeout bounds the wait for a publisher confirm.
func WithConfirmTimeout(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.confirmTimeout = d
		}
	}
}

// WithQueueArgs sets arguments for declared queues, e.g.
// "x-dead-letter-exchange" to keep discarded messages on the broker.
func WithQueueArgs(args amqp.Table) Option {
	return func(a *Adapter) {
		a.queueArgs = args
	}
}
