package nats

import (
	"time"

	"github.com/nats-io/nats.go"
)

// Option configures the NATS adapter
type Option func(*Adapter)

// WithConn uses an established connection instead of dialing
// Settings.ConnectionString. The caller keeps ownership of the connection.
func WithConn(conn *nats.Conn) Option {
	return func(a *Adapter) {
		if conn != nil {
			a.conn = conn
		}
	}
}

// WithReplicas sets the number of stream replicas
func WithReplicas(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.replicas = n
		}
	}
}

// WithMaxAge sets the max age of messages in the stream
func WithMaxAge(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.maxAge = d
		}
	}
}

// WithDeduplication sets the stream's duplicate window. Flush publishes
// with the event id as Nats-Msg-Id, so a re-flushed event inside the
// window is stored once.
func WithDeduplication(window time.Duration) Option {
	return func(a *Adapter) {
		if window > 0 {
			a.dedupWindow = window
		}
	}
}

// WithAckWait sets how long the server waits for an ack before
// redelivering.
func WithAckWait(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.ackWait = d
		}
	}
}

// WithRetryBackoff sets the first Nak delay for a failed message. The
// delay doubles per attempt up to 30 seconds.
func WithRetryBackoff(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.retryBackoff = d
		}
	}
}
