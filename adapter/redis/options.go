package redis

import (
	"time"
)

// Option configures the Redis adapter
type Option func(*Adapter)

// WithClient uses an existing client instead of dialing
// Settings.ConnectionString. The caller keeps ownership of the client.
func WithClient(client Client) Option {
	return func(a *Adapter) {
		if client != nil {
			a.client = client
		}
	}
}

// WithKeyPrefix sets the prefix of the stream key. Default: "pubsub:".
func WithKeyPrefix(prefix string) Option {
	return func(a *Adapter) {
		a.keyPrefix = prefix
	}
}

// WithMaxLen caps the stream length with approximate trimming.
// Zero keeps every entry.
func WithMaxLen(n int64) Option {
	return func(a *Adapter) {
		if n >= 0 {
			a.maxLen = n
		}
	}
}

// WithBatchSize sets how many entries one XREADGROUP returns
func WithBatchSize(n int64) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithBlockTime sets how long XREADGROUP blocks waiting for entries
func WithBlockTime(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.blockTime = d
		}
	}
}

// WithClaimMinIdle sets how long a pending entry must sit unacknowledged
// before it is claimed and redelivered. It is also the retry delay for a
// failed entry.
func WithClaimMinIdle(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.claimMinIdle = d
		}
	}
}

// WithClaimInterval sets how often pending entries are scanned
func WithClaimInterval(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.claimInterval = d
		}
	}
}
