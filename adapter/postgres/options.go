package postgres

import (
	"time"
)

// Option configures the postgres adapter
type Option func(*Adapter)

// WithDB uses an existing pool or connection instead of opening one from
// Settings.ConnectionString. The caller keeps ownership of db.
func WithDB(db DB) Option {
	return func(a *Adapter) {
		if db != nil {
			a.db = db
		}
	}
}

// WithTables sets the subscriber and message table names.
// Defaults: "pubsub_subscribers" and "pubsub_messages".
func WithTables(subscribers, messages string) Option {
	return func(a *Adapter) {
		if subscribers != "" {
			a.subscribersTable = subscribers
		}
		if messages != "" {
			a.messagesTable = messages
		}
	}
}

// WithBatchSize sets how many rows one poll claims
func WithBatchSize(n int) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.batchSize = n
		}
	}
}

// WithLease sets how long a claimed row stays invisible to other
// consumers of the group. A consumer that dies mid-delivery releases its
// rows when the lease ends.
func WithLease(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.lease = d
		}
	}
}

// WithRetryBackoff sets the first redelivery delay for a failed row. The
// delay doubles per attempt up to 30 seconds.
func WithRetryBackoff(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.retryBackoff = d
		}
	}
}

// WithoutSchema skips creating the tables on Start.
func WithoutSchema() Option {
	return func(a *Adapter) {
		a.createSchema = false
	}
}
