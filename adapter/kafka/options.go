package kafka

import (
	"time"

	"github.com/IBM/sarama"
)

// Option configures the Kafka adapter
type Option func(*Adapter)

// WithClient uses a pre-initialized client instead of dialing
// Settings.ConnectionString. The caller keeps ownership of the client.
func WithClient(client sarama.Client) Option {
	return func(a *Adapter) {
		if client != nil {
			a.client = client
		}
	}
}

// WithConfig sets the sarama config used when the adapter dials the
// brokers itself. Auto-commit must be disabled.
func WithConfig(config *sarama.Config) Option {
	return func(a *Adapter) {
		if config != nil {
			a.config = config
		}
	}
}

// WithProducer sets the producer used by Flush.
func WithProducer(p sarama.SyncProducer) Option {
	return func(a *Adapter) {
		if p != nil {
			a.producer = p
		}
	}
}

// WithConsumerGroup sets the consumer group used by the ingress loop. The
// adapter closes it on Stop.
func WithConsumerGroup(g sarama.ConsumerGroup) Option {
	return func(a *Adapter) {
		if g != nil {
			a.group = g
		}
	}
}

// WithPartitions sets the number of partitions for a topic the adapter
// creates.
func WithPartitions(n int32) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.partitions = n
		}
	}
}

// WithReplication sets the replication factor for a topic the adapter
// creates.
func WithReplication(n int16) Option {
	return func(a *Adapter) {
		if n > 0 {
			a.replication = n
		}
	}
}

// WithRetention sets retention.ms for a topic the adapter creates.
// Zero keeps the broker default.
func WithRetention(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.retention = d
		}
	}
}

// WithRetryBackoff sets the first delay between in-place redeliveries of
// a failed message. The delay doubles per attempt up to 30 seconds.
func WithRetryBackoff(d time.Duration) Option {
	return func(a *Adapter) {
		if d > 0 {
			a.retryBackoff = d
		}
	}
}
