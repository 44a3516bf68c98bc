package pubsub

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Outcome is the result of one delivery attempt.
type Outcome string

const (
	OutcomeDelivered    Outcome = "delivered"
	OutcomeFailed       Outcome = "failed"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
)

// Metrics receives delivery outcomes. Implementations must be safe for
// concurrent use.
type Metrics interface {
	RecordDelivery(ctx context.Context, topic string, outcome Outcome)
}

// NopMetrics discards every measurement.
type NopMetrics struct{}

func (NopMetrics) RecordDelivery(context.Context, string, Outcome) {}

// OtelMetrics records outcomes on an OpenTelemetry counter.
type OtelMetrics struct {
	deliveries metric.Int64Counter
}

// NewOtelMetrics creates the delivery counter on the global meter provider.
func NewOtelMetrics(meterName string) (*OtelMetrics, error) {
	if meterName == "" {
		meterName = "pubsub"
	}
	meter := otel.Meter(meterName)
	counter, err := meter.Int64Counter(
		"pubsub.deliveries",
		metric.WithDescription("Number of event delivery attempts by outcome"),
		metric.WithUnit("{event}"),
	)
	if err != nil {
		return nil, err
	}
	return &OtelMetrics{deliveries: counter}, nil
}

func (m *OtelMetrics) RecordDelivery(ctx context.Context, topic string, outcome Outcome) {
	m.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("topic", topic),
		attribute.String("outcome", string(outcome)),
	))
}

// CountingMetrics keeps outcome counts in memory. Tests and the relay's
// shutdown summary use it.
type CountingMetrics struct {
	mu     sync.Mutex
	counts map[string]map[Outcome]int
}

func (m *CountingMetrics) RecordDelivery(_ context.Context, topic string, outcome Outcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.counts == nil {
		m.counts = make(map[string]map[Outcome]int)
	}
	if m.counts[topic] == nil {
		m.counts[topic] = make(map[Outcome]int)
	}
	m.counts[topic][outcome]++
}

// Count returns the number of outcomes recorded for topic.
func (m *CountingMetrics) Count(topic string, outcome Outcome) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counts[topic][outcome]
}

// Compile-time checks
var (
	_ Metrics = NopMetrics{}
	_ Metrics = (*OtelMetrics)(nil)
	_ Metrics = (*CountingMetrics)(nil)
)
