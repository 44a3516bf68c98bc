package outbox

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/pubsub"
	"github.com/rbaliyan/pubsub/dlq"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const tracerName = "github.com/rbaliyan/pubsub/outbox"

// CycleResult summarizes one publishing cycle.
type CycleResult struct {
	Flushed      int
	Retried      int
	DeadLettered int
	// Failures holds every per-event error of the cycle. A failure never
	// aborts the rest of the batch.
	Failures []error
}

// Publisher drains the outbox through an EventAdapter.
//
// Each cycle claims a batch of unflushed events and flushes them one by
// one (or with bounded concurrency, see WithConcurrency):
//   - success marks the event flushed
//   - a permanent failure (malformed payload, rejected by a listener)
//     moves it to the dead letter queue at once
//   - any other failure increments its retry count; once the count
//     exceeds maxDeliveryRetries the event is dead-lettered and removed
//
// Run one Publisher per process. Store claims keep publishers in other
// replicas from flushing the same event concurrently.
//
// Example:
//
//	publisher := outbox.NewPublisher(store, adapter, deadLetters).
//	    WithPollInterval(500 * time.Millisecond).
//	    WithMaxDeliveryRetries(5)
//
//	go func() {
//	    if err := publisher.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
//	        logger.Error("publisher stopped", "error", err)
//	    }
//	}()
type Publisher struct {
	store       Store
	adapter     pubsub.EventAdapter
	deadLetters dlq.Store

	topic              string
	pollInterval       time.Duration
	batchSize          int
	maxDeliveryRetries int
	concurrency        int
	limiter            *rate.Limiter
	retryBase          time.Duration
	retryMax           time.Duration
	cleanupAge         time.Duration
	cleanupInterval    time.Duration

	logger  *slog.Logger
	metrics pubsub.Metrics
	tracer  trace.Tracer
	now     func() time.Time
}

// NewPublisher creates a publisher. When adapter embeds a *pubsub.Core its
// topic, poll interval and maxDeliveryRetries are used as defaults.
func NewPublisher(store Store, adapter pubsub.EventAdapter, deadLetters dlq.Store) *Publisher {
	p := &Publisher{
		store:           store,
		adapter:         adapter,
		deadLetters:     deadLetters,
		pollInterval:    pubsub.DefaultPollInterval,
		batchSize:       DefaultBatchSize,
		concurrency:     1,
		cleanupAge:      DefaultCleanupAge,
		cleanupInterval: time.Hour,
		logger:          pubsub.Logger("outbox.publisher"),
		metrics:         pubsub.NopMetrics{},
		tracer:          otel.Tracer(tracerName),
		now:             time.Now,
	}
	if s, ok := adapter.(interface{ Settings() pubsub.Settings }); ok {
		settings := s.Settings()
		p.topic = settings.Topic
		p.maxDeliveryRetries = settings.MaxDeliveryRetries
		if settings.PollInterval > 0 {
			p.pollInterval = settings.PollInterval
		}
		if settings.Metrics != nil {
			p.metrics = settings.Metrics
		}
	}
	return p
}

// WithTopic sets the topic recorded on dead letter entries and metrics.
func (p *Publisher) WithTopic(topic string) *Publisher {
	p.topic = topic
	return p
}

// WithPollInterval sets the delay between cycles.
func (p *Publisher) WithPollInterval(d time.Duration) *Publisher {
	if d > 0 {
		p.pollInterval = d
	}
	return p
}

// WithBatchSize sets how many events one cycle claims.
func (p *Publisher) WithBatchSize(size int) *Publisher {
	if size > 0 {
		p.batchSize = size
	}
	return p
}

// WithMaxDeliveryRetries sets how many failed attempts an event may
// accumulate before it is dead-lettered. Zero dead-letters on the first
// failure.
func (p *Publisher) WithMaxDeliveryRetries(n int) *Publisher {
	if n >= 0 {
		p.maxDeliveryRetries = n
	}
	return p
}

// WithConcurrency sets how many events of a batch are flushed at once.
func (p *Publisher) WithConcurrency(n int) *Publisher {
	if n > 0 {
		p.concurrency = n
	}
	return p
}

// WithRateLimit caps flushes per second across the publisher.
func (p *Publisher) WithRateLimit(perSecond float64, burst int) *Publisher {
	if perSecond > 0 {
		if burst < 1 {
			burst = 1
		}
		p.limiter = rate.NewLimiter(rate.Limit(perSecond), burst)
	}
	return p
}

// WithRetryBackoff delays the next attempt of a failed event exponentially,
// starting at base and capped at max.
func (p *Publisher) WithRetryBackoff(base, max time.Duration) *Publisher {
	p.retryBase = base
	p.retryMax = max
	return p
}

// WithCleanupAge sets how long flushed events are kept by stores that
// implement Cleaner.
func (p *Publisher) WithCleanupAge(age time.Duration) *Publisher {
	p.cleanupAge = age
	return p
}

// WithLogger sets a custom logger.
func (p *Publisher) WithLogger(l *slog.Logger) *Publisher {
	if l != nil {
		p.logger = l
	}
	return p
}

// WithMetrics sets where delivery outcomes are recorded.
func (p *Publisher) WithMetrics(m pubsub.Metrics) *Publisher {
	if m != nil {
		p.metrics = m
	}
	return p
}

// Run publishes until ctx is cancelled and returns ctx.Err().
func (p *Publisher) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	cleanupTicker := time.NewTicker(p.cleanupInterval)
	defer cleanupTicker.Stop()

	p.logger.Info("publisher started",
		"adapter", p.adapter.Name(),
		"poll_interval", p.pollInterval,
		"batch_size", p.batchSize,
		"max_delivery_retries", p.maxDeliveryRetries)

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("publisher stopped")
			return ctx.Err()
		case <-ticker.C:
			result, err := p.PublishOnce(ctx)
			if err != nil && ctx.Err() == nil {
				p.logger.Error("publish cycle failed", "error", err)
			}
			if n := result.Flushed + result.Retried + result.DeadLettered; n > 0 {
				p.logger.Debug("publish cycle",
					"flushed", result.Flushed,
					"retried", result.Retried,
					"dead_lettered", result.DeadLettered)
			}
		case <-cleanupTicker.C:
			p.cleanup(ctx)
		}
	}
}

// PublishOnce runs a single cycle. The returned error is non-nil when the
// batch could not be fetched or the adapter is not started; per-event
// failures are reported in CycleResult.Failures.
func (p *Publisher) PublishOnce(ctx context.Context) (CycleResult, error) {
	var result CycleResult

	events, err := p.store.GetUnflushedEvents(ctx, p.batchSize)
	if err != nil {
		return result, fmt.Errorf("get unflushed events: %w", err)
	}
	if len(events) == 0 {
		return result, nil
	}

	var (
		mu       sync.Mutex
		stateErr error
	)
	g, gctx := errgroup.WithContext(ctx)
	processOne := func(ev *pubsub.OutboxEvent) {
		mu.Lock()
		skip := stateErr != nil
		mu.Unlock()
		if skip {
			p.release(gctx, ev)
			return
		}

		outcome, err := p.process(gctx, ev)

		mu.Lock()
		defer mu.Unlock()
		switch outcome {
		case pubsub.OutcomeDelivered:
			result.Flushed++
		case pubsub.OutcomeRetried:
			result.Retried++
		case pubsub.OutcomeDeadLettered:
			result.DeadLettered++
		}
		if err == nil {
			return
		}
		result.Failures = append(result.Failures, err)
		if errors.Is(err, pubsub.ErrNotStarted) && stateErr == nil {
			stateErr = err
		}
	}
	g.SetLimit(p.concurrency)

	for _, ev := range events {
		g.Go(func() error {
			processOne(ev)
			return nil
		})
	}
	_ = g.Wait()

	return result, stateErr
}

// process flushes one claimed event and settles it in the store. The
// outcome is empty when the event was released untouched.
func (p *Publisher) process(ctx context.Context, ev *pubsub.OutboxEvent) (pubsub.Outcome, error) {
	ctx, span := p.tracer.Start(ctx, "outbox.flush",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("pubsub.adapter", p.adapter.Name()),
			attribute.String("pubsub.event_name", ev.EventName),
			attribute.String("pubsub.event_id", ev.EventID),
			attribute.String("pubsub.version", ev.DomainModelVersion.String()),
			attribute.Int("pubsub.retry_count", ev.RetryCount),
		))
	defer span.End()

	if err := ev.Validate(); err != nil {
		span.SetStatus(codes.Error, "malformed event")
		return p.deadLetter(ctx, ev, err, false)
	}

	// A previous cycle exhausted the retries but could not dead-letter.
	if ev.RetryCount > p.maxDeliveryRetries {
		span.SetStatus(codes.Error, "retries exhausted")
		return p.deadLetter(ctx, ev, fmt.Errorf("%w: %s", ErrRetriesExhausted, ev.LastError), false)
	}

	if p.limiter != nil {
		if err := p.limiter.Wait(ctx); err != nil {
			p.release(ctx, ev)
			return "", err
		}
	}

	flushErr := p.adapter.Flush(ctx, ev)
	if flushErr == nil {
		if err := p.store.MarkFlushed(ctx, ev); err != nil {
			span.RecordError(err)
			p.logger.Error("failed to mark event flushed",
				"id", ev.ID,
				"event", ev.EventName,
				"error", err)
			return pubsub.OutcomeDelivered, fmt.Errorf("mark flushed %d: %w", ev.ID, err)
		}
		span.SetStatus(codes.Ok, "")
		return pubsub.OutcomeDelivered, nil
	}

	span.RecordError(flushErr)
	span.SetStatus(codes.Error, flushErr.Error())

	switch {
	case errors.Is(flushErr, pubsub.ErrNotStarted):
		p.release(ctx, ev)
		return "", flushErr
	case pubsub.IsPermanent(flushErr):
		return p.deadLetter(ctx, ev, flushErr, false)
	}

	if p.retryBase > 0 {
		ev.NextAttemptAt = p.now().Add(pubsub.Jitter(pubsub.Backoff(ev.RetryCount, p.retryBase, p.retryMax), 0.2))
	}

	// The last attempt keeps the claim until the event is in the DLQ;
	// IncrementRetry would release it to other publishers.
	if ev.RetryCount+1 > p.maxDeliveryRetries {
		ev.RetryCount++
		ev.LastError = flushErr.Error()
		return p.deadLetter(ctx, ev, flushErr, true)
	}

	count, err := p.store.IncrementRetry(ctx, ev, flushErr)
	if err != nil {
		p.logger.Error("failed to increment retry count",
			"id", ev.ID,
			"event", ev.EventName,
			"error", err)
		return "", errors.Join(flushErr, fmt.Errorf("increment retry %d: %w", ev.ID, err))
	}
	ev.RetryCount = count

	p.metrics.RecordDelivery(ctx, p.topic, pubsub.OutcomeRetried)
	p.logger.Warn("event delivery failed, will retry",
		"id", ev.ID,
		"event", ev.EventName,
		"retry_count", count,
		"max_delivery_retries", p.maxDeliveryRetries,
		"error", flushErr)
	return pubsub.OutcomeRetried, fmt.Errorf("flush %d: %w", ev.ID, flushErr)
}

// deadLetter moves ev to the dead letter queue. The claim is held until
// the outbox row is removed, and the row is removed only after the entry
// is stored, so a DLQ failure leaves the event for a later cycle. When
// charge is set the failed attempt is recorded on that path.
func (p *Publisher) deadLetter(ctx context.Context, ev *pubsub.OutboxEvent, cause error, charge bool) (pubsub.Outcome, error) {
	entry := dlq.NewEntry(p.topic, ev, cause)
	if err := p.deadLetters.Add(ctx, entry); err != nil {
		p.giveBack(ctx, ev, cause, charge)
		p.logger.Error("failed to dead-letter event",
			"id", ev.ID,
			"event", ev.EventName,
			"error", err)
		return "", errors.Join(cause, fmt.Errorf("dead-letter %d: %w", ev.ID, err))
	}
	if err := p.store.Remove(ctx, ev); err != nil && !errors.Is(err, ErrEventNotFound) {
		p.logger.Error("failed to remove dead-lettered event",
			"id", ev.ID,
			"entry", entry.ID,
			"error", err)
	}

	p.metrics.RecordDelivery(ctx, p.topic, pubsub.OutcomeDeadLettered)
	p.logger.Error("event dead-lettered",
		"id", ev.ID,
		"event", ev.EventName,
		"event_id", ev.EventID,
		"retry_count", ev.RetryCount,
		"entry", entry.ID,
		"reason", cause)
	return pubsub.OutcomeDeadLettered, fmt.Errorf("dead-lettered %d: %w", ev.ID, cause)
}

// giveBack releases a claim after a failed dead-letter, recording the
// attempt when charge is set.
func (p *Publisher) giveBack(ctx context.Context, ev *pubsub.OutboxEvent, cause error, charge bool) {
	if !charge {
		p.release(ctx, ev)
		return
	}
	ev.RetryCount--
	if _, err := p.store.IncrementRetry(ctx, ev, cause); err != nil {
		p.logger.Warn("failed to record retry", "id", ev.ID, "error", err)
		p.release(ctx, ev)
	}
}

func (p *Publisher) release(ctx context.Context, ev *pubsub.OutboxEvent) {
	if err := p.store.Release(ctx, ev); err != nil {
		p.logger.Warn("failed to release claim", "id", ev.ID, "error", err)
	}
}

func (p *Publisher) cleanup(ctx context.Context) {
	cleaner, ok := p.store.(Cleaner)
	if !ok || p.cleanupAge <= 0 {
		return
	}
	deleted, err := cleaner.DeleteFlushed(ctx, p.cleanupAge)
	if err != nil {
		p.logger.Error("failed to cleanup flushed events", "error", err)
		return
	}
	if deleted > 0 {
		p.logger.Info("cleaned up flushed outbox events", "count", deleted)
	}
}
