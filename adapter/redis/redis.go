// Package redis provides a Redis Streams event adapter.
//
// All events of a topic go to one stream, "<prefix><topic>". Settings.Client
// names the consumer group, so replicas of one service share the entries
// and every service sees each event once. Entries whose listeners fail stay
// pending in the group and are claimed again after the claim idle time;
// the delivery count Redis keeps for each pending entry is the attempt
// number.
//
//	adapter, err := redis.New(pubsub.Settings{
//	    Topic:            "orders",
//	    Client:           "billing",
//	    ConnectionString: "redis://localhost:6379/0",
//	}, redis.WithMaxLen(100000))
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rbaliyan/pubsub"
	"github.com/redis/go-redis/v9"
)

// Name of the adapter
const Name = "redis"

// Client defines the Redis operations the adapter uses.
// Supports *redis.Client, *redis.ClusterClient, and redis.UniversalClient.
type Client interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd
	XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd
	XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd
	XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// Default configuration
var (
	DefaultKeyPrefix     = "pubsub:"
	DefaultBatchSize     = int64(16)
	DefaultBlockTime     = 2 * time.Second
	DefaultClaimMinIdle  = 30 * time.Second
	DefaultClaimInterval = 5 * time.Second
)

// Entry fields
const (
	fieldData  = "data"
	fieldEvent = "event"
	fieldID    = "id"
)

const maxReadBackoff = 30 * time.Second

// Message is a stream entry delivered to a listener.
type Message struct {
	pubsub.BaseMessage
	entryID string
	acked   atomic.Bool
}

// EntryID returns the stream entry id.
func (m *Message) EntryID() string {
	return m.entryID
}

// Adapter implements pubsub.EventAdapter over Redis Streams.
type Adapter struct {
	*pubsub.Core

	client     Client
	ownsClient bool
	consumer   string

	keyPrefix     string
	maxLen        int64
	batchSize     int64
	blockTime     time.Duration
	claimMinIdle  time.Duration
	claimInterval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped Redis adapter. Settings.ConnectionString is a
// redis:// URL; it may be empty when WithClient is used.
func New(s pubsub.Settings, opts ...Option) (*Adapter, error) {
	core, err := pubsub.NewCore(Name, s)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		Core:          core,
		consumer:      core.Settings().Client + "-" + pubsub.NewID(),
		keyPrefix:     DefaultKeyPrefix,
		batchSize:     DefaultBatchSize,
		blockTime:     DefaultBlockTime,
		claimMinIdle:  DefaultClaimMinIdle,
		claimInterval: DefaultClaimInterval,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.client == nil {
		if s.ConnectionString == "" {
			return nil, pubsub.ConfigError("connection string", errors.New("redis url is required"))
		}
		if _, err := redis.ParseURL(s.ConnectionString); err != nil {
			return nil, pubsub.ConfigError("connection string", err)
		}
	}
	return a, nil
}

// Factory builds a Redis adapter for a pubsub.Providers registry.
func Factory(_ context.Context, s pubsub.Settings) (pubsub.EventAdapter, error) {
	return New(s)
}

func (a *Adapter) stream() string {
	return a.keyPrefix + a.Settings().Topic
}

func (a *Adapter) group() string {
	return a.Settings().Client
}

// Start connects, creates the consumer group and starts the read and
// claim loops.
func (a *Adapter) Start(ctx context.Context) error {
	return a.Core.Start(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if err != nil {
				a.release()
			}
		}()

		if a.client == nil {
			opts, err := redis.ParseURL(a.Settings().ConnectionString)
			if err != nil {
				return pubsub.ConfigError("connection string", err)
			}
			a.client, a.ownsClient = redis.NewClient(opts), true
		}
		if err := a.client.Ping(ctx).Err(); err != nil {
			return a.TransportError("ping", err)
		}

		err = a.client.XGroupCreateMkStream(ctx, a.stream(), a.group(), "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			return a.TransportError("create group", err)
		}

		runCtx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(2)
		go a.readLoop(runCtx)
		go a.claimLoop(runCtx)
		return nil
	})
}

// Stop ends both loops, waits for in-flight listeners and closes the
// client if the adapter opened it.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.Core.Stop(ctx, func(ctx context.Context) error {
		if a.cancel != nil {
			a.cancel()
		}
		err := pubsub.Wait(ctx, &a.wg)
		a.release()
		return err
	})
}

func (a *Adapter) release() {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	if a.ownsClient && a.client != nil {
		_ = a.client.Close()
		a.client, a.ownsClient = nil, false
	}
}

// Subscribe registers listener. The read loop serves every subscription of
// the topic, so nothing is opened per listener.
func (a *Adapter) Subscribe(ctx context.Context, listener pubsub.Listener) (*pubsub.Subscription, error) {
	return a.Core.Subscribe(ctx, listener, nil)
}

// Unsubscribe removes listener's subscription.
func (a *Adapter) Unsubscribe(ctx context.Context, listener pubsub.Listener) error {
	return a.Core.Unsubscribe(ctx, listener, nil)
}

// Flush appends ev to the topic stream.
func (a *Adapter) Flush(ctx context.Context, ev *pubsub.OutboxEvent) error {
	if err := a.RequireStarted("flush"); err != nil {
		return err
	}
	data, err := a.Encode(ev)
	if err != nil {
		return a.FlushCompleted(ctx, ev, err)
	}
	args := &redis.XAddArgs{
		Stream: a.stream(),
		Values: map[string]any{
			fieldData:  data,
			fieldEvent: ev.EventName,
			fieldID:    ev.EventID,
		},
	}
	if a.maxLen > 0 {
		args.MaxLen = a.maxLen
		args.Approx = true
	}
	err = a.client.XAdd(ctx, args).Err()
	return a.FlushCompleted(ctx, ev, a.TransportError("flush", err))
}

// Ack acknowledges the entry in the consumer group. Acking twice is a no-op.
func (a *Adapter) Ack(ctx context.Context, msg pubsub.Message) error {
	m, ok := msg.(*Message)
	if !ok {
		return a.MismatchError("*redis.Message", msg)
	}
	if err := a.RequireStarted("ack"); err != nil {
		return err
	}
	return a.TransportError("ack", a.ack(ctx, m.entryID, &m.acked))
}

func (a *Adapter) ack(ctx context.Context, id string, acked *atomic.Bool) error {
	if !acked.CompareAndSwap(false, true) {
		return nil
	}
	return a.client.XAck(ctx, a.stream(), a.group(), id).Err()
}

// Health pings the server.
func (a *Adapter) Health(ctx context.Context) error {
	if err := a.RequireStarted("health"); err != nil {
		return err
	}
	return a.TransportError("health", a.client.Ping(ctx).Err())
}

// readLoop reads new entries for this consumer. It idles while nothing is
// subscribed so entries stay in the stream for later listeners.
func (a *Adapter) readLoop(ctx context.Context) {
	defer a.wg.Done()
	logger := a.Logger()
	failures := 0

	for {
		if ctx.Err() != nil {
			return
		}
		if a.Subscriptions().Len() == 0 {
			if !sleep(ctx, a.Settings().PollInterval) {
				return
			}
			continue
		}

		streams, err := a.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    a.group(),
			Consumer: a.consumer,
			Streams:  []string{a.stream(), ">"},
			Count:    a.batchSize,
			Block:    a.blockTime,
		}).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) || ctx.Err() != nil {
				continue
			}
			failures++
			delay := pubsub.Backoff(failures-1, 100*time.Millisecond, maxReadBackoff)
			logger.Warn("read failed", "stream", a.stream(), "error", err, "retry_in", delay)
			if !sleep(ctx, delay) {
				return
			}
			continue
		}
		failures = 0

		for _, s := range streams {
			for _, entry := range s.Messages {
				a.handle(ctx, entry, 1)
			}
		}
	}
}

// claimLoop periodically takes over entries left pending longer than the
// claim idle time, whether a failed listener or a dead consumer left them.
func (a *Adapter) claimLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.claimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if a.Subscriptions().Len() == 0 {
				continue
			}
			if err := a.claimOnce(ctx); err != nil && ctx.Err() == nil {
				a.Logger().Warn("claim failed", "stream", a.stream(), "error", err)
			}
		}
	}
}

// claimOnce claims one batch of idle pending entries and handles them.
func (a *Adapter) claimOnce(ctx context.Context) error {
	pending, err := a.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: a.stream(),
		Group:  a.group(),
		Idle:   a.claimMinIdle,
		Start:  "-",
		End:    "+",
		Count:  a.batchSize,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return err
	}
	if len(pending) == 0 {
		return nil
	}

	deliveries := make(map[string]int64, len(pending))
	ids := make([]string, 0, len(pending))
	for _, p := range pending {
		deliveries[p.ID] = p.RetryCount
		ids = append(ids, p.ID)
	}

	claimed, err := a.client.XClaim(ctx, &redis.XClaimArgs{
		Stream:   a.stream(),
		Group:    a.group(),
		Consumer: a.consumer,
		MinIdle:  a.claimMinIdle,
		Messages: ids,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil
		}
		return fmt.Errorf("xclaim: %w", err)
	}

	for _, entry := range claimed {
		// XCLAIM counted one more delivery.
		a.handle(ctx, entry, int(deliveries[entry.ID])+1)
	}
	return nil
}

// handle delivers one entry. A redelivered entry is left pending so the
// claim loop picks it up again after the claim idle time.
func (a *Adapter) handle(ctx context.Context, entry redis.XMessage, attempt int) {
	settle := context.WithoutCancel(ctx)
	logger := a.Logger()

	data, ok := payload(entry.Values[fieldData])
	if !ok {
		logger.Error("discarding entry without payload", "entry", entry.ID)
		_ = a.client.XAck(settle, a.stream(), a.group(), entry.ID).Err()
		return
	}
	base, err := a.Decode(data)
	if err != nil {
		logger.Error("discarding undecodable entry", "entry", entry.ID, "error", err)
		_ = a.client.XAck(settle, a.stream(), a.group(), entry.ID).Err()
		return
	}
	if attempt < 1 {
		attempt = 1
	}
	base.Attempts = attempt
	msg := &Message{BaseMessage: base, entryID: entry.ID}

	disposition, _ := a.Receive(ctx, msg)
	switch disposition {
	case pubsub.Acknowledge, pubsub.Discard:
		err = a.ack(settle, entry.ID, &msg.acked)
	case pubsub.Redeliver:
		// stays pending
	}
	if err != nil {
		logger.Warn("failed to settle entry", "entry", entry.ID, "disposition", disposition.String(), "error", err)
	}
}

func payload(v any) ([]byte, bool) {
	switch p := v.(type) {
	case string:
		return []byte(p), true
	case []byte:
		return p, true
	default:
		return nil, false
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// Compile-time checks
var (
	_ pubsub.EventAdapter  = (*Adapter)(nil)
	_ pubsub.HealthChecker = (*Adapter)(nil)
	_ pubsub.Message       = (*Message)(nil)
	_ Client               = (*redis.Client)(nil)
)
