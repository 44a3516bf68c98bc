package redis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/pubsub"
	"github.com/rbaliyan/pubsub/adapter/memory"
	"github.com/redis/go-redis/v9"
)

// mockRedisClient keeps one stream with a single consumer group cursor and
// its pending entries list.
type mockRedisClient struct {
	mu       sync.Mutex
	entries  []redis.XMessage
	cursor   int
	groups   map[string]bool
	pending  map[string]int64
	acked    []string
	seq      int
	xaddErr  error
	closed   bool
	notEmpty chan struct{}
}

func newMockRedisClient() *mockRedisClient {
	return &mockRedisClient{
		groups:   make(map[string]bool),
		pending:  make(map[string]int64),
		notEmpty: make(chan struct{}, 1),
	}
}

func (m *mockRedisClient) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStringCmd(ctx)
	if m.xaddErr != nil {
		cmd.SetErr(m.xaddErr)
		return cmd
	}
	m.seq++
	id := fmt.Sprintf("%d-0", m.seq)
	values := a.Values.(map[string]any)
	m.entries = append(m.entries, redis.XMessage{ID: id, Values: values})
	select {
	case m.notEmpty <- struct{}{}:
	default:
	}
	cmd.SetVal(id)
	return cmd
}

func (m *mockRedisClient) XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewStatusCmd(ctx)
	if m.groups[group] {
		cmd.SetErr(errors.New("BUSYGROUP Consumer Group name already exists"))
		return cmd
	}
	m.groups[group] = true
	cmd.SetVal("OK")
	return cmd
}

func (m *mockRedisClient) XReadGroup(ctx context.Context, a *redis.XReadGroupArgs) *redis.XStreamSliceCmd {
	cmd := redis.NewXStreamSliceCmd(ctx)
	m.mu.Lock()
	if m.cursor == len(m.entries) {
		m.mu.Unlock()
		select {
		case <-ctx.Done():
			cmd.SetErr(ctx.Err())
			return cmd
		case <-m.notEmpty:
		case <-time.After(a.Block):
		}
		m.mu.Lock()
	}
	defer m.mu.Unlock()

	if m.cursor == len(m.entries) {
		cmd.SetErr(redis.Nil)
		return cmd
	}
	end := len(m.entries)
	if a.Count > 0 && int64(end-m.cursor) > a.Count {
		end = m.cursor + int(a.Count)
	}
	batch := append([]redis.XMessage(nil), m.entries[m.cursor:end]...)
	for _, e := range batch {
		m.pending[e.ID] = 1
	}
	m.cursor = end
	cmd.SetVal([]redis.XStream{{Stream: a.Streams[0], Messages: batch}})
	return cmd
}

func (m *mockRedisClient) XAck(ctx context.Context, stream, group string, ids ...string) *redis.IntCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewIntCmd(ctx)
	for _, id := range ids {
		delete(m.pending, id)
		m.acked = append(m.acked, id)
	}
	cmd.SetVal(int64(len(ids)))
	return cmd
}

// XPendingExt ignores idle times; every pending entry is claimable.
func (m *mockRedisClient) XPendingExt(ctx context.Context, a *redis.XPendingExtArgs) *redis.XPendingExtCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXPendingExtCmd(ctx)
	var out []redis.XPendingExt
	for _, e := range m.entries {
		if n, ok := m.pending[e.ID]; ok {
			out = append(out, redis.XPendingExt{ID: e.ID, Consumer: "c", RetryCount: n})
		}
	}
	cmd.SetVal(out)
	return cmd
}

func (m *mockRedisClient) XClaim(ctx context.Context, a *redis.XClaimArgs) *redis.XMessageSliceCmd {
	m.mu.Lock()
	defer m.mu.Unlock()

	cmd := redis.NewXMessageSliceCmd(ctx)
	var out []redis.XMessage
	for _, id := range a.Messages {
		if _, ok := m.pending[id]; !ok {
			continue
		}
		m.pending[id]++
		for _, e := range m.entries {
			if e.ID == id {
				out = append(out, e)
			}
		}
	}
	cmd.SetVal(out)
	return cmd
}

func (m *mockRedisClient) Ping(ctx context.Context) *redis.StatusCmd {
	cmd := redis.NewStatusCmd(ctx)
	cmd.SetVal("PONG")
	return cmd
}

func (m *mockRedisClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *mockRedisClient) isAcked(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, a := range m.acked {
		if a == id {
			return true
		}
	}
	return false
}

func (m *mockRedisClient) isPending(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.pending[id]
	return ok
}

func newTestAdapter(t *testing.T, client *mockRedisClient, maxRetries int) *Adapter {
	t.Helper()
	a, err := New(pubsub.Settings{Topic: "orders", Client: "billing", MaxDeliveryRetries: maxRetries},
		WithClient(client),
		WithBlockTime(50*time.Millisecond),
		WithClaimInterval(time.Hour))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a
}

func newEvent(t *testing.T) *pubsub.OutboxEvent {
	t.Helper()
	ev, err := pubsub.NewOutboxEvent("OrderPlaced", pubsub.NewVersion(1, 2, 0), map[string]int{"total": 42})
	if err != nil {
		t.Fatalf("NewOutboxEvent failed: %v", err)
	}
	return ev
}

func TestNew(t *testing.T) {
	t.Run("requires a url or client", func(t *testing.T) {
		_, err := New(pubsub.Settings{Topic: "orders"})
		if !errors.Is(err, pubsub.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("rejects malformed url", func(t *testing.T) {
		_, err := New(pubsub.Settings{Topic: "orders", ConnectionString: "http://nope"})
		if !errors.Is(err, pubsub.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("options", func(t *testing.T) {
		a, err := New(pubsub.Settings{Topic: "orders", Client: "billing", ConnectionString: "redis://localhost:6379"},
			WithKeyPrefix("app:"), WithMaxLen(1000), WithBatchSize(5))
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if a.stream() != "app:orders" || a.group() != "billing" {
			t.Errorf("unexpected stream/group: %s/%s", a.stream(), a.group())
		}
		if a.maxLen != 1000 || a.batchSize != 5 {
			t.Errorf("unexpected options: maxLen=%d batch=%d", a.maxLen, a.batchSize)
		}
	})
}

func TestAdapter(t *testing.T) {
	ctx := context.Background()

	t.Run("flush before start fails", func(t *testing.T) {
		a := newTestAdapter(t, newMockRedisClient(), 1)
		if err := a.Flush(ctx, newEvent(t)); !errors.Is(err, pubsub.ErrNotStarted) {
			t.Errorf("expected ErrNotStarted, got %v", err)
		}
	})

	t.Run("start tolerates an existing group", func(t *testing.T) {
		client := newMockRedisClient()
		client.groups["billing"] = true
		a := newTestAdapter(t, client, 1)
		if err := a.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer a.Stop(ctx)
	})

	t.Run("flushed events reach listeners and are acked", func(t *testing.T) {
		client := newMockRedisClient()
		a := newTestAdapter(t, client, 1)
		got := make(chan pubsub.Message, 1)
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.2.*"),
			func(ctx context.Context, msg pubsub.Message) error {
				got <- msg
				return nil
			}))
		if err := a.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		ev := newEvent(t)
		if err := a.Flush(ctx, ev); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}

		select {
		case msg := <-got:
			m, ok := msg.(*Message)
			if !ok {
				t.Fatalf("expected *redis.Message, got %T", msg)
			}
			if m.ID() != ev.EventID || m.Attempt() != 1 {
				t.Errorf("unexpected message: id=%s attempt=%d", m.ID(), m.Attempt())
			}
		case <-time.After(2 * time.Second):
			t.Fatal("listener not called")
		}
		if err := a.Stop(ctx); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if !client.isAcked("1-0") {
			t.Error("expected entry 1-0 acked")
		}
		if client.closed {
			t.Error("adapter closed a client it does not own")
		}
	})

	t.Run("write failure is a transport failure", func(t *testing.T) {
		client := newMockRedisClient()
		client.xaddErr = errors.New("READONLY")
		a := newTestAdapter(t, client, 1)
		_ = a.Start(ctx)
		defer a.Stop(ctx)

		if err := a.Flush(ctx, newEvent(t)); !errors.Is(err, pubsub.ErrTransportFailure) {
			t.Errorf("expected ErrTransportFailure, got %v", err)
		}
	})

	t.Run("ack rejects foreign messages", func(t *testing.T) {
		a := newTestAdapter(t, newMockRedisClient(), 1)
		_ = a.Start(ctx)
		defer a.Stop(ctx)

		err := a.Ack(ctx, &memory.Message{})
		if !errors.Is(err, pubsub.ErrMessageTypeMismatch) {
			t.Errorf("expected ErrMessageTypeMismatch, got %v", err)
		}
	})

	t.Run("health", func(t *testing.T) {
		a := newTestAdapter(t, newMockRedisClient(), 1)
		if err := a.Health(ctx); !errors.Is(err, pubsub.ErrNotStarted) {
			t.Errorf("expected ErrNotStarted, got %v", err)
		}
		_ = a.Start(ctx)
		defer a.Stop(ctx)
		if err := a.Health(ctx); err != nil {
			t.Errorf("Health failed: %v", err)
		}
	})
}

func TestClaim(t *testing.T) {
	ctx := context.Background()

	// seed writes one entry and reads it once so it is pending with a
	// delivery count of 1.
	seed := func(t *testing.T, a *Adapter, client *mockRedisClient) string {
		t.Helper()
		data, err := a.Encode(newEvent(t))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		id := client.XAdd(ctx, &redis.XAddArgs{Values: map[string]any{fieldData: data}}).Val()
		client.XReadGroup(ctx, &redis.XReadGroupArgs{Streams: []string{a.stream(), ">"}, Block: time.Millisecond})
		return id
	}

	t.Run("failed entries stay pending until retries are spent", func(t *testing.T) {
		client := newMockRedisClient()
		a := newTestAdapter(t, client, 3)
		var attempts []int
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.2.*"),
			func(ctx context.Context, msg pubsub.Message) error {
				attempts = append(attempts, msg.Attempt())
				return errors.New("downstream unavailable")
			}))
		id := seed(t, a, client)

		for i := 0; i < 2; i++ {
			if err := a.claimOnce(ctx); err != nil {
				t.Fatalf("claimOnce failed: %v", err)
			}
			if !client.isPending(id) {
				t.Fatalf("expected entry pending after attempt %d", i+2)
			}
		}
		if err := a.claimOnce(ctx); err != nil {
			t.Fatalf("claimOnce failed: %v", err)
		}
		if client.isPending(id) {
			t.Error("expected entry acked after retries are spent")
		}
		if len(attempts) != 3 || attempts[0] != 2 || attempts[2] != 4 {
			t.Errorf("expected attempts 2..4, got %v", attempts)
		}
	})

	t.Run("claimed entries that succeed are acked", func(t *testing.T) {
		client := newMockRedisClient()
		a := newTestAdapter(t, client, 3)
		var calls atomic.Int32
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.2.*"),
			func(ctx context.Context, msg pubsub.Message) error {
				calls.Add(1)
				return nil
			}))
		id := seed(t, a, client)

		if err := a.claimOnce(ctx); err != nil {
			t.Fatalf("claimOnce failed: %v", err)
		}
		if calls.Load() != 1 || !client.isAcked(id) {
			t.Errorf("expected one call and an ack, got %d calls", calls.Load())
		}
	})
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	t.Run("rejected entries are acked without retry", func(t *testing.T) {
		client := newMockRedisClient()
		a := newTestAdapter(t, client, 5)
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.2.*"),
			func(ctx context.Context, msg pubsub.Message) error {
				return pubsub.Reject(errors.New("bad order"))
			}))
		data, _ := a.Encode(newEvent(t))
		a.handle(ctx, redis.XMessage{ID: "7-0", Values: map[string]any{fieldData: string(data)}}, 1)
		if !client.isAcked("7-0") {
			t.Error("expected rejected entry acked")
		}
	})

	t.Run("undecodable entries are acked", func(t *testing.T) {
		client := newMockRedisClient()
		a := newTestAdapter(t, client, 5)
		a.handle(ctx, redis.XMessage{ID: "8-0", Values: map[string]any{fieldData: "garbage"}}, 1)
		a.handle(ctx, redis.XMessage{ID: "9-0", Values: map[string]any{"other": "x"}}, 1)
		if !client.isAcked("8-0") || !client.isAcked("9-0") {
			t.Error("expected undecodable entries acked")
		}
	})

	t.Run("listener ack is not repeated", func(t *testing.T) {
		client := newMockRedisClient()
		a := newTestAdapter(t, client, 1)
		_ = a.Start(ctx)
		defer a.Stop(ctx)
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.2.*"),
			func(ctx context.Context, msg pubsub.Message) error {
				return a.Ack(ctx, msg)
			}))
		data, _ := a.Encode(newEvent(t))
		a.handle(ctx, redis.XMessage{ID: "5-0", Values: map[string]any{fieldData: data}}, 1)

		client.mu.Lock()
		defer client.mu.Unlock()
		if len(client.acked) != 1 {
			t.Errorf("expected a single XACK, got %v", client.acked)
		}
	})
}
