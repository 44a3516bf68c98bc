package kafka

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/rbaliyan/pubsub"
	"github.com/rbaliyan/pubsub/adapter/memory"
)

// fakeGroup blocks in Consume until the context ends or the group closes.
type fakeGroup struct {
	sarama.ConsumerGroup
	closed chan struct{}
	once   sync.Once
}

func newFakeGroup() *fakeGroup { return &fakeGroup{closed: make(chan struct{})} }

func (g *fakeGroup) Consume(ctx context.Context, _ []string, _ sarama.ConsumerGroupHandler) error {
	select {
	case <-ctx.Done():
		return nil
	case <-g.closed:
		return sarama.ErrClosedConsumerGroup
	}
}
func (g *fakeGroup) Errors() <-chan error { return nil }
func (g *fakeGroup) Close() error {
	g.once.Do(func() { close(g.closed) })
	return nil
}
func (g *fakeGroup) Pause(map[string][]int32)  {}
func (g *fakeGroup) Resume(map[string][]int32) {}
func (g *fakeGroup) PauseAll()                 {}
func (g *fakeGroup) ResumeAll()                {}

// fakeSession records marked offsets.
type fakeSession struct {
	sarama.ConsumerGroupSession
	ctx     context.Context
	mu      sync.Mutex
	marked  []int64
	commits int
}

func (s *fakeSession) Claims() map[string][]int32 { return nil }
func (s *fakeSession) MemberID() string           { return "member" }
func (s *fakeSession) GenerationID() int32        { return 1 }
func (s *fakeSession) MarkOffset(string, int32, int64, string) {
}
func (s *fakeSession) Commit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.commits++
}
func (s *fakeSession) ResetOffset(string, int32, int64, string) {}
func (s *fakeSession) MarkMessage(msg *sarama.ConsumerMessage, _ string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.marked = append(s.marked, msg.Offset)
}
func (s *fakeSession) Context() context.Context { return s.ctx }

func newTestAdapter(t *testing.T, maxRetries int) (*Adapter, *mocks.SyncProducer) {
	t.Helper()
	config := NewConfig("test")
	producer := mocks.NewSyncProducer(t, config)
	a, err := New(pubsub.Settings{Topic: "orders", Client: "billing", MaxDeliveryRetries: maxRetries},
		WithConfig(config),
		WithProducer(producer),
		WithConsumerGroup(newFakeGroup()),
		WithRetryBackoff(time.Millisecond))
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return a, producer
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
	t.Run("requires brokers", func(t *testing.T) {
		_, err := New(pubsub.Settings{Topic: "orders"})
		if !errors.Is(err, pubsub.ErrConfiguration) {
			t.Errorf("expected ErrConfiguration, got %v", err)
		}
	})

	t.Run("rejects auto-commit", func(t *testing.T) {
		config := sarama.NewConfig()
		config.Consumer.Offsets.AutoCommit.Enable = true
		_, err := New(pubsub.Settings{Topic: "orders", ConnectionString: "localhost:9092"}, WithConfig(config))
		if !errors.Is(err, ErrAutoCommitEnabled) {
			t.Errorf("expected ErrAutoCommitEnabled, got %v", err)
		}
	})

	t.Run("parses broker list", func(t *testing.T) {
		a, err := New(pubsub.Settings{Topic: "orders", ConnectionString: "k1:9092, k2:9092"})
		if err != nil {
			t.Fatalf("New failed: %v", err)
		}
		if len(a.brokers) != 2 || a.brokers[1] != "k2:9092" {
			t.Errorf("unexpected brokers: %v", a.brokers)
		}
	})
}

func TestAdapter(t *testing.T) {
	ctx := context.Background()

	t.Run("flush before start fails", func(t *testing.T) {
		a, _ := newTestAdapter(t, 1)
		if err := a.Flush(ctx, newEvent(t)); !errors.Is(err, pubsub.ErrNotStarted) {
			t.Errorf("expected ErrNotStarted, got %v", err)
		}
	})

	t.Run("flush produces the encoded event", func(t *testing.T) {
		a, producer := newTestAdapter(t, 1)
		ev := newEvent(t)
		producer.ExpectSendMessageWithCheckerFunctionAndSucceed(func(val []byte) error {
			base, err := a.Decode(val)
			if err != nil {
				return err
			}
			if base.Name != "OrderPlaced" || base.MsgID != ev.EventID {
				return errors.New("unexpected envelope")
			}
			return nil
		})
		if err := a.Start(ctx); err != nil {
			t.Fatalf("Start failed: %v", err)
		}
		defer a.Stop(ctx)

		if err := a.Flush(ctx, ev); err != nil {
			t.Fatalf("Flush failed: %v", err)
		}
	})

	t.Run("producer failure is a transport failure", func(t *testing.T) {
		a, producer := newTestAdapter(t, 1)
		producer.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)
		_ = a.Start(ctx)
		defer a.Stop(ctx)

		if err := a.Flush(ctx, newEvent(t)); !errors.Is(err, pubsub.ErrTransportFailure) {
			t.Errorf("expected ErrTransportFailure, got %v", err)
		}
	})

	t.Run("ack rejects foreign messages", func(t *testing.T) {
		a, _ := newTestAdapter(t, 1)
		_ = a.Start(ctx)
		defer a.Stop(ctx)

		err := a.Ack(ctx, &memory.Message{})
		if !errors.Is(err, pubsub.ErrMessageTypeMismatch) {
			t.Errorf("expected ErrMessageTypeMismatch, got %v", err)
		}
	})

	t.Run("stop is idempotent", func(t *testing.T) {
		a, _ := newTestAdapter(t, 1)
		_ = a.Start(ctx)
		if err := a.Stop(ctx); err != nil {
			t.Fatalf("Stop failed: %v", err)
		}
		if err := a.Stop(ctx); err != nil {
			t.Errorf("second Stop failed: %v", err)
		}
	})
}

func TestHandle(t *testing.T) {
	ctx := context.Background()

	record := func(t *testing.T, a *Adapter, offset int64) *sarama.ConsumerMessage {
		data, err := a.Encode(newEvent(t))
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		return &sarama.ConsumerMessage{Topic: "orders", Offset: offset, Value: data}
	}

	t.Run("commits after listeners succeed", func(t *testing.T) {
		a, _ := newTestAdapter(t, 2)
		var got atomic.Int32
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.2.*"),
			func(ctx context.Context, msg pubsub.Message) error {
				if _, ok := msg.(*Message); !ok {
					t.Errorf("expected *kafka.Message, got %T", msg)
				}
				got.Add(1)
				return nil
			}))
		session := &fakeSession{ctx: ctx}
		a.handle(session, record(t, a, 7))

		if got.Load() != 1 {
			t.Errorf("expected 1 delivery, got %d", got.Load())
		}
		if len(session.marked) != 1 || session.marked[0] != 7 || session.commits != 1 {
			t.Errorf("expected offset 7 committed, got %v/%d", session.marked, session.commits)
		}
	})

	t.Run("redelivers until retries are spent", func(t *testing.T) {
		a, _ := newTestAdapter(t, 2)
		var attempts []int
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.2.*"),
			func(ctx context.Context, msg pubsub.Message) error {
				attempts = append(attempts, msg.Attempt())
				return errors.New("downstream unavailable")
			}))
		session := &fakeSession{ctx: ctx}
		a.handle(session, record(t, a, 3))

		if len(attempts) != 3 || attempts[0] != 1 || attempts[2] != 3 {
			t.Errorf("expected attempts 1..3, got %v", attempts)
		}
		if len(session.marked) != 1 {
			t.Errorf("expected the discarded record to be committed")
		}
	})

	t.Run("rejected messages are not retried", func(t *testing.T) {
		a, _ := newTestAdapter(t, 5)
		var calls atomic.Int32
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.2.*"),
			func(ctx context.Context, msg pubsub.Message) error {
				calls.Add(1)
				return pubsub.Reject(errors.New("bad order"))
			}))
		session := &fakeSession{ctx: ctx}
		a.handle(session, record(t, a, 1))

		if calls.Load() != 1 {
			t.Errorf("expected a single attempt, got %d", calls.Load())
		}
	})

	t.Run("session end leaves the offset uncommitted", func(t *testing.T) {
		a, _ := newTestAdapter(t, 5)
		a.retryBackoff = time.Hour
		_, _ = a.Subscribe(ctx, pubsub.NewListener("OrderPlaced", pubsub.MustParseVersion("1.2.*"),
			func(ctx context.Context, msg pubsub.Message) error {
				return errors.New("fail")
			}))
		sessionCtx, cancel := context.WithCancel(ctx)
		session := &fakeSession{ctx: sessionCtx}
		done := make(chan struct{})
		go func() {
			a.handle(session, record(t, a, 9))
			close(done)
		}()
		time.Sleep(10 * time.Millisecond)
		cancel()
		<-done

		if len(session.marked) != 0 {
			t.Errorf("expected no committed offsets, got %v", session.marked)
		}
	})

	t.Run("undecodable records are skipped", func(t *testing.T) {
		a, _ := newTestAdapter(t, 1)
		session := &fakeSession{ctx: ctx}
		a.handle(session, &sarama.ConsumerMessage{Offset: 4, Value: []byte("garbage")})
		if len(session.marked) != 1 {
			t.Errorf("expected undecodable record committed")
		}
	})
}
