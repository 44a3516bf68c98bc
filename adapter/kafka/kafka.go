// Package kafka provides a Kafka event adapter.
//
// Flush produces the encoded event to the topic named by Settings.Topic.
// One consumer group per Settings.Client consumes the topic and dispatches
// each message to the matching subscriptions.
//
// Features:
//   - At-least-once delivery via explicit offset marking and commit
//   - In-place redelivery with exponential backoff up to MaxDeliveryRetries
//   - Automatic consumer reconnection with exponential backoff
//   - Health checks on broker connectivity
//
// IMPORTANT: Auto-commit must be disabled in the sarama config. Offsets are
// committed only after every listener handled the message.
package kafka

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/IBM/sarama"
	"github.com/rbaliyan/pubsub"
)

// Name of the adapter
const Name = "kafka"

// Errors
var (
	ErrAutoCommitEnabled = errors.New("kafka: auto-commit must be disabled for at-least-once delivery - set Consumer.Offsets.AutoCommit.Enable = false")
	ErrNoBrokers         = errors.New("kafka: no connected brokers")
)

// Default configuration
var (
	DefaultPartitions   = int32(1)
	DefaultReplication  = int16(1)
	DefaultRetryBackoff = 100 * time.Millisecond
)

const maxRetryBackoff = 30 * time.Second

// Header keys set on produced records
const (
	HeaderEventName   = "pubsub-event-name"
	HeaderVersion     = "pubsub-version"
	HeaderContentType = "content-type"
)

// Message is a Kafka record delivered to a listener.
type Message struct {
	pubsub.BaseMessage
	session sarama.ConsumerGroupSession
	record  *sarama.ConsumerMessage
	acked   atomic.Bool
}

// Record returns the underlying Kafka record.
func (m *Message) Record() *sarama.ConsumerMessage {
	return m.record
}

// Adapter implements pubsub.EventAdapter over Kafka.
type Adapter struct {
	*pubsub.Core

	brokers      []string
	config       *sarama.Config
	client       sarama.Client
	ownsClient   bool
	admin        sarama.ClusterAdmin
	producer     sarama.SyncProducer
	ownsProducer bool
	group        sarama.ConsumerGroup
	ownsGroup    bool
	partitions   int32
	replication  int16
	retention    time.Duration
	retryBackoff time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConfig returns the sarama config the adapter uses when none is given.
func NewConfig(clientID string) *sarama.Config {
	config := sarama.NewConfig()
	config.ClientID = pubsub.Sanitize(clientID)
	config.Producer.Return.Successes = true
	config.Producer.RequiredAcks = sarama.WaitForAll
	config.Consumer.Offsets.AutoCommit.Enable = false
	config.Consumer.Offsets.Initial = sarama.OffsetOldest
	config.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{
		sarama.NewBalanceStrategyRoundRobin(),
	}
	return config
}

// New creates a stopped Kafka adapter. Settings.ConnectionString is a
// comma separated broker list; it may be empty when WithClient is used.
func New(s pubsub.Settings, opts ...Option) (*Adapter, error) {
	core, err := pubsub.NewCore(Name, s)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		Core:         core,
		partitions:   DefaultPartitions,
		replication:  DefaultReplication,
		retryBackoff: DefaultRetryBackoff,
	}
	for _, opt := range opts {
		opt(a)
	}

	for _, b := range strings.Split(s.ConnectionString, ",") {
		if b = strings.TrimSpace(b); b != "" {
			a.brokers = append(a.brokers, b)
		}
	}
	if a.client == nil && len(a.brokers) == 0 && (a.producer == nil || a.group == nil) {
		return nil, pubsub.ConfigError("connection string", errors.New("kafka brokers are required"))
	}

	if a.client != nil {
		a.config = a.client.Config()
	} else if a.config == nil {
		a.config = NewConfig(a.Settings().Client)
	}
	if a.config.Consumer.Offsets.AutoCommit.Enable {
		return nil, pubsub.ConfigError("kafka config", ErrAutoCommitEnabled)
	}
	return a, nil
}

// Factory builds a Kafka adapter for a pubsub.Providers registry.
func Factory(_ context.Context, s pubsub.Settings) (pubsub.EventAdapter, error) {
	return New(s)
}

func (a *Adapter) topic() string {
	return a.Settings().Topic
}

// Start connects to the brokers, creates the topic if needed and starts
// the consumer group.
func (a *Adapter) Start(ctx context.Context) error {
	return a.Core.Start(ctx, a.open)
}

func (a *Adapter) open(ctx context.Context) (err error) {
	defer func() {
		if err != nil {
			a.release()
		}
	}()

	needClient := a.producer == nil || a.group == nil
	if a.client == nil && needClient {
		client, err := sarama.NewClient(a.brokers, a.config)
		if err != nil {
			return a.TransportError("connect", err)
		}
		a.client, a.ownsClient = client, true
	}

	if a.client != nil {
		if err := a.ensureTopic(); err != nil {
			return a.TransportError("create topic", err)
		}
	}

	if a.producer == nil {
		producer, err := sarama.NewSyncProducerFromClient(a.client)
		if err != nil {
			return a.TransportError("producer", err)
		}
		a.producer, a.ownsProducer = producer, true
	}

	if a.group == nil {
		group, err := sarama.NewConsumerGroupFromClient(a.Settings().Client, a.client)
		if err != nil {
			return a.TransportError("consumer group", err)
		}
		a.group, a.ownsGroup = group, true
	}

	runCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.consumeLoop(runCtx)
	}()
	return nil
}

// ensureTopic creates the topic, ignoring "already exists".
func (a *Adapter) ensureTopic() error {
	if a.admin == nil {
		admin, err := sarama.NewClusterAdminFromClient(a.client)
		if err != nil {
			return err
		}
		a.admin = admin
	}

	detail := &sarama.TopicDetail{
		NumPartitions:     a.partitions,
		ReplicationFactor: a.replication,
	}
	if a.retention > 0 {
		retentionMs := fmt.Sprintf("%d", a.retention.Milliseconds())
		detail.ConfigEntries = map[string]*string{
			"retention.ms": &retentionMs,
		}
	}

	err := a.admin.CreateTopic(a.topic(), detail, false)
	var topicErr *sarama.TopicError
	if errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists {
		return nil
	}
	return err
}

// Stop stops consuming, waits for in-flight listeners and closes what the
// adapter opened.
func (a *Adapter) Stop(ctx context.Context) error {
	return a.Core.Stop(ctx, func(ctx context.Context) error {
		var errs []error
		if a.cancel != nil {
			a.cancel()
		}
		if a.group != nil {
			if err := a.group.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		if err := pubsub.Wait(ctx, &a.wg); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, a.release()...)
		return errors.Join(errs...)
	})
}

// release closes what open created. Resources passed in by options are
// left to the caller.
func (a *Adapter) release() []error {
	var errs []error
	if a.ownsProducer {
		if err := a.producer.Close(); err != nil {
			errs = append(errs, err)
		}
		a.producer, a.ownsProducer = nil, false
	}
	if a.ownsGroup {
		a.group, a.ownsGroup = nil, false
	}
	if a.ownsClient {
		// Closing the admin closes the client it was built from.
		if a.admin != nil {
			if err := a.admin.Close(); err != nil {
				errs = append(errs, err)
			}
		} else if a.client != nil {
			if err := a.client.Close(); err != nil {
				errs = append(errs, err)
			}
		}
		a.client, a.ownsClient = nil, false
	}
	a.admin = nil
	return errs
}

// Subscribe registers listener. The consumer group already reads the whole
// topic, so no broker resource is opened per subscription.
func (a *Adapter) Subscribe(ctx context.Context, listener pubsub.Listener) (*pubsub.Subscription, error) {
	return a.Core.Subscribe(ctx, listener, nil)
}

// Unsubscribe removes listener's subscription.
func (a *Adapter) Unsubscribe(ctx context.Context, listener pubsub.Listener) error {
	return a.Core.Unsubscribe(ctx, listener, nil)
}

// Flush produces ev to the topic and waits for the broker acknowledgement.
func (a *Adapter) Flush(ctx context.Context, ev *pubsub.OutboxEvent) error {
	if err := a.RequireStarted("flush"); err != nil {
		return err
	}
	data, err := a.Encode(ev)
	if err != nil {
		return a.FlushCompleted(ctx, ev, err)
	}

	_, _, err = a.producer.SendMessage(&sarama.ProducerMessage{
		Topic: a.topic(),
		Key:   sarama.StringEncoder(ev.EventID),
		Value: sarama.ByteEncoder(data),
		Headers: []sarama.RecordHeader{
			{Key: []byte(HeaderEventName), Value: []byte(ev.EventName)},
			{Key: []byte(HeaderVersion), Value: []byte(ev.DomainModelVersion.String())},
			{Key: []byte(HeaderContentType), Value: []byte(a.Settings().Codec.ContentType())},
		},
	})
	return a.FlushCompleted(ctx, ev, a.TransportError("flush", err))
}

// Ack marks and commits the record's offset. Acking twice is a no-op.
func (a *Adapter) Ack(_ context.Context, msg pubsub.Message) error {
	m, ok := msg.(*Message)
	if !ok {
		return a.MismatchError("*kafka.Message", msg)
	}
	if err := a.RequireStarted("ack"); err != nil {
		return err
	}
	a.commit(m)
	return nil
}

func (a *Adapter) commit(m *Message) {
	if !m.acked.CompareAndSwap(false, true) {
		return
	}
	m.session.MarkMessage(m.record, "")
	m.session.Commit()
}

// Health checks broker connectivity.
func (a *Adapter) Health(_ context.Context) error {
	if err := a.RequireStarted("health"); err != nil {
		return err
	}
	if a.client == nil {
		return nil
	}
	if a.client.Closed() {
		return a.TransportError("health", errors.New("kafka client is closed"))
	}
	for _, broker := range a.client.Brokers() {
		if connected, _ := broker.Connected(); connected {
			return nil
		}
	}
	return a.TransportError("health", ErrNoBrokers)
}

func (a *Adapter) consumeLoop(ctx context.Context) {
	handler := &consumerHandler{adapter: a}
	backoff := 100 * time.Millisecond
	maxBackoff := 30 * time.Second

	for {
		if ctx.Err() != nil {
			return
		}
		err := a.group.Consume(ctx, []string{a.topic()}, handler)
		if err == nil {
			backoff = 100 * time.Millisecond
			continue
		}
		if errors.Is(err, sarama.ErrClosedConsumerGroup) {
			return
		}
		jittered := pubsub.Jitter(backoff, 0.3)
		a.Logger().Error("consumer error, retrying with backoff", "error", err, "backoff", jittered)
		select {
		case <-ctx.Done():
			return
		case <-time.After(jittered):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

// consumerHandler implements sarama.ConsumerGroupHandler
type consumerHandler struct {
	adapter *Adapter
}

func (h *consumerHandler) Setup(sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerHandler) Cleanup(sarama.ConsumerGroupSession) error { return nil }

func (h *consumerHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for {
		select {
		case <-session.Context().Done():
			return nil
		case record, ok := <-claim.Messages():
			if !ok {
				return nil
			}
			h.adapter.handle(session, record)
		}
	}
}

// handle delivers one record, redelivering it in place until listeners
// succeed or the attempts are spent. The offset is left uncommitted when
// the session ends first, so the record is consumed again after the
// rebalance.
func (a *Adapter) handle(session sarama.ConsumerGroupSession, record *sarama.ConsumerMessage) {
	base, err := a.Decode(record.Value)
	if err != nil {
		a.Logger().Error("discarding undecodable message",
			"error", err,
			"topic", record.Topic,
			"partition", record.Partition,
			"offset", record.Offset)
		session.MarkMessage(record, "")
		session.Commit()
		return
	}
	base.Attempts = 1
	msg := &Message{BaseMessage: base, session: session, record: record}

	for {
		disposition, _ := a.Receive(session.Context(), msg)
		if disposition != pubsub.Redeliver {
			a.commit(msg)
			return
		}
		delay := pubsub.Jitter(pubsub.Backoff(msg.Attempts-1, a.retryBackoff, maxRetryBackoff), 0.3)
		select {
		case <-session.Context().Done():
			return
		case <-time.After(delay):
		}
		msg.Attempts++
	}
}

// Compile-time checks
var (
	_ pubsub.EventAdapter  = (*Adapter)(nil)
	_ pubsub.HealthChecker = (*Adapter)(nil)
	_ pubsub.Message       = (*Message)(nil)
)
