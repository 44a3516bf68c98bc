// Package postgres provides an event adapter backed by PostgreSQL tables.
//
// Consumers register the event names they listen to in a subscribers
// table keyed by (topic, consumer group, event name). Flush copies the
// event into the messages table once per consumer group subscribed to its
// name, so every service receives it and replicas of one service share
// it. Consumers poll their group's rows with FOR UPDATE SKIP LOCKED,
// delete a row once its listeners succeed and push visible_at forward to
// retry one that failed.
//
// Schema (created on Start unless WithoutSchema is used):
//
//	CREATE TABLE pubsub_subscribers (
//	    topic          VARCHAR(255) NOT NULL,
//	    consumer_group VARCHAR(255) NOT NULL,
//	    event_name     VARCHAR(255) NOT NULL,
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    PRIMARY KEY (topic, consumer_group, event_name)
//	);
//	CREATE TABLE pubsub_messages (
//	    id             BIGSERIAL PRIMARY KEY,
//	    topic          VARCHAR(255) NOT NULL,
//	    consumer_group VARCHAR(255) NOT NULL,
//	    event_id       VARCHAR(36) NOT NULL,
//	    event_name     VARCHAR(255) NOT NULL,
//	    body           BYTEA NOT NULL,
//	    attempts       INT NOT NULL DEFAULT 0,
//	    visible_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
//	    UNIQUE (topic, consumer_group, event_id)
//	);
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rbaliyan/pubsub"
)

// Name of the adapter
const Name = "postgres"

// DB is the subset of *pgxpool.Pool used by the adapter.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Default configuration
var (
	DefaultBatchSize    = 50
	DefaultLease        = 30 * time.Second
	DefaultRetryBackoff = time.Second
)

const maxRetryBackoff = 30 * time.Second

// Message is a queued row delivered to a listener.
type Message struct {
	pubsub.BaseMessage
	rowID int64
	acked atomic.Bool
}

// RowID returns the id of the message row.
func (m *Message) RowID() int64 {
	return m.rowID
}

// Adapter implements pubsub.EventAdapter over two PostgreSQL tables.
type Adapter struct {
	*pubsub.Core

	db   DB
	pool *pgxpool.Pool

	subscribersTable string
	messagesTable    string
	batchSize        int
	lease            time.Duration
	retryBackoff     time.Duration
	createSchema     bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a stopped postgres adapter. Settings.ConnectionString is a
// pgx connection string; it may be empty when WithDB is used.
func New(s pubsub.Settings, opts ...Option) (*Adapter, error) {
	core, err := pubsub.NewCore(Name, s)
	if err != nil {
		return nil, err
	}
	a := &Adapter{
		Core:             core,
		subscribersTable: "pubsub_subscribers",
		messagesTable:    "pubsub_messages",
		batchSize:        DefaultBatchSize,
		lease:            DefaultLease,
		retryBackoff:     DefaultRetryBackoff,
		createSchema:     true,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.db == nil {
		if s.ConnectionString == "" {
			return nil, pubsub.ConfigError("connection string", errors.New("postgres dsn is required"))
		}
		if _, err := pgxpool.ParseConfig(s.ConnectionString); err != nil {
			return nil, pubsub.ConfigError("connection string", err)
		}
	}
	return a, nil
}

// Factory builds a postgres adapter for a pubsub.Providers registry.
func Factory(_ context.Context, s pubsub.Settings) (pubsub.EventAdapter, error) {
	return New(s)
}

// Start opens the pool, creates the tables, registers the subscribed event
// names and starts polling.
func (a *Adapter) Start(ctx context.Context) error {
	return a.Core.Start(ctx, func(ctx context.Context) (err error) {
		defer func() {
			if err != nil {
				a.release()
			}
		}()

		if a.db == nil {
			pool, err := pgxpool.New(ctx, a.Settings().ConnectionString)
			if err != nil {
				return a.TransportError("connect", err)
			}
			a.db, a.pool = pool, pool
		}
		if a.createSchema {
			if err := a.ensureSchema(ctx); err != nil {
				return a.TransportError("schema", err)
			}
		}
		for _, sub := range a.Subscriptions().All() {
			if err := a.register(ctx, sub.EventName); err != nil {
				return a.TransportError("register", err)
			}
		}

		runCtx, cancel := context.WithCancel(context.Background())
		a.cancel = cancel
		a.wg.Add(1)
		go a.pollLoop(runCtx)
		return nil
	})
}

// Stop ends polling, waits for in-flight listeners and closes the pool if
// the adapter opened it.
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
	if a.pool != nil {
		a.pool.Close()
		a.db, a.pool = nil, nil
	}
}

func (a *Adapter) ensureSchema(ctx context.Context) error {
	_, err := a.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %s (
			topic          VARCHAR(255) NOT NULL,
			consumer_group VARCHAR(255) NOT NULL,
			event_name     VARCHAR(255) NOT NULL,
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (topic, consumer_group, event_name)
		)
	`, a.subscribersTable))
	if err != nil {
		return err
	}
	_, err = a.db.Exec(ctx, fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id             BIGSERIAL PRIMARY KEY,
			topic          VARCHAR(255) NOT NULL,
			consumer_group VARCHAR(255) NOT NULL,
			event_id       VARCHAR(36) NOT NULL,
			event_name     VARCHAR(255) NOT NULL,
			body           BYTEA NOT NULL,
			attempts       INT NOT NULL DEFAULT 0,
			visible_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (topic, consumer_group, event_id)
		)
	`, a.messagesTable))
	if err != nil {
		return err
	}
	_, err = a.db.Exec(ctx, fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS idx_%[1]s_visible ON %[1]s(topic, consumer_group, visible_at, id)`,
		a.messagesTable))
	return err
}

// register records that this consumer group listens to eventName.
func (a *Adapter) register(ctx context.Context, eventName string) error {
	s := a.Settings()
	_, err := a.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (topic, consumer_group, event_name)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING
	`, a.subscribersTable), s.Topic, s.Client, eventName)
	return err
}

func (a *Adapter) unregister(ctx context.Context, eventName string) error {
	s := a.Settings()
	_, err := a.db.Exec(ctx, fmt.Sprintf(`
		DELETE FROM %s WHERE topic = $1 AND consumer_group = $2 AND event_name = $3
	`, a.subscribersTable), s.Topic, s.Client, eventName)
	return err
}

// Subscribe registers listener and, when started, records its event name
// for the consumer group.
func (a *Adapter) Subscribe(ctx context.Context, listener pubsub.Listener) (*pubsub.Subscription, error) {
	return a.Core.Subscribe(ctx, listener, func(ctx context.Context, sub *pubsub.Subscription) error {
		return a.register(ctx, sub.EventName)
	})
}

// Unsubscribe removes listener's subscription. The group stops receiving
// the event name once no subscription is left on it; rows already queued
// stay.
func (a *Adapter) Unsubscribe(ctx context.Context, listener pubsub.Listener) error {
	return a.Core.Unsubscribe(ctx, listener, func(ctx context.Context, sub *pubsub.Subscription) error {
		if len(a.Subscriptions().ByEventName(sub.EventName)) > 0 {
			return nil
		}
		return a.unregister(ctx, sub.EventName)
	})
}

// Flush queues ev once for every consumer group subscribed to its name.
// Re-flushing an event is a no-op per group.
func (a *Adapter) Flush(ctx context.Context, ev *pubsub.OutboxEvent) error {
	if err := a.RequireStarted("flush"); err != nil {
		return err
	}
	data, err := a.Encode(ev)
	if err != nil {
		return a.FlushCompleted(ctx, ev, err)
	}
	_, err = a.db.Exec(ctx, fmt.Sprintf(`
		INSERT INTO %s (topic, consumer_group, event_id, event_name, body)
		SELECT s.topic, s.consumer_group, $2, $3, $4
		FROM %s s
		WHERE s.topic = $1 AND s.event_name = $3
		ON CONFLICT (topic, consumer_group, event_id) DO NOTHING
	`, a.messagesTable, a.subscribersTable), a.Settings().Topic, ev.EventID, ev.EventName, data)
	return a.FlushCompleted(ctx, ev, a.TransportError("flush", err))
}

// Ack deletes the message row. Acking twice is a no-op.
func (a *Adapter) Ack(ctx context.Context, msg pubsub.Message) error {
	m, ok := msg.(*Message)
	if !ok {
		return a.MismatchError("*postgres.Message", msg)
	}
	if err := a.RequireStarted("ack"); err != nil {
		return err
	}
	return a.TransportError("ack", a.ack(ctx, m))
}

func (a *Adapter) ack(ctx context.Context, m *Message) error {
	if !m.acked.CompareAndSwap(false, true) {
		return nil
	}
	return a.deleteRow(ctx, m.rowID)
}

func (a *Adapter) deleteRow(ctx context.Context, id int64) error {
	_, err := a.db.Exec(ctx, fmt.Sprintf(`DELETE FROM %s WHERE id = $1`, a.messagesTable), id)
	return err
}

// Health runs a trivial query.
func (a *Adapter) Health(ctx context.Context) error {
	if err := a.RequireStarted("health"); err != nil {
		return err
	}
	var one int
	return a.TransportError("health", a.db.QueryRow(ctx, "SELECT 1").Scan(&one))
}

type row struct {
	id       int64
	body     []byte
	attempts int
}

// claim takes up to batchSize visible rows of this group and hides them
// for the lease. Each claim counts as one delivery attempt.
func (a *Adapter) claim(ctx context.Context) ([]row, error) {
	s := a.Settings()
	rows, err := a.db.Query(ctx, fmt.Sprintf(`
		WITH batch AS (
			SELECT id FROM %[1]s
			WHERE topic = $1 AND consumer_group = $2 AND visible_at <= NOW()
			ORDER BY id
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		UPDATE %[1]s m
		SET attempts = m.attempts + 1, visible_at = NOW() + $4 * INTERVAL '1 millisecond'
		FROM batch
		WHERE m.id = batch.id
		RETURNING m.id, m.body, m.attempts
	`, a.messagesTable), s.Topic, s.Client, a.batchSize, a.lease.Milliseconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.id, &r.body, &r.attempts); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out, nil
}

// pollLoop claims and handles rows every poll interval, draining full
// batches without waiting.
func (a *Adapter) pollLoop(ctx context.Context) {
	defer a.wg.Done()
	ticker := time.NewTicker(a.Settings().PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if a.Subscriptions().Len() == 0 {
			continue
		}
		for ctx.Err() == nil {
			rows, err := a.claim(ctx)
			if err != nil {
				if ctx.Err() == nil {
					a.Logger().Warn("poll failed", "table", a.messagesTable, "error", err)
				}
				break
			}
			for _, r := range rows {
				a.handle(ctx, r)
			}
			if len(rows) < a.batchSize {
				break
			}
		}
	}
}

// handle delivers one claimed row and settles it.
func (a *Adapter) handle(ctx context.Context, r row) {
	settle := context.WithoutCancel(ctx)
	logger := a.Logger()

	base, err := a.Decode(r.body)
	if err != nil {
		logger.Error("deleting undecodable row", "row", r.id, "error", err)
		if err := a.deleteRow(settle, r.id); err != nil {
			logger.Warn("failed to delete row", "row", r.id, "error", err)
		}
		return
	}
	base.Attempts = max(r.attempts, 1)
	msg := &Message{BaseMessage: base, rowID: r.id}

	disposition, _ := a.Receive(ctx, msg)
	switch disposition {
	case pubsub.Acknowledge, pubsub.Discard:
		err = a.ack(settle, msg)
	case pubsub.Redeliver:
		delay := pubsub.Jitter(pubsub.Backoff(msg.Attempts-1, a.retryBackoff, maxRetryBackoff), 0.2)
		_, err = a.db.Exec(settle, fmt.Sprintf(`
			UPDATE %s SET visible_at = NOW() + $1 * INTERVAL '1 millisecond' WHERE id = $2
		`, a.messagesTable), delay.Milliseconds(), r.id)
	}
	if err != nil {
		logger.Warn("failed to settle row", "row", r.id, "disposition", disposition.String(), "error", err)
	}
}

// Compile-time checks
var (
	_ pubsub.EventAdapter  = (*Adapter)(nil)
	_ pubsub.HealthChecker = (*Adapter)(nil)
	_ pubsub.Message       = (*Message)(nil)
	_ DB                   = (*pgxpool.Pool)(nil)
)
