// Command pubsub-relay drains an outbox through the configured transport.
//
// It loads PUBSUB_* settings, builds the adapter and the outbox and dead
// letter stores they name, and runs the Publisher until SIGINT or SIGTERM.
// With -dead-letters it prints the dead letter queue as JSON and exits.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rbaliyan/pubsub"
	"github.com/rbaliyan/pubsub/adapter/kafka"
	"github.com/rbaliyan/pubsub/adapter/memory"
	"github.com/rbaliyan/pubsub/adapter/nats"
	"github.com/rbaliyan/pubsub/adapter/postgres"
	"github.com/rbaliyan/pubsub/adapter/rabbitmq"
	pubsubredis "github.com/rbaliyan/pubsub/adapter/redis"
	"github.com/rbaliyan/pubsub/config"
	"github.com/rbaliyan/pubsub/dlq"
	"github.com/rbaliyan/pubsub/outbox"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

func main() {
	os.Exit(realMain(os.Args[1:], os.Stdout))
}

// realMain returns the exit code so deferred cleanup runs before os.Exit.
func realMain(args []string, stdout io.Writer) int {
	flags := flag.NewFlagSet("pubsub-relay", flag.ContinueOnError)
	deadLetters := flags.Bool("dead-letters", false, "print the dead letter queue as JSON and exit")
	eventName := flags.String("event", "", "with -dead-letters, only entries for this event name")
	limit := flags.Int("limit", 100, "with -dead-letters, maximum entries to print")
	if err := flags.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		return 2
	}
	logger := newLogger(cfg)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var closers []func()
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}()

	deadStore, closeDLQ, err := openDeadLetters(ctx, cfg)
	if err != nil {
		logger.Error("dead letter store setup failed", "store", cfg.DLQStore, "err", err)
		return 1
	}
	closers = append(closers, closeDLQ)

	if *deadLetters {
		if err := printDeadLetters(ctx, stdout, deadStore, dlq.Filter{EventName: *eventName, Limit: *limit}); err != nil {
			logger.Error("listing dead letters failed", "err", err)
			return 1
		}
		return 0
	}

	if err := run(ctx, cfg, logger, deadStore, &closers); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("relay stopped", "err", err)
		return 1
	}
	return 0
}

func newLogger(cfg *config.Config) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	})
	return slog.New(h).With("service", cfg.Service)
}

// providers registers every transport this module ships.
func providers() *pubsub.Providers {
	p := pubsub.NewProviders()
	_ = p.Register(pubsub.ProviderMemory, memory.Factory)
	_ = p.Register(pubsub.ProviderPostgres, postgres.Factory)
	_ = p.Register(pubsub.ProviderRabbitMQ, rabbitmq.Factory)
	_ = p.Register(pubsub.ProviderKafka, kafka.Factory)
	_ = p.Register(pubsub.ProviderNATS, nats.Factory)
	_ = p.Register(pubsub.ProviderRedis, pubsubredis.Factory)
	return p
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, deadStore dlq.Store, closers *[]func()) error {
	metrics, err := pubsub.NewOtelMetrics("github.com/rbaliyan/pubsub")
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	settings, err := cfg.AdapterSettings(logger.With("component", "adapter"), metrics)
	if err != nil {
		return err
	}
	adapter, err := providers().New(ctx, cfg.Provider, settings)
	if err != nil {
		return err
	}

	store, closeOutbox, err := openOutbox(ctx, cfg)
	if err != nil {
		return fmt.Errorf("outbox store %s: %w", cfg.OutboxStore, err)
	}
	*closers = append(*closers, closeOutbox)

	if err := adapter.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := adapter.Stop(stopCtx); err != nil {
			logger.Warn("adapter stop failed", "err", err)
		}
	}()

	publisher := outbox.NewPublisher(store, adapter, deadStore).
		WithBatchSize(cfg.BatchSize).
		WithConcurrency(cfg.Concurrency).
		WithLogger(logger.With("component", "publisher"))
	if cfg.RateLimit > 0 {
		publisher = publisher.WithRateLimit(cfg.RateLimit, max(1, int(cfg.RateLimit)))
	}
	if cfg.RetryBackoff > 0 {
		publisher = publisher.WithRetryBackoff(cfg.RetryBackoff, 10*time.Minute)
	}

	logger.Info("relay started",
		"provider", adapter.Name(),
		"topic", cfg.Topic,
		"outbox", cfg.OutboxStore,
		"dead_letters", cfg.DLQStore)
	return publisher.Run(ctx)
}

func openOutbox(ctx context.Context, cfg *config.Config) (outbox.Store, func(), error) {
	switch cfg.OutboxStore {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.OutboxURL)
		if err != nil {
			return nil, nil, err
		}
		store := outbox.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case config.StoreMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.OutboxURL))
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		store := outbox.NewMongoStore(client.Database(cfg.Database))
		if err := store.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		return store, closeFn, nil
	default:
		return outbox.NewMemoryStore(), func() {}, nil
	}
}

func openDeadLetters(ctx context.Context, cfg *config.Config) (dlq.Store, func(), error) {
	switch cfg.DLQStore {
	case config.StorePostgres:
		pool, err := pgxpool.New(ctx, cfg.DLQURL)
		if err != nil {
			return nil, nil, err
		}
		store := dlq.NewPostgresStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, err
		}
		return store, pool.Close, nil
	case config.StoreMongoDB:
		client, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.DLQURL))
		if err != nil {
			return nil, nil, err
		}
		closeFn := func() { _ = client.Disconnect(context.Background()) }
		store := dlq.NewMongoStore(client.Database(cfg.Database))
		if err := store.EnsureIndexes(ctx); err != nil {
			closeFn()
			return nil, nil, err
		}
		return store, closeFn, nil
	case config.StoreRedis:
		opts, err := redis.ParseURL(cfg.DLQURL)
		if err != nil {
			return nil, nil, err
		}
		client := redis.NewClient(opts)
		return dlq.NewRedisStore(client), func() { _ = client.Close() }, nil
	default:
		return dlq.NewMemoryStore(), func() {}, nil
	}
}

type deadLetterView struct {
	ID             string          `json:"id"`
	Topic          string          `json:"topic"`
	EventID        string          `json:"event_id"`
	EventName      string          `json:"event_name"`
	Version        string          `json:"domain_model_version"`
	Payload        json.RawMessage `json:"json_payload"`
	Reason         string          `json:"reason"`
	RetryCount     int             `json:"retry_count"`
	CreatedAt      time.Time       `json:"created_at"`
	DeadLetteredAt time.Time       `json:"dead_lettered_at"`
}

func printDeadLetters(ctx context.Context, w io.Writer, store dlq.Store, filter dlq.Filter) error {
	entries, err := store.List(ctx, filter)
	if err != nil {
		return err
	}
	views := make([]deadLetterView, 0, len(entries))
	for _, e := range entries {
		payload := json.RawMessage(e.Event.JSONPayload)
		if !json.Valid(payload) {
			quoted, _ := json.Marshal(string(e.Event.JSONPayload))
			payload = quoted
		}
		views = append(views, deadLetterView{
			ID:             e.ID,
			Topic:          e.Topic,
			EventID:        e.Event.EventID,
			EventName:      e.Event.EventName,
			Version:        e.Event.DomainModelVersion.String(),
			Payload:        payload,
			Reason:         e.Reason,
			RetryCount:     e.RetryCount,
			CreatedAt:      e.Event.CreatedAt,
			DeadLetteredAt: e.DeadLetteredAt,
		})
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(views)
}
