// Package config loads relay settings from PUBSUB_* environment variables.
// Every error names the variable at fault.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rbaliyan/pubsub"
	"github.com/rbaliyan/pubsub/codec"
)

// Store kinds for the outbox and the dead letter queue.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreMongoDB  = "mongodb"
	StoreRedis    = "redis"
)

// Config is the process configuration of a relay.
type Config struct {
	Service  string
	LogLevel slog.Level

	Provider           pubsub.Provider
	Topic              string
	Client             string
	ConnectionString   string
	MaxDeliveryRetries int
	PollInterval       time.Duration
	HandlerTimeout     time.Duration
	Codec              string

	OutboxStore string
	OutboxURL   string
	DLQStore    string
	DLQURL      string
	Database    string

	BatchSize    int
	Concurrency  int
	RateLimit    float64
	RetryBackoff time.Duration
}

func String(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func RequiredString(key string) (string, error) {
	v := os.Getenv(key)
	if v == "" {
		return "", fmt.Errorf("%s is required", key)
	}
	return v, nil
}

func Int(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer (got %q)", key, v)
	}
	return n, nil
}

func Float(key string, fallback float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number (got %q)", key, v)
	}
	return f, nil
}

func Duration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be a duration like 500ms or 2s (got %q)", key, v)
	}
	return d, nil
}

// Load reads the configuration from the environment and validates it.
func Load() (*Config, error) {
	c := &Config{
		Service:          String("SERVICE_NAME", "pubsub-relay"),
		Provider:         pubsub.ParseProvider(String("PUBSUB_PROVIDER", string(pubsub.ProviderMemory))),
		Client:           String("PUBSUB_CLIENT", pubsub.DefaultClient),
		ConnectionString: String("PUBSUB_CONNECTION_STRING", ""),
		Codec:            String("PUBSUB_CODEC", "json"),
		OutboxStore:      strings.ToLower(String("PUBSUB_OUTBOX_STORE", StoreMemory)),
		OutboxURL:        String("PUBSUB_OUTBOX_URL", ""),
		DLQStore:         strings.ToLower(String("PUBSUB_DLQ_STORE", StoreMemory)),
		DLQURL:           String("PUBSUB_DLQ_URL", ""),
		Database:         String("PUBSUB_DATABASE", "pubsub"),
	}

	var err error
	if c.Topic, err = RequiredString("PUBSUB_TOPIC"); err != nil {
		return nil, err
	}
	if err := c.LogLevel.UnmarshalText([]byte(String("LOG_LEVEL", "info"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL must be debug, info, warn or error (got %q)", os.Getenv("LOG_LEVEL"))
	}
	if c.MaxDeliveryRetries, err = Int("PUBSUB_MAX_DELIVERY_RETRIES", 3); err != nil {
		return nil, err
	}
	if c.PollInterval, err = Duration("PUBSUB_POLL_INTERVAL", pubsub.DefaultPollInterval); err != nil {
		return nil, err
	}
	if c.HandlerTimeout, err = Duration("PUBSUB_HANDLER_TIMEOUT", pubsub.DefaultHandlerTimeout); err != nil {
		return nil, err
	}
	if c.BatchSize, err = Int("PUBSUB_BATCH_SIZE", 100); err != nil {
		return nil, err
	}
	if c.Concurrency, err = Int("PUBSUB_CONCURRENCY", 1); err != nil {
		return nil, err
	}
	if c.RateLimit, err = Float("PUBSUB_RATE_LIMIT", 0); err != nil {
		return nil, err
	}
	if c.RetryBackoff, err = Duration("PUBSUB_RETRY_BACKOFF", 0); err != nil {
		return nil, err
	}

	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate reports the first invalid value, naming its variable.
func (c *Config) Validate() error {
	if c.Topic == "" {
		return fmt.Errorf("PUBSUB_TOPIC is required")
	}
	if c.MaxDeliveryRetries < 0 {
		return fmt.Errorf("PUBSUB_MAX_DELIVERY_RETRIES must be >= 0 (got %d)", c.MaxDeliveryRetries)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("PUBSUB_POLL_INTERVAL must be positive (got %s)", c.PollInterval)
	}
	if c.HandlerTimeout < 0 {
		return fmt.Errorf("PUBSUB_HANDLER_TIMEOUT must be >= 0 (got %s)", c.HandlerTimeout)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("PUBSUB_BATCH_SIZE must be positive (got %d)", c.BatchSize)
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("PUBSUB_CONCURRENCY must be positive (got %d)", c.Concurrency)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("PUBSUB_RATE_LIMIT must be >= 0 (got %g)", c.RateLimit)
	}
	if c.RetryBackoff < 0 {
		return fmt.Errorf("PUBSUB_RETRY_BACKOFF must be >= 0 (got %s)", c.RetryBackoff)
	}
	if c.Provider != pubsub.ProviderMemory && c.ConnectionString == "" {
		return fmt.Errorf("PUBSUB_CONNECTION_STRING is required for provider %q", c.Provider)
	}
	if _, err := codec.ByName(c.Codec); err != nil {
		return fmt.Errorf("PUBSUB_CODEC: %w", err)
	}

	switch c.OutboxStore {
	case StoreMemory:
	case StorePostgres, StoreMongoDB:
		if c.OutboxURL == "" {
			return fmt.Errorf("PUBSUB_OUTBOX_URL is required for outbox store %q", c.OutboxStore)
		}
	default:
		return fmt.Errorf("PUBSUB_OUTBOX_STORE must be memory, postgres or mongodb (got %q)", c.OutboxStore)
	}

	switch c.DLQStore {
	case StoreMemory:
	case StorePostgres, StoreMongoDB, StoreRedis:
		if c.DLQURL == "" {
			return fmt.Errorf("PUBSUB_DLQ_URL is required for dead letter store %q", c.DLQStore)
		}
	default:
		return fmt.Errorf("PUBSUB_DLQ_STORE must be memory, postgres, mongodb or redis (got %q)", c.DLQStore)
	}
	return nil
}

// AdapterSettings converts the configuration into adapter settings.
func (c *Config) AdapterSettings(logger *slog.Logger, metrics pubsub.Metrics) (pubsub.Settings, error) {
	cd, err := codec.ByName(c.Codec)
	if err != nil {
		return pubsub.Settings{}, fmt.Errorf("PUBSUB_CODEC: %w", err)
	}
	return pubsub.Settings{
		Topic:              c.Topic,
		Client:             c.Client,
		MaxDeliveryRetries: c.MaxDeliveryRetries,
		PollInterval:       c.PollInterval,
		HandlerTimeout:     c.HandlerTimeout,
		ConnectionString:   c.ConnectionString,
		Codec:              cd,
		Logger:             logger,
		Metrics:            metrics,
	}, nil
}
