package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore is a Store shared by every replica of a consumer group.
// Claim is a SET NX with expiry, so two replicas never both claim an id.
type RedisStore struct {
	client redis.Cmdable
	ttl    time.Duration
	prefix string
}

// NewRedisStore creates a store that remembers ids for ttl. The default
// key prefix is "pubsub:idemp:".
func NewRedisStore(client redis.Cmdable, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{
		client: client,
		ttl:    ttl,
		prefix: "pubsub:idemp:",
	}
}

// WithPrefix sets the key prefix.
func (s *RedisStore) WithPrefix(prefix string) *RedisStore {
	s.prefix = prefix
	return s
}

func (s *RedisStore) Claim(ctx context.Context, key string) (bool, error) {
	set, err := s.client.SetNX(ctx, s.prefix+key, "claimed", s.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("redis setnx: %w", err)
	}
	return set, nil
}

func (s *RedisStore) MarkProcessed(ctx context.Context, key string) error {
	return s.client.Set(ctx, s.prefix+key, "processed", s.ttl).Err()
}

// Release deletes the key unless it was marked processed.
func (s *RedisStore) Release(ctx context.Context, key string) error {
	val, err := s.client.Get(ctx, s.prefix+key).Result()
	if err == redis.Nil || val == "processed" {
		return nil
	}
	if err != nil {
		return err
	}
	return s.client.Del(ctx, s.prefix+key).Err()
}

var _ Store = (*RedisStore)(nil)
