package dlq

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/rbaliyan/pubsub"
	"github.com/redis/go-redis/v9"
)

/*
Redis Schema:

Uses Redis Streams and Hashes for DLQ:
- Stream: pubsub:dlq:entries - entry IDs in dead-letter order
- Hash: pubsub:dlq:entry:{id} - individual entry details
- Set: pubsub:dlq:by_event:{event_name} - entry IDs by event
*/

// RedisStore is a Redis-based DLQ store
type RedisStore struct {
	client      redis.Cmdable
	streamKey   string
	entryPrefix string
	eventPrefix string
	maxLen      int64
}

// NewRedisStore creates a new Redis DLQ store
func NewRedisStore(client redis.Cmdable) *RedisStore {
	return (&RedisStore{client: client}).WithKeyPrefix("pubsub:dlq:")
}

// WithKeyPrefix sets a custom key prefix
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.streamKey = prefix + "entries"
	s.entryPrefix = prefix + "entry:"
	s.eventPrefix = prefix + "by_event:"
	return s
}

// WithMaxLen sets the maximum stream length
func (s *RedisStore) WithMaxLen(maxLen int64) *RedisStore {
	s.maxLen = maxLen
	return s
}

// Add stores an entry
func (s *RedisStore) Add(ctx context.Context, entry *Entry) error {
	args := &redis.XAddArgs{
		Stream: s.streamKey,
		Values: map[string]any{"id": entry.ID},
	}
	if s.maxLen > 0 {
		args.MaxLen = s.maxLen
		args.Approx = true
	}
	streamID, err := s.client.XAdd(ctx, args).Result()
	if err != nil {
		return fmt.Errorf("xadd: %w", err)
	}

	ev := entry.Event
	fields := map[string]any{
		"id":               entry.ID,
		"stream_id":        streamID,
		"topic":            entry.Topic,
		"outbox_id":        ev.ID,
		"event_id":         ev.EventID,
		"event_name":       ev.EventName,
		"version":          ev.DomainModelVersion.String(),
		"json_payload":     ev.JSONPayload,
		"retry_count":      entry.RetryCount,
		"created_at":       ev.CreatedAt.UnixNano(),
		"reason":           entry.Reason,
		"dead_lettered_at": entry.DeadLetteredAt.UnixNano(),
	}

	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.entryPrefix+entry.ID, fields)
	pipe.SAdd(ctx, s.eventPrefix+ev.EventName, entry.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("hset: %w", err)
	}
	return nil
}

// Get retrieves a single entry by ID
func (s *RedisStore) Get(ctx context.Context, id string) (*Entry, error) {
	fields, err := s.client.HGetAll(ctx, s.entryPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return parseEntry(fields)
}

// parseEntry converts hash fields to an Entry
func parseEntry(fields map[string]string) (*Entry, error) {
	version, err := pubsub.ParseVersion(fields["version"])
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", fields["id"], err)
	}
	e := &Entry{
		ID:     fields["id"],
		Topic:  fields["topic"],
		Reason: fields["reason"],
		Event: pubsub.OutboxEvent{
			EventID:            fields["event_id"],
			EventName:          fields["event_name"],
			DomainModelVersion: version,
			JSONPayload:        []byte(fields["json_payload"]),
			LastError:          fields["reason"],
		},
	}
	e.Event.ID, _ = strconv.ParseInt(fields["outbox_id"], 10, 64)
	e.RetryCount, _ = strconv.Atoi(fields["retry_count"])
	e.Event.RetryCount = e.RetryCount
	if ns, err := strconv.ParseInt(fields["created_at"], 10, 64); err == nil {
		e.Event.CreatedAt = time.Unix(0, ns).UTC()
	}
	if ns, err := strconv.ParseInt(fields["dead_lettered_at"], 10, 64); err == nil {
		e.DeadLetteredAt = time.Unix(0, ns).UTC()
	}
	return e, nil
}

// List returns entries matching the filter, oldest first.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	results, err := s.client.XRange(ctx, s.streamKey, "-", "+").Result()
	if err != nil {
		return nil, fmt.Errorf("xrange: %w", err)
	}

	var entries []*Entry
	for _, r := range results {
		id, ok := r.Values["id"].(string)
		if !ok {
			continue
		}
		e, err := s.Get(ctx, id)
		if err != nil {
			continue
		}
		if filter.Matches(e) {
			entries = append(entries, e)
		}
	}
	return paginate(entries, filter), nil
}

// Count returns the number of entries matching the filter
func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	onlyEvent := filter.StartTime.IsZero() && filter.EndTime.IsZero() && filter.Reason == ""
	switch {
	case onlyEvent && filter.EventName == "":
		return s.client.XLen(ctx, s.streamKey).Result()
	case onlyEvent:
		return s.client.SCard(ctx, s.eventPrefix+filter.EventName).Result()
	}
	filter.Limit, filter.Offset = 0, 0
	entries, err := s.List(ctx, filter)
	if err != nil {
		return 0, err
	}
	return int64(len(entries)), nil
}

// DeleteOlderThan removes entries older than age
func (s *RedisStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	// Stream IDs are millisecond timestamps, so the range ends at the cutoff.
	cutoff := time.Now().Add(-age).UnixMilli()
	results, err := s.client.XRange(ctx, s.streamKey, "-", strconv.FormatInt(cutoff, 10)).Result()
	if err != nil {
		return 0, fmt.Errorf("xrange: %w", err)
	}

	var deleted int64
	for _, r := range results {
		id, _ := r.Values["id"].(string)
		if id != "" {
			eventName, _ := s.client.HGet(ctx, s.entryPrefix+id, "event_name").Result()
			pipe := s.client.TxPipeline()
			pipe.Del(ctx, s.entryPrefix+id)
			if eventName != "" {
				pipe.SRem(ctx, s.eventPrefix+eventName, id)
			}
			pipe.XDel(ctx, s.streamKey, r.ID)
			if _, err := pipe.Exec(ctx); err != nil {
				return deleted, fmt.Errorf("delete: %w", err)
			}
		}
		deleted++
	}
	return deleted, nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
