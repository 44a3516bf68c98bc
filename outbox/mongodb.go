package outbox

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/pubsub"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: pubsub_outbox

Document structure:
{
    "_id": int64 (sequence from the pubsub_counters collection),
    "event_id": string,
    "event_name": string,
    "version": { "major": int, "minor": int, "build": int, "wildcard_build": bool },
    "json_payload": Binary,
    "retry_count": int,
    "created_at": ISODate,
    "next_attempt_at": ISODate,
    "flushed_at": ISODate (optional),
    "claimed_by": string (optional),
    "claimed_until": ISODate (optional),
    "last_error": string (optional)
}

Indexes:
- { "flushed_at": 1, "next_attempt_at": 1 } for unflushed queries
- { "event_id": 1 } unique
*/

type mongoVersion struct {
	Major         int  `bson:"major"`
	Minor         int  `bson:"minor"`
	Build         int  `bson:"build"`
	WildcardBuild bool `bson:"wildcard_build"`
}

// mongoEvent is the outbox document.
type mongoEvent struct {
	ID            int64        `bson:"_id"`
	EventID       string       `bson:"event_id"`
	EventName     string       `bson:"event_name"`
	Version       mongoVersion `bson:"version"`
	JSONPayload   []byte       `bson:"json_payload"`
	RetryCount    int          `bson:"retry_count"`
	CreatedAt     time.Time    `bson:"created_at"`
	NextAttemptAt time.Time    `bson:"next_attempt_at"`
	FlushedAt     *time.Time   `bson:"flushed_at"`
	ClaimedBy     string       `bson:"claimed_by,omitempty"`
	ClaimedUntil  *time.Time   `bson:"claimed_until,omitempty"`
	LastError     string       `bson:"last_error,omitempty"`
}

func (m *mongoEvent) toEvent() *pubsub.OutboxEvent {
	return &pubsub.OutboxEvent{
		ID:        m.ID,
		EventID:   m.EventID,
		EventName: m.EventName,
		DomainModelVersion: pubsub.DomainModelVersion{
			Major:         m.Version.Major,
			Minor:         m.Version.Minor,
			Build:         m.Version.Build,
			WildcardBuild: m.Version.WildcardBuild,
		},
		JSONPayload:   m.JSONPayload,
		RetryCount:    m.RetryCount,
		CreatedAt:     m.CreatedAt,
		NextAttemptAt: m.NextAttemptAt,
		FlushedAt:     m.FlushedAt,
		LastError:     m.LastError,
	}
}

// MongoStore implements Store for MongoDB.
//
// Add joins the caller's transaction when ctx is a mongo.SessionContext
// (for example inside session.WithTransaction). Claims are taken one
// document at a time with FindOneAndUpdate.
type MongoStore struct {
	collection *mongo.Collection
	counters   *mongo.Collection
	owner      string
	lease      time.Duration
}

// NewMongoStore creates a new MongoDB outbox store
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("pubsub_outbox"),
		counters:   db.Collection("pubsub_counters"),
		owner:      pubsub.NewID(),
		lease:      DefaultLease,
	}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// WithLease sets the claim lease.
func (s *MongoStore) WithLease(d time.Duration) *MongoStore {
	s.lease = d
	return s
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// EnsureIndexes creates the required indexes for the outbox collection
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	indexes := []mongo.IndexModel{
		{
			Keys: bson.D{
				{Key: "flushed_at", Value: 1},
				{Key: "next_attempt_at", Value: 1},
			},
		},
		{
			Keys:    bson.D{{Key: "event_id", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
	}

	_, err := s.collection.Indexes().CreateMany(ctx, indexes)
	return err
}

func (s *MongoStore) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := s.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": s.collection.Name()},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, fmt.Errorf("next id: %w", err)
	}
	return counter.Seq, nil
}

// Add inserts ev. Pass a mongo.SessionContext to join a transaction.
func (s *MongoStore) Add(ctx context.Context, ev *pubsub.OutboxEvent) error {
	if ev == nil || ev.EventName == "" {
		return fmt.Errorf("add: %w", pubsub.ErrValidation)
	}
	id, err := s.nextID(ctx)
	if err != nil {
		return err
	}
	if ev.EventID == "" {
		ev.EventID = pubsub.NewID()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	doc := mongoEvent{
		ID:        id,
		EventID:   ev.EventID,
		EventName: ev.EventName,
		Version: mongoVersion{
			Major:         ev.DomainModelVersion.Major,
			Minor:         ev.DomainModelVersion.Minor,
			Build:         ev.DomainModelVersion.Build,
			WildcardBuild: ev.DomainModelVersion.WildcardBuild,
		},
		JSONPayload:   ev.JSONPayload,
		CreatedAt:     ev.CreatedAt,
		NextAttemptAt: ev.CreatedAt,
	}
	if _, err := s.collection.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	ev.ID = id
	return nil
}

// GetUnflushedEvents claims up to batchSize due events, oldest first.
func (s *MongoStore) GetUnflushedEvents(ctx context.Context, batchSize int) ([]*pubsub.OutboxEvent, error) {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	now := time.Now().UTC()
	filter := bson.M{
		"flushed_at":      nil,
		"next_attempt_at": bson.M{"$lte": now},
		"$or": bson.A{
			bson.M{"claimed_until": bson.M{"$exists": false}},
			bson.M{"claimed_until": nil},
			bson.M{"claimed_until": bson.M{"$lt": now}},
		},
	}
	update := bson.M{"$set": bson.M{"claimed_by": s.owner, "claimed_until": now.Add(s.lease)}}
	opts := options.FindOneAndUpdate().
		SetSort(bson.D{{Key: "_id", Value: 1}}).
		SetReturnDocument(options.After)

	var events []*pubsub.OutboxEvent
	for len(events) < batchSize {
		var doc mongoEvent
		err := s.collection.FindOneAndUpdate(ctx, filter, update, opts).Decode(&doc)
		if errors.Is(err, mongo.ErrNoDocuments) {
			break
		}
		if err != nil {
			return events, fmt.Errorf("claim: %w", err)
		}
		events = append(events, doc.toEvent())
	}
	return events, nil
}

func (s *MongoStore) claimed(ev *pubsub.OutboxEvent) bson.M {
	return bson.M{"_id": ev.ID, "claimed_by": s.owner}
}

// MarkFlushed stamps flushed_at and releases the claim.
func (s *MongoStore) MarkFlushed(ctx context.Context, ev *pubsub.OutboxEvent) error {
	now := time.Now().UTC()
	update := bson.M{
		"$set":   bson.M{"flushed_at": now},
		"$unset": bson.M{"claimed_by": "", "claimed_until": "", "last_error": ""},
	}
	result, err := s.collection.UpdateOne(ctx, s.claimed(ev), update)
	if err != nil {
		return fmt.Errorf("update: %w", err)
	}
	if result.MatchedCount == 0 {
		return ErrClaimLost
	}
	ev.FlushedAt = &now
	return nil
}

// IncrementRetry bumps retry_count under the claim and returns the new value.
func (s *MongoStore) IncrementRetry(ctx context.Context, ev *pubsub.OutboxEvent, cause error) (int, error) {
	next := ev.NextAttemptAt
	if next.IsZero() {
		next = time.Now().UTC()
	}
	update := bson.M{
		"$inc":   bson.M{"retry_count": 1},
		"$set":   bson.M{"last_error": errorText(cause), "next_attempt_at": next},
		"$unset": bson.M{"claimed_by": "", "claimed_until": ""},
	}
	var doc mongoEvent
	err := s.collection.FindOneAndUpdate(ctx, s.claimed(ev), update,
		options.FindOneAndUpdate().SetReturnDocument(options.After)).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, ErrClaimLost
	}
	if err != nil {
		return 0, fmt.Errorf("update: %w", err)
	}
	ev.RetryCount = doc.RetryCount
	ev.LastError = doc.LastError
	return doc.RetryCount, nil
}

// Remove deletes ev.
func (s *MongoStore) Remove(ctx context.Context, ev *pubsub.OutboxEvent) error {
	result, err := s.collection.DeleteOne(ctx, bson.M{"_id": ev.ID})
	if err != nil {
		return fmt.Errorf("delete: %w", err)
	}
	if result.DeletedCount == 0 {
		return ErrEventNotFound
	}
	return nil
}

// Release clears this store's claim on ev.
func (s *MongoStore) Release(ctx context.Context, ev *pubsub.OutboxEvent) error {
	_, err := s.collection.UpdateOne(ctx, s.claimed(ev),
		bson.M{"$unset": bson.M{"claimed_by": "", "claimed_until": ""}})
	return err
}

// DeleteFlushed removes events flushed more than olderThan ago.
func (s *MongoStore) DeleteFlushed(ctx context.Context, olderThan time.Duration) (int64, error) {
	filter := bson.M{"flushed_at": bson.M{"$lt": time.Now().Add(-olderThan)}}
	result, err := s.collection.DeleteMany(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return result.DeletedCount, nil
}

// Count returns the number of unflushed events.
func (s *MongoStore) Count(ctx context.Context) (int64, error) {
	return s.collection.CountDocuments(ctx, bson.M{"flushed_at": nil})
}

// Compile-time checks
var (
	_ Store   = (*MongoStore)(nil)
	_ Cleaner = (*MongoStore)(nil)
)
