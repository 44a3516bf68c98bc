package dlq

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/rbaliyan/pubsub"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

/*
MongoDB Schema:

Collection: pubsub_dead_letters

Document structure:
{
    "_id": string (DLQ entry ID),
    "topic": string,
    "outbox_id": int64,
    "event_id": string,
    "event_name": string,
    "version": string,
    "json_payload": Binary,
    "retry_count": int,
    "created_at": ISODate,
    "reason": string,
    "dead_lettered_at": ISODate
}

Indexes:
db.pubsub_dead_letters.createIndex({ "event_name": 1, "dead_lettered_at": 1 })
db.pubsub_dead_letters.createIndex({ "dead_lettered_at": 1 })
*/

// mongoEntry is the DLQ document
type mongoEntry struct {
	ID             string    `bson:"_id"`
	Topic          string    `bson:"topic"`
	OutboxID       int64     `bson:"outbox_id"`
	EventID        string    `bson:"event_id"`
	EventName      string    `bson:"event_name"`
	Version        string    `bson:"version"`
	JSONPayload    []byte    `bson:"json_payload"`
	RetryCount     int       `bson:"retry_count"`
	CreatedAt      time.Time `bson:"created_at"`
	Reason         string    `bson:"reason"`
	DeadLetteredAt time.Time `bson:"dead_lettered_at"`
}

func fromEntry(e *Entry) *mongoEntry {
	return &mongoEntry{
		ID:             e.ID,
		Topic:          e.Topic,
		OutboxID:       e.Event.ID,
		EventID:        e.Event.EventID,
		EventName:      e.Event.EventName,
		Version:        e.Event.DomainModelVersion.String(),
		JSONPayload:    e.Event.JSONPayload,
		RetryCount:     e.RetryCount,
		CreatedAt:      e.Event.CreatedAt,
		Reason:         e.Reason,
		DeadLetteredAt: e.DeadLetteredAt,
	}
}

func (m *mongoEntry) toEntry() (*Entry, error) {
	version, err := pubsub.ParseVersion(m.Version)
	if err != nil {
		return nil, fmt.Errorf("entry %s: %w", m.ID, err)
	}
	return &Entry{
		ID:    m.ID,
		Topic: m.Topic,
		Event: pubsub.OutboxEvent{
			ID:                 m.OutboxID,
			EventID:            m.EventID,
			EventName:          m.EventName,
			DomainModelVersion: version,
			JSONPayload:        m.JSONPayload,
			RetryCount:         m.RetryCount,
			CreatedAt:          m.CreatedAt,
			LastError:          m.Reason,
		},
		Reason:         m.Reason,
		RetryCount:     m.RetryCount,
		DeadLetteredAt: m.DeadLetteredAt,
	}, nil
}

// MongoStore is a MongoDB-based DLQ store
type MongoStore struct {
	collection *mongo.Collection
}

// NewMongoStore creates a new MongoDB DLQ store
func NewMongoStore(db *mongo.Database) *MongoStore {
	return &MongoStore{
		collection: db.Collection("pubsub_dead_letters"),
	}
}

// WithCollection sets a custom collection name
func (s *MongoStore) WithCollection(name string) *MongoStore {
	s.collection = s.collection.Database().Collection(name)
	return s
}

// Collection returns the underlying MongoDB collection
func (s *MongoStore) Collection() *mongo.Collection {
	return s.collection
}

// EnsureIndexes creates the required indexes for the DLQ collection
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.collection.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "event_name", Value: 1}, {Key: "dead_lettered_at", Value: 1}}},
		{Keys: bson.D{{Key: "dead_lettered_at", Value: 1}}},
	})
	return err
}

// Add stores an entry
func (s *MongoStore) Add(ctx context.Context, entry *Entry) error {
	if _, err := s.collection.InsertOne(ctx, fromEntry(entry)); err != nil {
		return fmt.Errorf("insert: %w", err)
	}
	return nil
}

// Get retrieves a single entry by ID
func (s *MongoStore) Get(ctx context.Context, id string) (*Entry, error) {
	var doc mongoEntry
	err := s.collection.FindOne(ctx, bson.M{"_id": id}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	return doc.toEntry()
}

// buildFilter converts a Filter to a MongoDB query
func (s *MongoStore) buildFilter(filter Filter) bson.M {
	query := bson.M{}
	if filter.EventName != "" {
		query["event_name"] = filter.EventName
	}
	if !filter.StartTime.IsZero() || !filter.EndTime.IsZero() {
		at := bson.M{}
		if !filter.StartTime.IsZero() {
			at["$gte"] = filter.StartTime
		}
		if !filter.EndTime.IsZero() {
			at["$lte"] = filter.EndTime
		}
		query["dead_lettered_at"] = at
	}
	if filter.Reason != "" {
		query["reason"] = bson.M{"$regex": regexp.QuoteMeta(filter.Reason)}
	}
	return query
}

// List returns entries matching the filter, oldest first.
func (s *MongoStore) List(ctx context.Context, filter Filter) ([]*Entry, error) {
	opts := options.Find().SetSort(bson.D{{Key: "dead_lettered_at", Value: 1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.collection.Find(ctx, s.buildFilter(filter), opts)
	if err != nil {
		return nil, fmt.Errorf("find: %w", err)
	}
	defer cursor.Close(ctx)

	var entries []*Entry
	for cursor.Next(ctx) {
		var doc mongoEntry
		if err := cursor.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decode: %w", err)
		}
		e, err := doc.toEntry()
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, cursor.Err()
}

// Count returns the number of entries matching the filter
func (s *MongoStore) Count(ctx context.Context, filter Filter) (int64, error) {
	return s.collection.CountDocuments(ctx, s.buildFilter(filter))
}

// DeleteOlderThan removes entries older than age
func (s *MongoStore) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	result, err := s.collection.DeleteMany(ctx, bson.M{"dead_lettered_at": bson.M{"$lt": time.Now().Add(-age)}})
	if err != nil {
		return 0, fmt.Errorf("delete: %w", err)
	}
	return result.DeletedCount, nil
}

// Compile-time check
var _ Store = (*MongoStore)(nil)
