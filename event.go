package pubsub

import (
	"encoding/json"
	"errors"
	"time"
)

// OutboxEvent is an event persisted in the outbox awaiting delivery.
//
// ID is assigned by the outbox store and defines delivery order. EventID is
// a globally unique identifier that survives transport hops and is used by
// brokers for de-duplication.
type OutboxEvent struct {
	ID                 int64
	EventID            string
	EventName          string
	DomainModelVersion DomainModelVersion
	JSONPayload        []byte
	RetryCount         int
	NextAttemptAt      time.Time
	CreatedAt          time.Time
	FlushedAt          *time.Time
	LastError          string
}

// NewOutboxEvent marshals payload to JSON and returns an event ready to be
// added to an outbox store.
func NewOutboxEvent(eventName string, version DomainModelVersion, payload any) (*OutboxEvent, error) {
	if eventName == "" {
		return nil, validationf("event name is required")
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, &Error{Kind: KindValidation, Op: "marshal payload", Err: err}
	}
	return &OutboxEvent{
		EventID:            NewID(),
		EventName:          eventName,
		DomainModelVersion: version,
		JSONPayload:        data,
		CreatedAt:          time.Now().UTC(),
	}, nil
}

// Validate checks that the event can be delivered at all. A failed
// validation is permanent.
func (e *OutboxEvent) Validate() error {
	if e == nil {
		return validationf("nil event")
	}
	if e.EventName == "" {
		return validationf("event %d: event name is required", e.ID)
	}
	if len(e.JSONPayload) == 0 {
		return validationf("event %s: empty payload", e.EventName)
	}
	if !json.Valid(e.JSONPayload) {
		return validationf("event %s: payload is not valid JSON", e.EventName)
	}
	return nil
}

// Clone returns a deep copy.
func (e *OutboxEvent) Clone() *OutboxEvent {
	if e == nil {
		return nil
	}
	c := *e
	if e.JSONPayload != nil {
		c.JSONPayload = append([]byte(nil), e.JSONPayload...)
	}
	if e.FlushedAt != nil {
		t := *e.FlushedAt
		c.FlushedAt = &t
	}
	return &c
}

// Decode unmarshals a message payload into T. A payload that does not
// decode is reported as a permanent failure.
func Decode[T any](msg Message) (T, error) {
	var v T
	if msg == nil {
		return v, errors.New("nil message")
	}
	if err := json.Unmarshal(msg.Payload(), &v); err != nil {
		return v, Reject(err)
	}
	return v, nil
}
