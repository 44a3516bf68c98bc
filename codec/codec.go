// Package codec serializes event envelopes for external transports.
//
// Supported formats:
//   - JSON (default, human-readable)
//   - MessagePack (binary, compact)
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Codec errors
var (
	ErrEncodeFailure = errors.New("failed to encode envelope")
	ErrDecodeFailure = errors.New("failed to decode envelope")
	ErrUnknownCodec  = errors.New("unknown codec")
)

// Envelope is the wire representation of an outbox event. Payload holds
// the event's JSON payload unchanged.
type Envelope struct {
	ID        string
	EventName string
	Version   string
	Payload   []byte
	Attempt   int
	CreatedAt time.Time
	Metadata  map[string]string
}

// Codec handles envelope serialization for external transports.
// Implementations must be safe for concurrent use.
type Codec interface {
	// Encode serializes an envelope to bytes.
	// Returns ErrEncodeFailure if serialization fails.
	Encode(env *Envelope) ([]byte, error)

	// Decode deserializes bytes to an envelope.
	// Returns ErrDecodeFailure if deserialization fails.
	Decode(data []byte) (*Envelope, error)

	// ContentType returns the MIME type for this codec (e.g., "application/json").
	ContentType() string

	// Name returns a short identifier for this codec (e.g., "json", "msgpack").
	Name() string
}

// Default returns the default codec (JSON)
func Default() Codec {
	return JSON{}
}

// ByName returns the codec registered under name. The empty name selects
// the default.
func ByName(name string) (Codec, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return JSON{}, nil
	case "msgpack", "messagepack":
		return MsgPack{}, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownCodec, name)
	}
}
