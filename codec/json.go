package codec

import (
	"encoding/json"
	"errors"
	"maps"
	"time"
)

// JSON implements Codec using encoding/json. The payload is embedded as raw
// JSON so the wire format stays readable.
type JSON struct{}

type jsonEnvelope struct {
	ID        string            `json:"id"`
	EventName string            `json:"event_name"`
	Version   string            `json:"domain_model_version"`
	Payload   json.RawMessage   `json:"payload"`
	Attempt   int               `json:"attempt,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Encode serializes an envelope to JSON bytes
func (c JSON) Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.Join(ErrEncodeFailure, errors.New("nil envelope"))
	}
	if len(env.Payload) > 0 && !json.Valid(env.Payload) {
		return nil, errors.Join(ErrEncodeFailure, errors.New("payload is not valid JSON"))
	}
	je := jsonEnvelope{
		ID:        env.ID,
		EventName: env.EventName,
		Version:   env.Version,
		Payload:   json.RawMessage(env.Payload),
		Attempt:   env.Attempt,
		CreatedAt: env.CreatedAt,
		Metadata:  maps.Clone(env.Metadata),
	}
	data, err := json.Marshal(je)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes JSON bytes to an envelope
func (c JSON) Decode(data []byte) (*Envelope, error) {
	var je jsonEnvelope
	if err := json.Unmarshal(data, &je); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return &Envelope{
		ID:        je.ID,
		EventName: je.EventName,
		Version:   je.Version,
		Payload:   []byte(je.Payload),
		Attempt:   je.Attempt,
		CreatedAt: je.CreatedAt,
		Metadata:  je.Metadata,
	}, nil
}

// ContentType returns the MIME type for JSON
func (c JSON) ContentType() string {
	return "application/json"
}

// Name returns the codec identifier
func (c JSON) Name() string {
	return "json"
}

// Compile-time check
var _ Codec = JSON{}
