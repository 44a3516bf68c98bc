package codec

import (
	"errors"
	"maps"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// MsgPack implements Codec using MessagePack serialization.
// The JSON payload is carried as opaque bytes; only the envelope is
// MessagePack encoded.
type MsgPack struct{}

// msgpackEnvelope is the MessagePack wire format
type msgpackEnvelope struct {
	ID        string            `msgpack:"id"`
	EventName string            `msgpack:"event_name"`
	Version   string            `msgpack:"domain_model_version"`
	Payload   []byte            `msgpack:"payload"`
	Attempt   int               `msgpack:"attempt,omitempty"`
	CreatedAt time.Time         `msgpack:"created_at"`
	Metadata  map[string]string `msgpack:"metadata,omitempty"`
}

// Encode serializes an envelope to MessagePack bytes
func (c MsgPack) Encode(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, errors.Join(ErrEncodeFailure, errors.New("nil envelope"))
	}
	me := msgpackEnvelope{
		ID:        env.ID,
		EventName: env.EventName,
		Version:   env.Version,
		Payload:   env.Payload,
		Attempt:   env.Attempt,
		CreatedAt: env.CreatedAt,
		Metadata:  maps.Clone(env.Metadata),
	}
	data, err := msgpack.Marshal(me)
	if err != nil {
		return nil, errors.Join(ErrEncodeFailure, err)
	}
	return data, nil
}

// Decode deserializes MessagePack bytes to an envelope
func (c MsgPack) Decode(data []byte) (*Envelope, error) {
	var me msgpackEnvelope
	if err := msgpack.Unmarshal(data, &me); err != nil {
		return nil, errors.Join(ErrDecodeFailure, err)
	}
	return &Envelope{
		ID:        me.ID,
		EventName: me.EventName,
		Version:   me.Version,
		Payload:   me.Payload,
		Attempt:   me.Attempt,
		CreatedAt: me.CreatedAt,
		Metadata:  me.Metadata,
	}, nil
}

// ContentType returns the MIME type for MessagePack
func (c MsgPack) ContentType() string {
	return "application/msgpack"
}

// Name returns the codec identifier
func (c MsgPack) Name() string {
	return "msgpack"
}

// Compile-time check
var _ Codec = MsgPack{}
