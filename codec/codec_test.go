package codec

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"syreclabs.com/go/faker"
)

func newEnvelope() *Envelope {
	return &Envelope{
		ID:        "evt-1",
		EventName: "OrderPlaced",
		Version:   "1.2.3",
		Payload:   []byte(`{"id":"ORD-123","note":"` + faker.Lorem().Word() + `"}`),
		Attempt:   2,
		CreatedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		Metadata:  map[string]string{"trace": "abc"},
	}
}

func TestCodecs(t *testing.T) {
	for _, c := range []Codec{JSON{}, MsgPack{}} {
		t.Run(c.Name(), func(t *testing.T) {
			env := newEnvelope()

			data, err := c.Encode(env)
			if err != nil {
				t.Fatalf("Encode failed: %v", err)
			}

			decoded, err := c.Decode(data)
			if err != nil {
				t.Fatalf("Decode failed: %v", err)
			}

			if !decoded.CreatedAt.Equal(env.CreatedAt) {
				t.Errorf("expected created at %v, got %v", env.CreatedAt, decoded.CreatedAt)
			}
			decoded.CreatedAt = env.CreatedAt
			if diff := cmp.Diff(env, decoded); diff != "" {
				t.Errorf("envelope mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestJSONCodec(t *testing.T) {
	codec := JSON{}

	t.Run("Name and ContentType", func(t *testing.T) {
		if codec.Name() != "json" {
			t.Errorf("expected json, got %s", codec.Name())
		}
		if codec.ContentType() != "application/json" {
			t.Errorf("expected application/json, got %s", codec.ContentType())
		}
	})

	t.Run("Encode rejects invalid payload", func(t *testing.T) {
		env := newEnvelope()
		env.Payload = []byte("{not json")
		_, err := codec.Encode(env)
		if !errors.Is(err, ErrEncodeFailure) {
			t.Errorf("expected ErrEncodeFailure, got %v", err)
		}
	})

	t.Run("Decode invalid data", func(t *testing.T) {
		_, err := codec.Decode([]byte("garbage"))
		if !errors.Is(err, ErrDecodeFailure) {
			t.Errorf("expected ErrDecodeFailure, got %v", err)
		}
	})

	t.Run("Payload embedded as raw JSON", func(t *testing.T) {
		env := newEnvelope()
		env.Metadata = nil
		env.Payload = []byte(`{"a":1}`)
		data, err := codec.Encode(env)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		want := `"payload":{"a":1}`
		if !strings.Contains(string(data), want) {
			t.Errorf("expected %s in %s", want, data)
		}
	})
}

func TestMsgPackCodec(t *testing.T) {
	codec := MsgPack{}

	if codec.ContentType() != "application/msgpack" {
		t.Errorf("expected application/msgpack, got %s", codec.ContentType())
	}

	_, err := codec.Decode([]byte{0xc1})
	if !errors.Is(err, ErrDecodeFailure) {
		t.Errorf("expected ErrDecodeFailure, got %v", err)
	}
}

func TestByName(t *testing.T) {
	tests := []struct {
		name    string
		want    string
		wantErr bool
	}{
		{"", "json", false},
		{"JSON", "json", false},
		{"msgpack", "msgpack", false},
		{"proto", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := ByName(tt.name)
			if tt.wantErr {
				if !errors.Is(err, ErrUnknownCodec) {
					t.Errorf("expected ErrUnknownCodec, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ByName failed: %v", err)
			}
			if c.Name() != tt.want {
				t.Errorf("expected %s, got %s", tt.want, c.Name())
			}
		})
	}
}
