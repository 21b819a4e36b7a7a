package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Decoding errors.
var (
	ErrMalformed   = errors.New("malformed message")
	ErrMissingKind = errors.New("missing message type")
	ErrNoPayload   = errors.New("message has no payload")
)

// Message is an application message: a kind plus an opaque payload.
type Message struct {
	// Kind selects the message:<kind> topic. Required.
	Kind string

	// Payload is the message body. Outbound it is any value the codec can
	// encode. Inbound it holds the generic decoded form (maps, slices,
	// strings, numbers); use Decode for a typed view.
	Payload any

	// Timestamp is when the message was created. Zero is omitted on the wire.
	Timestamp time.Time

	raw       []byte
	unmarshal func([]byte, any) error
}

// NewMessage creates a message stamped with the current time.
func NewMessage(kind string, payload any) Message {
	return Message{
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Validate checks that the message can be sent.
func (m Message) Validate() error {
	if m.Kind == "" {
		return ErrMissingKind
	}
	return nil
}

// Raw returns the encoded payload as received, or nil for outbound messages.
func (m Message) Raw() []byte {
	return m.raw
}

// Decode unmarshals the payload into v. Inbound messages decode from the
// received bytes with the codec that read them; other messages go through
// a JSON round trip.
func (m Message) Decode(v any) error {
	if m.raw != nil && m.unmarshal != nil {
		return m.unmarshal(m.raw, v)
	}
	if m.Payload == nil {
		return ErrNoPayload
	}
	data, err := json.Marshal(m.Payload)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	return json.Unmarshal(data, v)
}

// String returns a short description for logs.
func (m Message) String() string {
	if len(m.raw) > 0 {
		return fmt.Sprintf("%s (%d bytes)", m.Kind, len(m.raw))
	}
	return m.Kind
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", ErrMalformed, err)
}

func unixMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromUnixMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms)
}
