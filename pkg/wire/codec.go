package wire

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts messages to and from frame payloads.
type Codec interface {
	// Name identifies the codec in configuration ("json", "cbor").
	Name() string

	// Binary reports whether encoded messages go in binary frames.
	Binary() bool

	Encode(msg Message) ([]byte, error)
	Decode(data []byte) (Message, error)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// JSONCodec encodes envelopes as JSON text.
type JSONCodec struct{}

type jsonEnvelope struct {
	Type      *string         `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp,omitempty"`
}

// Name implements Codec.
func (JSONCodec) Name() string { return "json" }

// Binary implements Codec.
func (JSONCodec) Binary() bool { return false }

// Encode implements Codec.
func (JSONCodec) Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	env := jsonEnvelope{
		Type:      &msg.Kind,
		Timestamp: unixMillis(msg.Timestamp),
	}
	if msg.Payload != nil {
		data, err := json.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		env.Data = data
	}
	return json.Marshal(env)
}

// Decode implements Codec.
func (JSONCodec) Decode(data []byte) (Message, error) {
	var env jsonEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, malformed(err)
	}
	if env.Type == nil || *env.Type == "" {
		return Message{}, malformed(ErrMissingKind)
	}

	msg := Message{
		Kind:      *env.Type,
		Timestamp: fromUnixMillis(env.Timestamp),
	}
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte("null")) {
		var payload any
		if err := json.Unmarshal(env.Data, &payload); err != nil {
			return Message{}, malformed(err)
		}
		msg.Payload = payload
		msg.raw = env.Data
		msg.unmarshal = json.Unmarshal
	}
	return msg, nil
}

// cborEncMode is the CBOR encoder mode for envelopes.
// Configured for deterministic encoding.
var cborEncMode cbor.EncMode

// cborDecMode decodes maps with string keys so payloads match the JSON view.
var cborDecMode cbor.DecMode

func init() {
	var err error

	encOpts := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeUnix,
	}
	cborEncMode, err = encOpts.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	decOpts := cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
	}
	cborDecMode, err = decOpts.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// CBORCodec encodes envelopes as CBOR maps in binary frames.
type CBORCodec struct{}

type cborEnvelope struct {
	Type      *string         `cbor:"type"`
	Data      cbor.RawMessage `cbor:"data,omitempty"`
	Timestamp int64           `cbor:"timestamp,omitempty"`
}

// Name implements Codec.
func (CBORCodec) Name() string { return "cbor" }

// Binary implements Codec.
func (CBORCodec) Binary() bool { return true }

// Encode implements Codec.
func (CBORCodec) Encode(msg Message) ([]byte, error) {
	if err := msg.Validate(); err != nil {
		return nil, err
	}

	env := cborEnvelope{
		Type:      &msg.Kind,
		Timestamp: unixMillis(msg.Timestamp),
	}
	if msg.Payload != nil {
		data, err := cborEncMode.Marshal(msg.Payload)
		if err != nil {
			return nil, fmt.Errorf("failed to encode payload: %w", err)
		}
		env.Data = data
	}
	return cborEncMode.Marshal(env)
}

// Decode implements Codec.
func (CBORCodec) Decode(data []byte) (Message, error) {
	var env cborEnvelope
	if err := cborDecMode.Unmarshal(data, &env); err != nil {
		return Message{}, malformed(err)
	}
	if env.Type == nil || *env.Type == "" {
		return Message{}, malformed(ErrMissingKind)
	}

	msg := Message{
		Kind:      *env.Type,
		Timestamp: fromUnixMillis(env.Timestamp),
	}
	// 0xf6 is CBOR null.
	if len(env.Data) > 0 && !bytes.Equal(env.Data, []byte{0xf6}) {
		var payload any
		if err := cborDecMode.Unmarshal(env.Data, &payload); err != nil {
			return Message{}, malformed(err)
		}
		msg.Payload = payload
		msg.raw = env.Data
		msg.unmarshal = cborDecMode.Unmarshal
	}
	return msg, nil
}

// Compile-time interface satisfaction checks.
var (
	_ Codec = JSONCodec{}
	_ Codec = CBORCodec{}
)
