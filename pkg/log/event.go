package log

import (
	"time"
)

// Event is a protocol event captured at any layer.
// CBOR encoding uses integer keys for compactness.
type Event struct {
	// Timestamp when the event occurred (nanosecond precision).
	Timestamp time.Time `cbor:"1,keyasint"`

	// ConnectionID identifies one transport handle (UUID). Every reconnect
	// gets a new ID.
	ConnectionID string `cbor:"2,keyasint"`

	Direction Direction `cbor:"3,keyasint"`
	Layer     Layer     `cbor:"4,keyasint"`
	Category  Category  `cbor:"5,keyasint"`

	// Endpoint is the resolved server URL.
	Endpoint string `cbor:"6,keyasint,omitempty"`

	// RemoteAddr is the peer address (host:port) once connected.
	RemoteAddr string `cbor:"7,keyasint,omitempty"`

	// Type-specific payload (one of these will be set).
	Frame       *FrameEvent       `cbor:"10,keyasint,omitempty"`
	Message     *MessageEvent     `cbor:"11,keyasint,omitempty"`
	StateChange *StateChangeEvent `cbor:"12,keyasint,omitempty"`
	ControlMsg  *ControlMsgEvent  `cbor:"13,keyasint,omitempty"`
	Error       *ErrorEventData   `cbor:"14,keyasint,omitempty"`
}

// Direction indicates the direction of message flow.
type Direction uint8

const (
	// DirectionNone marks events that do not travel the wire, such as
	// state changes and errors.
	DirectionNone Direction = iota
	// DirectionIn indicates an incoming message.
	DirectionIn
	// DirectionOut indicates an outgoing message.
	DirectionOut
)

// String returns the direction name.
func (d Direction) String() string {
	switch d {
	case DirectionNone:
		return "-"
	case DirectionIn:
		return "IN"
	case DirectionOut:
		return "OUT"
	default:
		return "UNKNOWN"
	}
}

// Layer indicates which layer captured the event.
type Layer uint8

const (
	// LayerTransport is the frame layer (raw bytes).
	LayerTransport Layer = 0
	// LayerWire is the envelope layer (decoded messages).
	LayerWire Layer = 1
	// LayerClient is the connection lifecycle layer.
	LayerClient Layer = 2
)

// String returns the layer name.
func (l Layer) String() string {
	switch l {
	case LayerTransport:
		return "TRANSPORT"
	case LayerWire:
		return "WIRE"
	case LayerClient:
		return "CLIENT"
	default:
		return "UNKNOWN"
	}
}

// Category classifies the event type.
type Category uint8

const (
	// CategoryMessage indicates an application message or frame.
	CategoryMessage Category = 0
	// CategoryControl indicates a probe or close.
	CategoryControl Category = 1
	// CategoryState indicates a state change.
	CategoryState Category = 2
	// CategoryError indicates an error event.
	CategoryError Category = 3
)

// String returns the category name.
func (c Category) String() string {
	switch c {
	case CategoryMessage:
		return "MESSAGE"
	case CategoryControl:
		return "CONTROL"
	case CategoryState:
		return "STATE"
	case CategoryError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// FrameEvent captures raw frame data at the transport layer.
type FrameEvent struct {
	// Size is the frame size in bytes (including any length prefix).
	Size int `cbor:"1,keyasint"`

	// Data is the raw frame bytes (may be truncated for large frames).
	Data []byte `cbor:"2,keyasint,omitempty"`

	// Truncated indicates if Data was truncated.
	Truncated bool `cbor:"3,keyasint,omitempty"`

	// Binary is set for binary frames; text frames leave it false.
	Binary bool `cbor:"4,keyasint,omitempty"`
}

// MessageEvent captures a decoded envelope at the wire layer.
type MessageEvent struct {
	// Kind is the envelope type.
	Kind string `cbor:"1,keyasint"`

	// Size is the encoded size in bytes.
	Size int `cbor:"2,keyasint,omitempty"`

	// Queued is set for outbound messages that were queued instead of sent.
	Queued bool `cbor:"3,keyasint,omitempty"`

	// Payload is the decoded payload (CBOR-compatible representation).
	Payload any `cbor:"4,keyasint,omitempty"`

	// SentAt is the envelope timestamp, if present.
	SentAt *time.Time `cbor:"5,keyasint,omitempty"`
}

// StateChangeEvent captures connection lifecycle events.
type StateChangeEvent struct {
	// Entity being changed.
	Entity StateEntity `cbor:"1,keyasint"`

	// OldState is the previous state (may be empty).
	OldState string `cbor:"2,keyasint,omitempty"`

	// NewState is the new state.
	NewState string `cbor:"3,keyasint"`

	// Reason for the change (if available).
	Reason string `cbor:"4,keyasint,omitempty"`

	// Attempt is the reconnect attempt number for reconnect entities.
	Attempt int `cbor:"5,keyasint,omitempty"`

	// Delay is the scheduled reconnect delay (nanoseconds).
	Delay time.Duration `cbor:"6,keyasint,omitempty"`
}

// StateEntity indicates what entity changed state.
type StateEntity uint8

const (
	// StateEntityConnection indicates a connection state change.
	StateEntityConnection StateEntity = 0
	// StateEntityReconnect indicates a reconnect was scheduled or gave up.
	StateEntityReconnect StateEntity = 1
	// StateEntityQueue indicates the outbound queue was drained or trimmed.
	StateEntityQueue StateEntity = 2
)

// String returns the state entity name.
func (s StateEntity) String() string {
	switch s {
	case StateEntityConnection:
		return "CONNECTION"
	case StateEntityReconnect:
		return "RECONNECT"
	case StateEntityQueue:
		return "QUEUE"
	default:
		return "UNKNOWN"
	}
}

// ControlMsgEvent captures liveness probes and closes.
type ControlMsgEvent struct {
	// Type of control message.
	Type ControlMsgType `cbor:"1,keyasint"`

	// CloseCode is the close status code for close messages.
	CloseCode *int `cbor:"2,keyasint,omitempty"`

	// CloseReason is the close reason text.
	CloseReason string `cbor:"3,keyasint,omitempty"`

	// RTT is the probe round trip for pong messages.
	RTT *time.Duration `cbor:"4,keyasint,omitempty"`
}

// ControlMsgType indicates the type of control message.
type ControlMsgType uint8

const (
	// ControlMsgPing indicates a ping message.
	ControlMsgPing ControlMsgType = 0
	// ControlMsgPong indicates a pong message.
	ControlMsgPong ControlMsgType = 1
	// ControlMsgClose indicates a close message.
	ControlMsgClose ControlMsgType = 2
)

// String returns the control message type name.
func (c ControlMsgType) String() string {
	switch c {
	case ControlMsgPing:
		return "PING"
	case ControlMsgPong:
		return "PONG"
	case ControlMsgClose:
		return "CLOSE"
	default:
		return "UNKNOWN"
	}
}

// ErrorEventData captures errors at any layer.
type ErrorEventData struct {
	// Layer where the error occurred.
	Layer Layer `cbor:"1,keyasint"`

	// Message is the error message.
	Message string `cbor:"2,keyasint"`

	// Code is the close code or other numeric code, if any.
	Code *int `cbor:"3,keyasint,omitempty"`

	// Context describes what operation was being performed.
	Context string `cbor:"4,keyasint,omitempty"`
}

// TypeLabel returns a short label for the populated payload.
func (e Event) TypeLabel() string {
	switch {
	case e.Frame != nil:
		return "Frame"
	case e.Message != nil:
		return "Message"
	case e.StateChange != nil:
		return "State"
	case e.ControlMsg != nil:
		return e.ControlMsg.Type.String()
	case e.Error != nil:
		return "Error"
	default:
		return "Unknown"
	}
}
