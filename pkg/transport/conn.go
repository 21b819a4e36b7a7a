package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
)

// Transport errors.
var (
	ErrClosed            = errors.New("transport closed")
	ErrUnsupportedScheme = errors.New("unsupported scheme")
	ErrInvalidEndpoint   = errors.New("invalid endpoint")

	// ErrIncompatibleVersion is returned when the server selects a
	// subprotocol of another major protocol version.
	ErrIncompatibleVersion = errors.New("incompatible protocol version")
)

// Close status codes (RFC 6455 section 7.4.1).
const (
	CloseNormalClosure   = 1000
	CloseGoingAway       = 1001
	CloseProtocolError   = 1002
	CloseNoStatus        = 1005
	CloseAbnormalClosure = 1006
	CloseInternalError   = 1011
)

// MessageType distinguishes text and binary frames. Values match
// gorilla/websocket.
type MessageType int

const (
	TextMessage   MessageType = 1
	BinaryMessage MessageType = 2
)

// String returns the frame type name.
func (t MessageType) String() string {
	switch t {
	case TextMessage:
		return "TEXT"
	case BinaryMessage:
		return "BINARY"
	default:
		return "UNKNOWN"
	}
}

// CloseError reports a close frame received from the peer.
type CloseError struct {
	Code   int
	Reason string
}

func (e *CloseError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("closed with code %d", e.Code)
	}
	return fmt.Sprintf("closed with code %d: %s", e.Code, e.Reason)
}

// IsNormalClosure reports whether err ends a connection cleanly: a close
// frame with a normal or going-away code, a clean EOF, or a local Close.
func IsNormalClosure(err error) bool {
	if err == nil {
		return false
	}
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code == CloseNormalClosure || ce.Code == CloseGoingAway
	}
	return errors.Is(err, io.EOF) || errors.Is(err, ErrClosed)
}

// CloseCode returns the close code carried by err, or CloseAbnormalClosure.
func CloseCode(err error) (int, string) {
	var ce *CloseError
	if errors.As(err, &ce) {
		return ce.Code, ce.Reason
	}
	if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
		return CloseNormalClosure, ""
	}
	return CloseAbnormalClosure, ""
}

// Conn is one live duplex transport handle.
//
// ReadMessage must be called from a single goroutine; it blocks until a
// message arrives or the connection ends. WriteMessage calls must be
// serialized by the caller. Close may be called concurrently with both
// and unblocks a pending ReadMessage.
type Conn interface {
	ReadMessage() (MessageType, []byte, error)
	WriteMessage(ctx context.Context, mt MessageType, data []byte) error
	Close(code int, reason string) error
	RemoteAddr() string
}

// Dialer opens transport handles.
type Dialer interface {
	Dial(ctx context.Context, rawURL string) (Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, rawURL string) (Conn, error)

// Dial implements Dialer.
func (f DialerFunc) Dial(ctx context.Context, rawURL string) (Conn, error) {
	return f(ctx, rawURL)
}

// SchemeDialer routes Dial to a Dialer registered for the URL scheme.
type SchemeDialer struct {
	mu      sync.RWMutex
	dialers map[string]Dialer
}

// NewSchemeDialer creates an empty router.
func NewSchemeDialer() *SchemeDialer {
	return &SchemeDialer{dialers: make(map[string]Dialer)}
}

// DefaultDialer returns a router for ws, wss and tcp with default settings.
func DefaultDialer() *SchemeDialer {
	d := NewSchemeDialer()
	ws := NewWebSocketDialer(WebSocketConfig{})
	d.Register("ws", ws)
	d.Register("wss", ws)
	d.Register("tcp", NewStreamDialer(StreamConfig{}))
	return d
}

// Register sets the dialer for scheme, replacing any previous one.
func (d *SchemeDialer) Register(scheme string, dialer Dialer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dialers[scheme] = dialer
}

// Dial implements Dialer.
func (d *SchemeDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}

	d.mu.RLock()
	dialer, ok := d.dialers[u.Scheme]
	d.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}
	return dialer.Dial(ctx, rawURL)
}

// Compile-time interface satisfaction checks.
var (
	_ Dialer = (*SchemeDialer)(nil)
	_ Dialer = DialerFunc(nil)
)
