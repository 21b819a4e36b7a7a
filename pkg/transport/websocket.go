package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/tether-io/tether-go/pkg/version"
)

// Default WebSocket settings.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultCloseTimeout     = time.Second
	DefaultReadLimit        = DefaultMaxMessageSize
)

// WebSocketConfig configures a WebSocketDialer. Zero fields take defaults.
type WebSocketConfig struct {
	// HandshakeTimeout bounds the opening handshake.
	HandshakeTimeout time.Duration

	// TLSConfig is used for wss endpoints.
	TLSConfig *tls.Config

	// Header is sent with the upgrade request.
	Header http.Header

	// Subprotocols offered during the handshake. Defaults to
	// version.SupportedSubprotocols().
	Subprotocols []string

	// ReadLimit is the maximum inbound message size.
	ReadLimit int64
}

// WebSocketDialer dials ws:// and wss:// endpoints.
type WebSocketDialer struct {
	dialer websocket.Dialer
	header http.Header
	limit  int64
}

// NewWebSocketDialer creates a dialer from config.
func NewWebSocketDialer(config WebSocketConfig) *WebSocketDialer {
	if config.HandshakeTimeout == 0 {
		config.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if config.Subprotocols == nil {
		config.Subprotocols = version.SupportedSubprotocols()
	}
	if config.ReadLimit == 0 {
		config.ReadLimit = DefaultReadLimit
	}
	return &WebSocketDialer{
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: config.HandshakeTimeout,
			TLSClientConfig:  config.TLSConfig,
			Subprotocols:     config.Subprotocols,
		},
		header: config.Header,
		limit:  config.ReadLimit,
	}
}

// Dial implements Dialer.
func (d *WebSocketDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	ws, resp, err := d.dialer.DialContext(ctx, rawURL, d.header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("websocket handshake failed (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}
	if err := checkSubprotocol(ws.Subprotocol()); err != nil {
		msg := websocket.FormatCloseMessage(CloseProtocolError, "unsupported version")
		_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(DefaultCloseTimeout))
		_ = ws.Close()
		return nil, err
	}
	ws.SetReadLimit(d.limit)
	return NewWebSocketConn(ws), nil
}

// checkSubprotocol rejects a selected tether subprotocol whose major
// version differs from Current. Foreign subprotocol names are accepted.
func checkSubprotocol(name string) error {
	if name == "" {
		return nil
	}
	major, err := version.MajorFromSubprotocol(name)
	if err != nil {
		return nil
	}
	current, err := version.Parse(version.Current)
	if err != nil {
		return err
	}
	if !current.Compatible(version.ProtocolVersion{Major: major}) {
		return fmt.Errorf("%w: server selected %s, client speaks %s", ErrIncompatibleVersion, name, current)
	}
	return nil
}

// wsConn adapts a gorilla connection to Conn.
type wsConn struct {
	ws        *websocket.Conn
	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// NewWebSocketConn wraps an established gorilla connection. Servers use it
// to hand upgraded connections to code written against Conn.
func NewWebSocketConn(ws *websocket.Conn) Conn {
	return &wsConn{ws: ws}
}

// Subprotocol returns the negotiated subprotocol, if any.
func (c *wsConn) Subprotocol() string {
	return c.ws.Subprotocol()
}

func (c *wsConn) ReadMessage() (MessageType, []byte, error) {
	mt, data, err := c.ws.ReadMessage()
	if err != nil {
		if c.closed.Load() {
			return 0, nil, ErrClosed
		}
		var ce *websocket.CloseError
		if errors.As(err, &ce) {
			return 0, nil, &CloseError{Code: ce.Code, Reason: ce.Text}
		}
		return 0, nil, err
	}
	return MessageType(mt), data, nil
}

func (c *wsConn) WriteMessage(ctx context.Context, mt MessageType, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.ws.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.ws.WriteMessage(int(mt), data)
}

func (c *wsConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		msg := websocket.FormatCloseMessage(code, reason)
		// Best effort; the peer may already be gone.
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(DefaultCloseTimeout))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

func (c *wsConn) RemoteAddr() string {
	return c.ws.RemoteAddr().String()
}

var (
	_ Dialer = (*WebSocketDialer)(nil)
	_ Conn   = (*wsConn)(nil)
)
