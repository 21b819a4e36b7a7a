package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tether-io/tether-go/pkg/log"
)

// Stream frame opcodes. Each length-prefixed frame starts with one.
const (
	opText   byte = 0x1
	opBinary byte = 0x2
	opClose  byte = 0x8
)

// StreamConfig configures the framed TCP transport.
type StreamConfig struct {
	// DialTimeout bounds the TCP connect. Zero defers to the context.
	DialTimeout time.Duration

	// MaxMessageSize limits frame payloads. Zero selects DefaultMaxMessageSize.
	MaxMessageSize uint32
}

// FrameLogger is implemented by connections that can capture raw frames.
type FrameLogger interface {
	SetLogger(logger log.Logger, connID string)
}

// StreamDialer dials tcp:// endpoints using length-prefixed framing.
type StreamDialer struct {
	config StreamConfig
}

// NewStreamDialer creates a framed TCP dialer.
func NewStreamDialer(config StreamConfig) *StreamDialer {
	return &StreamDialer{config: config}
}

// Dial implements Dialer.
func (d *StreamDialer) Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "tcp" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	nd := net.Dialer{Timeout: d.config.DialTimeout}
	nc, err := nd.DialContext(ctx, "tcp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("failed to connect: %w", err)
	}
	return newStreamConn(nc, d.config.MaxMessageSize), nil
}

// streamConn implements Conn over a net.Conn.
type streamConn struct {
	nc     net.Conn
	reader *FrameReader
	writer *FrameWriter

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

func newStreamConn(nc net.Conn, maxSize uint32) *streamConn {
	if maxSize == 0 {
		maxSize = DefaultMaxMessageSize
	}
	// One extra byte for the opcode.
	return &streamConn{
		nc:     nc,
		reader: NewFrameReader(nc, maxSize+1),
		writer: NewFrameWriter(nc, maxSize+1),
	}
}

// SetLogger implements FrameLogger. Call before the first read or write.
func (c *streamConn) SetLogger(logger log.Logger, connID string) {
	c.reader.SetLogger(logger, connID)
	c.writer.SetLogger(logger, connID)
}

func (c *streamConn) ReadMessage() (MessageType, []byte, error) {
	frame, err := c.reader.ReadFrame()
	if err != nil {
		if c.closed.Load() {
			return 0, nil, ErrClosed
		}
		return 0, nil, err
	}

	op, data := frame[0], frame[1:]
	switch op {
	case opText:
		return TextMessage, data, nil
	case opBinary:
		return BinaryMessage, data, nil
	case opClose:
		ce := &CloseError{Code: CloseNoStatus}
		if len(data) >= 2 {
			ce.Code = int(binary.BigEndian.Uint16(data))
			ce.Reason = string(data[2:])
		}
		return 0, nil, ce
	default:
		return 0, nil, &CloseError{Code: CloseProtocolError, Reason: fmt.Sprintf("unknown opcode 0x%x", op)}
	}
}

func (c *streamConn) WriteMessage(ctx context.Context, mt MessageType, data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	op := opText
	if mt == BinaryMessage {
		op = opBinary
	}
	return c.write(ctx, append([]byte{op}, data...))
}

func (c *streamConn) write(ctx context.Context, frame []byte) error {
	var deadline time.Time
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := c.nc.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.writer.WriteFrame(frame)
}

func (c *streamConn) Close(code int, reason string) error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		frame := binary.BigEndian.AppendUint16([]byte{opClose}, uint16(code))
		frame = append(frame, reason...)
		ctx, cancel := context.WithTimeout(context.Background(), DefaultCloseTimeout)
		_ = c.write(ctx, frame)
		cancel()
		c.closeErr = c.nc.Close()
	})
	return c.closeErr
}

func (c *streamConn) RemoteAddr() string {
	return c.nc.RemoteAddr().String()
}

// StreamListener accepts framed TCP connections.
type StreamListener struct {
	listener net.Listener
	maxSize  uint32
	running  atomic.Bool
}

// ListenStream starts listening on address ("host:port").
func ListenStream(address string, config StreamConfig) (*StreamListener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	l := &StreamListener{listener: ln, maxSize: config.MaxMessageSize}
	l.running.Store(true)
	return l, nil
}

// Accept waits for the next connection. After Close it returns ErrClosed.
func (l *StreamListener) Accept() (Conn, error) {
	nc, err := l.listener.Accept()
	if err != nil {
		if !l.running.Load() || errors.Is(err, net.ErrClosed) {
			return nil, ErrClosed
		}
		return nil, fmt.Errorf("accept error: %w", err)
	}
	return newStreamConn(nc, l.maxSize), nil
}

// Addr returns the listening address.
func (l *StreamListener) Addr() net.Addr {
	return l.listener.Addr()
}

// URL returns a tcp:// URL for the listening address.
func (l *StreamListener) URL() string {
	return "tcp://" + l.listener.Addr().String()
}

// Close stops accepting. Accepted connections stay open.
func (l *StreamListener) Close() error {
	if !l.running.Swap(false) {
		return nil
	}
	return l.listener.Close()
}

var (
	_ Dialer      = (*StreamDialer)(nil)
	_ Conn        = (*streamConn)(nil)
	_ FrameLogger = (*streamConn)(nil)
	_ io.Closer   = (*StreamListener)(nil)
)
