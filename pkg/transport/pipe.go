package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"sync"
)

// Pipe errors.
var (
	ErrPipeRefused   = errors.New("pipe connection refused")
	ErrPipeAddrInUse = errors.New("pipe address in use")
)

// PipeNetwork is an in-memory namespace of pipe listeners. Dial accepts
// pipe://name URLs. Separate networks do not see each other.
type PipeNetwork struct {
	mu        sync.Mutex
	listeners map[string]*PipeListener
}

// NewPipeNetwork creates an empty network.
func NewPipeNetwork() *PipeNetwork {
	return &PipeNetwork{listeners: make(map[string]*PipeListener)}
}

// Listen registers a listener under name.
func (n *PipeNetwork) Listen(name string) (*PipeListener, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if _, ok := n.listeners[name]; ok {
		return nil, fmt.Errorf("%w: %s", ErrPipeAddrInUse, name)
	}
	l := &PipeListener{
		name:    name,
		network: n,
		accept:  make(chan *PipeConn, 16),
		done:    make(chan struct{}),
	}
	n.listeners[name] = l
	return l, nil
}

// Dial implements Dialer.
func (n *PipeNetwork) Dial(ctx context.Context, rawURL string) (Conn, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidEndpoint, err)
	}
	if u.Scheme != "pipe" {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedScheme, u.Scheme)
	}

	n.mu.Lock()
	l, ok := n.listeners[u.Host]
	n.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrPipeRefused, u.Host)
	}

	client, server := newPipePair("pipe://" + u.Host)
	select {
	case l.accept <- server:
		return client, nil
	case <-l.done:
		return nil, fmt.Errorf("%w: %s", ErrPipeRefused, u.Host)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// PipeListener accepts pipe connections for one name.
type PipeListener struct {
	name    string
	network *PipeNetwork
	accept  chan *PipeConn
	done    chan struct{}
	once    sync.Once
}

// URL returns the pipe:// URL clients dial.
func (l *PipeListener) URL() string {
	return "pipe://" + l.name
}

// Accept waits for the next connection.
func (l *PipeListener) Accept(ctx context.Context) (*PipeConn, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close unregisters the listener. Established connections stay open.
func (l *PipeListener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.network.mu.Lock()
		if l.network.listeners[l.name] == l {
			delete(l.network.listeners, l.name)
		}
		l.network.mu.Unlock()
	})
	return nil
}

type pipeMessage struct {
	mt   MessageType
	data []byte
}

// pipeEnd is the receiving half owned by one side.
type pipeEnd struct {
	mu      sync.Mutex
	msgs    []pipeMessage
	closed  bool
	readErr error
	notify  chan struct{}
}

func newPipeEnd() *pipeEnd {
	return &pipeEnd{notify: make(chan struct{}, 1)}
}

func (e *pipeEnd) signal() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// PipeConn is one side of an in-memory connection. Messages are
// delivered in order; a close from one side surfaces on the other after
// pending messages have been read.
type PipeConn struct {
	addr   string
	local  *pipeEnd
	remote *pipeEnd

	mu       sync.Mutex
	writeErr error
}

func newPipePair(addr string) (*PipeConn, *PipeConn) {
	a, b := newPipeEnd(), newPipeEnd()
	return &PipeConn{addr: addr, local: a, remote: b},
		&PipeConn{addr: addr, local: b, remote: a}
}

// ReadMessage implements Conn.
func (c *PipeConn) ReadMessage() (MessageType, []byte, error) {
	for {
		c.local.mu.Lock()
		switch {
		case c.local.closed:
			c.local.mu.Unlock()
			return 0, nil, ErrClosed
		case len(c.local.msgs) > 0:
			m := c.local.msgs[0]
			c.local.msgs = c.local.msgs[1:]
			c.local.mu.Unlock()
			return m.mt, m.data, nil
		case c.local.readErr != nil:
			err := c.local.readErr
			c.local.mu.Unlock()
			return 0, nil, err
		}
		c.local.mu.Unlock()
		<-c.local.notify
	}
}

// WriteMessage implements Conn.
func (c *PipeConn) WriteMessage(ctx context.Context, mt MessageType, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	werr := c.writeErr
	c.mu.Unlock()
	if werr != nil {
		return werr
	}

	c.local.mu.Lock()
	closed := c.local.closed
	c.local.mu.Unlock()
	if closed {
		return ErrClosed
	}

	c.remote.mu.Lock()
	defer c.remote.mu.Unlock()
	if c.remote.closed || c.remote.readErr != nil {
		return io.ErrClosedPipe
	}
	c.remote.msgs = append(c.remote.msgs, pipeMessage{mt: mt, data: append([]byte(nil), data...)})
	c.remote.signal()
	return nil
}

// Close implements Conn. The peer reads a CloseError with code and reason.
func (c *PipeConn) Close(code int, reason string) error {
	c.shutdown(&CloseError{Code: code, Reason: reason})
	return nil
}

// Drop ends the connection without a close frame. The peer reads an
// abnormal closure.
func (c *PipeConn) Drop() {
	c.shutdown(io.ErrUnexpectedEOF)
}

// FailWrites makes subsequent writes return err. Pass nil to restore.
func (c *PipeConn) FailWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// WriteText sends a text message without a context.
func (c *PipeConn) WriteText(data string) error {
	return c.WriteMessage(context.Background(), TextMessage, []byte(data))
}

// RemoteAddr implements Conn.
func (c *PipeConn) RemoteAddr() string {
	return c.addr
}

func (c *PipeConn) shutdown(peerErr error) {
	c.local.mu.Lock()
	already := c.local.closed
	c.local.closed = true
	c.local.mu.Unlock()
	c.local.signal()
	if already {
		return
	}

	c.remote.mu.Lock()
	if c.remote.readErr == nil {
		c.remote.readErr = peerErr
	}
	c.remote.mu.Unlock()
	c.remote.signal()
}

var (
	_ Dialer = (*PipeNetwork)(nil)
	_ Conn   = (*PipeConn)(nil)
)
