package peer

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/tether-io/tether-go/pkg/transport"
	"github.com/tether-io/tether-go/pkg/wire"
)

// Session is one connected client.
type Session struct {
	ID          string
	Subprotocol string
	Path        string
	RemoteAddr  string

	conn  transport.Conn
	drop  func() error
	inbox chan wire.Frame
	pings atomic.Int64

	writeMu sync.Mutex

	mu   sync.Mutex
	err  error
	done chan struct{}
}

// Send writes a frame.
func (s *Session) Send(f wire.Frame) error {
	mt := transport.TextMessage
	if f.Binary {
		mt = transport.BinaryMessage
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteMessage(ctx, mt, f.Data)
}

// SendText writes a text frame.
func (s *Session) SendText(text string) error {
	return s.Send(wire.Frame{Data: []byte(text)})
}

// SendMessage encodes msg as a JSON envelope and writes it.
func (s *Session) SendMessage(msg wire.Message) error {
	f, err := wire.NewProtocol(wire.JSONCodec{}, wire.ProbeEnvelope).Encode(msg)
	if err != nil {
		return err
	}
	return s.Send(f)
}

// Next returns the next received application frame. Frames received
// before the session ended are still returned after it ended.
func (s *Session) Next(ctx context.Context) (wire.Frame, error) {
	select {
	case f := <-s.inbox:
		return f, nil
	default:
	}
	select {
	case f := <-s.inbox:
		return f, nil
	case <-s.done:
		select {
		case f := <-s.inbox:
			return f, nil
		default:
		}
		return wire.Frame{}, s.Err()
	case <-ctx.Done():
		return wire.Frame{}, ctx.Err()
	}
}

// Pings returns the number of probes answered.
func (s *Session) Pings() int64 {
	return s.pings.Load()
}

// Close performs a close handshake with code.
func (s *Session) Close(code int, reason string) error {
	return s.conn.Close(code, reason)
}

// Drop tears the connection down without a close handshake.
func (s *Session) Drop() error {
	return s.drop()
}

// Done is closed when the session's read loop ends.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// Err returns the error that ended the session, if it ended.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Session) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

func (s *Session) finish() {
	close(s.done)
}
