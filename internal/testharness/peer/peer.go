// Package peer provides a scriptable tether peer for tests and the echo
// server.
//
// A Server accepts WebSocket upgrades (it is an http.Handler) and framed
// TCP connections (Serve). Each connection becomes a Session whose
// received frames can be read back, and which can be told to send, close
// cleanly or drop without a close handshake.
package peer

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/tether-io/tether-go/pkg/transport"
	"github.com/tether-io/tether-go/pkg/version"
	"github.com/tether-io/tether-go/pkg/wire"
)

// ErrServerClosed is returned by Accept after Close.
var ErrServerClosed = errors.New("peer server closed")

const (
	inboxSize  = 256
	acceptSize = 16

	writeTimeout = 5 * time.Second
)

// Config configures a peer server.
type Config struct {
	// Subprotocols offered during the upgrade. Nil selects the supported
	// tether subprotocols.
	Subprotocols []string

	// Echo sends every application frame back unchanged.
	Echo bool

	// AnswerPings replies to liveness probes in the Probe form.
	AnswerPings bool

	// Probe selects how probes are recognized and answered.
	Probe wire.ProbeForm

	// OnMessage is called for every application frame, after echoing.
	OnMessage func(s *Session, f wire.Frame)

	// Logger receives session lifecycle logs. Nil discards.
	Logger *slog.Logger
}

// Server accepts peer sessions.
type Server struct {
	cfg      Config
	upgrader websocket.Upgrader
	proto    wire.Protocol

	mu       sync.Mutex
	sessions map[string]*Session
	closed   bool

	accepted chan *Session
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates a peer server.
func New(cfg Config) *Server {
	if cfg.Subprotocols == nil {
		cfg.Subprotocols = version.SupportedSubprotocols()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	return &Server{
		cfg: cfg,
		upgrader: websocket.Upgrader{
			Subprotocols: cfg.Subprotocols,
			CheckOrigin:  func(*http.Request) bool { return true },
		},
		proto:    wire.NewProtocol(wire.JSONCodec{}, cfg.Probe),
		sessions: make(map[string]*Session),
		accepted: make(chan *Session, acceptSize),
		done:     make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and runs a session until it ends.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.cfg.Logger.Warn("upgrade failed", slog.Any("error", err))
		return
	}
	netConn := ws.NetConn()
	sess := s.newSession(transport.NewWebSocketConn(ws), ws.Subprotocol(), r.URL.Path, netConn.Close)
	s.run(sess)
}

// Serve runs a session over an already accepted connection, such as one
// from transport.StreamListener, until it ends.
func (s *Server) Serve(conn transport.Conn) {
	sess := s.newSession(conn, "", "", func() error {
		return conn.Close(transport.CloseAbnormalClosure, "")
	})
	s.run(sess)
}

func (s *Server) newSession(conn transport.Conn, subprotocol, path string, drop func() error) *Session {
	return &Session{
		ID:          uuid.New().String(),
		Subprotocol: subprotocol,
		Path:        path,
		RemoteAddr:  conn.RemoteAddr(),
		conn:        conn,
		drop:        drop,
		inbox:       make(chan wire.Frame, inboxSize),
		done:        make(chan struct{}),
	}
}

func (s *Server) run(sess *Session) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sess.conn.Close(transport.CloseGoingAway, "server closed")
		return
	}
	s.sessions[sess.ID] = sess
	s.wg.Add(1)
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.sessions, sess.ID)
		s.mu.Unlock()
		s.wg.Done()
	}()

	select {
	case s.accepted <- sess:
	default:
	}

	s.cfg.Logger.Info("session opened",
		slog.String("session", sess.ID),
		slog.String("remote", sess.RemoteAddr),
		slog.String("subprotocol", sess.Subprotocol),
	)
	err := s.readLoop(sess)
	code, reason := transport.CloseCode(err)
	s.cfg.Logger.Info("session closed",
		slog.String("session", sess.ID),
		slog.Int("code", code),
		slog.String("reason", reason),
	)
}

func (s *Server) readLoop(sess *Session) error {
	defer sess.finish()
	for {
		mt, data, err := sess.conn.ReadMessage()
		if err != nil {
			sess.setErr(err)
			return err
		}
		frame := wire.Frame{Data: data, Binary: mt == transport.BinaryMessage}

		if s.cfg.AnswerPings && !frame.Binary {
			if in, perr := s.proto.Parse(data); perr == nil && in.Probe == wire.ProbePing {
				sess.pings.Add(1)
				pong, _ := s.proto.Pong()
				if err := sess.Send(pong); err != nil {
					return err
				}
				continue
			}
		}

		select {
		case sess.inbox <- frame:
		default:
			s.cfg.Logger.Warn("inbox full, frame dropped", slog.String("session", sess.ID))
		}
		if s.cfg.Echo {
			if err := sess.Send(frame); err != nil {
				return err
			}
		}
		if s.cfg.OnMessage != nil {
			s.cfg.OnMessage(sess, frame)
		}
	}
}

// Accept returns the next new session.
func (s *Server) Accept(ctx context.Context) (*Session, error) {
	select {
	case sess := <-s.accepted:
		return sess, nil
	case <-s.done:
		return nil, ErrServerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Sessions returns the live sessions.
func (s *Server) Sessions() []*Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// CloseAll closes every live session with code.
func (s *Server) CloseAll(code int, reason string) {
	for _, sess := range s.Sessions() {
		_ = sess.Close(code, reason)
	}
}

// DropAll drops every live session without a close handshake.
func (s *Server) DropAll() {
	for _, sess := range s.Sessions() {
		_ = sess.Drop()
	}
}

// Close stops accepting sessions, closes the live ones with going-away
// and waits for their loops to end.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.done)
	s.mu.Unlock()

	s.CloseAll(transport.CloseGoingAway, "server closed")
	s.wg.Wait()
}
