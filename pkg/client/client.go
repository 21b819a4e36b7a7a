package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/tether-io/tether-go/pkg/connection"
	"github.com/tether-io/tether-go/pkg/eventbus"
	"github.com/tether-io/tether-go/pkg/log"
	"github.com/tether-io/tether-go/pkg/queue"
	"github.com/tether-io/tether-go/pkg/transport"
	"github.com/tether-io/tether-go/pkg/wire"
)

// Client errors.
var (
	ErrClosed         = errors.New("client closed")
	ErrMessageDropped = errors.New("queued message dropped")
)

// SendResult reports what Send did with a message.
type SendResult uint8

const (
	// Sent means the message was written to the live transport.
	Sent SendResult = iota + 1

	// Queued means the message waits for the next connection.
	Queued
)

// String returns the result name.
func (r SendResult) String() string {
	switch r {
	case Sent:
		return "SENT"
	case Queued:
		return "QUEUED"
	default:
		return "UNKNOWN"
	}
}

// outbound is a queued message with its encoded frame.
type outbound struct {
	msg   wire.Message
	frame wire.Frame
}

// Client keeps a message connection to one endpoint alive. It reconnects
// after unexpected closures, probes liveness while connected and queues
// outbound messages while the transport is down.
//
// All methods are safe for concurrent use. Event handlers run on a single
// dispatching goroutine at a time, after the client's lock is released,
// so they may call back into the client.
type Client struct {
	endpoint transport.Endpoint
	opts     options
	protocol wire.Protocol
	bus      *eventbus.Bus
	logger   *slog.Logger
	plog     log.Logger

	// Lifetime context; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	// Lock-free mirror of sm's state.
	state atomic.Uint32

	// malformed limits warning logs for undecodable frames.
	malformed *rate.Limiter

	mu             sync.Mutex
	sm             *connection.StateMachine
	policy         *connection.ReconnectPolicy
	queue          *queue.Queue[outbound]
	gen            uint64
	conn           transport.Conn
	connID         string
	dialCancel     context.CancelFunc
	reconnectTimer *time.Timer
	heartbeat      *transport.Heartbeat
	explicit       bool
	suspended      bool
	closed         bool
	pending        []eventbus.Event
	dispatching    bool
}

// New creates a client for endpoint. The client starts Disconnected; call
// Connect to open the transport.
func New(endpoint transport.Endpoint, opts ...Option) (*Client, error) {
	if endpoint.IsZero() {
		return nil, fmt.Errorf("%w: empty endpoint", transport.ErrInvalidEndpoint)
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.bus == nil {
		o.bus = eventbus.New(eventbus.WithLogger(o.logger))
	}
	if o.protoLogger == nil {
		o.protoLogger = log.NoopLogger{}
	}
	if o.dialer == nil {
		o.dialer = transport.DefaultDialer()
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		endpoint:  endpoint,
		opts:      o,
		protocol:  wire.NewProtocol(o.codec, o.probe),
		bus:       o.bus,
		logger:    o.logger.With("endpoint", endpoint.String()),
		plog:      o.protoLogger,
		ctx:       ctx,
		cancel:    cancel,
		malformed: rate.NewLimiter(rate.Every(time.Second), 5),
		sm:        connection.NewStateMachine(),
		policy:    connection.NewReconnectPolicy(o.policy),
		queue:     queue.New[outbound](o.queue),
	}
	c.state.Store(uint32(connection.StateDisconnected))
	return c, nil
}

func (o options) validate() error {
	switch {
	case o.heartbeat.Interval < 0 || o.heartbeat.ReplyTimeout < 0:
		return errors.New("heartbeat durations must not be negative")
	case o.policy.BaseDelay < 0 || o.policy.MaxDelay < 0 || o.policy.MaxAttempts < 0:
		return errors.New("reconnect settings must not be negative")
	case o.queue.Limit < 0:
		return errors.New("queue limit must not be negative")
	case o.writeTimeout <= 0:
		return errors.New("write timeout must be positive")
	case o.dialTimeout < 0:
		return errors.New("dial timeout must not be negative")
	}
	return nil
}

// Endpoint returns the resolved endpoint.
func (c *Client) Endpoint() transport.Endpoint {
	return c.endpoint
}

// State returns the current connection state.
func (c *Client) State() connection.State {
	return connection.State(c.state.Load())
}

// IsConnected reports whether the transport is open.
func (c *Client) IsConnected() bool {
	return c.State() == connection.StateConnected
}

// Bus returns the event bus.
func (c *Client) Bus() *eventbus.Bus {
	return c.bus
}

// On subscribes h to topic.
func (c *Client) On(topic string, h eventbus.Handler) *eventbus.Subscription {
	return c.bus.Subscribe(topic, h)
}

// Once subscribes h to the next event on topic only.
func (c *Client) Once(topic string, h eventbus.Handler) *eventbus.Subscription {
	return c.bus.Once(topic, h)
}

// Off removes a subscription returned by On or Once.
func (c *Client) Off(sub *eventbus.Subscription) bool {
	return c.bus.Unsubscribe(sub)
}

// QueueLen returns the number of queued outbound messages.
func (c *Client) QueueLen() int {
	return c.queue.Len()
}

// Attempts returns the consecutive reconnection attempts since the last
// successful connect.
func (c *Client) Attempts() int {
	return c.policy.Attempts()
}

// HeartbeatStats returns the probe counters of the current or most recent
// connection.
func (c *Client) HeartbeatStats() transport.HeartbeatStats {
	c.mu.Lock()
	hb := c.heartbeat
	c.mu.Unlock()
	if hb == nil {
		return transport.HeartbeatStats{}
	}
	return hb.Stats()
}

// Connect starts connecting. It returns immediately; progress is reported
// through stateChange, open and error events. Calling Connect while
// Connecting or Connected does nothing. Otherwise it resets the attempt
// counter, resumes reconnection if it was exhausted and cancels any
// pending reconnect timer. Cancelling ctx aborts this first attempt only.
func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.unlockAndDispatch()

	if c.closed {
		return ErrClosed
	}
	switch c.sm.State() {
	case connection.StateConnecting, connection.StateConnected:
		return nil
	}

	c.explicit = false
	c.suspended = false
	c.policy.Reset()
	c.cancelReconnect()
	c.startDial(ctx)
	return nil
}

// Disconnect closes the transport and stops reconnection until the next
// Connect. Queued messages are kept.
func (c *Client) Disconnect() {
	c.mu.Lock()
	defer c.unlockAndDispatch()
	c.disconnectLocked("client disconnect")
}

// Close disconnects and releases the client. A protocol logger that is an
// io.Closer is closed too. Later calls to Connect and Send return ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.unlockAndDispatch()

	if c.closed {
		return nil
	}
	c.disconnectLocked("client closed")
	c.closed = true
	c.cancel()
	if closer, ok := c.plog.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

func (c *Client) disconnectLocked(reason string) {
	c.explicit = true
	c.cancelReconnect()
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}
	c.gen++
	c.stopHeartbeat()

	switch c.sm.State() {
	case connection.StateConnected, connection.StateConnecting:
		c.setState(connection.StateDisconnecting, reason)
		c.closeConn(transport.CloseNormalClosure, reason)
		c.setState(connection.StateDisconnected, reason)
	case connection.StateFailed:
		c.setState(connection.StateDisconnected, reason)
	default:
		return
	}

	c.logger.Info("disconnected", "reason", reason)
	c.emit(TopicClose, CloseInfo{Code: transport.CloseNormalClosure, Reason: reason, Expected: true})
}

// Send writes msg when connected, or queues it for the next connection.
// It fails only when msg cannot be encoded, when a bounded queue rejects
// it, or after Close.
func (c *Client) Send(msg wire.Message) (SendResult, error) {
	if err := msg.Validate(); err != nil {
		return 0, err
	}
	frame, err := c.protocol.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("failed to encode %q: %w", msg.Kind, err)
	}
	out := outbound{msg: msg, frame: frame}

	c.mu.Lock()
	defer c.unlockAndDispatch()

	if c.closed {
		return 0, ErrClosed
	}

	var writeErr error
	if c.sm.State() == connection.StateConnected && c.queue.Len() == 0 {
		if writeErr = c.write(frame); writeErr == nil {
			c.logMessage(out, log.DirectionOut, false)
			c.emit(TopicSent, msg)
			return Sent, nil
		}
		// Not accepted by the transport: queue it for the next connection.
		defer c.lose(fmt.Errorf("write failed: %w", writeErr))
	}

	evicted, dropped, err := c.queue.Push(out)
	if err != nil {
		return 0, err
	}
	if dropped {
		c.logger.Warn("outbound queue full, dropped oldest message", "kind", evicted.msg.Kind)
		c.emit(TopicError, fmt.Errorf("%w: %s", ErrMessageDropped, evicted.msg.Kind))
	}
	c.logMessage(out, log.DirectionOut, true)
	c.emit(TopicQueued, msg)
	return Queued, nil
}

// unlockAndDispatch releases the lock and delivers buffered events. Only
// one goroutine dispatches at a time; events raised by handlers are
// appended and delivered by the same loop, in order.
func (c *Client) unlockAndDispatch() {
	if c.dispatching {
		c.mu.Unlock()
		return
	}
	c.dispatching = true
	for len(c.pending) > 0 {
		events := c.pending
		c.pending = nil
		c.mu.Unlock()
		for _, ev := range events {
			c.bus.Publish(ev.Topic, ev.Payload)
		}
		c.mu.Lock()
	}
	c.dispatching = false
	c.mu.Unlock()
}

// emit buffers an event. Requires c.mu.
func (c *Client) emit(topic string, payload any) {
	c.pending = append(c.pending, eventbus.Event{Topic: topic, Payload: payload})
}

// setState performs a transition and emits stateChange. Leaving
// Connected stops the heartbeat. Requires c.mu.
func (c *Client) setState(to connection.State, reason string) bool {
	from := c.sm.State()
	if err := c.sm.Transition(to); err != nil {
		c.logger.Debug("transition rejected", "error", err)
		return false
	}
	c.state.Store(uint32(to))
	if from == connection.StateConnected {
		c.stopHeartbeat()
	}

	c.logger.Debug("state changed", "from", from, "to", to, "reason", reason)
	c.logEvent(log.Event{
		Layer:    log.LayerClient,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityConnection,
			OldState: from.String(),
			NewState: to.String(),
			Reason:   reason,
		},
	})
	c.emit(TopicStateChange, StateChange{Previous: from, Current: to})
	return true
}

// startDial moves to Connecting and dials on a new goroutine. Requires c.mu.
func (c *Client) startDial(parent context.Context) {
	if !c.setState(connection.StateConnecting, "connect") {
		return
	}
	c.gen++
	gen := c.gen

	var ctx context.Context
	var cancel context.CancelFunc
	if c.opts.dialTimeout > 0 {
		ctx, cancel = context.WithTimeout(c.ctx, c.opts.dialTimeout)
	} else {
		ctx, cancel = context.WithCancel(c.ctx)
	}
	c.dialCancel = cancel

	stop := func() bool { return false }
	if parent != nil {
		stop = context.AfterFunc(parent, cancel)
	}

	url := c.endpoint.URL()
	c.logger.Info("connecting", "url", url, "attempt", c.policy.Attempts())

	go func() {
		conn, err := c.opts.dialer.Dial(ctx, url)
		stop()
		c.dialDone(gen, conn, err)
	}()
}

func (c *Client) dialDone(gen uint64, conn transport.Conn, err error) {
	c.mu.Lock()
	defer c.unlockAndDispatch()

	if gen != c.gen || c.sm.State() != connection.StateConnecting {
		if conn != nil {
			_ = conn.Close(transport.CloseNormalClosure, "superseded")
		}
		return
	}
	if c.dialCancel != nil {
		c.dialCancel()
		c.dialCancel = nil
	}

	if err != nil {
		c.logger.Warn("connect failed", "error", err, "attempt", c.policy.Attempts())
		c.logError(fmt.Sprintf("connect: %v", err), nil)
		c.setState(connection.StateFailed, "connect failed")
		c.emit(TopicError, fmt.Errorf("connect %s: %w", c.endpoint.URL(), err))
		c.scheduleReconnect()
		return
	}

	c.conn = conn
	c.connID = uuid.NewString()
	if fl, ok := conn.(transport.FrameLogger); ok {
		if _, noop := c.plog.(log.NoopLogger); !noop {
			fl.SetLogger(c.plog, c.connID)
		}
	}

	c.policy.Reset()
	c.setState(connection.StateConnected, "transport open")
	c.logger.Info("connected", "conn_id", c.connID, "remote", conn.RemoteAddr())
	c.emit(TopicOpen, OpenInfo{ConnectionID: c.connID, URL: c.endpoint.URL(), RemoteAddr: conn.RemoteAddr()})

	go c.readLoop(gen, conn)
	c.startHeartbeat(gen)
	c.drainQueue()
}

// drainQueue sends queued messages in order. A failed write stops the
// drain with the failing message still queued. Requires c.mu.
func (c *Client) drainQueue() {
	n := c.queue.Len()
	if n == 0 {
		return
	}

	sent, err := c.queue.Drain(func(out outbound) error {
		if err := c.write(out.frame); err != nil {
			return err
		}
		c.logMessage(out, log.DirectionOut, false)
		c.emit(TopicSent, out.msg)
		return nil
	})

	c.logEvent(log.Event{
		Layer:    log.LayerClient,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityQueue,
			OldState: fmt.Sprintf("%d queued", n),
			NewState: fmt.Sprintf("%d queued", n-sent),
			Reason:   "drain",
		},
	})

	if err != nil {
		c.logger.Warn("queue drain interrupted", "sent", sent, "remaining", n-sent, "error", err)
		c.lose(fmt.Errorf("write failed: %w", err))
		return
	}
	c.logger.Debug("queue drained", "sent", sent)
}

// write sends one frame on the live transport. Requires c.mu.
func (c *Client) write(frame wire.Frame) error {
	if c.conn == nil {
		return transport.ErrClosed
	}
	ctx, cancel := context.WithTimeout(c.ctx, c.opts.writeTimeout)
	defer cancel()

	mt := transport.TextMessage
	if frame.Binary {
		mt = transport.BinaryMessage
	}
	return c.conn.WriteMessage(ctx, mt, frame.Data)
}

func (c *Client) readLoop(gen uint64, conn transport.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.readFailed(gen, err)
			return
		}
		if !c.received(gen, data) {
			return
		}
	}
}

// received handles one inbound frame. It reports false once the
// connection it belongs to is no longer current.
func (c *Client) received(gen uint64, data []byte) bool {
	c.mu.Lock()
	defer c.unlockAndDispatch()

	if gen != c.gen {
		return false
	}

	in, err := c.protocol.Parse(data)
	if err != nil {
		if c.malformed.Allow() {
			c.logger.Warn("dropping malformed message", "conn_id", c.connID, "size", len(data), "error", err)
		}
		c.logError(err.Error(), nil)
		c.emit(TopicError, err)
		return true
	}

	switch in.Probe {
	case wire.ProbePing:
		c.logControl(log.ControlMsgPing, log.DirectionIn, nil)
		pong, err := c.protocol.Pong()
		if err == nil {
			err = c.write(pong)
		}
		if err != nil {
			c.lose(fmt.Errorf("write failed: %w", err))
			return false
		}
		c.logControl(log.ControlMsgPong, log.DirectionOut, nil)

	case wire.ProbePong:
		var rtt *time.Duration
		if c.heartbeat != nil {
			if d, ok := c.heartbeat.Reply(); ok {
				rtt = &d
			}
		}
		c.logControl(log.ControlMsgPong, log.DirectionIn, rtt)

	default:
		c.logMessage(outbound{msg: in.Message, frame: wire.Frame{Data: data}}, log.DirectionIn, false)
		c.emit(TopicMessage, in.Message)
		c.emit(MessageTopic(in.Message.Kind), in.Message)
	}
	return true
}

func (c *Client) readFailed(gen uint64, err error) {
	c.mu.Lock()
	defer c.unlockAndDispatch()

	if gen != c.gen || c.sm.State() != connection.StateConnected {
		return
	}

	code, reason := transport.CloseCode(err)
	c.logEvent(log.Event{
		Direction: log.DirectionIn,
		Layer:     log.LayerTransport,
		Category:  log.CategoryControl,
		ControlMsg: &log.ControlMsgEvent{
			Type:        log.ControlMsgClose,
			CloseCode:   &code,
			CloseReason: reason,
		},
	})

	if transport.IsNormalClosure(err) {
		c.logger.Info("connection closed by peer", "conn_id", c.connID, "code", code, "reason", reason)
		c.gen++
		c.closeConn(code, reason)
		c.setState(connection.StateDisconnected, "closed by peer")
		c.emit(TopicClose, CloseInfo{Code: code, Reason: reason})
		c.scheduleReconnect()
		return
	}
	c.lose(fmt.Errorf("connection lost: %w", err))
}

// lose tears down the live connection after an unexpected closure, moves
// to Disconnected and schedules a reconnect. The cause travels on the
// close event; it is not an error event because the client recovers on
// its own. Requires c.mu.
func (c *Client) lose(cause error) {
	if c.sm.State() != connection.StateConnected {
		return
	}
	c.gen++

	code, reason := transport.CloseAbnormalClosure, cause.Error()
	var ce *transport.CloseError
	if errors.As(cause, &ce) {
		code, reason = ce.Code, ce.Reason
	}

	c.logger.Warn("connection lost", "conn_id", c.connID, "error", cause)
	c.logError(cause.Error(), &code)
	c.closeConn(transport.CloseGoingAway, "connection lost")
	c.setState(connection.StateDisconnected, cause.Error())
	c.emit(TopicClose, CloseInfo{Code: code, Reason: reason, Err: cause})
	c.scheduleReconnect()
}

func (c *Client) closeConn(code int, reason string) {
	if c.conn == nil {
		return
	}
	if err := c.conn.Close(code, reason); err != nil {
		c.logger.Debug("transport close", "error", err)
	}
	c.conn = nil
}

// scheduleReconnect arms the reconnect timer after an unexpected closure.
// Requires c.mu.
func (c *Client) scheduleReconnect() {
	if c.explicit || c.closed || c.suspended || !c.policy.Enabled() {
		return
	}
	if c.reconnectTimer != nil {
		return
	}

	attempt, delay, ok := c.policy.Next()
	if !ok {
		attempts := attempt - 1
		c.suspended = true
		if c.sm.State() == connection.StateFailed {
			c.setState(connection.StateDisconnected, "reconnect exhausted")
		}
		c.logger.Warn("reconnect attempts exhausted", "attempts", attempts)
		c.logEvent(log.Event{
			Layer:    log.LayerClient,
			Category: log.CategoryState,
			StateChange: &log.StateChangeEvent{
				Entity:   log.StateEntityReconnect,
				NewState: "EXHAUSTED",
				Attempt:  attempts,
			},
		})
		c.emit(TopicReconnectExhausted, ReconnectExhausted{Attempts: attempts})
		return
	}

	gen := c.gen
	c.reconnectTimer = time.AfterFunc(delay, func() { c.reconnectFired(gen) })

	c.logger.Info("reconnect scheduled", "attempt", attempt, "delay", delay)
	c.logEvent(log.Event{
		Layer:    log.LayerClient,
		Category: log.CategoryState,
		StateChange: &log.StateChangeEvent{
			Entity:   log.StateEntityReconnect,
			NewState: "SCHEDULED",
			Attempt:  attempt,
			Delay:    delay,
		},
	})
	c.emit(TopicReconnectScheduled, ReconnectScheduled{Attempt: attempt, Delay: delay})
}

func (c *Client) reconnectFired(gen uint64) {
	c.mu.Lock()
	defer c.unlockAndDispatch()

	if gen != c.gen || c.reconnectTimer == nil {
		return
	}
	c.reconnectTimer = nil
	c.startDial(nil)
}

func (c *Client) cancelReconnect() {
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
}

// startHeartbeat begins probing the connection of generation gen.
// Requires c.mu.
func (c *Client) startHeartbeat(gen uint64) {
	hb := transport.NewHeartbeat(c.opts.heartbeat,
		func() error { return c.sendProbe(gen) },
		func() { c.probeTimedOut(gen) },
	)
	c.heartbeat = hb
	hb.Start(c.ctx)
}

func (c *Client) stopHeartbeat() {
	if c.heartbeat != nil {
		c.heartbeat.Stop()
	}
}

func (c *Client) sendProbe(gen uint64) error {
	c.mu.Lock()
	defer c.unlockAndDispatch()

	if gen != c.gen {
		return transport.ErrClosed
	}
	ping, err := c.protocol.Ping()
	if err != nil {
		return err
	}
	if err := c.write(ping); err != nil {
		return err
	}
	c.logControl(log.ControlMsgPing, log.DirectionOut, nil)
	return nil
}

func (c *Client) probeTimedOut(gen uint64) {
	c.mu.Lock()
	defer c.unlockAndDispatch()

	if gen != c.gen {
		return
	}
	c.lose(fmt.Errorf("%w: no reply within %s", transport.ErrHeartbeatTimeout, c.heartbeat.Config().ReplyTimeout))
}

// Protocol capture helpers. All require c.mu.

func (c *Client) logEvent(ev log.Event) {
	ev.Timestamp = time.Now()
	ev.ConnectionID = c.connID
	ev.Endpoint = c.endpoint.URL()
	c.plog.Log(ev)
}

func (c *Client) logMessage(out outbound, dir log.Direction, queued bool) {
	me := &log.MessageEvent{
		Kind:    out.msg.Kind,
		Size:    len(out.frame.Data),
		Queued:  queued,
		Payload: out.msg.Payload,
	}
	if !out.msg.Timestamp.IsZero() {
		ts := out.msg.Timestamp
		me.SentAt = &ts
	}
	c.logEvent(log.Event{
		Direction: dir,
		Layer:     log.LayerWire,
		Category:  log.CategoryMessage,
		Message:   me,
	})
}

func (c *Client) logControl(typ log.ControlMsgType, dir log.Direction, rtt *time.Duration) {
	c.logEvent(log.Event{
		Direction:  dir,
		Layer:      log.LayerWire,
		Category:   log.CategoryControl,
		ControlMsg: &log.ControlMsgEvent{Type: typ, RTT: rtt},
	})
}

func (c *Client) logError(msg string, code *int) {
	c.logEvent(log.Event{
		Layer:    log.LayerClient,
		Category: log.CategoryError,
		Error: &log.ErrorEventData{
			Layer:   log.LayerClient,
			Message: msg,
			Code:    code,
		},
	})
}
