package client

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/tether-io/tether-go/pkg/config"
	"github.com/tether-io/tether-go/pkg/connection"
	"github.com/tether-io/tether-go/pkg/eventbus"
	"github.com/tether-io/tether-go/pkg/log"
	"github.com/tether-io/tether-go/pkg/queue"
	"github.com/tether-io/tether-go/pkg/transport"
	"github.com/tether-io/tether-go/pkg/wire"
)

const waitFor = 2 * time.Second

var allTopics = []string{
	TopicOpen, TopicClose, TopicError, TopicStateChange, TopicMessage,
	TopicReconnectScheduled, TopicReconnectExhausted, TopicSent, TopicQueued,
	MessageTopic("chat"),
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fastPolicy reconnects quickly with exponential backoff.
func fastPolicy(base time.Duration) connection.PolicyConfig {
	return connection.PolicyConfig{
		Enabled:     true,
		BaseDelay:   base,
		MaxDelay:    30 * base,
		Exponential: true,
	}
}

// recorder captures bus events in delivery order.
type recorder struct {
	mu     sync.Mutex
	events []eventbus.Event
}

func record(c *Client) *recorder {
	r := &recorder{}
	for _, topic := range allTopics {
		c.On(topic, func(ev eventbus.Event) {
			r.mu.Lock()
			r.events = append(r.events, ev)
			r.mu.Unlock()
		})
	}
	return r
}

func (r *recorder) topic(topic string) []eventbus.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []eventbus.Event
	for _, ev := range r.events {
		if ev.Topic == topic {
			out = append(out, ev)
		}
	}
	return out
}

func (r *recorder) wait(t *testing.T, topic string, n int) []eventbus.Event {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(r.topic(topic)) >= n
	}, waitFor, time.Millisecond, "waiting for %d %q events", n, topic)
	return r.topic(topic)
}

func (r *recorder) states() []StateChange {
	var out []StateChange
	for _, ev := range r.topic(TopicStateChange) {
		out = append(out, ev.Payload.(StateChange))
	}
	return out
}

// harness connects a client to an in-memory peer.
type harness struct {
	t        *testing.T
	network  *transport.PipeNetwork
	listener *transport.PipeListener
	client   *Client
	rec      *recorder
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	network := transport.NewPipeNetwork()
	l, err := network.Listen("peer")
	require.NoError(t, err)

	base := []Option{
		WithDialer(network),
		WithLogger(quietLogger()),
		WithHeartbeat(transport.HeartbeatConfig{}),
		WithReconnect(fastPolicy(10 * time.Millisecond)),
	}
	c, err := New(transport.MustEndpoint(l.URL(), ""), append(base, opts...)...)
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = c.Close()
		_ = l.Close()
	})

	return &harness{t: t, network: network, listener: l, client: c, rec: record(c)}
}

func (h *harness) accept() *transport.PipeConn {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	conn, err := h.listener.Accept(ctx)
	require.NoError(h.t, err)
	return conn
}

// noConnection asserts that no dial reaches the peer within d.
func (h *harness) noConnection(d time.Duration) {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	_, err := h.listener.Accept(ctx)
	assert.ErrorIs(h.t, err, context.DeadlineExceeded, "unexpected connection")
}

func (h *harness) connect() *transport.PipeConn {
	h.t.Helper()
	require.NoError(h.t, h.client.Connect(context.Background()))
	conn := h.accept()
	h.waitState(connection.StateConnected)
	return conn
}

func (h *harness) waitState(want connection.State) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		return h.client.State() == want
	}, waitFor, time.Millisecond, "waiting for state %s", want)
}

// readFrame reads one frame from the peer side with a timeout.
func readFrame(t *testing.T, conn transport.Conn) (transport.MessageType, []byte) {
	t.Helper()
	type result struct {
		mt   transport.MessageType
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		mt, data, err := conn.ReadMessage()
		ch <- result{mt, data, err}
	}()
	select {
	case r := <-ch:
		require.NoError(t, r.err)
		return r.mt, r.data
	case <-time.After(waitFor):
		t.Fatal("timed out reading from peer")
		return 0, nil
	}
}

func readKinds(t *testing.T, conn transport.Conn, n int) []string {
	t.Helper()
	kinds := make([]string, 0, n)
	for len(kinds) < n {
		_, data := readFrame(t, conn)
		msg, err := wire.JSONCodec{}.Decode(data)
		require.NoError(t, err)
		kinds = append(kinds, msg.Kind)
	}
	return kinds
}

func send(t *testing.T, c *Client, kind string) SendResult {
	t.Helper()
	res, err := c.Send(wire.NewMessage(kind, map[string]any{"k": kind}))
	require.NoError(t, err)
	return res
}

func TestConnectAndSend(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, connection.StateDisconnected, h.client.State())

	peer := h.connect()
	assert.True(t, h.client.IsConnected())

	open := h.rec.wait(t, TopicOpen, 1)
	info := open[0].Payload.(OpenInfo)
	assert.NotEmpty(t, info.ConnectionID)
	assert.Equal(t, "pipe://peer", info.URL)

	res, err := h.client.Send(wire.NewMessage("chat", map[string]any{"text": "hi"}))
	require.NoError(t, err)
	assert.Equal(t, Sent, res)

	mt, data := readFrame(t, peer)
	assert.Equal(t, transport.TextMessage, mt)
	msg, err := wire.JSONCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "chat", msg.Kind)

	var body struct{ Text string }
	require.NoError(t, msg.Decode(&body))
	assert.Equal(t, "hi", body.Text)

	assert.Equal(t, []StateChange{
		{connection.StateDisconnected, connection.StateConnecting},
		{connection.StateConnecting, connection.StateConnected},
	}, h.rec.states())
}

func TestConnectIsNoopWhileConnected(t *testing.T) {
	h := newHarness(t)
	h.connect()

	require.NoError(t, h.client.Connect(context.Background()))
	h.noConnection(30 * time.Millisecond)
	assert.Len(t, h.rec.topic(TopicStateChange), 2)
}

func TestSendQueuesUntilConnected(t *testing.T) {
	h := newHarness(t)

	assert.Equal(t, Queued, send(t, h.client, "a"))
	assert.Equal(t, Queued, send(t, h.client, "b"))
	assert.Equal(t, 2, h.client.QueueLen())

	peer := h.connect()
	assert.Equal(t, []string{"a", "b"}, readKinds(t, peer, 2))
	assert.Len(t, h.rec.wait(t, TopicSent, 2), 2)
	assert.Zero(t, h.client.QueueLen())
}

func TestQueueOrderAcrossReconnects(t *testing.T) {
	h := newHarness(t, WithReconnect(fastPolicy(100*time.Millisecond)))

	var results []SendResult
	results = append(results, send(t, h.client, "m1"), send(t, h.client, "m2"))

	peer := h.connect()
	results = append(results, send(t, h.client, "m3"))
	assert.Equal(t, []string{"m1", "m2", "m3"}, readKinds(t, peer, 3))

	peer.Drop()
	h.waitState(connection.StateDisconnected)
	results = append(results, send(t, h.client, "m4"), send(t, h.client, "m5"), send(t, h.client, "m6"))

	peer = h.accept()
	h.waitState(connection.StateConnected)
	results = append(results, send(t, h.client, "m7"))
	assert.Equal(t, []string{"m4", "m5", "m6", "m7"}, readKinds(t, peer, 4))

	peer.Drop()
	h.waitState(connection.StateDisconnected)
	results = append(results, send(t, h.client, "m8"), send(t, h.client, "m9"))

	peer = h.accept()
	h.waitState(connection.StateConnected)
	results = append(results, send(t, h.client, "m10"))
	assert.Equal(t, []string{"m8", "m9", "m10"}, readKinds(t, peer, 3))

	assert.Equal(t, []SendResult{
		Queued, Queued, Sent,
		Queued, Queued, Queued, Sent,
		Queued, Queued, Sent,
	}, results)
	assert.Zero(t, h.client.QueueLen())
}

func TestNoReconnectWhenDisabled(t *testing.T) {
	h := newHarness(t, WithReconnect(connection.PolicyConfig{Enabled: false}))
	peer := h.connect()

	peer.Drop()
	h.waitState(connection.StateDisconnected)
	h.noConnection(100 * time.Millisecond)

	assert.Empty(t, h.rec.topic(TopicReconnectScheduled))
	assert.Empty(t, h.rec.topic(TopicError))
	assert.Equal(t, connection.StateDisconnected, h.client.State())
	assert.Zero(t, h.client.Attempts())
}

func TestUnexpectedClosureSchedulesReconnect(t *testing.T) {
	h := newHarness(t)
	peer := h.connect()

	peer.Drop()
	scheduled := h.rec.wait(t, TopicReconnectScheduled, 1)
	assert.Equal(t, ReconnectScheduled{Attempt: 1, Delay: 10 * time.Millisecond}, scheduled[0].Payload)

	closes := h.rec.wait(t, TopicClose, 1)
	info := closes[0].Payload.(CloseInfo)
	assert.False(t, info.Expected)
	assert.Equal(t, transport.CloseAbnormalClosure, info.Code)
	assert.ErrorIs(t, info.Err, io.ErrUnexpectedEOF)
	assert.Empty(t, h.rec.topic(TopicError), "recovered closures are not errors")
	assert.Contains(t, h.rec.states(), StateChange{connection.StateConnected, connection.StateDisconnected})
	assert.NotContains(t, h.rec.states(), StateChange{connection.StateConnected, connection.StateFailed})

	h.accept()
	h.waitState(connection.StateConnected)
	assert.Zero(t, h.client.Attempts(), "attempts reset on connect")
}

func TestPeerNormalCloseReconnects(t *testing.T) {
	h := newHarness(t)
	peer := h.connect()

	require.NoError(t, peer.Close(transport.CloseGoingAway, "restarting"))

	closes := h.rec.wait(t, TopicClose, 1)
	assert.Equal(t, CloseInfo{Code: transport.CloseGoingAway, Reason: "restarting"}, closes[0].Payload)
	h.rec.wait(t, TopicReconnectScheduled, 1)
	assert.Empty(t, h.rec.topic(TopicError))

	states := h.rec.states()
	assert.Contains(t, states, StateChange{connection.StateConnected, connection.StateDisconnected})

	h.accept()
	h.waitState(connection.StateConnected)
}

// countingDialer fails the first n dials, then blocks until cancelled.
type countingDialer struct {
	fail  int32
	calls atomic.Int32
}

func (d *countingDialer) Dial(ctx context.Context, _ string) (transport.Conn, error) {
	if d.calls.Add(1) <= d.fail {
		return nil, errors.New("connection refused")
	}
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestReconnectBackoffSequence(t *testing.T) {
	dialer := &countingDialer{fail: 100}
	policy := connection.PolicyConfig{
		Enabled:     true,
		BaseDelay:   time.Millisecond,
		MaxDelay:    8 * time.Millisecond,
		MaxAttempts: 6,
		Exponential: true,
	}
	h := newHarness(t, WithDialer(dialer), WithReconnect(policy))

	require.NoError(t, h.client.Connect(context.Background()))
	h.rec.wait(t, TopicReconnectExhausted, 1)

	var delays []time.Duration
	for _, ev := range h.rec.topic(TopicReconnectScheduled) {
		delays = append(delays, ev.Payload.(ReconnectScheduled).Delay)
	}
	ms := time.Millisecond
	assert.Equal(t, []time.Duration{1 * ms, 2 * ms, 4 * ms, 8 * ms, 8 * ms, 8 * ms}, delays)
}

func TestReconnectExhaustion(t *testing.T) {
	dialer := &countingDialer{fail: 4}
	policy := connection.PolicyConfig{
		Enabled:     true,
		BaseDelay:   time.Millisecond,
		MaxDelay:    10 * time.Millisecond,
		MaxAttempts: 3,
		Exponential: true,
	}
	h := newHarness(t, WithDialer(dialer), WithReconnect(policy))

	require.NoError(t, h.client.Connect(context.Background()))
	exhausted := h.rec.wait(t, TopicReconnectExhausted, 1)
	assert.Equal(t, ReconnectExhausted{Attempts: 3}, exhausted[0].Payload)

	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(4), dialer.calls.Load(), "initial dial plus three retries")
	assert.Len(t, h.rec.topic(TopicReconnectScheduled), 3)
	assert.Len(t, h.rec.topic(TopicReconnectExhausted), 1)
	assert.Equal(t, connection.StateDisconnected, h.client.State())
	assert.Equal(t, 3, h.client.Attempts())

	// An explicit connect starts over.
	require.NoError(t, h.client.Connect(context.Background()))
	assert.Zero(t, h.client.Attempts())
	assert.Equal(t, connection.StateConnecting, h.client.State())
	require.Eventually(t, func() bool { return dialer.calls.Load() == 5 }, waitFor, time.Millisecond)
}

func TestDisconnectCancelsPendingReconnect(t *testing.T) {
	h := newHarness(t, WithReconnect(fastPolicy(50*time.Millisecond)))
	peer := h.connect()

	peer.Drop()
	h.rec.wait(t, TopicReconnectScheduled, 1)

	h.client.Disconnect()
	assert.Equal(t, connection.StateDisconnected, h.client.State())

	closes := h.rec.wait(t, TopicClose, 2)
	assert.True(t, closes[1].Payload.(CloseInfo).Expected)

	h.noConnection(150 * time.Millisecond)
	assert.Equal(t, connection.StateDisconnected, h.client.State())
}

func TestDisconnectWhileConnected(t *testing.T) {
	h := newHarness(t)
	peer := h.connect()

	h.client.Disconnect()
	assert.Equal(t, connection.StateDisconnected, h.client.State())

	_, _, err := peer.ReadMessage()
	var ce *transport.CloseError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, transport.CloseNormalClosure, ce.Code)

	assert.Equal(t, []StateChange{
		{connection.StateDisconnected, connection.StateConnecting},
		{connection.StateConnecting, connection.StateConnected},
		{connection.StateConnected, connection.StateDisconnecting},
		{connection.StateDisconnecting, connection.StateDisconnected},
	}, h.rec.states())

	closes := h.rec.wait(t, TopicClose, 1)
	assert.Equal(t, CloseInfo{Code: transport.CloseNormalClosure, Reason: "client disconnect", Expected: true}, closes[0].Payload)

	h.noConnection(50 * time.Millisecond)
	assert.Empty(t, h.rec.topic(TopicReconnectScheduled))

	// Sends after disconnect are queued for the next connect.
	assert.Equal(t, Queued, send(t, h.client, "later"))
	peer = h.connect()
	assert.Equal(t, []string{"later"}, readKinds(t, peer, 1))
}

func TestDisconnectWhileConnecting(t *testing.T) {
	dialer := &countingDialer{}
	h := newHarness(t, WithDialer(dialer))

	require.NoError(t, h.client.Connect(context.Background()))
	require.Eventually(t, func() bool { return dialer.calls.Load() == 1 }, waitFor, time.Millisecond)

	h.client.Disconnect()
	assert.Equal(t, connection.StateDisconnected, h.client.State())

	time.Sleep(30 * time.Millisecond)
	assert.Empty(t, h.rec.topic(TopicError))
	assert.Empty(t, h.rec.topic(TopicReconnectScheduled))
}

func TestHeartbeatTimeoutSchedulesReconnect(t *testing.T) {
	h := newHarness(t, WithHeartbeat(transport.HeartbeatConfig{
		Interval:     20 * time.Millisecond,
		ReplyTimeout: 20 * time.Millisecond,
	}))
	peer := h.connect()

	// The peer reads the probe but never answers.
	_, data := readFrame(t, peer)
	assert.JSONEq(t, `{"type":"ping"}`, string(data))

	closes := h.rec.wait(t, TopicClose, 1)
	assert.ErrorIs(t, closes[0].Payload.(CloseInfo).Err, transport.ErrHeartbeatTimeout)
	h.rec.wait(t, TopicReconnectScheduled, 1)
	assert.Empty(t, h.rec.topic(TopicError))
	require.GreaterOrEqual(t, len(h.rec.states()), 3)
	assert.Equal(t, []StateChange{
		{connection.StateDisconnected, connection.StateConnecting},
		{connection.StateConnecting, connection.StateConnected},
		{connection.StateConnected, connection.StateDisconnected},
	}, h.rec.states()[:3])

	h.accept()
	h.waitState(connection.StateConnected)
}

// answerProbes replies to every probe the client sends until the
// connection ends.
func answerProbes(conn *transport.PipeConn, ping, pong string) {
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(data) == ping {
				_ = conn.WriteText(pong)
			}
		}
	}()
}

func TestHeartbeatReplyKeepsConnection(t *testing.T) {
	h := newHarness(t, WithHeartbeat(transport.HeartbeatConfig{
		Interval:     10 * time.Millisecond,
		ReplyTimeout: 50 * time.Millisecond,
	}))
	peer := h.connect()
	answerProbes(peer, `{"type":"ping"}`, `{"type":"pong"}`)

	require.Eventually(t, func() bool {
		return h.client.HeartbeatStats().Replies >= 3
	}, waitFor, time.Millisecond)

	assert.True(t, h.client.IsConnected())
	assert.Zero(t, h.client.HeartbeatStats().Timeouts)
	assert.Empty(t, h.rec.topic(TopicError))
	assert.Empty(t, h.rec.topic(TopicMessage), "probe replies are not messages")
}

func TestTokenProbe(t *testing.T) {
	h := newHarness(t,
		WithProbe(wire.ProbeToken),
		WithHeartbeat(transport.HeartbeatConfig{Interval: 10 * time.Millisecond, ReplyTimeout: 50 * time.Millisecond}),
	)
	peer := h.connect()
	answerProbes(peer, "ping", "pong")

	require.Eventually(t, func() bool {
		return h.client.HeartbeatStats().Replies >= 2
	}, waitFor, time.Millisecond)
	assert.True(t, h.client.IsConnected())
}

func TestInboundPingAnswered(t *testing.T) {
	h := newHarness(t)
	peer := h.connect()

	require.NoError(t, peer.WriteText(`{"type":"ping"}`))
	_, data := readFrame(t, peer)
	assert.JSONEq(t, `{"type":"pong"}`, string(data))
	assert.Empty(t, h.rec.topic(TopicMessage))
}

func TestInboundMessages(t *testing.T) {
	h := newHarness(t)
	peer := h.connect()

	require.NoError(t, peer.WriteText(`{"type":"chat","data":{"text":"hello"},"timestamp":1700000000000}`))
	require.NoError(t, peer.WriteText(`{"type":"presence","data":{"online":true}}`))

	all := h.rec.wait(t, TopicMessage, 2)
	chats := h.rec.topic(MessageTopic("chat"))
	require.Len(t, chats, 1)

	msg := chats[0].Payload.(wire.Message)
	assert.Equal(t, "chat", msg.Kind)
	assert.Equal(t, int64(1700000000000), msg.Timestamp.UnixMilli())

	var body struct{ Text string }
	require.NoError(t, msg.Decode(&body))
	assert.Equal(t, "hello", body.Text)

	assert.Equal(t, "presence", all[1].Payload.(wire.Message).Kind)
}

func TestMalformedInboundDropped(t *testing.T) {
	h := newHarness(t)
	peer := h.connect()

	require.NoError(t, peer.WriteText("not json"))
	require.NoError(t, peer.WriteText(`{"data":1}`))
	require.NoError(t, peer.WriteText(`{"type":"chat"}`))

	h.rec.wait(t, MessageTopic("chat"), 1)
	errs := h.rec.topic(TopicError)
	require.Len(t, errs, 2)
	for _, ev := range errs {
		assert.ErrorIs(t, ev.Payload.(error), wire.ErrMalformed)
	}
	assert.True(t, h.client.IsConnected())
	assert.Len(t, h.rec.topic(TopicMessage), 1)
}

func TestQueueRejectNewest(t *testing.T) {
	h := newHarness(t, WithQueueLimit(2, queue.OverflowRejectNewest))

	send(t, h.client, "a")
	send(t, h.client, "b")
	_, err := h.client.Send(wire.NewMessage("c", nil))
	assert.ErrorIs(t, err, queue.ErrFull)
	assert.Equal(t, 2, h.client.QueueLen())
}

func TestQueueDropOldest(t *testing.T) {
	h := newHarness(t, WithQueueLimit(2, queue.OverflowDropOldest))

	send(t, h.client, "a")
	send(t, h.client, "b")
	assert.Equal(t, Queued, send(t, h.client, "c"))
	assert.Equal(t, 2, h.client.QueueLen())

	errs := h.rec.wait(t, TopicError, 1)
	assert.ErrorIs(t, errs[0].Payload.(error), ErrMessageDropped)

	peer := h.connect()
	assert.Equal(t, []string{"b", "c"}, readKinds(t, peer, 2))
}

func TestSendValidation(t *testing.T) {
	h := newHarness(t)

	_, err := h.client.Send(wire.Message{})
	assert.ErrorIs(t, err, wire.ErrMissingKind)

	_, err = h.client.Send(wire.NewMessage("bad", make(chan int)))
	assert.Error(t, err)
	assert.Zero(t, h.client.QueueLen())
}

// mockConn is a transport.Conn whose writes are scripted. Reads block
// until Close.
type mockConn struct {
	mock.Mock
	done chan struct{}
	once sync.Once
}

func newMockConn() *mockConn {
	return &mockConn{done: make(chan struct{})}
}

func (m *mockConn) ReadMessage() (transport.MessageType, []byte, error) {
	<-m.done
	return 0, nil, transport.ErrClosed
}

func (m *mockConn) WriteMessage(ctx context.Context, mt transport.MessageType, data []byte) error {
	args := m.Called(mt, string(data))
	return args.Error(0)
}

func (m *mockConn) Close(code int, reason string) error {
	m.once.Do(func() { close(m.done) })
	return m.Called(code).Error(0)
}

func (m *mockConn) RemoteAddr() string {
	return "mock"
}

func TestDrainFailureKeepsOrder(t *testing.T) {
	network := transport.NewPipeNetwork()
	l, err := network.Listen("peer")
	require.NoError(t, err)
	defer l.Close()

	mc := newMockConn()
	mc.On("WriteMessage", transport.TextMessage, mock.MatchedBy(func(s string) bool {
		return s == `{"type":"m1"}`
	})).Return(nil).Once()
	mc.On("WriteMessage", transport.TextMessage, `{"type":"m2"}`).Return(errors.New("broken pipe")).Once()
	mc.On("Close", transport.CloseGoingAway).Return(nil).Once()

	var dials atomic.Int32
	dialer := transport.DialerFunc(func(ctx context.Context, rawURL string) (transport.Conn, error) {
		if dials.Add(1) == 1 {
			return mc, nil
		}
		return network.Dial(ctx, rawURL)
	})

	c, err := New(transport.MustEndpoint(l.URL(), ""),
		WithDialer(dialer),
		WithLogger(quietLogger()),
		WithHeartbeat(transport.HeartbeatConfig{}),
		WithReconnect(fastPolicy(20*time.Millisecond)),
	)
	require.NoError(t, err)
	defer c.Close()
	rec := record(c)

	for _, kind := range []string{"m1", "m2", "m3"} {
		_, err := c.Send(wire.Message{Kind: kind})
		require.NoError(t, err)
	}

	require.NoError(t, c.Connect(context.Background()))
	closes := rec.wait(t, TopicClose, 1)
	info := closes[0].Payload.(CloseInfo)
	require.Error(t, info.Err)
	assert.Contains(t, info.Err.Error(), "broken pipe")
	assert.Empty(t, rec.topic(TopicError))

	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	peer, err := l.Accept(ctx)
	require.NoError(t, err)

	assert.Equal(t, []string{"m2", "m3"}, readKinds(t, peer, 2))
	mc.AssertExpectations(t)
}

func TestHandlersMayCallBack(t *testing.T) {
	h := newHarness(t)

	h.client.Once(TopicOpen, func(eventbus.Event) {
		_, _ = h.client.Send(wire.Message{Kind: "hello"})
	})
	peer := h.connect()
	assert.Equal(t, []string{"hello"}, readKinds(t, peer, 1))
}

func TestStateChangesAreValidTransitions(t *testing.T) {
	h := newHarness(t)
	peer := h.connect()

	peer.Drop()
	peer = h.accept()
	h.waitState(connection.StateConnected)
	require.NoError(t, peer.Close(transport.CloseNormalClosure, ""))
	h.accept()
	h.waitState(connection.StateConnected)
	h.client.Disconnect()

	states := h.rec.states()
	require.NotEmpty(t, states)
	assert.Equal(t, connection.StateDisconnected, states[0].Previous)
	for i, sc := range states {
		assert.True(t, connection.CanTransition(sc.Previous, sc.Current), "transition %d: %s -> %s", i, sc.Previous, sc.Current)
		if i > 0 {
			assert.Equal(t, states[i-1].Current, sc.Previous, "transition %d does not chain", i)
		}
	}
}

func TestOffStopsDelivery(t *testing.T) {
	h := newHarness(t)

	var calls atomic.Int32
	sub := h.client.On(TopicStateChange, func(eventbus.Event) { calls.Add(1) })
	h.connect()
	h.rec.wait(t, TopicStateChange, 2)
	require.True(t, h.client.Off(sub))

	before := calls.Load()
	h.client.Disconnect()
	h.rec.wait(t, TopicStateChange, 4)
	assert.Equal(t, before, calls.Load())
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	h := newHarness(t)
	h.connect()

	require.NoError(t, h.client.Close())
	require.NoError(t, h.client.Close())
	assert.Equal(t, connection.StateDisconnected, h.client.State())

	assert.ErrorIs(t, h.client.Connect(context.Background()), ErrClosed)
	_, err := h.client.Send(wire.Message{Kind: "x"})
	assert.ErrorIs(t, err, ErrClosed)
}

type closingLogger struct {
	log.NoopLogger
	closed atomic.Int32
}

func (l *closingLogger) Close() error {
	l.closed.Add(1)
	return nil
}

func TestCloseReleasesProtocolLogger(t *testing.T) {
	capture := &closingLogger{}
	h := newHarness(t, WithProtocolLogger(capture))
	h.connect()

	require.NoError(t, h.client.Close())
	require.NoError(t, h.client.Close())
	assert.Equal(t, int32(1), capture.closed.Load())
}

func TestNewValidation(t *testing.T) {
	_, err := New(transport.Endpoint{})
	assert.ErrorIs(t, err, transport.ErrInvalidEndpoint)

	ep := transport.MustEndpoint("ws://localhost", "")
	_, err = New(ep, WithHeartbeat(transport.HeartbeatConfig{Interval: -time.Second}))
	assert.Error(t, err)

	_, err = New(ep, WithQueueLimit(-1, queue.OverflowRejectNewest))
	assert.Error(t, err)

	_, err = New(ep, WithWriteTimeout(0))
	assert.Error(t, err)
}

func TestNewFromConfig(t *testing.T) {
	network := transport.NewPipeNetwork()
	l, err := network.Listen("configured")
	require.NoError(t, err)
	defer l.Close()

	cfg := config.Default()
	cfg.Endpoint.Base = "pipe://configured"
	cfg.Heartbeat.Interval = 0
	cfg.Queue.Limit = 1

	c, err := NewFromConfig(cfg, WithDialer(network), WithLogger(quietLogger()))
	require.NoError(t, err)
	defer c.Close()

	_, err = c.Send(wire.Message{Kind: "a"})
	require.NoError(t, err)
	_, err = c.Send(wire.Message{Kind: "b"})
	assert.ErrorIs(t, err, queue.ErrFull)

	require.NoError(t, c.Connect(context.Background()))
	ctx, cancel := context.WithTimeout(context.Background(), waitFor)
	defer cancel()
	peer, err := l.Accept(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, readKinds(t, peer, 1))

	cfg.Codec = "yaml"
	_, err = NewFromConfig(cfg)
	assert.ErrorIs(t, err, config.ErrInvalid)
}

func TestCBORCodec(t *testing.T) {
	h := newHarness(t, WithCodec(wire.CBORCodec{}))
	peer := h.connect()

	send(t, h.client, "chat")
	mt, data := readFrame(t, peer)
	assert.Equal(t, transport.BinaryMessage, mt)

	msg, err := wire.CBORCodec{}.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, "chat", msg.Kind)
}

// captureLogger records protocol events.
type captureLogger struct {
	mu     sync.Mutex
	events []log.Event
}

func (l *captureLogger) Log(ev log.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *captureLogger) snapshot() []log.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]log.Event(nil), l.events...)
}

func TestProtocolLogging(t *testing.T) {
	capture := &captureLogger{}
	h := newHarness(t, WithProtocolLogger(capture))
	peer := h.connect()

	send(t, h.client, "chat")
	readKinds(t, peer, 1)
	require.NoError(t, peer.WriteText(`{"type":"chat"}`))
	h.rec.wait(t, TopicMessage, 1)

	var states, outbound, inbound int
	var connIDs []string
	for _, ev := range capture.snapshot() {
		switch {
		case ev.StateChange != nil && ev.StateChange.Entity == log.StateEntityConnection:
			states++
		case ev.Message != nil && ev.Direction == log.DirectionOut:
			outbound++
			connIDs = append(connIDs, ev.ConnectionID)
		case ev.Message != nil && ev.Direction == log.DirectionIn:
			inbound++
		}
		assert.Equal(t, "pipe://peer", ev.Endpoint)
	}
	assert.Equal(t, 2, states)
	assert.Equal(t, 1, outbound)
	assert.Equal(t, 1, inbound)
	assert.NotEmpty(t, connIDs[0])
}

func TestUnsolicitedPongLogsNoRTT(t *testing.T) {
	capture := &captureLogger{}
	h := newHarness(t, WithProtocolLogger(capture))
	peer := h.connect()

	require.NoError(t, peer.WriteText(`{"type":"pong"}`))
	require.NoError(t, peer.WriteText(`{"type":"chat"}`))
	h.rec.wait(t, TopicMessage, 1)

	var pongs int
	for _, ev := range capture.snapshot() {
		switch {
		case ev.ControlMsg != nil && ev.ControlMsg.Type == log.ControlMsgPong:
			pongs++
			assert.Nil(t, ev.ControlMsg.RTT)
			assert.Equal(t, log.DirectionIn, ev.Direction)
		case ev.StateChange != nil:
			assert.Equal(t, log.DirectionNone, ev.Direction)
		}
	}
	assert.Equal(t, 1, pongs)
	assert.Zero(t, h.client.HeartbeatStats().Replies)
}

func TestSendResultString(t *testing.T) {
	assert.Equal(t, "SENT", Sent.String())
	assert.Equal(t, "QUEUED", Queued.String())
	assert.Equal(t, "UNKNOWN", SendResult(0).String())
}
