package client

import (
	"log/slog"
	"time"

	"github.com/tether-io/tether-go/pkg/connection"
	"github.com/tether-io/tether-go/pkg/eventbus"
	"github.com/tether-io/tether-go/pkg/log"
	"github.com/tether-io/tether-go/pkg/queue"
	"github.com/tether-io/tether-go/pkg/transport"
	"github.com/tether-io/tether-go/pkg/wire"
)

// Defaults.
const (
	DefaultWriteTimeout = 10 * time.Second
	DefaultDialTimeout  = 15 * time.Second
)

type options struct {
	policy       connection.PolicyConfig
	heartbeat    transport.HeartbeatConfig
	codec        wire.Codec
	probe        wire.ProbeForm
	dialer       transport.Dialer
	queue        queue.Config
	bus          *eventbus.Bus
	logger       *slog.Logger
	protoLogger  log.Logger
	writeTimeout time.Duration
	dialTimeout  time.Duration
}

func defaultOptions() options {
	return options{
		policy:       connection.DefaultPolicyConfig(),
		heartbeat:    transport.DefaultHeartbeatConfig(),
		codec:        wire.JSONCodec{},
		probe:        wire.ProbeEnvelope,
		writeTimeout: DefaultWriteTimeout,
		dialTimeout:  DefaultDialTimeout,
	}
}

// Option configures a Client.
type Option func(*options)

// WithReconnect sets the reconnection policy.
func WithReconnect(cfg connection.PolicyConfig) Option {
	return func(o *options) { o.policy = cfg }
}

// WithHeartbeat sets the liveness probe configuration. A zero Interval
// disables probing.
func WithHeartbeat(cfg transport.HeartbeatConfig) Option {
	return func(o *options) { o.heartbeat = cfg }
}

// WithCodec sets the envelope codec. The default is JSON.
func WithCodec(codec wire.Codec) Option {
	return func(o *options) { o.codec = codec }
}

// WithProbe selects the heartbeat probe form.
func WithProbe(form wire.ProbeForm) Option {
	return func(o *options) { o.probe = form }
}

// WithDialer replaces the default ws/wss/tcp dialer.
func WithDialer(d transport.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithQueueLimit bounds the outbound queue. Zero means unbounded.
func WithQueueLimit(limit int, overflow queue.OverflowPolicy) Option {
	return func(o *options) {
		o.queue = queue.Config{Limit: limit, Overflow: overflow}
	}
}

// WithBus shares an existing event bus.
func WithBus(bus *eventbus.Bus) Option {
	return func(o *options) { o.bus = bus }
}

// WithLogger sets the operational logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

// WithProtocolLogger captures protocol events (frames, messages, state).
func WithProtocolLogger(logger log.Logger) Option {
	return func(o *options) { o.protoLogger = logger }
}

// WithWriteTimeout bounds each transport write.
func WithWriteTimeout(d time.Duration) Option {
	return func(o *options) { o.writeTimeout = d }
}

// WithDialTimeout bounds each connection attempt. Zero means no limit.
func WithDialTimeout(d time.Duration) Option {
	return func(o *options) { o.dialTimeout = d }
}
