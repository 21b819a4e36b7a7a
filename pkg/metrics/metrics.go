// Package metrics exports client activity as Prometheus metrics.
//
// A Collector subscribes to a client's event bus, so it sees exactly what
// application handlers see:
//
//	reg := prometheus.NewRegistry()
//	m, _ := metrics.New(reg)
//	detach := m.Attach(c.Bus())
//	defer detach()
package metrics

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tether-io/tether-go/pkg/client"
	"github.com/tether-io/tether-go/pkg/connection"
	"github.com/tether-io/tether-go/pkg/eventbus"
	"github.com/tether-io/tether-go/pkg/transport"
	"github.com/tether-io/tether-go/pkg/wire"
)

// Namespace prefixes every metric name.
const Namespace = "tether"

// Error classes used for the errors_total "class" label.
const (
	ErrorMalformed        = "malformed"
	ErrorHeartbeatTimeout = "heartbeat_timeout"
	ErrorDropped          = "dropped"
	ErrorTransport        = "transport"
	ErrorVersion          = "version"
)

var allStates = []connection.State{
	connection.StateDisconnected,
	connection.StateConnecting,
	connection.StateConnected,
	connection.StateDisconnecting,
	connection.StateFailed,
}

// Collector holds the client metrics.
type Collector struct {
	state        *prometheus.GaugeVec
	transitions  *prometheus.CounterVec
	reconnects   prometheus.Counter
	backoff      prometheus.Histogram
	exhaustions  prometheus.Counter
	messages     *prometheus.CounterVec
	errors       *prometheus.CounterVec
	connections  prometheus.Counter
	disconnected *prometheus.CounterVec
}

// New creates a collector and registers it with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: Namespace,
			Name:      "connection_state",
			Help:      "1 for the current connection state, 0 otherwise.",
		}, []string{"state"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "state_transitions_total",
			Help:      "Connection state transitions.",
		}, []string{"from", "to"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconnects_scheduled_total",
			Help:      "Reconnection attempts scheduled.",
		}),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: Namespace,
			Name:      "reconnect_delay_seconds",
			Help:      "Scheduled reconnection delays.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 4, 8, 16, 30, 60},
		}),
		exhaustions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "reconnects_exhausted_total",
			Help:      "Times the reconnection attempt limit was reached.",
		}),
		messages: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "messages_total",
			Help:      "Application messages by outcome (sent, queued, received).",
		}, []string{"outcome"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "errors_total",
			Help:      "Errors by class, from the error topic and from abnormal closures.",
		}, []string{"class"}),
		connections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_opened_total",
			Help:      "Transports opened.",
		}),
		disconnected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "connections_closed_total",
			Help:      "Transports closed, by whether the closure was requested.",
		}, []string{"expected"}),
	}

	for _, col := range []prometheus.Collector{
		c.state, c.transitions, c.reconnects, c.backoff, c.exhaustions,
		c.messages, c.errors, c.connections, c.disconnected,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	c.setState(connection.StateDisconnected)
	return c, nil
}

// Attach subscribes the collector to bus and returns a function that
// removes the subscriptions.
func (c *Collector) Attach(bus *eventbus.Bus) func() {
	subs := []*eventbus.Subscription{
		bus.Subscribe(client.TopicStateChange, c.onStateChange),
		bus.Subscribe(client.TopicReconnectScheduled, c.onReconnectScheduled),
		bus.Subscribe(client.TopicReconnectExhausted, func(eventbus.Event) { c.exhaustions.Inc() }),
		bus.Subscribe(client.TopicSent, func(eventbus.Event) { c.messages.WithLabelValues("sent").Inc() }),
		bus.Subscribe(client.TopicQueued, func(eventbus.Event) { c.messages.WithLabelValues("queued").Inc() }),
		bus.Subscribe(client.TopicMessage, func(eventbus.Event) { c.messages.WithLabelValues("received").Inc() }),
		bus.Subscribe(client.TopicError, c.onError),
		bus.Subscribe(client.TopicOpen, func(eventbus.Event) { c.connections.Inc() }),
		bus.Subscribe(client.TopicClose, c.onClose),
	}
	return func() {
		for _, sub := range subs {
			bus.Unsubscribe(sub)
		}
	}
}

func (c *Collector) onStateChange(ev eventbus.Event) {
	sc, ok := ev.Payload.(client.StateChange)
	if !ok {
		return
	}
	c.transitions.WithLabelValues(sc.Previous.String(), sc.Current.String()).Inc()
	c.setState(sc.Current)
}

func (c *Collector) onReconnectScheduled(ev eventbus.Event) {
	rs, ok := ev.Payload.(client.ReconnectScheduled)
	if !ok {
		return
	}
	c.reconnects.Inc()
	c.backoff.Observe(rs.Delay.Seconds())
}

func (c *Collector) onError(ev eventbus.Event) {
	err, ok := ev.Payload.(error)
	if !ok {
		return
	}
	c.errors.WithLabelValues(Classify(err)).Inc()
}

func (c *Collector) onClose(ev eventbus.Event) {
	info, ok := ev.Payload.(client.CloseInfo)
	if !ok {
		return
	}
	if info.Expected {
		c.disconnected.WithLabelValues("true").Inc()
	} else {
		c.disconnected.WithLabelValues("false").Inc()
	}
	if info.Err != nil {
		c.errors.WithLabelValues(Classify(info.Err)).Inc()
	}
}

func (c *Collector) setState(current connection.State) {
	for _, s := range allStates {
		v := 0.0
		if s == current {
			v = 1
		}
		c.state.WithLabelValues(s.String()).Set(v)
	}
}

// Classify maps an error to its class label.
func Classify(err error) string {
	switch {
	case errors.Is(err, wire.ErrMalformed):
		return ErrorMalformed
	case errors.Is(err, transport.ErrHeartbeatTimeout):
		return ErrorHeartbeatTimeout
	case errors.Is(err, client.ErrMessageDropped):
		return ErrorDropped
	case errors.Is(err, transport.ErrIncompatibleVersion):
		return ErrorVersion
	default:
		return ErrorTransport
	}
}
