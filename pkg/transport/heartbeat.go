package transport

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Heartbeat defaults.
const (
	// DefaultHeartbeatInterval is the default time between probes.
	DefaultHeartbeatInterval = 30 * time.Second

	// DefaultReplyTimeout is the default wait for a probe reply.
	DefaultReplyTimeout = 5 * time.Second
)

// ErrHeartbeatTimeout reports a probe that was not answered in time.
var ErrHeartbeatTimeout = errors.New("heartbeat timeout")

// HeartbeatConfig configures liveness probing.
type HeartbeatConfig struct {
	// Interval between probes. Zero disables the heartbeat.
	Interval time.Duration `yaml:"interval"`

	// ReplyTimeout is how long to wait for a reply after each probe.
	ReplyTimeout time.Duration `yaml:"replyTimeout"`
}

// DefaultHeartbeatConfig returns the default heartbeat configuration.
func DefaultHeartbeatConfig() HeartbeatConfig {
	return HeartbeatConfig{
		Interval:     DefaultHeartbeatInterval,
		ReplyTimeout: DefaultReplyTimeout,
	}
}

// HeartbeatStats is a snapshot of heartbeat counters.
type HeartbeatStats struct {
	Probes    uint64
	Replies   uint64
	Timeouts  uint64
	LastProbe time.Time
	LastReply time.Time
	LastRTT   time.Duration
}

// Heartbeat sends a probe every Interval and calls onTimeout when a probe
// goes unanswered for ReplyTimeout. A tick that finds a probe still
// outstanding does not send another one. After a timeout the heartbeat
// stops itself.
type Heartbeat struct {
	config    HeartbeatConfig
	sendProbe func() error
	onTimeout func()

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	replyCh chan struct{}
	pending time.Time
	stats   HeartbeatStats
}

// NewHeartbeat creates a heartbeat. sendProbe and onTimeout are called
// from the heartbeat goroutine without any heartbeat lock held.
func NewHeartbeat(config HeartbeatConfig, sendProbe func() error, onTimeout func()) *Heartbeat {
	if config.Interval > 0 && config.ReplyTimeout <= 0 {
		config.ReplyTimeout = DefaultReplyTimeout
	}
	return &Heartbeat{
		config:    config,
		sendProbe: sendProbe,
		onTimeout: onTimeout,
		replyCh:   make(chan struct{}, 1),
	}
}

// Enabled reports whether probing is configured.
func (h *Heartbeat) Enabled() bool {
	return h.config.Interval > 0
}

// Config returns the effective configuration.
func (h *Heartbeat) Config() HeartbeatConfig {
	return h.config
}

// Start begins probing. It is a no-op when disabled or already running.
func (h *Heartbeat) Start(ctx context.Context) {
	if !h.Enabled() {
		return
	}

	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return
	}
	h.running = true
	h.pending = time.Time{}
	h.stopCh = make(chan struct{})
	stopCh := h.stopCh
	h.mu.Unlock()

	go h.loop(ctx, stopCh)
}

// Stop ends probing and cancels any pending deadline. It does not wait
// for the goroutine to exit.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running {
		return
	}
	h.running = false
	close(h.stopCh)
}

// Reply records a probe reply and returns its round trip. ok is false
// when no probe is outstanding; such a reply changes nothing.
func (h *Heartbeat) Reply() (rtt time.Duration, ok bool) {
	now := time.Now()
	h.mu.Lock()
	if h.pending.IsZero() {
		h.mu.Unlock()
		return 0, false
	}
	rtt = now.Sub(h.pending)
	h.pending = time.Time{}
	h.stats.Replies++
	h.stats.LastReply = now
	h.stats.LastRTT = rtt
	h.mu.Unlock()

	select {
	case h.replyCh <- struct{}{}:
	default:
	}
	return rtt, true
}

// IsRunning reports whether the heartbeat goroutine is active.
func (h *Heartbeat) IsRunning() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.running
}

// Stats returns a snapshot of the counters.
func (h *Heartbeat) Stats() HeartbeatStats {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.stats
}

func (h *Heartbeat) loop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(h.config.Interval)
	defer ticker.Stop()

	var (
		deadline  *time.Timer
		deadlineC <-chan time.Time
	)
	stopDeadline := func() {
		if deadline != nil {
			deadline.Stop()
		}
		deadlineC = nil
	}
	defer stopDeadline()

	for {
		select {
		case <-ctx.Done():
			h.release(stopCh)
			return

		case <-stopCh:
			return

		case <-ticker.C:
			h.mu.Lock()
			if !h.pending.IsZero() {
				h.mu.Unlock()
				continue
			}
			h.pending = time.Now()
			h.stats.Probes++
			h.stats.LastProbe = h.pending
			h.mu.Unlock()

			stopDeadline()
			deadline = time.NewTimer(h.config.ReplyTimeout)
			deadlineC = deadline.C

			// A failed send is left to the reply deadline.
			_ = h.sendProbe()

		case <-h.replyCh:
			// The signal may predate the probe now outstanding.
			h.mu.Lock()
			answered := h.pending.IsZero()
			h.mu.Unlock()
			if answered {
				stopDeadline()
			}

		case <-deadlineC:
			deadlineC = nil
			h.mu.Lock()
			answered := h.pending.IsZero()
			if !answered {
				h.stats.Timeouts++
			}
			h.mu.Unlock()
			if answered {
				continue
			}

			if h.release(stopCh) && h.onTimeout != nil {
				h.onTimeout()
			}
			return
		}
	}
}

// release marks the heartbeat stopped if stopCh still belongs to the
// current run. It reports whether it did.
func (h *Heartbeat) release(stopCh chan struct{}) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.running || h.stopCh != stopCh {
		return false
	}
	h.running = false
	close(h.stopCh)
	return true
}
