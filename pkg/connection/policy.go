package connection

import (
	"math/rand"
	"sync"
	"time"
)

// Reconnection defaults.
const (
	// DefaultBaseDelay is the delay before the first reconnection attempt.
	DefaultBaseDelay = 1 * time.Second

	// DefaultMaxDelay caps exponential growth.
	DefaultMaxDelay = 30 * time.Second

	// BackoffMultiplier is the factor by which the delay grows per attempt.
	BackoffMultiplier = 2
)

// PolicyConfig holds reconnection settings.
type PolicyConfig struct {
	// Enabled turns automatic reconnection on.
	Enabled bool

	// BaseDelay is the first (or, without Exponential, every) delay.
	BaseDelay time.Duration

	// MaxDelay caps the exponential delay. Zero means no cap.
	MaxDelay time.Duration

	// MaxAttempts limits consecutive attempts. Zero means unlimited.
	MaxAttempts int

	// Exponential doubles the delay on each attempt.
	Exponential bool

	// Jitter adds up to Jitter*delay of random extra delay. Zero disables.
	Jitter float64
}

// DefaultPolicyConfig returns reconnection enabled with exponential backoff
// from 1s to 30s and unlimited attempts.
func DefaultPolicyConfig() PolicyConfig {
	return PolicyConfig{
		Enabled:     true,
		BaseDelay:   DefaultBaseDelay,
		MaxDelay:    DefaultMaxDelay,
		Exponential: true,
	}
}

// ReconnectPolicy computes reconnection delays and tracks consecutive attempts.
type ReconnectPolicy struct {
	mu sync.Mutex

	cfg      PolicyConfig
	attempts int
	rng      *rand.Rand
}

// NewReconnectPolicy creates a policy from cfg.
func NewReconnectPolicy(cfg PolicyConfig) *ReconnectPolicy {
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = DefaultBaseDelay
	}
	if cfg.MaxDelay < 0 {
		cfg.MaxDelay = 0
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if cfg.Jitter < 0 {
		cfg.Jitter = 0
	}

	return &ReconnectPolicy{
		cfg: cfg,
		rng: rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Config returns the policy configuration.
func (p *ReconnectPolicy) Config() PolicyConfig {
	return p.cfg
}

// Enabled reports whether automatic reconnection is on.
func (p *ReconnectPolicy) Enabled() bool {
	return p.cfg.Enabled
}

// Delay returns the delay for the given 1-based attempt number.
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addJitter(BaseDelay(p.cfg, attempt))
}

// Next advances the attempt counter and returns the new attempt number with
// its delay. ok is false when MaxAttempts is exceeded; the caller should
// give up instead of scheduling; the counter then stays at MaxAttempts.
func (p *ReconnectPolicy) Next() (attempt int, delay time.Duration, ok bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	attempt = p.attempts + 1
	if p.cfg.MaxAttempts > 0 && attempt > p.cfg.MaxAttempts {
		return attempt, 0, false
	}
	p.attempts = attempt
	return attempt, p.addJitter(BaseDelay(p.cfg, attempt)), true
}

// Reset zeroes the attempt counter. Call it after a successful connect.
func (p *ReconnectPolicy) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts = 0
}

// Attempts returns the number of attempts since the last reset.
func (p *ReconnectPolicy) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

func (p *ReconnectPolicy) addJitter(d time.Duration) time.Duration {
	if p.cfg.Jitter <= 0 {
		return d
	}
	return d + time.Duration(float64(d)*p.cfg.Jitter*p.rng.Float64())
}

// BaseDelay returns the delay for attempt without jitter.
func BaseDelay(cfg PolicyConfig, attempt int) time.Duration {
	if !cfg.Exponential {
		return cfg.BaseDelay
	}

	delay := cfg.BaseDelay
	if cfg.MaxDelay > 0 && delay > cfg.MaxDelay {
		return cfg.MaxDelay
	}
	for i := 1; i < attempt; i++ {
		delay *= BackoffMultiplier
		if cfg.MaxDelay > 0 && delay >= cfg.MaxDelay {
			return cfg.MaxDelay
		}
		// Overflow guard for very large attempt counts without a cap.
		if delay <= 0 {
			return time.Duration(1<<63 - 1)
		}
	}
	return delay
}

// BackoffSequence returns the first n base delays for cfg.
func BackoffSequence(cfg PolicyConfig, n int) []time.Duration {
	seq := make([]time.Duration, n)
	for i := range seq {
		seq[i] = BaseDelay(cfg, i+1)
	}
	return seq
}
