package client

import (
	"fmt"

	"github.com/tether-io/tether-go/pkg/config"
	"github.com/tether-io/tether-go/pkg/queue"
	"github.com/tether-io/tether-go/pkg/wire"
)

// OptionsFromConfig converts a validated configuration into options. The
// Log section is left to the caller, which owns the log destinations.
func OptionsFromConfig(cfg *config.Config) ([]Option, error) {
	codec, err := wire.CodecByName(cfg.Codec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	probe, err := wire.ParseProbeForm(cfg.Probe)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}
	overflow, err := queue.ParseOverflowPolicy(cfg.Queue.Overflow)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", config.ErrInvalid, err)
	}

	return []Option{
		WithReconnect(cfg.Policy()),
		WithHeartbeat(cfg.HeartbeatConfig()),
		WithCodec(codec),
		WithProbe(probe),
		WithQueueLimit(cfg.Queue.Limit, overflow),
		WithWriteTimeout(cfg.WriteTimeout),
		WithDialTimeout(cfg.DialTimeout),
	}, nil
}

// NewFromConfig validates cfg and creates a client from it. Options in
// extra are applied after the configured ones.
func NewFromConfig(cfg *config.Config, extra ...Option) (*Client, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	endpoint, err := cfg.EndpointValue()
	if err != nil {
		return nil, err
	}
	opts, err := OptionsFromConfig(cfg)
	if err != nil {
		return nil, err
	}
	return New(endpoint, append(opts, extra...)...)
}
