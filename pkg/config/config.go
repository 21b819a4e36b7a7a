// Package config loads client settings from YAML files and TETHER_*
// environment variables.
//
// The usual sequence is Default, Load (or Parse), ApplyEnv, Validate.
// Durations are written as Go duration strings ("500ms", "30s").
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/tether-io/tether-go/pkg/connection"
	"github.com/tether-io/tether-go/pkg/queue"
	"github.com/tether-io/tether-go/pkg/transport"
	"github.com/tether-io/tether-go/pkg/wire"
)

// ErrInvalid is returned by Validate and wraps every configuration error.
var ErrInvalid = errors.New("invalid configuration")

// EnvPrefix prefixes all environment overrides.
const EnvPrefix = "TETHER_"

// Config is the complete client configuration.
type Config struct {
	Endpoint  EndpointConfig  `yaml:"endpoint"`
	Reconnect ReconnectConfig `yaml:"reconnect"`
	Heartbeat HeartbeatConfig `yaml:"heartbeat"`
	Queue     QueueConfig     `yaml:"queue"`

	// Codec is "json" or "cbor".
	Codec string `yaml:"codec"`

	// Probe is "envelope" or "token".
	Probe string `yaml:"probe"`

	WriteTimeout time.Duration `yaml:"writeTimeout"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`

	Log LogConfig `yaml:"log"`
}

// EndpointConfig is the server address.
type EndpointConfig struct {
	// Base is the server URL, e.g. "wss://example.com".
	Base string `yaml:"base"`

	// Path is appended to Base.
	Path string `yaml:"path"`
}

// ReconnectConfig mirrors connection.PolicyConfig.
type ReconnectConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseDelay   time.Duration `yaml:"baseDelay"`
	MaxDelay    time.Duration `yaml:"maxDelay"`
	MaxAttempts int           `yaml:"maxAttempts"`
	Exponential bool          `yaml:"exponential"`
	Jitter      float64       `yaml:"jitter"`
}

// HeartbeatConfig mirrors transport.HeartbeatConfig.
type HeartbeatConfig struct {
	Interval     time.Duration `yaml:"interval"`
	ReplyTimeout time.Duration `yaml:"replyTimeout"`
}

// QueueConfig bounds the outbound queue. Limit 0 means unbounded.
type QueueConfig struct {
	Limit    int    `yaml:"limit"`
	Overflow string `yaml:"overflow"`
}

// LogConfig selects logging output.
type LogConfig struct {
	// Level is debug, info, warn or error.
	Level string `yaml:"level"`

	// ProtocolFile, when set, captures protocol events to this file.
	ProtocolFile string `yaml:"protocolFile"`
}

// Default returns the built-in configuration. The endpoint is left empty.
func Default() *Config {
	policy := connection.DefaultPolicyConfig()
	hb := transport.DefaultHeartbeatConfig()
	return &Config{
		Reconnect: ReconnectConfig{
			Enabled:     policy.Enabled,
			BaseDelay:   policy.BaseDelay,
			MaxDelay:    policy.MaxDelay,
			MaxAttempts: policy.MaxAttempts,
			Exponential: policy.Exponential,
		},
		Heartbeat: HeartbeatConfig{
			Interval:     hb.Interval,
			ReplyTimeout: hb.ReplyTimeout,
		},
		Queue:        QueueConfig{Overflow: queue.OverflowRejectNewest.String()},
		Codec:        wire.JSONCodec{}.Name(),
		Probe:        wire.ProbeEnvelope.String(),
		WriteTimeout: 10 * time.Second,
		DialTimeout:  15 * time.Second,
		Log:          LogConfig{Level: "info"},
	}
}

// Load reads a YAML file on top of Default.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML on top of Default. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return cfg, nil
}

// Marshal encodes cfg as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

// ApplyEnv overrides fields from TETHER_* environment variables.
func (c *Config) ApplyEnv() error {
	return c.applyEnv(os.LookupEnv)
}

func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	var errs []error
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if v, ok := lookup(EnvPrefix + name); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = d
		}
	}
	num := func(name string, dst *int) {
		if v, ok := lookup(EnvPrefix + name); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = n
		}
	}
	flag := func(name string, dst *bool) {
		if v, ok := lookup(EnvPrefix + name); ok {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, name, err))
				return
			}
			*dst = b
		}
	}

	str("URL", &c.Endpoint.Base)
	str("PATH", &c.Endpoint.Path)
	flag("RECONNECT", &c.Reconnect.Enabled)
	dur("RECONNECT_BASE_DELAY", &c.Reconnect.BaseDelay)
	dur("RECONNECT_MAX_DELAY", &c.Reconnect.MaxDelay)
	num("RECONNECT_MAX_ATTEMPTS", &c.Reconnect.MaxAttempts)
	flag("RECONNECT_EXPONENTIAL", &c.Reconnect.Exponential)
	dur("HEARTBEAT_INTERVAL", &c.Heartbeat.Interval)
	dur("HEARTBEAT_TIMEOUT", &c.Heartbeat.ReplyTimeout)
	num("QUEUE_LIMIT", &c.Queue.Limit)
	str("QUEUE_OVERFLOW", &c.Queue.Overflow)
	str("CODEC", &c.Codec)
	str("PROBE", &c.Probe)
	dur("WRITE_TIMEOUT", &c.WriteTimeout)
	dur("DIAL_TIMEOUT", &c.DialTimeout)
	str("LOG_LEVEL", &c.Log.Level)
	str("PROTOCOL_LOG", &c.Log.ProtocolFile)

	return errors.Join(errs...)
}

// Validate checks the configuration. All problems are reported together,
// each wrapping ErrInvalid.
func (c *Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: %s", ErrInvalid, fmt.Sprintf(format, args...)))
	}

	if _, err := c.EndpointValue(); err != nil {
		invalid("endpoint: %v", err)
	}
	if c.Reconnect.BaseDelay < 0 || c.Reconnect.MaxDelay < 0 {
		invalid("reconnect delays must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 {
		invalid("reconnect.maxAttempts must not be negative")
	}
	if c.Reconnect.Jitter < 0 || c.Reconnect.Jitter > 1 {
		invalid("reconnect.jitter must be within [0, 1]")
	}
	if c.Heartbeat.Interval < 0 || c.Heartbeat.ReplyTimeout < 0 {
		invalid("heartbeat durations must not be negative")
	}
	if c.Heartbeat.Interval > 0 && c.Heartbeat.ReplyTimeout >= c.Heartbeat.Interval {
		invalid("heartbeat.replyTimeout (%s) must be shorter than interval (%s)", c.Heartbeat.ReplyTimeout, c.Heartbeat.Interval)
	}
	if c.Queue.Limit < 0 {
		invalid("queue.limit must not be negative")
	}
	if _, err := queue.ParseOverflowPolicy(c.Queue.Overflow); err != nil {
		invalid("queue.overflow: %v", err)
	}
	if _, err := wire.CodecByName(c.Codec); err != nil {
		invalid("codec: %v", err)
	}
	if _, err := wire.ParseProbeForm(c.Probe); err != nil {
		invalid("probe: %v", err)
	}
	if c.WriteTimeout <= 0 {
		invalid("writeTimeout must be positive")
	}
	if c.DialTimeout < 0 {
		invalid("dialTimeout must not be negative")
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		invalid("log.level: %v", err)
	}
	return errors.Join(errs...)
}

// EndpointValue resolves the configured endpoint.
func (c *Config) EndpointValue() (transport.Endpoint, error) {
	return transport.NewEndpoint(c.Endpoint.Base, c.Endpoint.Path)
}

// Policy returns the reconnection policy settings.
func (c *Config) Policy() connection.PolicyConfig {
	return connection.PolicyConfig{
		Enabled:     c.Reconnect.Enabled,
		BaseDelay:   c.Reconnect.BaseDelay,
		MaxDelay:    c.Reconnect.MaxDelay,
		MaxAttempts: c.Reconnect.MaxAttempts,
		Exponential: c.Reconnect.Exponential,
		Jitter:      c.Reconnect.Jitter,
	}
}

// HeartbeatConfig returns the heartbeat settings.
func (c *Config) HeartbeatConfig() transport.HeartbeatConfig {
	return transport.HeartbeatConfig{
		Interval:     c.Heartbeat.Interval,
		ReplyTimeout: c.Heartbeat.ReplyTimeout,
	}
}

// ParseLevel parses a log level name. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var level slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return 0, err
	}
	return level, nil
}
