package wire

import (
	"bytes"
	"fmt"
)

// Probe message kinds used by ProbeEnvelope.
const (
	KindPing = "ping"
	KindPong = "pong"
)

// Bare liveness tokens used by ProbeToken.
var (
	TokenPing = []byte("ping")
	TokenPong = []byte("pong")
)

// ProbeForm selects how liveness probes appear on the wire.
type ProbeForm uint8

const (
	// ProbeEnvelope sends {"type":"ping"} and expects {"type":"pong"}.
	ProbeEnvelope ProbeForm = iota
	// ProbeToken sends the bare text ping and expects the bare text pong.
	ProbeToken
)

// String returns the form name.
func (f ProbeForm) String() string {
	switch f {
	case ProbeEnvelope:
		return "envelope"
	case ProbeToken:
		return "token"
	default:
		return "unknown"
	}
}

// ParseProbeForm parses the String form.
func ParseProbeForm(s string) (ProbeForm, error) {
	switch s {
	case "envelope", "":
		return ProbeEnvelope, nil
	case "token":
		return ProbeToken, nil
	default:
		return 0, fmt.Errorf("unknown probe form %q", s)
	}
}

// ProbeKind classifies an inbound frame.
type ProbeKind uint8

const (
	// ProbeNone marks an application message.
	ProbeNone ProbeKind = iota
	// ProbePing marks a liveness probe from the peer.
	ProbePing
	// ProbePong marks a reply to our probe.
	ProbePong
)

// String returns the probe kind name.
func (k ProbeKind) String() string {
	switch k {
	case ProbeNone:
		return "NONE"
	case ProbePing:
		return "PING"
	case ProbePong:
		return "PONG"
	default:
		return "UNKNOWN"
	}
}

// Frame is an encoded message ready for the transport.
type Frame struct {
	Data   []byte
	Binary bool
}

// Inbound is the result of parsing a received frame.
type Inbound struct {
	Probe   ProbeKind
	Message Message
}

// Protocol combines a codec with the probe form.
type Protocol struct {
	Codec Codec
	Probe ProbeForm
}

// NewProtocol returns a Protocol; a nil codec selects JSONCodec.
func NewProtocol(codec Codec, probe ProbeForm) Protocol {
	if codec == nil {
		codec = JSONCodec{}
	}
	return Protocol{Codec: codec, Probe: probe}
}

// Encode encodes an application message.
func (p Protocol) Encode(msg Message) (Frame, error) {
	data, err := p.Codec.Encode(msg)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Data: data, Binary: p.Codec.Binary()}, nil
}

// Ping returns the probe frame.
func (p Protocol) Ping() (Frame, error) {
	return p.probe(KindPing, TokenPing)
}

// Pong returns the probe reply frame.
func (p Protocol) Pong() (Frame, error) {
	return p.probe(KindPong, TokenPong)
}

func (p Protocol) probe(kind string, token []byte) (Frame, error) {
	if p.Probe == ProbeToken {
		return Frame{Data: token}, nil
	}
	return p.Encode(Message{Kind: kind})
}

// Parse classifies and decodes a received frame. Frames that are neither a
// probe in the configured form nor a valid envelope return an error
// wrapping ErrMalformed.
func (p Protocol) Parse(data []byte) (Inbound, error) {
	if p.Probe == ProbeToken {
		switch {
		case bytes.Equal(data, TokenPing):
			return Inbound{Probe: ProbePing}, nil
		case bytes.Equal(data, TokenPong):
			return Inbound{Probe: ProbePong}, nil
		}
	}

	msg, err := p.Codec.Decode(data)
	if err != nil {
		return Inbound{}, err
	}

	if p.Probe == ProbeEnvelope {
		switch msg.Kind {
		case KindPing:
			return Inbound{Probe: ProbePing, Message: msg}, nil
		case KindPong:
			return Inbound{Probe: ProbePong, Message: msg}, nil
		}
	}
	return Inbound{Message: msg}, nil
}
