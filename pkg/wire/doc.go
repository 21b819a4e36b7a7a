// Package wire defines the message envelope exchanged with the server and
// the codecs that put it on the wire.
//
// # Envelope
//
// Every application message is an envelope with a kind, an optional
// payload and an optional timestamp:
//
//	{"type": "chat", "data": {...}, "timestamp": 1700000000000}
//
// The timestamp is Unix milliseconds. JSONCodec writes the envelope as a
// text frame. CBORCodec writes the same keys as a binary frame.
//
// # Liveness Probes
//
// A Protocol pairs a codec with one probe form. ProbeEnvelope exchanges
// {"type":"ping"} and {"type":"pong"}; ProbeToken exchanges the bare text
// tokens ping and pong. Only the configured form is recognized.
package wire
