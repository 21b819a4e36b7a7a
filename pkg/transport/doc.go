// Package transport provides the duplex message transports used by the
// client and the liveness heartbeat that runs on top of them.
//
// Three transports implement Conn:
//   - WebSocket (ws://, wss://) via gorilla/websocket
//   - Length-prefixed TCP streams (tcp://)
//   - In-memory pipes (pipe://) for tests and embedding
//
// # Protocol Stack
//
//	┌────────────────────────────────┐
//	│   Envelopes (JSON or CBOR)     │
//	├───────────────┬────────────────┤
//	│   WebSocket   │ Length-Prefix  │
//	│   frames      │ Framing (4B)   │
//	├───────────────┴────────────────┤
//	│        TCP (TLS for wss)       │
//	└────────────────────────────────┘
//
// # Close Classification
//
// A read that ends with a close frame carrying CloseNormalClosure or
// CloseGoingAway, or with a clean EOF on a stream, is a normal closure
// (see IsNormalClosure). Anything else is a transport error.
//
// # Heartbeat
//
// Every Interval a probe is sent and a ReplyTimeout deadline is armed. A
// reply cancels the deadline; expiry reports a timeout. Defaults:
//   - Interval: 30 seconds
//   - Reply timeout: 5 seconds
package transport
