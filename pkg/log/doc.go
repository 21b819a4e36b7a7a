// Package log provides structured protocol capture for tether clients.
//
// This package defines the Logger interface and Event types for recording
// what happened on a connection at multiple layers (transport, wire,
// client). It is separate from operational logging (slog): protocol capture
// produces a complete machine-readable trace for debugging and analysis.
//
// # Basic Usage
//
//	// For development: log to console via slog
//	client.WithProtocolLogger(log.NewSlogAdapter(slog.Default()))
//
//	// For production: write to a binary file
//	fl, _ := log.NewFileLogger("/var/log/tether/client.tlog")
//	client.WithProtocolLogger(fl)
//
//	// Both
//	client.WithProtocolLogger(log.NewMultiLogger(
//	    log.NewSlogAdapter(slog.Default()),
//	    fl,
//	))
//
// # Event Types
//
//   - Transport: raw frame bytes (FrameEvent)
//   - Wire: decoded envelopes (MessageEvent)
//   - Client: state changes and reconnect scheduling (StateChangeEvent)
//
// Liveness probes and closes are ControlMsgEvents; failures are ErrorEventData.
//
// # File Format
//
// Log files are a stream of CBOR-encoded events with integer keys, usually
// with a .tlog extension. The tether-log command views, exports and
// summarizes them.
package log
