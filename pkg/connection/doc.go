// Package connection provides the connection lifecycle primitives used by
// the client: the state machine and the reconnection policy.
//
// # States
//
// The state machine starts in DISCONNECTED and only moves along these edges:
//
//	DISCONNECTED, FAILED      -> CONNECTING     (connect)
//	CONNECTING                -> CONNECTED      (open succeeded)
//	CONNECTING                -> FAILED         (open failed)
//	CONNECTED                 -> DISCONNECTED   (transport closed)
//	CONNECTED, CONNECTING     -> DISCONNECTING  (disconnect)
//	DISCONNECTING             -> DISCONNECTED
//	CONNECTED, DISCONNECTING  -> FAILED         (transport error)
//	FAILED                    -> DISCONNECTED   (disconnect, gave up)
//
// A transition to the current state is rejected with ErrNoTransition and
// never reported to observers.
//
// # Reconnection Strategy
//
// With exponential backoff enabled the delay for attempt n is
//
//	min(base * 2^(n-1), max)
//
// so base 1s and max 30s yields 1s, 2s, 4s, 8s, 16s, 30s, 30s...
// Without it every attempt waits base. MaxAttempts of zero retries forever.
// The attempt counter resets after a successful connect.
//
// # Jitter
//
// Jitter is off by default. When set, up to jitter*delay is added:
//
//	actual_delay = delay + random(0, delay * jitter)
package connection
