// Package eventbus provides a small synchronous publish/subscribe bus.
//
// Handlers subscribe to named topics and are invoked in subscription order
// on the publishing goroutine. A handler that panics is recovered so that
// the remaining handlers for the same publish still run.
//
// # Topics
//
// Topics are plain strings. The client package publishes on:
//
//	open, close, error, stateChange, message, message:<kind>,
//	reconnectScheduled, reconnectExhausted
//
// # Unsubscribing
//
// Go functions are not comparable, so Subscribe and Once return a
// Subscription handle. Pass the handle to Unsubscribe to remove the
// handler. Unsubscribing inside a handler is allowed.
package eventbus
