package client

import (
	"time"

	"github.com/tether-io/tether-go/pkg/connection"
)

// Event topics published on the client's bus.
const (
	TopicOpen               = "open"
	TopicClose              = "close"
	TopicError              = "error"
	TopicStateChange        = "stateChange"
	TopicMessage            = "message"
	TopicReconnectScheduled = "reconnectScheduled"
	TopicReconnectExhausted = "reconnectExhausted"

	// TopicSent and TopicQueued carry the outbound wire.Message after it
	// was written or queued.
	TopicSent   = "sent"
	TopicQueued = "queued"
)

// MessageTopic returns the topic for inbound messages of kind.
func MessageTopic(kind string) string {
	return TopicMessage + ":" + kind
}

// StateChange is the stateChange payload.
type StateChange struct {
	Previous connection.State
	Current  connection.State
}

// OpenInfo is the open payload.
type OpenInfo struct {
	ConnectionID string
	URL          string
	RemoteAddr   string
}

// CloseInfo is the close payload. Expected is set when the closure was
// requested with Disconnect or Close. Err holds the cause of an abnormal
// closure and is nil for clean ones.
type CloseInfo struct {
	Code     int
	Reason   string
	Expected bool
	Err      error
}

// ReconnectScheduled is the reconnectScheduled payload.
type ReconnectScheduled struct {
	Attempt int
	Delay   time.Duration
}

// ReconnectExhausted is the reconnectExhausted payload.
type ReconnectExhausted struct {
	Attempts int
}
