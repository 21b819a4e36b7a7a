package log

import (
	"testing"
	"time"
)

// mockLogger records events for testing
type mockLogger struct {
	events []Event
}

func (m *mockLogger) Log(event Event) {
	m.events = append(m.events, event)
}

func TestNoopLogger(t *testing.T) {
	var l Logger = NoopLogger{}
	// Must not panic.
	l.Log(Event{ConnectionID: "x"})
}

func TestMultiLoggerCallsAll(t *testing.T) {
	mock1 := &mockLogger{}
	mock2 := &mockLogger{}

	multi := NewMultiLogger(mock1, nil, mock2)
	if multi.Len() != 2 {
		t.Fatalf("Len() = %d, want 2 (nil skipped)", multi.Len())
	}

	multi.Log(Event{
		Timestamp:    time.Now(),
		ConnectionID: "conn-123",
		Direction:    DirectionIn,
		Layer:        LayerWire,
		Category:     CategoryMessage,
	})

	for i, mock := range []*mockLogger{mock1, mock2} {
		if len(mock.events) != 1 {
			t.Errorf("logger %d: got %d events, want 1", i, len(mock.events))
			continue
		}
		if mock.events[0].ConnectionID != "conn-123" {
			t.Errorf("logger %d: ConnectionID = %q", i, mock.events[0].ConnectionID)
		}
	}
}

func TestMultiLoggerEmpty(t *testing.T) {
	NewMultiLogger().Log(Event{})
}

func TestEnumStrings(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{DirectionNone.String(), "-"},
		{DirectionIn.String(), "IN"},
		{DirectionOut.String(), "OUT"},
		{Direction(9).String(), "UNKNOWN"},
		{LayerTransport.String(), "TRANSPORT"},
		{LayerWire.String(), "WIRE"},
		{LayerClient.String(), "CLIENT"},
		{CategoryMessage.String(), "MESSAGE"},
		{CategoryControl.String(), "CONTROL"},
		{CategoryState.String(), "STATE"},
		{CategoryError.String(), "ERROR"},
		{StateEntityConnection.String(), "CONNECTION"},
		{StateEntityReconnect.String(), "RECONNECT"},
		{StateEntityQueue.String(), "QUEUE"},
		{ControlMsgPing.String(), "PING"},
		{ControlMsgPong.String(), "PONG"},
		{ControlMsgClose.String(), "CLOSE"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestEventTypeLabel(t *testing.T) {
	tests := []struct {
		event Event
		want  string
	}{
		{Event{Frame: &FrameEvent{}}, "Frame"},
		{Event{Message: &MessageEvent{}}, "Message"},
		{Event{StateChange: &StateChangeEvent{}}, "State"},
		{Event{ControlMsg: &ControlMsgEvent{Type: ControlMsgPong}}, "PONG"},
		{Event{Error: &ErrorEventData{}}, "Error"},
		{Event{}, "Unknown"},
	}
	for _, tt := range tests {
		if got := tt.event.TypeLabel(); got != tt.want {
			t.Errorf("TypeLabel() = %q, want %q", got, tt.want)
		}
	}
}
