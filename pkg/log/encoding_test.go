package log

import (
	"bytes"
	"testing"
	"time"
)

func TestEncodeDecodeEvent(t *testing.T) {
	ts := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	code := 1006
	rtt := 15 * time.Millisecond

	tests := []struct {
		name  string
		event Event
		check func(t *testing.T, got Event)
	}{
		{
			name: "message",
			event: Event{
				Timestamp:    ts,
				ConnectionID: "c1",
				Direction:    DirectionOut,
				Layer:        LayerWire,
				Category:     CategoryMessage,
				Message:      &MessageEvent{Kind: "chat", Size: 42, Queued: true, Payload: "hi"},
			},
			check: func(t *testing.T, got Event) {
				if got.Message == nil || got.Message.Kind != "chat" || !got.Message.Queued {
					t.Errorf("Message = %+v", got.Message)
				}
				if got.Message.Payload != "hi" {
					t.Errorf("Payload = %v", got.Message.Payload)
				}
			},
		},
		{
			name: "control",
			event: Event{
				Timestamp:  ts,
				Layer:      LayerTransport,
				Category:   CategoryControl,
				ControlMsg: &ControlMsgEvent{Type: ControlMsgClose, CloseCode: &code, RTT: &rtt},
			},
			check: func(t *testing.T, got Event) {
				if got.ControlMsg == nil || got.ControlMsg.CloseCode == nil || *got.ControlMsg.CloseCode != 1006 {
					t.Errorf("ControlMsg = %+v", got.ControlMsg)
				}
				if got.ControlMsg.RTT == nil || *got.ControlMsg.RTT != rtt {
					t.Errorf("RTT = %v", got.ControlMsg.RTT)
				}
			},
		},
		{
			name: "reconnect",
			event: Event{
				Timestamp: ts,
				Layer:     LayerClient,
				Category:  CategoryState,
				StateChange: &StateChangeEvent{
					Entity:   StateEntityReconnect,
					NewState: "SCHEDULED",
					Attempt:  3,
					Delay:    4 * time.Second,
				},
			},
			check: func(t *testing.T, got Event) {
				if got.StateChange == nil || got.StateChange.Attempt != 3 || got.StateChange.Delay != 4*time.Second {
					t.Errorf("StateChange = %+v", got.StateChange)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := EncodeEvent(tt.event)
			if err != nil {
				t.Fatalf("EncodeEvent: %v", err)
			}
			got, err := DecodeEvent(data)
			if err != nil {
				t.Fatalf("DecodeEvent: %v", err)
			}
			if !got.Timestamp.Equal(ts) {
				t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
			}
			tt.check(t, got)
		})
	}
}

func TestEncodeDeterministic(t *testing.T) {
	e := Event{ConnectionID: "c", Message: &MessageEvent{Kind: "k"}}
	a, err := EncodeEvent(e)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := EncodeEvent(e)
	if !bytes.Equal(a, b) {
		t.Error("encoding is not deterministic")
	}
}

func TestDecodeGarbage(t *testing.T) {
	if _, err := DecodeEvent([]byte{0xff, 0xff}); err == nil {
		t.Error("expected error for invalid CBOR")
	}
}

func TestStreamEncoderDecoder(t *testing.T) {
	var buf bytes.Buffer
	enc := NewEncoder(&buf)
	for i := 0; i < 3; i++ {
		if err := enc.Encode(Event{StateChange: &StateChangeEvent{Attempt: i + 1}}); err != nil {
			t.Fatal(err)
		}
	}

	dec := NewDecoder(&buf)
	for i := 0; i < 3; i++ {
		var e Event
		if err := dec.Decode(&e); err != nil {
			t.Fatalf("event %d: %v", i, err)
		}
		if e.StateChange.Attempt != i+1 {
			t.Errorf("event %d: Attempt = %d", i, e.StateChange.Attempt)
		}
	}
}

func TestDeeplyNestedPayload(t *testing.T) {
	var payload any = "leaf"
	for i := 0; i < 40; i++ {
		payload = []any{payload}
	}

	data, err := EncodeEvent(Event{Message: &MessageEvent{Kind: "tree", Payload: payload}})
	if err != nil {
		t.Fatalf("EncodeEvent: %v", err)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatalf("DecodeEvent: %v", err)
	}

	depth := 0
	for v := got.Message.Payload; ; depth++ {
		arr, ok := v.([]any)
		if !ok {
			if v != "leaf" {
				t.Errorf("leaf = %v", v)
			}
			break
		}
		v = arr[0]
	}
	if depth != 40 {
		t.Errorf("depth = %d, want 40", depth)
	}
}

func TestFloatsEncodeShortest(t *testing.T) {
	data, err := EncodeEvent(Event{Message: &MessageEvent{Kind: "reading", Payload: 1.5}})
	if err != nil {
		t.Fatal(err)
	}
	// 0xf9 is a half-precision float; 1.5 is 0x3e00.
	if !bytes.Contains(data, []byte{0xf9, 0x3e, 0x00}) {
		t.Errorf("1.5 not encoded as float16: % x", data)
	}
	got, err := DecodeEvent(data)
	if err != nil {
		t.Fatal(err)
	}
	if got.Message.Payload != 1.5 {
		t.Errorf("Payload = %v (%T)", got.Message.Payload, got.Message.Payload)
	}
}
