package commands

import (
	"bytes"
	"strings"
	"testing"
	"time"

	"github.com/tether-io/tether-go/pkg/log"
)

func TestStatsCountsByLayer(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: ts, Layer: log.LayerTransport, Category: log.CategoryMessage},
		{Timestamp: ts, Layer: log.LayerTransport, Category: log.CategoryMessage},
		{Timestamp: ts, Layer: log.LayerWire, Category: log.CategoryMessage},
		{Timestamp: ts, Layer: log.LayerClient, Category: log.CategoryState},
	}
	path := createTestLogFile(t, events)

	var buf bytes.Buffer
	if err := RunStats(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Total Events: 4") {
		t.Errorf("expected total count, got: %s", output)
	}
	for _, want := range []string{"TRANSPORT:", "WIRE:", "CLIENT:", "STATE:"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %s in output", want)
		}
	}
}

func TestStatsMessagesAndReconnects(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	rtt := 2 * time.Millisecond
	events := []log.Event{
		{Timestamp: ts, Category: log.CategoryMessage, Message: &log.MessageEvent{Kind: "chat"}},
		{Timestamp: ts, Category: log.CategoryMessage, Message: &log.MessageEvent{Kind: "chat"}},
		{Timestamp: ts, Category: log.CategoryMessage, Message: &log.MessageEvent{Kind: "presence"}},
		{Timestamp: ts, Category: log.CategoryControl, ControlMsg: &log.ControlMsgEvent{Type: log.ControlMsgPing}},
		{Timestamp: ts, Category: log.CategoryControl, ControlMsg: &log.ControlMsgEvent{Type: log.ControlMsgPong, RTT: &rtt}},
		{Timestamp: ts, Category: log.CategoryState, StateChange: &log.StateChangeEvent{
			Entity: log.StateEntityReconnect, NewState: "SCHEDULED", Attempt: 1, Delay: time.Second}},
		{Timestamp: ts, Category: log.CategoryState, StateChange: &log.StateChangeEvent{
			Entity: log.StateEntityReconnect, NewState: "EXHAUSTED", Attempt: 1}},
		{Timestamp: ts, Category: log.CategoryError, Error: &log.ErrorEventData{Message: "boom"}},
	}
	path := createTestLogFile(t, events)

	var buf bytes.Buffer
	if err := RunStats(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}

	output := buf.String()
	for _, want := range []string{
		"chat:", "presence:",
		"Probes: 1 pings, 1 pongs, RTT avg 2.000ms",
		"Reconnects scheduled: 1",
		"Reconnects exhausted: 1",
		"Errors: 1",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestStatsConnections(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	code := 1001
	events := []log.Event{
		{Timestamp: ts, ConnectionID: "conn-a-1234567", Endpoint: "ws://localhost:8080/"},
		{Timestamp: ts.Add(time.Second), ConnectionID: "conn-a-1234567",
			ControlMsg: &log.ControlMsgEvent{Type: log.ControlMsgClose, CloseCode: &code}},
		{Timestamp: ts.Add(2 * time.Second), ConnectionID: "conn-b-7654321"},
	}
	path := createTestLogFile(t, events)

	var buf bytes.Buffer
	if err := RunStats(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "Connections: 2") {
		t.Errorf("expected 2 connections, got: %s", output)
	}
	if !strings.Contains(output, "[conn-a-1] 2 events") {
		t.Errorf("expected first connection summary, got: %s", output)
	}
	if !strings.Contains(output, "Closed: 1001") {
		t.Errorf("expected close code, got: %s", output)
	}
	if strings.Index(output, "conn-a-1") > strings.Index(output, "conn-b-7") {
		t.Error("connections should be ordered by first seen")
	}
}

func TestStatsEmptyFile(t *testing.T) {
	path := createTestLogFile(t, nil)

	var buf bytes.Buffer
	if err := RunStats(path, log.Filter{}, &buf); err != nil {
		t.Fatalf("RunStats failed: %v", err)
	}
	if !strings.Contains(buf.String(), "Total Events: 0") {
		t.Errorf("unexpected output: %s", buf.String())
	}
}
