package commands

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tether-io/tether-go/pkg/log"
)

func countEvents(t *testing.T, path string) int {
	t.Helper()
	reader, err := log.NewReader(path)
	if err != nil {
		t.Fatalf("failed to open %s: %v", path, err)
	}
	defer reader.Close()

	count := 0
	if err := reader.Each(func(log.Event) error {
		count++
		return nil
	}); err != nil {
		t.Fatalf("failed to read %s: %v", path, err)
	}
	return count
}

func TestFilterByConnectionID(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: ts, ConnectionID: "conn-a"},
		{Timestamp: ts, ConnectionID: "conn-b"},
		{Timestamp: ts, ConnectionID: "conn-a"},
	}
	path := createTestLogFile(t, events)
	outPath := filepath.Join(t.TempDir(), "filtered.tlog")

	filter, err := FilterOptions{ConnID: "conn-a"}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var buf bytes.Buffer
	if err := RunFilter(path, outPath, filter, &buf); err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}

	if got := countEvents(t, outPath); got != 2 {
		t.Errorf("expected 2 events, got %d", got)
	}
	if !strings.Contains(buf.String(), "Filtered 2 events") {
		t.Errorf("unexpected summary: %s", buf.String())
	}
}

func TestFilterByTimeRange(t *testing.T) {
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: base},
		{Timestamp: base.Add(time.Minute)},
		{Timestamp: base.Add(2 * time.Minute)},
		{Timestamp: base.Add(3 * time.Minute)},
	}
	path := createTestLogFile(t, events)
	outPath := filepath.Join(t.TempDir(), "filtered.tlog")

	filter, err := FilterOptions{
		TimeStart: "2026-03-14T09:01:00Z",
		TimeEnd:   "2026-03-14T09:03:00Z",
	}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var buf bytes.Buffer
	if err := RunFilter(path, outPath, filter, &buf); err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}

	// End is exclusive.
	if got := countEvents(t, outPath); got != 2 {
		t.Errorf("expected 2 events, got %d", got)
	}
}

func TestFilterByKindAndLayer(t *testing.T) {
	ts := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	events := []log.Event{
		{Timestamp: ts, Layer: log.LayerWire, Category: log.CategoryMessage, Message: &log.MessageEvent{Kind: "chat"}},
		{Timestamp: ts, Layer: log.LayerWire, Category: log.CategoryMessage, Message: &log.MessageEvent{Kind: "presence"}},
		{Timestamp: ts, Layer: log.LayerTransport, Category: log.CategoryMessage, Frame: &log.FrameEvent{Size: 4}},
	}
	path := createTestLogFile(t, events)
	outPath := filepath.Join(t.TempDir(), "filtered.tlog")

	filter, err := FilterOptions{Kind: "chat", Layer: "wire"}.Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	var buf bytes.Buffer
	if err := RunFilter(path, outPath, filter, &buf); err != nil {
		t.Fatalf("RunFilter failed: %v", err)
	}
	if got := countEvents(t, outPath); got != 1 {
		t.Errorf("expected 1 event, got %d", got)
	}
}

func TestFilterOptionsInvalid(t *testing.T) {
	tests := []struct {
		name string
		opts FilterOptions
	}{
		{"bad start", FilterOptions{TimeStart: "yesterday"}},
		{"bad end", FilterOptions{TimeEnd: "2026-13-01"}},
		{"bad layer", FilterOptions{Layer: "session"}},
		{"bad direction", FilterOptions{Direction: "up"}},
		{"bad category", FilterOptions{Category: "noise"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := tt.opts.Build(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
