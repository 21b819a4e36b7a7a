package commands

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/tether-io/tether-go/pkg/log"
)

// Stats holds aggregate statistics about a log file.
type Stats struct {
	TotalEvents       int
	EventsByLayer     map[log.Layer]int
	EventsByCategory  map[log.Category]int
	EventsByDirection map[log.Direction]int
	MessagesByKind    map[string]int
	Connections       map[string]*ConnectionStats
	Reconnects        int
	Exhausted         int
	Errors            int
	Probes            ProbeStats
	TimeRange         struct {
		Start time.Time
		End   time.Time
	}
}

// ProbeStats summarizes liveness probes.
type ProbeStats struct {
	Pings    int
	Pongs    int
	Closes   int
	TotalRTT time.Duration
	MaxRTT   time.Duration
	RTTCount int
}

// AverageRTT returns the mean probe round trip, or zero.
func (p ProbeStats) AverageRTT() time.Duration {
	if p.RTTCount == 0 {
		return 0
	}
	return p.TotalRTT / time.Duration(p.RTTCount)
}

// ConnectionStats holds statistics for a single connection.
type ConnectionStats struct {
	FirstSeen  time.Time
	LastSeen   time.Time
	Events     int
	Endpoint   string
	RemoteAddr string
	CloseCode  *int
}

func newStats() *Stats {
	return &Stats{
		EventsByLayer:     make(map[log.Layer]int),
		EventsByCategory:  make(map[log.Category]int),
		EventsByDirection: make(map[log.Direction]int),
		MessagesByKind:    make(map[string]int),
		Connections:       make(map[string]*ConnectionStats),
	}
}

func (s *Stats) add(event log.Event) {
	s.TotalEvents++
	s.EventsByLayer[event.Layer]++
	s.EventsByCategory[event.Category]++
	s.EventsByDirection[event.Direction]++

	if s.TimeRange.Start.IsZero() || event.Timestamp.Before(s.TimeRange.Start) {
		s.TimeRange.Start = event.Timestamp
	}
	if event.Timestamp.After(s.TimeRange.End) {
		s.TimeRange.End = event.Timestamp
	}

	if event.ConnectionID != "" {
		conn, ok := s.Connections[event.ConnectionID]
		if !ok {
			conn = &ConnectionStats{
				FirstSeen: event.Timestamp,
				LastSeen:  event.Timestamp,
			}
			s.Connections[event.ConnectionID] = conn
		}
		conn.Events++
		if event.Timestamp.After(conn.LastSeen) {
			conn.LastSeen = event.Timestamp
		}
		if event.Endpoint != "" && conn.Endpoint == "" {
			conn.Endpoint = event.Endpoint
		}
		if event.RemoteAddr != "" && conn.RemoteAddr == "" {
			conn.RemoteAddr = event.RemoteAddr
		}
		if event.ControlMsg != nil && event.ControlMsg.CloseCode != nil {
			conn.CloseCode = event.ControlMsg.CloseCode
		}
	}

	switch {
	case event.Message != nil:
		s.MessagesByKind[event.Message.Kind]++
	case event.StateChange != nil && event.StateChange.Entity == log.StateEntityReconnect:
		switch event.StateChange.NewState {
		case "SCHEDULED":
			s.Reconnects++
		case "EXHAUSTED":
			s.Exhausted++
		}
	case event.ControlMsg != nil:
		switch event.ControlMsg.Type {
		case log.ControlMsgPing:
			s.Probes.Pings++
		case log.ControlMsgPong:
			s.Probes.Pongs++
			if rtt := event.ControlMsg.RTT; rtt != nil {
				s.Probes.RTTCount++
				s.Probes.TotalRTT += *rtt
				if *rtt > s.Probes.MaxRTT {
					s.Probes.MaxRTT = *rtt
				}
			}
		case log.ControlMsgClose:
			s.Probes.Closes++
		}
	case event.Error != nil:
		s.Errors++
	}
}

// RunStats analyzes the log file and prints statistics.
func RunStats(path string, filter log.Filter, w io.Writer) error {
	reader, err := log.NewFilteredReader(path, filter)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer reader.Close()

	stats := newStats()
	if err := reader.Each(func(event log.Event) error {
		stats.add(event)
		return nil
	}); err != nil {
		return fmt.Errorf("failed to read event: %w", err)
	}

	printStats(w, stats)
	return nil
}

func printStats(w io.Writer, stats *Stats) {
	fmt.Fprintln(w, "=== Tether Protocol Log Statistics ===")
	fmt.Fprintln(w)

	if stats.TotalEvents > 0 {
		fmt.Fprintf(w, "Time Range: %s to %s\n",
			stats.TimeRange.Start.Format(time.RFC3339),
			stats.TimeRange.End.Format(time.RFC3339))
		fmt.Fprintf(w, "Duration:   %s\n", stats.TimeRange.End.Sub(stats.TimeRange.Start).Round(time.Second))
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Total Events: %d\n", stats.TotalEvents)
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Layer:")
	for _, layer := range []log.Layer{log.LayerTransport, log.LayerWire, log.LayerClient} {
		if count := stats.EventsByLayer[layer]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", layer.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Category:")
	for _, cat := range []log.Category{log.CategoryMessage, log.CategoryControl, log.CategoryState, log.CategoryError} {
		if count := stats.EventsByCategory[cat]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", cat.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	fmt.Fprintln(w, "Events by Direction:")
	for _, dir := range []log.Direction{log.DirectionIn, log.DirectionOut} {
		if count := stats.EventsByDirection[dir]; count > 0 {
			fmt.Fprintf(w, "  %-12s %d\n", dir.String()+":", count)
		}
	}
	fmt.Fprintln(w)

	if len(stats.MessagesByKind) > 0 {
		kinds := make([]string, 0, len(stats.MessagesByKind))
		for k := range stats.MessagesByKind {
			kinds = append(kinds, k)
		}
		sort.Strings(kinds)
		fmt.Fprintln(w, "Messages by Kind:")
		for _, k := range kinds {
			fmt.Fprintf(w, "  %-12s %d\n", k+":", stats.MessagesByKind[k])
		}
		fmt.Fprintln(w)
	}

	p := stats.Probes
	if p.Pings+p.Pongs > 0 {
		fmt.Fprintf(w, "Probes: %d pings, %d pongs", p.Pings, p.Pongs)
		if p.RTTCount > 0 {
			fmt.Fprintf(w, ", RTT avg %s max %s", formatDuration(p.AverageRTT()), formatDuration(p.MaxRTT))
		}
		fmt.Fprintln(w)
	}
	if stats.Reconnects > 0 || stats.Exhausted > 0 {
		fmt.Fprintf(w, "Reconnects scheduled: %d\n", stats.Reconnects)
		if stats.Exhausted > 0 {
			fmt.Fprintf(w, "Reconnects exhausted: %d\n", stats.Exhausted)
		}
	}

	fmt.Fprintf(w, "Connections: %d\n", len(stats.Connections))
	if len(stats.Connections) > 0 {
		type connInfo struct {
			id    string
			stats *ConnectionStats
		}
		conns := make([]connInfo, 0, len(stats.Connections))
		for id, cs := range stats.Connections {
			conns = append(conns, connInfo{id, cs})
		}
		sort.Slice(conns, func(i, j int) bool {
			return conns[i].stats.FirstSeen.Before(conns[j].stats.FirstSeen)
		})

		fmt.Fprintln(w)
		for _, c := range conns {
			duration := c.stats.LastSeen.Sub(c.stats.FirstSeen).Round(time.Millisecond)
			fmt.Fprintf(w, "  [%s] %d events, duration %s\n", shortenConnID(c.id), c.stats.Events, duration)
			if c.stats.Endpoint != "" {
				fmt.Fprintf(w, "           Endpoint: %s\n", c.stats.Endpoint)
			}
			if c.stats.RemoteAddr != "" {
				fmt.Fprintf(w, "           Remote: %s\n", c.stats.RemoteAddr)
			}
			if c.stats.CloseCode != nil {
				fmt.Fprintf(w, "           Closed: %d\n", *c.stats.CloseCode)
			}
		}
	}

	if stats.Errors > 0 {
		fmt.Fprintln(w)
		fmt.Fprintf(w, "Errors: %d\n", stats.Errors)
	}
}
