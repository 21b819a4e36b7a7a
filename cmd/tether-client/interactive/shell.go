// Package interactive provides the command shell of tether-client.
package interactive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/chzyer/readline"

	"github.com/tether-io/tether-go/pkg/client"
	"github.com/tether-io/tether-go/pkg/eventbus"
	"github.com/tether-io/tether-go/pkg/wire"
)

// Shell reads commands and drives a client.
type Shell struct {
	rl     *readline.Instance
	client *client.Client
	quiet  atomic.Bool
}

// New creates the shell. Attach must be called before Run.
func New() (*Shell, error) {
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "tether> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete: readline.NewPrefixCompleter(
			readline.PcItem("connect"),
			readline.PcItem("disconnect"),
			readline.PcItem("send"),
			readline.PcItem("status"),
			readline.PcItem("quiet"),
			readline.PcItem("help"),
			readline.PcItem("quit"),
		),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create readline: %w", err)
	}
	return &Shell{rl: rl}, nil
}

// Stdout returns a writer that coordinates with the prompt.
func (s *Shell) Stdout() io.Writer {
	return s.rl.Stdout()
}

// Attach binds the shell to c and prints its events.
func (s *Shell) Attach(c *client.Client) {
	s.client = c
	out := s.rl.Stdout()

	c.On(client.TopicStateChange, func(ev eventbus.Event) {
		sc := ev.Payload.(client.StateChange)
		fmt.Fprintf(out, "[STATE] %s -> %s\n", sc.Previous, sc.Current)
	})
	c.On(client.TopicOpen, func(ev eventbus.Event) {
		info := ev.Payload.(client.OpenInfo)
		fmt.Fprintf(out, "[OPEN] %s (conn %s)\n", info.URL, short(info.ConnectionID))
	})
	c.On(client.TopicClose, func(ev eventbus.Event) {
		info := ev.Payload.(client.CloseInfo)
		if info.Err != nil {
			fmt.Fprintf(out, "[CLOSE] code %d %s (%v)\n", info.Code, info.Reason, info.Err)
			return
		}
		fmt.Fprintf(out, "[CLOSE] code %d %s\n", info.Code, info.Reason)
	})
	c.On(client.TopicError, func(ev eventbus.Event) {
		fmt.Fprintf(out, "[ERROR] %v\n", ev.Payload)
	})
	c.On(client.TopicReconnectScheduled, func(ev eventbus.Event) {
		rs := ev.Payload.(client.ReconnectScheduled)
		fmt.Fprintf(out, "[RETRY] attempt %d in %s\n", rs.Attempt, rs.Delay)
	})
	c.On(client.TopicReconnectExhausted, func(ev eventbus.Event) {
		fmt.Fprintf(out, "[RETRY] gave up after %d attempts (use 'connect')\n", ev.Payload.(client.ReconnectExhausted).Attempts)
	})
	c.On(client.TopicMessage, func(ev eventbus.Event) {
		if s.quiet.Load() {
			return
		}
		fmt.Fprintf(out, "[RECV] %s\n", ev.Payload.(wire.Message))
	})
}

// Run reads commands until quit, EOF or ctx ends.
func (s *Shell) Run(ctx context.Context, cancel context.CancelFunc) {
	defer s.rl.Close()

	s.printHelp()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		line, err := s.rl.Readline()
		if err != nil {
			// EOF or interrupt
			if err == readline.ErrInterrupt {
				continue
			}
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		cmd, rest, _ := strings.Cut(input, " ")
		rest = strings.TrimSpace(rest)

		switch strings.ToLower(cmd) {
		case "help", "?":
			s.printHelp()

		case "connect", "c":
			s.cmdConnect(ctx)

		case "disconnect", "d":
			s.client.Disconnect()

		case "send", "s":
			s.cmdSend(rest)

		case "status", "st":
			s.cmdStatus()

		case "quiet":
			quiet := !s.quiet.Load()
			s.quiet.Store(quiet)
			fmt.Fprintf(s.rl.Stdout(), "Message printing %s\n", onOff(!quiet))

		case "quit", "exit", "q":
			fmt.Fprintln(s.rl.Stdout(), "Exiting...")
			cancel()
			return

		default:
			fmt.Fprintf(s.rl.Stdout(), "Unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}
}

func (s *Shell) printHelp() {
	fmt.Fprintln(s.rl.Stdout(), `
Tether Client Commands:
  connect                 - Connect (also resets the retry counter)
  disconnect              - Disconnect without reconnecting
  send <kind> [json]      - Send a message; payload is JSON or plain text
  status                  - Show connection, queue and heartbeat status
  quiet                   - Toggle printing of received messages
  help                    - Show this help
  quit                    - Exit`)
}

func (s *Shell) cmdConnect(ctx context.Context) {
	if err := s.client.Connect(ctx); err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Connect failed: %v\n", err)
	}
}

func (s *Shell) cmdSend(args string) {
	if args == "" {
		fmt.Fprintln(s.rl.Stdout(), "Usage: send <kind> [json]")
		return
	}
	kind, raw, _ := strings.Cut(args, " ")

	payload, err := parsePayload(strings.TrimSpace(raw))
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Invalid payload: %v\n", err)
		return
	}

	res, err := s.client.Send(wire.NewMessage(kind, payload))
	if err != nil {
		fmt.Fprintf(s.rl.Stdout(), "Send failed: %v\n", err)
		return
	}
	fmt.Fprintf(s.rl.Stdout(), "%s\n", res)
}

func (s *Shell) cmdStatus() {
	out := s.rl.Stdout()
	hb := s.client.HeartbeatStats()

	fmt.Fprintf(out, "Endpoint:  %s\n", s.client.Endpoint().URL())
	fmt.Fprintf(out, "State:     %s\n", s.client.State())
	fmt.Fprintf(out, "Attempts:  %d\n", s.client.Attempts())
	fmt.Fprintf(out, "Queued:    %d\n", s.client.QueueLen())
	fmt.Fprintf(out, "Heartbeat: %d probes, %d replies, %d timeouts", hb.Probes, hb.Replies, hb.Timeouts)
	if hb.LastRTT > 0 {
		fmt.Fprintf(out, ", last RTT %s", hb.LastRTT.Round(time.Microsecond))
	}
	fmt.Fprintln(out)
}

// parsePayload accepts JSON and falls back to the raw text. An empty
// argument means no payload.
func parsePayload(raw string) (any, error) {
	if raw == "" {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal([]byte(raw), &v); err != nil {
		if strings.HasPrefix(raw, "{") || strings.HasPrefix(raw, "[") {
			return nil, err
		}
		return raw, nil
	}
	return v, nil
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}
