// Command tether-client is an interactive tether client.
//
// It connects to a tether endpoint, keeps the connection alive across
// failures and lets you send messages and watch the connection from a
// readline shell.
//
// Usage:
//
//	tether-client [flags]
//
// Flags:
//
//	-config string        YAML configuration file
//	-url string           Server URL (overrides config and TETHER_URL)
//	-path string          Path appended to the URL
//	-discover string      Resolve the endpoint via mDNS; "any" takes the first service
//	-log-level string     Log level: debug, info, warn, error (default "info")
//	-protocol-log string  File path for protocol event logging (CBOR format)
//	-trace                Log every protocol event at debug level
//	-metrics string       Serve Prometheus metrics on this address
//	-interactive          Start the command shell (default true)
//
// Examples:
//
//	# Connect to a local echo server
//	tether-client -url ws://localhost:8080 -path /events
//
//	# Find an echo server on the LAN and record the session
//	tether-client -discover any -protocol-log session.log
//
//	# Headless, printing events until interrupted
//	tether-client -config client.yaml -interactive=false
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tether-io/tether-go/cmd/tether-client/interactive"
	"github.com/tether-io/tether-go/pkg/client"
	"github.com/tether-io/tether-go/pkg/config"
	"github.com/tether-io/tether-go/pkg/discovery"
	"github.com/tether-io/tether-go/pkg/eventbus"
	tetherlog "github.com/tether-io/tether-go/pkg/log"
	"github.com/tether-io/tether-go/pkg/metrics"
)

// Flags holds the command-line settings layered over the config file.
type Flags struct {
	ConfigFile  string
	URL         string
	Path        string
	Discover    string
	LogLevel    string
	ProtocolLog string
	Trace       bool
	MetricsAddr string
	Interactive bool
}

var flags Flags

func init() {
	flag.StringVar(&flags.ConfigFile, "config", "", "YAML configuration file")
	flag.StringVar(&flags.URL, "url", "", "Server URL (overrides config and TETHER_URL)")
	flag.StringVar(&flags.Path, "path", "", "Path appended to the URL")
	flag.StringVar(&flags.Discover, "discover", "", `Resolve the endpoint via mDNS; "any" takes the first service`)
	flag.StringVar(&flags.LogLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.StringVar(&flags.ProtocolLog, "protocol-log", "", "File path for protocol event logging (CBOR format)")
	flag.BoolVar(&flags.Trace, "trace", false, "Log every protocol event at debug level")
	flag.StringVar(&flags.MetricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	flag.BoolVar(&flags.Interactive, "interactive", true, "Start the command shell")
}

func main() {
	flag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("Configuration error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if flags.Discover != "" {
		if err := discoverEndpoint(ctx, cfg); err != nil {
			log.Fatalf("Discovery failed: %v", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	var shell *interactive.Shell
	var out io.Writer = os.Stderr
	if flags.Interactive {
		shell, err = interactive.New()
		if err != nil {
			log.Fatalf("Failed to create shell: %v", err)
		}
		out = shell.Stdout()
	}

	logger, err := setupLogging(cfg.Log.Level, out)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	opts := []client.Option{client.WithLogger(logger)}

	protocolLogger, closeProtocol, err := setupProtocolLogging(cfg, logger)
	if err != nil {
		log.Fatalf("Failed to create protocol logger: %v", err)
	}
	defer closeProtocol()
	if protocolLogger != nil {
		opts = append(opts, client.WithProtocolLogger(protocolLogger))
	}

	c, err := client.NewFromConfig(cfg, opts...)
	if err != nil {
		log.Fatalf("Failed to create client: %v", err)
	}
	defer c.Close()

	if flags.MetricsAddr != "" {
		detach, err := serveMetrics(ctx, c.Bus(), logger)
		if err != nil {
			log.Fatalf("Failed to start metrics: %v", err)
		}
		defer detach()
	}

	logger.Info("tether client", "endpoint", c.Endpoint().URL())

	if shell != nil {
		shell.Attach(c)
	} else {
		watch(c, logger)
	}

	if err := c.Connect(ctx); err != nil {
		logger.Error("connect failed", "error", err)
	}
	if shell != nil {
		go shell.Run(ctx, cancel)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received signal", "signal", sig.String())
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	cancel()
}

func loadConfig() (*config.Config, error) {
	cfg := config.Default()
	if flags.ConfigFile != "" {
		loaded, err := config.Load(flags.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	if flags.URL != "" {
		cfg.Endpoint.Base = flags.URL
	}
	if flags.Path != "" {
		cfg.Endpoint.Path = flags.Path
	}
	if flags.LogLevel != "" {
		cfg.Log.Level = flags.LogLevel
	}
	if flags.ProtocolLog != "" {
		cfg.Log.ProtocolFile = flags.ProtocolLog
	}
	return cfg, nil
}

func discoverEndpoint(ctx context.Context, cfg *config.Config) error {
	instance := flags.Discover
	if instance == "any" {
		instance = ""
	}
	ctx, cancel := context.WithTimeout(ctx, discovery.BrowseTimeout)
	defer cancel()

	resolver := discovery.NewResolver(discovery.DefaultBrowserConfig())
	ep, err := resolver.Resolve(ctx, instance)
	if err != nil {
		return err
	}
	log.Printf("Discovered %s", ep.URL())
	cfg.Endpoint.Base = ep.URL()
	cfg.Endpoint.Path = ""
	return nil
}

func setupLogging(level string, w io.Writer) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	log.SetOutput(w)
	log.SetFlags(log.Ltime | log.Lmicroseconds)
	opts := &slog.HandlerOptions{Level: lvl}
	if lvl <= slog.LevelDebug {
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
		opts.AddSource = true
	}

	logger := slog.New(slog.NewTextHandler(w, opts))
	slog.SetDefault(logger)
	return logger, nil
}

// setupProtocolLogging returns nil when neither a file nor tracing is
// requested. The returned function flushes and closes the file.
func setupProtocolLogging(cfg *config.Config, logger *slog.Logger) (tetherlog.Logger, func(), error) {
	var loggers []tetherlog.Logger
	closeFn := func() {}

	if cfg.Log.ProtocolFile != "" {
		fl, err := tetherlog.NewFileLogger(cfg.Log.ProtocolFile)
		if err != nil {
			return nil, closeFn, err
		}
		logger.Info("protocol logging", "path", fl.Path())
		loggers = append(loggers, fl)
		closeFn = func() {
			if err := fl.Close(); err != nil {
				logger.Warn("closing protocol log", "error", err)
			}
			written, dropped := fl.Stats()
			logger.Info("protocol log closed", "events", written, "dropped", dropped)
		}
	}
	if flags.Trace {
		loggers = append(loggers, tetherlog.NewSlogAdapter(logger).WithLevel(slog.LevelDebug))
	}

	switch len(loggers) {
	case 0:
		return nil, closeFn, nil
	case 1:
		return loggers[0], closeFn, nil
	default:
		return tetherlog.NewMultiLogger(loggers...), closeFn, nil
	}
}

func serveMetrics(ctx context.Context, bus *eventbus.Bus, logger *slog.Logger) (func(), error) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		return nil, err
	}
	detach := m.Attach(bus)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: flags.MetricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		logger.Info("serving metrics", "addr", flags.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", "error", err)
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	return detach, nil
}

// watch prints connection events when running without the shell.
func watch(c *client.Client, logger *slog.Logger) {
	c.On(client.TopicStateChange, func(ev eventbus.Event) {
		sc := ev.Payload.(client.StateChange)
		logger.Info("state", "from", sc.Previous, "to", sc.Current)
	})
	c.On(client.TopicReconnectScheduled, func(ev eventbus.Event) {
		rs := ev.Payload.(client.ReconnectScheduled)
		logger.Info("reconnect scheduled", "attempt", rs.Attempt, "delay", rs.Delay)
	})
	c.On(client.TopicReconnectExhausted, func(ev eventbus.Event) {
		logger.Warn("reconnect attempts exhausted", "attempts", ev.Payload.(client.ReconnectExhausted).Attempts)
	})
	c.On(client.TopicMessage, func(ev eventbus.Event) {
		fmt.Println(ev.Payload)
	})
}
