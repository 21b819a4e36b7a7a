// Command tether-echo is an echo server for trying out tether clients.
//
// Every application message is sent back unchanged and liveness probes
// are answered. The server listens for WebSocket upgrades and, optionally,
// for framed TCP connections.
//
// Usage:
//
//	tether-echo [flags]
//
// Flags:
//
//	-addr string       HTTP/WebSocket listen address (default ":8080")
//	-path string       WebSocket path (default "/")
//	-tcp string        Framed TCP listen address (disabled when empty)
//	-probe string      Probe form: envelope, token (default "envelope")
//	-advertise string  Advertise the WebSocket endpoint via mDNS under this instance name
//	-log-level string  Log level: debug, info, warn, error (default "info")
//
// Prometheus metrics are served on /metrics of the HTTP listener.
//
// Examples:
//
//	# Echo on ws://localhost:8080/events and tcp://localhost:7000
//	tether-echo -path /events -tcp :7000
//
//	# Make the server discoverable with tether-client -discover echo
//	tether-echo -advertise echo
package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tether-io/tether-go/internal/testharness/peer"
	"github.com/tether-io/tether-go/pkg/config"
	"github.com/tether-io/tether-go/pkg/discovery"
	"github.com/tether-io/tether-go/pkg/metrics"
	"github.com/tether-io/tether-go/pkg/transport"
	"github.com/tether-io/tether-go/pkg/version"
	"github.com/tether-io/tether-go/pkg/wire"
)

// Config holds the server settings.
type Config struct {
	Addr      string
	Path      string
	TCPAddr   string
	Probe     string
	Advertise string
	LogLevel  string
}

var cfg Config

func init() {
	flag.StringVar(&cfg.Addr, "addr", ":8080", "HTTP/WebSocket listen address")
	flag.StringVar(&cfg.Path, "path", "/", "WebSocket path")
	flag.StringVar(&cfg.TCPAddr, "tcp", "", "Framed TCP listen address (disabled when empty)")
	flag.StringVar(&cfg.Probe, "probe", "envelope", "Probe form: envelope, token")
	flag.StringVar(&cfg.Advertise, "advertise", "", "Advertise the WebSocket endpoint via mDNS under this instance name")
	flag.StringVar(&cfg.LogLevel, "log-level", "info", "Log level: debug, info, warn, error")
}

func main() {
	flag.Parse()

	logger, err := setupLogging(cfg.LogLevel)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}

	probe, err := wire.ParseProbeForm(cfg.Probe)
	if err != nil {
		log.Fatalf("Invalid probe form: %v", err)
	}

	log.Println("Tether Echo Server")
	log.Println("==================")
	log.Printf("Protocol: %s (%s)", version.Current, version.SupportedSubprotocols()[0])

	reg := prometheus.NewRegistry()
	echoed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: metrics.Namespace,
		Subsystem: "echo",
		Name:      "frames_total",
		Help:      "Application frames echoed, by frame type.",
	}, []string{"type"})
	reg.MustRegister(echoed)

	srv := peer.New(peer.Config{
		Echo:        true,
		AnswerPings: true,
		Probe:       probe,
		Logger:      logger,
		OnMessage: func(_ *peer.Session, f wire.Frame) {
			if f.Binary {
				echoed.WithLabelValues("binary").Inc()
			} else {
				echoed.WithLabelValues("text").Inc()
			}
		},
	})
	reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: metrics.Namespace,
		Subsystem: "echo",
		Name:      "sessions",
		Help:      "Open sessions.",
	}, func() float64 { return float64(len(srv.Sessions())) }))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Drain the accept queue; sessions are tracked by the server itself.
	go func() {
		for {
			if _, err := srv.Accept(ctx); err != nil {
				return
			}
		}
	}()

	mux := http.NewServeMux()
	mux.Handle(cfg.Path, srv)
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	ln, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		log.Fatalf("Failed to listen on %s: %v", cfg.Addr, err)
	}
	httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server", "error", err)
			cancel()
		}
	}()
	log.Printf("WebSocket: ws://%s%s", ln.Addr(), cfg.Path)

	var stream *transport.StreamListener
	if cfg.TCPAddr != "" {
		stream, err = transport.ListenStream(cfg.TCPAddr, transport.StreamConfig{})
		if err != nil {
			log.Fatalf("Failed to listen on %s: %v", cfg.TCPAddr, err)
		}
		go serveStream(stream, srv, logger)
		log.Printf("TCP: %s", stream.URL())
	}

	var adv *discovery.Advertiser
	if cfg.Advertise != "" {
		adv = discovery.NewAdvertiser(discovery.DefaultAdvertiserConfig())
		info := &discovery.ServiceInfo{
			Instance: cfg.Advertise,
			Port:     uint16(ln.Addr().(*net.TCPAddr).Port),
			Scheme:   "ws",
			Version:  majorVersion(),
		}
		if cfg.Path != "/" {
			info.Path = cfg.Path
		}
		if err := adv.Advertise(info); err != nil {
			logger.Warn("mdns advertisement failed", "error", err)
		} else {
			log.Printf("Advertising %s as %q", discovery.ServiceType, cfg.Advertise)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		log.Printf("Received signal: %v", sig)
	case <-ctx.Done():
	}

	log.Println("Shutting down...")
	if adv != nil {
		adv.Stop()
	}
	if stream != nil {
		_ = stream.Close()
	}
	cancel()
	srv.Close()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", "error", err)
	}
	log.Println("Goodbye!")
}

func serveStream(l *transport.StreamListener, srv *peer.Server, logger *slog.Logger) {
	for {
		conn, err := l.Accept()
		if err != nil {
			if !errors.Is(err, transport.ErrClosed) {
				logger.Error("tcp accept", "error", err)
			}
			return
		}
		go srv.Serve(conn)
	}
}

func setupLogging(level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}

	log.SetFlags(log.Ltime | log.Lmicroseconds)
	switch {
	case lvl <= slog.LevelDebug:
		log.SetFlags(log.Ltime | log.Lmicroseconds | log.Lshortfile)
	case lvl >= slog.LevelWarn:
		log.SetFlags(log.Ltime)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
	slog.SetDefault(logger)
	return logger, nil
}

func majorVersion() uint16 {
	v, err := version.Parse(version.Current)
	if err != nil {
		return 0
	}
	return v.Major
}
