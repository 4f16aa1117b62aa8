// Package main implements the entry point for the cresbridge daemon.
// cresbridge keeps a fresh parameter snapshot for one CresControl grow
// controller, bridging its WebSocket feed and HTTP fallback into a
// diagnostics and metrics surface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"strings"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/AlectoTheFirst/hoas-cresontrol/config"
	"github.com/AlectoTheFirst/hoas-cresontrol/coordinator"
	"github.com/AlectoTheFirst/hoas-cresontrol/logging"
	"github.com/AlectoTheFirst/hoas-cresontrol/metric"
	"github.com/AlectoTheFirst/hoas-cresontrol/pkg/retry"
)

const (
	Version = "0.1.0"
	appName = "cresbridge"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("daemon failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		host        = flag.String("host", "", "CresControl device address (required)")
		wsPort      = flag.Int("ws-port", 81, "device WebSocket port")
		httpPort    = flag.Int("http-port", 80, "device HTTP port")
		interval    = flag.Duration("interval", 10*time.Second, "base update interval")
		keys        = flag.String("keys", "", "comma-separated parameter keys (default: standard set)")
		listenAddr  = flag.String("listen", ":9444", "bridge HTTP listen address for /metrics and /status")
		natsURL     = flag.String("nats-url", "", "optional NATS server for log streaming")
		logLevel    = flag.String("log-level", "info", "log level: debug, info, warn, error")
		showVersion = flag.Bool("version", false, "print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", appName, Version)
		return nil
	}

	setupSlog(*logLevel)

	cfg := config.DefaultConfig()
	cfg.Host = *host
	cfg.WebSocketPort = *wsPort
	cfg.HTTPPort = *httpPort
	cfg.UpdateInterval = *interval
	if *keys != "" {
		cfg.SubscribedKeys = strings.Split(*keys, ",")
	}
	if err := cfg.Validate(); err != nil {
		flag.Usage()
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	nc, err := connectNATS(ctx, *natsURL)
	if err != nil {
		return err
	}
	if nc != nil {
		defer nc.Close()
	}

	registry := metric.NewRegistry()
	metrics, err := metric.NewBridgeMetrics(registry, cfg.Host)
	if err != nil {
		return err
	}
	log := logging.NewLogger(appName, cfg.Host, nc, slog.Default())

	coord, err := coordinator.New(coordinator.Options{
		Config:  cfg,
		Logger:  log.With("coordinator"),
		Metrics: metrics,
	})
	if err != nil {
		return err
	}

	if err := coord.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := coord.Stop(10 * time.Second); err != nil {
			log.Warn("session shutdown incomplete", "error", err.Error())
		}
	}()

	server := serveHTTP(*listenAddr, registry, coord, log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	go printUpdates(ctx, coord, log)

	log.Info("bridge running", "device", cfg.Host, "listen", *listenAddr,
		"session_id", coord.SessionID(), "version", Version)
	<-ctx.Done()
	log.Info("shutting down")
	return nil
}

func setupSlog(level string) {
	var l slog.Level
	switch strings.ToLower(level) {
	case "debug":
		l = slog.LevelDebug
	case "warn":
		l = slog.LevelWarn
	case "error":
		l = slog.LevelError
	default:
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: l})))
}

// connectNATS dials the optional log-streaming broker. A blank URL means
// local logging only. Transient dial failures are retried briefly; a
// broker that stays unreachable fails startup rather than silently
// dropping the stream.
func connectNATS(ctx context.Context, natsURL string) (*nats.Conn, error) {
	if natsURL == "" {
		return nil, nil
	}

	var nc *nats.Conn
	err := retry.Do(ctx, retry.Config{
		MaxAttempts:  5,
		InitialDelay: 500 * time.Millisecond,
		MaxDelay:     5 * time.Second,
		Multiplier:   2.0,
		AddJitter:    true,
	}, func() error {
		var dialErr error
		nc, dialErr = nats.Connect(natsURL, nats.Name(appName))
		return dialErr
	})
	if err != nil {
		return nil, err
	}
	return nc, nil
}

func serveHTTP(addr string, registry *metric.Registry, coord *coordinator.Coordinator, log *logging.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", registry.Handler())
	mux.HandleFunc("/status", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(coord.GetConnectionStatus())
	})
	mux.HandleFunc("/snapshot", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(coord.GetSnapshot())
	})
	mux.HandleFunc("/reconnect", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST required", http.StatusMethodNotAllowed)
			return
		}
		coord.ManualReconnect()
		w.WriteHeader(http.StatusAccepted)
	})

	server := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("http server failed", err)
		}
	}()
	return server
}

// printUpdates streams snapshot changes to the log at debug level.
func printUpdates(ctx context.Context, coord *coordinator.Coordinator, log *logging.Logger) {
	ch, id := coord.Subscribe()
	defer coord.Unsubscribe(id)

	for {
		select {
		case <-ctx.Done():
			return
		case keys, ok := <-ch:
			if !ok {
				return
			}
			log.Debug("snapshot updated", "keys", strings.Join(keys, ","))
		}
	}
}
