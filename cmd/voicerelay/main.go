// Command voicerelay runs the UDP voice relay.
//
// usage: voicerelay <port>
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"log/slog"

	_ "go.uber.org/automaxprocs"

	"palaver/server/internal/config"
	"palaver/server/internal/metrics"
	"palaver/server/internal/relay"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

const usage = "usage: voicerelay <port>"

func main() {
	if len(os.Args) != 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	port, err := strconv.Atoi(os.Args[1])
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "invalid port %q\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}

	level := slog.LevelInfo
	if strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.LoadVoice()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}

	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		slog.Error("listen udp", "port", port, "err", err)
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	r := relay.New(relay.Config{
		ClientTimeout:    cfg.ClientTimeout,
		BufferSize:       cfg.BufferSize,
		MaxClients:       cfg.MaxClients,
		MaxChannelLength: cfg.MaxChannelLength,
	}, metrics.NewVoice(nil))

	if cfg.MetricsAddr != "" {
		go serveMetrics(ctx, cfg.MetricsAddr)
	}

	slog.Info("starting voice relay", "version", Version, "port", port)
	if err := r.Run(ctx, conn); err != nil {
		slog.Error("relay error", "err", err)
		os.Exit(1)
	}
	slog.Info("relay stopped")
}

// serveMetrics exposes Prometheus metrics on its own listener until ctx is
// canceled.
func serveMetrics(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutCtx)
	}()

	slog.Info("metrics listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("metrics server", "err", err)
	}
}
