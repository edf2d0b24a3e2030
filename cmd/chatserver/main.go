// Command chatserver runs the websocket chat server.
//
// usage: chatserver <address> <port> <doc_root> <threads> <db_path>
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"runtime"
	"strconv"
	"strings"

	"log/slog"

	"palaver/server/internal/config"
	"palaver/server/internal/core"
	"palaver/server/internal/httpapi"
	"palaver/server/internal/metrics"
	"palaver/server/internal/store"
)

// Version is injected at build time with -ldflags.
var Version = "0.1.0-dev"

const usage = "usage: chatserver <address> <port> <doc_root> <threads> <db_path>"

func main() {
	if len(os.Args) != 6 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	address := os.Args[1]
	portArg := os.Args[2]
	docRoot := os.Args[3]
	threadsArg := os.Args[4]
	dbPath := os.Args[5]

	if _, err := strconv.Atoi(portArg); err != nil {
		fmt.Fprintf(os.Stderr, "invalid port %q\n%s\n", portArg, usage)
		os.Exit(2)
	}
	threads, err := strconv.Atoi(threadsArg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid thread count %q\n%s\n", threadsArg, usage)
		os.Exit(2)
	}

	// Auto-enable debug logging for dev builds.
	level := slog.LevelInfo
	if strings.Contains(Version, "dev") {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	if threads > 0 {
		runtime.GOMAXPROCS(threads)
	}

	cfg, err := config.LoadChat()
	if err != nil {
		slog.Error("load config", "err", err)
		os.Exit(1)
	}
	if cfg.SendTimeout > 0 {
		core.SendTimeout = cfg.SendTimeout
	}

	slog.Info("starting chat server",
		"version", Version, "address", address, "port", portArg,
		"db", dbPath, "threads", threads)

	st, err := store.Open(dbPath)
	if err != nil {
		slog.Error("open sqlite store", "err", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := st.Close(); closeErr != nil {
			slog.Error("close sqlite store", "err", closeErr)
		}
	}()

	hub := core.NewHub()
	server := httpapi.New(st, hub, httpapi.Options{
		DocRoot:   docRoot,
		SendQueue: cfg.SendQueue,
		Metrics:   metrics.NewChat(nil),
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	go func() {
		<-sigCh
		slog.Info("received interrupt, shutting down")
		cancel()
	}()

	addr := net.JoinHostPort(address, portArg)
	slog.Info("listening", "addr", addr)
	if err := server.Run(ctx, addr); err != nil {
		slog.Error("server error", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}
