package main

import (
	"context"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/Zereker/relay"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn("no .env file found, using environment variables")
	}
	setupLogger()

	host := os.Getenv("HOST")
	if host == "" {
		host = "127.0.0.1"
	}
	port := os.Getenv("PORT")
	if port == "" {
		port = "9000"
	}

	addr, err := net.ResolveTCPAddr("tcp", net.JoinHostPort(host, port))
	if err != nil {
		slog.Error("invalid listen address", "host", host, "port", port, "error", err)
		os.Exit(1)
	}

	server, err := relay.NewServer(addr, relay.ServerShutdownTimeoutOption(5*time.Second))
	if err != nil {
		slog.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	service := relay.NewRelay(slog.Default(),
		relay.BufferSizeOption(64),
		relay.HeartbeatOption(30*time.Second),
	)

	// Handle graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh
		slog.Info("shutting down server...")
		cancel()
	}()

	slog.Info("relay server start", "addr", addr.String())
	if err := server.Serve(ctx, service); err != nil && ctx.Err() == nil {
		slog.Error("server error", "error", err)
	}

	service.Shutdown()
	conns, rooms := service.Stats()
	slog.Info("server exit", "remaining_conns", conns, "remaining_rooms", rooms)
}

func setupLogger() {
	level := slog.LevelInfo
	switch os.Getenv("LOG_LEVEL") {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level})))
}
