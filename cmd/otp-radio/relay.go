package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/acardillo/otp-radio/internal/config"
	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/server"
	"github.com/acardillo/otp-radio/internal/stream"
)

const shutdownTimeout = 10 * time.Second

func relayCommand() *cli.Command {
	return &cli.Command{
		Name:  "relay",
		Usage: "Run the relay: WebSocket endpoint, station directory and monitoring API",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "address", Usage: "HTTP bind address"},
			&cli.IntFlag{Name: "port", Usage: "HTTP port"},
			&cli.StringSliceFlag{Name: "station", Usage: "Restrict the relay to these station ids (repeatable)"},
			&cli.IntFlag{Name: "backlog", Usage: "Catch-up chunks kept per station"},
		},
		Action: relayAction,
	}
}

func relayAction(c *cli.Context) error {
	cfg, logger, err := setup(c, func(cfg *config.Config) {
		if c.IsSet("address") {
			cfg.HTTP.Address = c.String("address")
		}
		if c.IsSet("port") {
			cfg.HTTP.Port = c.Int("port")
		}
		if c.IsSet("station") {
			cfg.Relay.Stations = c.StringSlice("station")
		}
		if c.IsSet("backlog") {
			cfg.Relay.BacklogSize = c.Int("backlog")
		}
	})
	if err != nil {
		return err
	}

	logger.Info("Configuration loaded",
		slog.String("http_address", cfg.HTTP.Addr()),
		slog.Any("stations", cfg.Relay.Stations),
		slog.Int("backlog_size", cfg.Relay.BacklogSize),
		slog.Int("send_queue_size", cfg.Relay.SendQueueSize),
		slog.Duration("idle_timeout", cfg.Relay.GetIdleTimeoutDuration()),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)
	logger.Info("Prometheus metrics initialized")

	hub, err := stream.NewHub(stream.HubConfig{
		Stations:        cfg.Relay.Stations,
		BacklogSize:     cfg.Relay.BacklogSize,
		IdleTimeout:     cfg.Relay.GetIdleTimeoutDuration(),
		CleanupInterval: cfg.Relay.GetCleanupIntervalDuration(),
	}, logger, appMetrics)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to create relay hub: %v", err), 1)
	}

	socket := server.NewSocketServer(server.SocketConfig{
		SendQueueSize:  cfg.Relay.SendQueueSize,
		MaxMessageSize: int64(cfg.Relay.MaxMessageSize),
		PingInterval:   cfg.Relay.GetPingIntervalDuration(),
	}, hub, logger, appMetrics)

	httpServer := server.NewHTTPServer(cfg, logger, hub, socket, appMetrics, prometheus.DefaultGatherer)
	if err := httpServer.Start(); err != nil {
		hub.Stop()
		return cli.Exit(fmt.Sprintf("Failed to start HTTP server: %v", err), 1)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Relay started, waiting for signals...",
		slog.String("address", httpServer.Addr()),
	)

	<-ctx.Done()
	logger.Info("Starting graceful shutdown...")

	// Stop accepting requests first, then close the sockets Shutdown cannot see
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}
	socket.Stop()
	hub.Stop()

	stats := hub.GetStats()
	logger.Info("Final relay statistics",
		slog.Int("stations", stats.Stations),
		slog.Uint64("chunks_received", stats.ChunksReceived),
		slog.Uint64("chunks_delivered", stats.ChunksDelivered),
		slog.Uint64("delivery_failures", stats.DeliveryFailures),
	)

	logger.Info("Service stopped")
	return nil
}
