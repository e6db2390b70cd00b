package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/acardillo/otp-radio/internal/audio"
	"github.com/acardillo/otp-radio/internal/config"
	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/session"
	"github.com/acardillo/otp-radio/internal/transport"
)

// transportFlags are shared by the client commands
func transportFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "backend", Usage: "Transport backend: websocket or redis"},
		&cli.StringFlag{Name: "url", Usage: "Relay WebSocket URL or Redis URL"},
		&cli.StringFlag{Name: "wire", Usage: "Wire codec for the websocket backend: json or msgpack"},
	}
}

func applyTransportFlags(c *cli.Context, cfg *config.Config) {
	if c.IsSet("backend") {
		cfg.Transport.Backend = c.String("backend")
	}
	if c.IsSet("url") {
		cfg.Transport.URL = c.String("url")
	}
	if c.IsSet("wire") {
		cfg.Transport.Codec = c.String("wire")
	}
}

// newTransportFactory builds the factory for the configured backend
func newTransportFactory(cfg config.TransportConfig, logger *slog.Logger) transport.Factory {
	if cfg.Backend == "redis" {
		return transport.RedisFactory(transport.RedisConfig{
			URL:            cfg.URL,
			Prefix:         cfg.RedisPrefix,
			BacklogSize:    cfg.RedisBacklog,
			RequestTimeout: cfg.GetRequestTimeoutDuration(),
		}, logger)
	}

	return transport.WebSocketFactory(transport.WebSocketConfig{
		URL:                  cfg.URL,
		Codec:                cfg.Codec,
		RequestTimeout:       cfg.GetRequestTimeoutDuration(),
		ReconnectInterval:    cfg.GetReconnectIntervalDuration(),
		MaxReconnectAttempts: cfg.MaxReconnectAttempts,
		HeartbeatInterval:    cfg.GetHeartbeatIntervalDuration(),
	}, logger)
}

func logPhase(logger *slog.Logger) func(session.PhaseChange) {
	return func(change session.PhaseChange) {
		attrs := []any{
			slog.String("from", change.From.String()),
			slog.String("to", change.To.String()),
		}
		if change.Err != nil {
			attrs = append(attrs, slog.String("error", change.Err.Error()))
			logger.Warn("Session phase changed", attrs...)
			return
		}
		logger.Info("Session phase changed", attrs...)
	}
}

func broadcastCommand() *cli.Command {
	return &cli.Command{
		Name:      "broadcast",
		Usage:     "Capture audio and broadcast it to a station",
		ArgsUsage: "[station]",
		Flags: append(transportFlags(),
			&cli.StringFlag{Name: "source", Usage: fmt.Sprintf("Audio source, type:arg (types: %v)", audio.SourceTypes())},
			&cli.StringFlag{Name: "codec", Usage: fmt.Sprintf("Chunk codec (%v)", audio.SupportedCodecs())},
			&cli.Float64Flag{Name: "chunk", Usage: "Chunk duration in seconds"},
		),
		Action: broadcastAction,
	}
}

func broadcastAction(c *cli.Context) error {
	cfg, logger, err := setup(c, func(cfg *config.Config) {
		if c.Args().Present() {
			cfg.Broadcast.Station = c.Args().First()
		}
		if c.IsSet("source") {
			cfg.Broadcast.Source = c.String("source")
		}
		if c.IsSet("codec") {
			cfg.Broadcast.Codec = c.String("codec")
		}
		if c.IsSet("chunk") {
			cfg.Broadcast.ChunkDuration = c.Float64("chunk")
		}
		applyTransportFlags(c, cfg)
	})
	if err != nil {
		return err
	}
	if cfg.Broadcast.Station == "" {
		return cli.Exit("A station is required: otp-radio broadcast <station>", 2)
	}

	format := audio.Format{
		SampleRate: cfg.Broadcast.SampleRate,
		Channels:   cfg.Broadcast.Channels,
		BitDepth:   cfg.Broadcast.BitDepth,
	}

	logger.Info("Configuration loaded",
		slog.String("station", cfg.Broadcast.Station),
		slog.String("source", cfg.Broadcast.Source),
		slog.String("codec", cfg.Broadcast.Codec),
		slog.Duration("chunk_duration", cfg.Broadcast.GetChunkDuration()),
		slog.String("transport", cfg.Transport.Backend),
		slog.String("url", cfg.Transport.URL),
	)

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	b, err := session.NewBroadcaster(session.BroadcasterConfig{
		Station:               cfg.Broadcast.Station,
		Codec:                 cfg.Broadcast.Codec,
		ChunkDuration:         cfg.Broadcast.GetChunkDuration(),
		QueueSize:             cfg.Broadcast.QueueSize,
		ListenerCountInterval: cfg.Broadcast.GetListenerCountInterval(),
		OnPhase:               logPhase(logger),
		OnStats: func(stats session.BroadcasterStats) {
			logger.Debug("Broadcast statistics",
				slog.Uint64("chunks_sent", stats.ChunksSent),
				slog.Uint64("send_failures", stats.SendFailures),
				slog.Int("queue_depth", stats.QueueDepth),
				slog.Int("listeners", stats.Listeners),
				slog.Float64("level_percent", stats.LevelPercent),
			)
		},
	}, newTransportFactory(cfg.Transport, logger), func() (audio.Source, error) {
		return audio.OpenSource(cfg.Broadcast.Source, format)
	}, logger, appMetrics)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	if err := b.Start(); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to start broadcast: %v", err), 1)
	}
	done := b.Done()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-done:
	}

	// A finished run leaves the phase as it ended; Stop would reset it
	phase, runErr := b.Phase(), b.Err()
	stats := b.Stats()
	b.Stop()

	logger.Info("Final broadcast statistics",
		slog.Uint64("chunks_captured", stats.ChunksCaptured),
		slog.Uint64("chunks_sent", stats.ChunksSent),
		slog.Uint64("send_failures", stats.SendFailures),
	)

	if phase == session.PhaseFailed {
		return cli.Exit(fmt.Sprintf("Broadcast failed: %v", runErr), 1)
	}
	return nil
}
