package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"

	"github.com/acardillo/otp-radio/internal/audio"
	"github.com/acardillo/otp-radio/internal/config"
	"github.com/acardillo/otp-radio/internal/directory"
	"github.com/acardillo/otp-radio/internal/metrics"
	"github.com/acardillo/otp-radio/internal/playback"
	"github.com/acardillo/otp-radio/internal/session"
)

func listenCommand() *cli.Command {
	return &cli.Command{
		Name:      "listen",
		Usage:     "Play a station: decoded PCM goes to stdout or a file",
		ArgsUsage: "[station]",
		Flags: append(transportFlags(),
			&cli.StringFlag{Name: "output", Aliases: []string{"o"}, Usage: `"-" for stdout, "discard", or a file path`},
			&cli.StringFlag{Name: "codec", Usage: "Chunk codec the station uses"},
			&cli.Float64Flag{Name: "start-buffer", Usage: "Seconds buffered before playback starts"},
			&cli.BoolFlag{Name: "paced", Usage: "Write at real-time speed", Value: true},
		),
		Action: listenAction,
	}
}

func listenAction(c *cli.Context) error {
	cfg, logger, err := setup(c, func(cfg *config.Config) {
		if c.Args().Present() {
			cfg.Listen.Station = c.Args().First()
		}
		if c.IsSet("output") {
			cfg.Listen.Output = c.String("output")
		}
		if c.IsSet("codec") {
			cfg.Listen.Codec = c.String("codec")
		}
		if c.IsSet("start-buffer") {
			cfg.Listen.StartBuffer = c.Float64("start-buffer")
		}
		if c.IsSet("paced") {
			cfg.Listen.Paced = c.Bool("paced")
		}
		applyTransportFlags(c, cfg)
	})
	if err != nil {
		return err
	}
	if cfg.Listen.Station == "" {
		return cli.Exit("A station is required: otp-radio listen <station>", 2)
	}

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	appMetrics := metrics.NewMetrics(prometheus.DefaultRegisterer)

	if cfg.Transport.Backend == "websocket" && cfg.Listen.DirectoryURL != "" {
		describeStation(ctx, cfg, logger, appMetrics)
	}

	// Raw codecs carry no header; the broadcast section describes their PCM
	format := audio.Format{
		SampleRate: cfg.Broadcast.SampleRate,
		Channels:   cfg.Broadcast.Channels,
		BitDepth:   cfg.Broadcast.BitDepth,
	}

	out, err := playback.OpenOutput(cfg.Listen.Output)
	if err != nil {
		return cli.Exit(err.Error(), 1)
	}
	defer out.Close()

	var sink io.Writer = out
	if cfg.Listen.Paced {
		paced, err := playback.NewPacedWriter(out, format, cfg.Listen.GetStartBufferDuration())
		if err != nil {
			return cli.Exit(fmt.Sprintf("Failed to pace output: %v", err), 2)
		}
		sink = paced
	}

	l, err := session.NewListener(session.ListenerConfig{
		Station:        cfg.Listen.Station,
		Codec:          cfg.Listen.Codec,
		Format:         format,
		BufferCapacity: cfg.Listen.BufferCapacity,
		StartBuffer:    cfg.Listen.GetStartBufferDuration(),
		StatsInterval:  cfg.Listen.GetStatsIntervalDuration(),
		OnPhase:        logPhase(logger),
		OnStats: func(stats session.ListenerStats) {
			attrs := []any{
				slog.Uint64("chunks_received", stats.ChunksReceived),
				slog.Uint64("degraded_chunks", stats.DegradedChunks),
				slog.Float64("bytes_per_second", stats.BytesPerSecond),
				slog.Uint64("reconnects", stats.Reconnects),
			}
			if latency, ok := stats.Latency(); ok {
				attrs = append(attrs, slog.Duration("latency", latency))
			}
			logger.Debug("Listen statistics", attrs...)
		},
	}, newTransportFactory(cfg.Transport, logger), sink, logger, appMetrics)
	if err != nil {
		return cli.Exit(err.Error(), 2)
	}

	logger.Info("Configuration loaded",
		slog.String("station", cfg.Listen.Station),
		slog.String("codec", cfg.Listen.Codec),
		slog.String("output", cfg.Listen.Output),
		slog.Duration("start_buffer", cfg.Listen.GetStartBufferDuration()),
		slog.String("transport", cfg.Transport.Backend),
		slog.String("url", cfg.Transport.URL),
	)

	if err := l.Start(); err != nil {
		return cli.Exit(fmt.Sprintf("Failed to start listening: %v", err), 1)
	}

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal")
	case <-l.Done():
	}

	phase, runErr := l.Phase(), l.Err()
	stats := l.Stats()
	l.Stop()

	logger.Info("Final listen statistics",
		slog.Uint64("chunks_received", stats.ChunksReceived),
		slog.Uint64("degraded_chunks", stats.DegradedChunks),
		slog.Uint64("reconnects", stats.Reconnects),
		slog.Uint64("underruns", stats.Playback.Underruns),
	)

	if phase == session.PhaseFailed {
		return cli.Exit(fmt.Sprintf("Listening failed: %v", runErr), 1)
	}
	return nil
}

// describeStation logs what the relay directory knows about the station.
// The directory is advisory: failures only log.
func describeStation(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) {
	client, err := directory.NewClient(directory.Config{
		BaseURL:    cfg.Listen.DirectoryURL,
		Timeout:    cfg.Transport.GetRequestTimeoutDuration(),
		MaxRetries: 1,
	}, m)
	if err != nil {
		logger.Warn("Directory unavailable", slog.String("error", err.Error()))
		return
	}

	info, err := client.Lookup(ctx, cfg.Listen.Station)
	switch {
	case errors.Is(err, directory.ErrStationNotFound):
		logger.Info("Station not on air yet, waiting for a broadcaster")
	case err != nil:
		logger.Warn("Station lookup failed", slog.String("error", err.Error()))
	default:
		logger.Info("Station found",
			slog.Bool("live", info.Live),
			slog.Int("listeners", info.Listeners),
			slog.String("instance", info.Instance),
		)
	}
}
