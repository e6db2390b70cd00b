package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/acardillo/otp-radio/internal/config"
)

const (
	serviceName    = "otp-radio"
	serviceVersion = "1.0.0"
)

func main() {
	app := &cli.App{
		Name:    serviceName,
		Usage:   "Live audio over a relay with jitter-buffered playback",
		Version: serviceVersion,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "Path to configuration file (defaults apply when omitted)",
				EnvVars: []string{"OTP_RADIO_CONFIG"},
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "Override logging level: debug, info, warn, error",
			},
		},
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			relayCommand(),
			broadcastCommand(),
			listenCommand(),
			stationsCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler prints command errors once and maps them to exit codes
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		if msg := exitCoder.Error(); msg != "" {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(exitCoder.ExitCode())
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// loadConfig reads --config (or the defaults), lets apply override fields
// from command flags, then validates the result
func loadConfig(c *cli.Context, apply func(*config.Config)) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)

	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
		if err != nil {
			return nil, cli.Exit(fmt.Sprintf("Failed to load configuration: %v", err), 1)
		}
	} else {
		cfg = config.Default()
	}

	if level := c.String("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if apply != nil {
		apply(cfg)
	}

	if err := cfg.Validate(); err != nil {
		return nil, cli.Exit(fmt.Sprintf("Invalid configuration: %v", err), 2)
	}
	return cfg, nil
}

// setup loads the configuration and builds the logger
func setup(c *cli.Context, apply func(*config.Config)) (*config.Config, *slog.Logger, error) {
	cfg, err := loadConfig(c, apply)
	if err != nil {
		return nil, nil, err
	}

	logger := initLogger(cfg.Logging).With(slog.String("command", c.Command.Name))
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", c.String("config")),
	)
	return cfg, logger, nil
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	// Logs stay off stdout by default: listen writes audio there
	var output *os.File
	switch cfg.Output {
	case "stderr", "":
		output = os.Stderr
	case "stdout":
		output = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stderr\n", cfg.Output, err)
			output = os.Stderr
		} else {
			output = file
		}
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
