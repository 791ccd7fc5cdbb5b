package main

import (
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/af-corp/clawrouter/internal/config"
)

var version = "dev"

type rootOptions struct {
	configDir string
	debug     bool
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}
	cmd := &cobra.Command{
		Use:   "clawrouter",
		Short: "Local LLM router that pays per request",
		Long: `ClawRouter runs a local OpenAI-compatible proxy. Each chat request is
classified, sent to the cheapest model that can handle it and paid for with
USDC micropayments signed by a local wallet.`,
		Version:      version,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.configDir, "config", "configs", "path to configuration directory")
	cmd.PersistentFlags().BoolVar(&opts.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRouteCommand(opts))
	cmd.AddCommand(newBalanceCommand(opts))
	cmd.AddCommand(newModelsCommand(opts))
	cmd.AddCommand(newStatsCommand(opts))
	cmd.AddCommand(newMigrateCommand(opts))

	return cmd
}

// newLogger builds the process logger from telemetry settings.
func newLogger(w io.Writer, cfg config.TelemetryConfig, debug bool) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if debug {
		level = slog.LevelDebug
	}

	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.LogFormat, "text") {
		return slog.New(slog.NewTextHandler(w, handlerOpts))
	}
	return slog.New(slog.NewJSONHandler(w, handlerOpts))
}

// loadConfig reads the config directory with a bootstrap logger, then
// returns a logger configured from the loaded telemetry settings.
func loadConfig(opts *rootOptions, w io.Writer) (*config.Loader, *slog.Logger, error) {
	bootstrap := newLogger(w, config.DefaultConfig().Telemetry, opts.debug)
	loader := config.NewLoader(opts.configDir, bootstrap)
	if err := loader.Load(); err != nil {
		return nil, nil, err
	}
	logger := newLogger(w, loader.Config().Telemetry, opts.debug)
	slog.SetDefault(logger)
	return loader, logger, nil
}
