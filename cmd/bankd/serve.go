package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/plaenen/bankengine/pkg/config"
	"github.com/plaenen/bankengine/pkg/runner"
)

func newServeCommand() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the banking engine node",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			return serve(cfg)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to bankengine.toml")
	return cmd
}

func serve(cfg *config.Config) error {
	logger := newLogger(cfg.Log)
	slog.SetDefault(logger)

	n, err := buildNode(context.Background(), cfg, logger)
	if err != nil {
		return err
	}

	logger.Info("starting node", "node", cfg.Node.ID, "version", version)
	r := runner.New(n.services, runner.WithLogger(runner.NewSlogLogger(logger)))
	return r.Run(context.Background())
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}
