package main

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	internal "github.com/ZanzyTHEbar/hitl-chat/hitl"
	"github.com/ZanzyTHEbar/hitl-chat/hitl/config"
	"github.com/ZanzyTHEbar/hitl-chat/hitl/engine"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

type rootOptions struct {
	configPath string
	threadID   string
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "hitl",
		Short:         "Conversational assistant with human approval for sensitive actions",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "", "Path to a config file (defaults to ./config.yaml or "+internal.DefaultConfigPath+")")
	rootCmd.PersistentFlags().StringVarP(&opts.threadID, "thread", "t", "", "Conversation thread id (chat generates one when empty)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newChatCommand(opts))
	return rootCmd
}

// newLogger builds the process logger from the log section.
func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if cfg.Format != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// bootstrap loads configuration and wires an engine. The returned close
// function releases the engine's resources.
func bootstrap(ctx context.Context, opts *rootOptions, logOut io.Writer) (*config.Config, zerolog.Logger, *engine.Engine, func(), error) {
	cfg, err := config.LoadConfig(opts.configPath)
	if err != nil {
		return nil, zerolog.Nop(), nil, nil, err
	}
	if logOut == nil {
		logOut = os.Stderr
	}
	logger := newLogger(cfg.Log, logOut)

	factory := engine.NewFactory(cfg, logger)
	e, err := factory.CreateEngine(ctx)
	if err != nil {
		factory.Close(ctx)
		return nil, logger, nil, nil, err
	}

	closeFn := func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := factory.Close(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("Failed to release engine resources")
		}
	}
	return cfg, logger, e, closeFn, nil
}
