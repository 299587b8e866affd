package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/ZanzyTHEbar/hitl-chat/hitl/api"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(opts *rootOptions) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the chat API over HTTP",
		Long: `Starts the HTTP API:

  POST   /chat                 {"thread_id", "message"}
  POST   /approve              {"thread_id", "approved"}
  GET    /history/{thread_id}
  DELETE /history/{thread_id}
  GET    /healthz`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			cfg, logger, e, closeEngine, err := bootstrap(ctx, opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeEngine()

			if addr == "" {
				addr = cfg.Server.Addr
			}
			server := &http.Server{
				Addr:         addr,
				Handler:      api.New(e, logger).Handler(),
				ReadTimeout:  cfg.Server.ReadTimeout,
				WriteTimeout: cfg.Server.WriteTimeout,
				IdleTimeout:  60 * time.Second,
			}

			var serveErr error
			var wg conc.WaitGroup
			wg.Go(func() {
				logger.Info().Str("addr", addr).Msg("Listening")
				if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr = err
					stop()
				}
			})

			<-ctx.Done()
			logger.Info().Msg("Shutting down")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if err := server.Shutdown(shutdownCtx); err != nil {
				logger.Error().Err(err).Msg("Graceful shutdown failed")
			}
			wg.Wait()
			return serveErr
		},
	}

	cmd.Flags().StringVar(&addr, "addr", "", "Listen address (overrides server.addr)")
	return cmd
}
