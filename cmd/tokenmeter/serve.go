package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"tokenmeter/config"
	"tokenmeter/internal/app"
	"tokenmeter/internal/version"
)

const shutdownTimeout = 30 * time.Second

func newServeCmd(root *rootOptions) *cobra.Command {
	var port string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the metered HTTP gateway",
		Long: `Run the HTTP gateway. Every chat call is metered and recorded in the
configured sink; prices, usage summaries and Prometheus metrics are served
alongside.

Examples:
  tokenmeter serve
  tokenmeter serve --config /etc/tokenmeter/config.yaml --port 9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := root.setup()
			if err != nil {
				return err
			}
			if port != "" {
				cfg.Server.Port = port
			}
			return serve(cmd.Context(), cfg)
		},
	}

	cmd.Flags().StringVarP(&port, "port", "p", "", "override server.port")
	return cmd
}

func serve(ctx context.Context, cfg *config.Config) error {
	slog.Info("starting tokenmeter",
		"version", version.Version,
		"commit", version.Commit,
		"build_date", version.Date,
	)

	a, err := app.New(ctx, cfg, app.Options{})
	if err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.Start(":" + cfg.Server.Port)
	}()

	select {
	case err := <-errCh:
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return errors.Join(err, a.Shutdown(shutdownCtx))
	case <-sigCtx.Done():
	}

	slog.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	shutdownErr := a.Shutdown(shutdownCtx)
	return errors.Join(<-errCh, shutdownErr)
}
