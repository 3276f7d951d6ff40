// Package main is the entry point for the membership HTTP server.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/prn-tf/membership/internal/app"
	"github.com/prn-tf/membership/internal/config"
	"github.com/prn-tf/membership/internal/handler"
)

// Version information (set at build time)
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configFile string

func main() {
	cmd := newRootCmd()
	cmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", Version, GitCommit, BuildTime)

	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:          "membership-server",
		Short:        "Serve the membership account API over HTTP",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// A missing .env file is normal outside development.
			_ = godotenv.Load()

			cfg, err := config.Load(configFile)
			if err != nil {
				return err
			}
			logger, err := app.NewLogger(cfg.Logging)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, cfg, logger)
		},
	}
	cmd.PersistentFlags().StringVar(&configFile, "config", "", "config file path")
	return cmd
}

// newServer builds the HTTP server for an assembled application.
func newServer(cfg *config.Config, a *app.App, logger zerolog.Logger) *http.Server {
	var gatherer prometheus.Gatherer
	if cfg.Metrics.Enabled {
		gatherer = a.Registry
	}

	router := handler.NewRouter(handler.RouterConfig{
		AccountHandler: handler.NewAccountHandler(a.Accounts, logger),
		Health:         a.Repos.Database,
		Gatherer:       gatherer,
		MetricsPath:    cfg.Metrics.Path,
		MaxBodySize:    cfg.Server.MaxBodySize,
		Logger:         logger,
	})

	return &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router.Handler(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func run(ctx context.Context, cfg *config.Config, logger zerolog.Logger) error {
	logger.Info().
		Str("version", Version).
		Str("build_time", BuildTime).
		Str("git_commit", GitCommit).
		Msg("starting membership server")

	a, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.Error().Err(err).Msg("shutdown cleanup failed")
		}
	}()

	srv := newServer(cfg, a, logger)
	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", srv.Addr).Msg("listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return <-errCh
}
