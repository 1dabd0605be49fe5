package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/samblam/edgemesh/internal/config"
	"github.com/samblam/edgemesh/internal/logger"
	"github.com/samblam/edgemesh/internal/metrics"
	"github.com/samblam/edgemesh/internal/server"
	"github.com/samblam/edgemesh/internal/version"
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if port, _ := cmd.Flags().GetString("port"); port != "" {
				cfg.HTTPPort = port
			}
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringP("port", "p", "", "Port to listen on (overrides http_port)")
	return cmd
}

func serve(parent context.Context, cfg config.Config) error {
	setupLogging(cfg)
	log := logger.Log()
	log.WithField("version", version.Full()).Info("starting edgemesh")

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	metrics.Register(prometheus.DefaultRegisterer)

	db, err := openDB(cfg)
	if err != nil {
		return err
	}

	a, err := buildApp(ctx, cfg, db, prometheus.DefaultGatherer)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.stats.Refresh(ctx); err != nil {
		log.WithError(err).Warn("initial stats refresh failed")
	}
	a.stats.Start()

	if err := server.New(a.services, cfg).Run(ctx); err != nil {
		return err
	}
	log.Info("edgemesh stopped")
	return nil
}
