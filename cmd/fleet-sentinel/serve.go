package main

import (
	"context"
	"fmt"

	"github.com/nholik/fleet-sentinel/internal/api"
	"github.com/nholik/fleet-sentinel/internal/config"
	"github.com/nholik/fleet-sentinel/internal/coordinator"
	"github.com/nholik/fleet-sentinel/internal/healthcheck"
	"github.com/nholik/fleet-sentinel/internal/logging"
	"github.com/nholik/fleet-sentinel/internal/metrics"
	"github.com/nholik/fleet-sentinel/internal/server"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the control plane: scan loop, project sweeps and the HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Run a single fleet scan against the configured store and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg, logger, fleet, err := loadEnvironment()
			if err != nil {
				return err
			}
			sys, err := coordinator.Build(ctx, logger, cfg, fleet, nil, nil)
			if err != nil {
				return err
			}
			defer sys.Close()

			if err := sys.ScanOnce(ctx); err != nil {
				return err
			}
			logger.Info().Str("checksum", sys.Store.Checksum()).Msg("scan complete")
			return nil
		},
	}
}

func loadEnvironment() (config.Config, zerolog.Logger, *config.Fleet, error) {
	cfg, err := config.Load()
	if err != nil {
		return config.Config{}, zerolog.Nop(), nil, fmt.Errorf("load config: %w", err)
	}
	logger := logging.NewWithLevel(cfg.LogLevel)

	fleet, err := config.LoadFleetFile(cfg.FleetFile)
	if err != nil {
		return cfg, logger, nil, err
	}
	return cfg, logger, fleet, nil
}

func serve(ctx context.Context) error {
	cfg, logger, fleet, err := loadEnvironment()
	if err != nil {
		return err
	}
	logger.Info().
		Str("holder", cfg.HolderID).
		Str("store", cfg.Store).
		Dur("scan_interval", cfg.ScanInterval).
		Msg("fleet-sentinel starting")

	m := metrics.New()
	tracker := healthcheck.NewTracker()

	sys, err := coordinator.Build(ctx, logger, cfg, fleet, m, tracker)
	if err != nil {
		return err
	}
	defer func() {
		if err := sys.Close(); err != nil {
			logger.Warn().Err(err).Msg("close failed")
		}
	}()

	server.Start(ctx, logger, cfg.ScanInterval, tracker, m, cfg.HealthPort, cfg.MetricsPort)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.New(logger, sys.Loops()...).Run(gctx)
	})
	if cfg.APIPort > 0 {
		g.Go(func() error {
			return server.ServeAPI(gctx, logger, api.New(logger, sys.APIDeps()), cfg.APIPort)
		})
	}

	err = g.Wait()
	logger.Info().Msg("fleet-sentinel stopped")
	return err
}
