package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/candlekeep/klinevault"
	"github.com/candlekeep/klinevault/internal/httpapi"
	"github.com/candlekeep/klinevault/internal/telemetry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the read-only query API",
	Long: `Serve exposes /api/v1/klines, /api/v1/stats, /healthz and /metrics
over HTTP and keeps the day-file store swept on the configured
schedule. Shutdown drains in-flight requests for the grace period.`,
	RunE: runServe,
}

var serveListen string

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&serveListen, "listen", "", "listen address (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	mgr, err := klinevault.New(klinevault.Options{
		Config:  cfg,
		Logger:  logger,
		Metrics: telemetry.New(),
	})
	if err != nil {
		return err
	}
	defer mgr.Close()

	addr := cfg.Serve.Addr
	if serveListen != "" {
		addr = serveListen
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           httpapi.New(mgr, logger).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	sweeper, err := startSweeper(mgr)
	if err != nil {
		return err
	}
	if sweeper != nil {
		defer func() { <-sweeper.Stop().Done() }()
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", addr).Msg("api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info().Msg("shutdown signal received")
	case err := <-errCh:
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Serve.GetShutdownGrace())
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("shutdown incomplete, closing remaining connections")
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

// startSweeper schedules the periodic vault sweep. Returns nil when the
// cache is disabled or no schedule is configured.
func startSweeper(mgr *klinevault.Manager) (*cron.Cron, error) {
	store := mgr.Store()
	if store == nil || cfg.Cache.SweepSchedule == "" {
		return nil, nil
	}

	c := cron.New()
	_, err := c.AddFunc(cfg.Cache.SweepSchedule, func() {
		removed, err := store.Sweep(context.Background())
		if err != nil {
			logger.Warn().Err(err).Msg("vault sweep failed")
			return
		}
		logger.Info().Int("removed", removed).Msg("vault sweep complete")
	})
	if err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", cfg.Cache.SweepSchedule, err)
	}
	c.Start()
	return c, nil
}
