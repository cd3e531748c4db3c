// runner-controller watches a GitHub Actions repository for queued
// jobs matching this host's advertised capability labels, launches one
// ephemeral Docker sandbox per eligible job pre-seeded with a one-shot
// registration credential, and reaps + deregisters each sandbox once
// its job completes or times out.
package main

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/nixci/runner-controller/internal/ciclient"
	"github.com/nixci/runner-controller/internal/config"
	dockerdriver "github.com/nixci/runner-controller/internal/driver/docker"
	"github.com/nixci/runner-controller/internal/httpapi"
	"github.com/nixci/runner-controller/internal/scheduler"
	"github.com/nixci/runner-controller/internal/stateindex"
)

func main() {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	if os.Getenv("RUNNER_CONTROLLER_ENV") != "production" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	}

	log.Info().Msg("runner-controller starting")

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}
	log.Info().
		Str("repo", cfg.GitHubRepo).
		Int("max_concurrent", cfg.MaxConcurrent).
		Dur("poll_interval", cfg.PollInterval).
		Strs("labels", cfg.RunnerLabels).
		Int("http_port", cfg.HTTPPort).
		Msg("configuration loaded")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigChan
		log.Info().Str("signal", sig.String()).Msg("shutdown signal received")
		cancel()
	}()

	stateIdx, err := stateindex.Open(cfg.StateDir)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to open state index")
	}
	defer stateIdx.Close()
	log.Info().Str("state_dir", cfg.StateDir).Msg("state index opened")

	ciClient := ciclient.New(cfg.GitHubRepo, cfg.GitHubToken)

	if _, err := ciClient.ListRunners(ctx); err != nil {
		log.Warn().Err(err).Msg("failed to list runners at startup (will retry in main loop)")
	} else {
		log.Info().Msg("connected to CI service")
	}

	sandboxDriver, err := dockerdriver.New(cfg.RunnerImage)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize sandbox driver")
	}
	defer sandboxDriver.Close()

	healthCtx, healthCancel := context.WithTimeout(ctx, 5*time.Second)
	if err := sandboxDriver.Healthy(healthCtx); err != nil {
		healthCancel()
		log.Fatal().Err(err).Msg("sandbox driver health check failed")
	}
	healthCancel()

	sched := scheduler.New(scheduler.Config{
		MaxConcurrent: cfg.MaxConcurrent,
		PollInterval:  cfg.PollInterval,
		JobTimeout:    cfg.JobTimeout,
		RunnerLabels:  cfg.RunnerLabels,
	}, ciClient, sandboxDriver, stateIdx)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	h := httpapi.New(stateIdx, cfg.MaxConcurrent, cfg.PollInterval, cfg.JobTimeout)
	h.RegisterRoutes(e)

	httpErr := make(chan error, 1)
	go func() {
		addr := ":" + strconv.Itoa(cfg.HTTPPort)
		log.Info().Str("addr", addr).Msg("observability HTTP server listening")
		httpErr <- e.Start(addr)
	}()

	schedErr := make(chan error, 1)
	go func() {
		schedErr <- sched.Run(ctx)
	}()

	var schedRunErr error
	schedDone := false
	select {
	case <-ctx.Done():
	case err := <-schedErr:
		schedDone = true
		schedRunErr = err
		if err != nil {
			log.Error().Err(err).Msg("scheduler stopped with error")
		}
		cancel()
	case err := <-httpErr:
		log.Error().Err(err).Msg("observability HTTP server stopped")
		cancel()
	}

	// Cooperative cancellation: let the scheduler's in-flight tick
	// finish before draining (no CI call is aborted mid-flight).
	if !schedDone {
		schedRunErr = <-schedErr
		if schedRunErr != nil {
			log.Error().Err(schedRunErr).Msg("scheduler stopped with error")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := e.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shutdown")
	}

	drainCtx, drainCancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer drainCancel()
	if err := sched.Drain(drainCtx); err != nil {
		log.Error().Err(err).Msg("drain failed")
		os.Exit(1)
	}

	if schedRunErr != nil {
		log.Error().Err(schedRunErr).Msg("runner-controller stopped due to fatal scheduler error")
		os.Exit(1)
	}

	log.Info().Msg("runner-controller stopped")
}
