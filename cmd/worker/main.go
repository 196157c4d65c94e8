// Package main provides the entrypoint for the RatePulse alert worker.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/app"
	"github.com/ratepulse/ratepulse/internal/config"
	"github.com/ratepulse/ratepulse/internal/telemetry"
	"github.com/ratepulse/ratepulse/internal/worker"
)

// Version and BuildTime are set at compile time via ldflags
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "ratepulse-worker"

	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("invalid configuration")
	}

	log := cfg.NewLogger(os.Stdout, serviceName, Version)
	if envErr == nil {
		log.Debug().Msg("loaded .env")
	}
	log.Info().Str("build_time", BuildTime).Msg("starting RatePulse worker")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tp, err := telemetry.Init(ctx, cfg.Telemetry(serviceName, Version))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	engine, err := app.New(ctx, app.Options{Config: cfg, Logger: log})
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize alert engine")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}
	defer engine.Close()

	jobConfig := worker.DefaultJobConfig()
	jobConfig.Interval = cfg.AlertInterval
	job := worker.NewAlertJob(worker.AlertJobConfig{
		Runner: engine.Runner,
		Config: jobConfig,
		Logger: log.With().Str("component", "worker").Logger(),
	})

	// Worker also exposes health and metrics for Cloud Run
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"OK","version":"` + Version + `"}`))
	})
	mux.Handle("/metrics", promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{}))

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	go func() {
		log.Info().Str("addr", server.Addr).Msg("health server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("health server error")
		}
	}()

	done := make(chan error, 1)
	triggerStarted := true
	switch {
	case cfg.PubSubProjectID != "" && cfg.PubSubSubscription != "":
		handler, err := worker.NewPubSubHandler(ctx, worker.PubSubConfig{
			ProjectID:        cfg.PubSubProjectID,
			SubscriptionName: cfg.PubSubSubscription,
			Job:              job,
			Logger:           log,
		})
		if err != nil {
			log.Error().Err(err).Msg("failed to create pubsub handler")
			return
		}
		defer func() { _ = handler.Close() }()
		go func() { done <- handler.Start(ctx) }()

	case cfg.AlertInterval > 0:
		sched := worker.NewScheduler(worker.SchedulerConfig{
			Job:    job,
			Config: jobConfig,
			Logger: log,
		})
		go func() { done <- sched.Start(ctx) }()

	default:
		triggerStarted = false
		log.Warn().Msg("no trigger configured - set PUBSUB_SUBSCRIPTION or ALERT_INTERVAL")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-quit:
		log.Info().Msg("shutting down worker")
	case err := <-done:
		triggerStarted = false
		if err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("trigger stopped")
		}
	}
	cancel()

	// Let an in-flight pass finish before the store is closed.
	if triggerStarted {
		select {
		case <-done:
		case <-time.After(30 * time.Second):
			log.Warn().Msg("timed out waiting for in-flight alert run")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("health server forced to shutdown")
	}

	log.Info().Fields(job.MetricsSnapshot()).Msg("worker stopped")
}
