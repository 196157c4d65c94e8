// Package main provides the entrypoint for the RatePulse API server.
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
	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/api"
	"github.com/ratepulse/ratepulse/internal/api/middleware"
	"github.com/ratepulse/ratepulse/internal/app"
	"github.com/ratepulse/ratepulse/internal/config"
	"github.com/ratepulse/ratepulse/internal/provider/resilience"
	"github.com/ratepulse/ratepulse/internal/telemetry"
)

// Version and BuildTime are set at compile time via ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	const serviceName = "ratepulse-api"

	// A missing .env is normal outside local development.
	envErr := godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		zerolog.New(os.Stderr).Fatal().Err(err).Msg("invalid configuration")
	}

	log := cfg.NewLogger(os.Stdout, serviceName, Version)
	if envErr == nil {
		log.Debug().Msg("loaded .env")
	}

	log.Info().
		Str("build_time", BuildTime).
		Str("env", cfg.Env).
		Str("store", cfg.StoreBackend).
		Msg("starting RatePulse API")

	ctx := context.Background()

	tp, err := telemetry.Init(ctx, cfg.Telemetry(serviceName, Version))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize telemetry")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if shutdownErr := tp.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Error().Err(shutdownErr).Msg("failed to shutdown telemetry")
		}
	}()

	if cfg.OTelEnabled {
		log.Info().
			Str("otlp_endpoint", cfg.OTLPEndpoint).
			Msg("OpenTelemetry initialized")
	}

	engine, err := app.New(ctx, app.Options{
		Config:    cfg,
		Logger:    log,
		Providers: resilience.GlobalRegistry,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to initialize alert engine")
		os.Exit(1) //nolint:gocritic // intentional exit, telemetry cleanup is best-effort
	}
	defer engine.Close()

	metrics := middleware.NewMetrics(prometheus.DefaultRegisterer)

	if cfg.AdminAPIKey == "" {
		log.Warn().Msg("ADMIN_API_KEY not set - /run-once and /test-ping are open")
	}

	router := api.NewRouter(api.RouterConfig{
		Version:     Version,
		Logger:      log,
		ServiceName: serviceName,
		Metrics:     metrics,
		Providers:   engine.Providers,
		Devices:     engine.Devices,
		Runner:      engine.Runner,
		Sender:      engine.Push,
		Rates:       engine.Rates,
		AdminKey:    cfg.AdminAPIKey,
		RequireTLS:  cfg.RequireTLS,
	})

	server := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 5 * time.Minute, // /run-once waits for a full pass
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Info().
			Str("addr", server.Addr).
			Msg("server listening")

		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
		return
	}

	log.Info().Msg("server stopped")
}
