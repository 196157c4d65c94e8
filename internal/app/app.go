// Package app assembles the alert engine from configuration. Both binaries
// build the same graph so the HTTP and scheduled triggers share one Runner.
package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/alert"
	"github.com/ratepulse/ratepulse/internal/config"
	"github.com/ratepulse/ratepulse/internal/credential"
	"github.com/ratepulse/ratepulse/internal/database"
	"github.com/ratepulse/ratepulse/internal/device"
	"github.com/ratepulse/ratepulse/internal/kv"
	"github.com/ratepulse/ratepulse/internal/provider/resilience"
	"github.com/ratepulse/ratepulse/internal/push"
	"github.com/ratepulse/ratepulse/internal/rates"
	"github.com/ratepulse/ratepulse/internal/rates/frankfurter"
)

// Options holds the process-level collaborators.
type Options struct {
	Config config.Config
	Logger zerolog.Logger

	// Registerer receives the engine counters. Default: prometheus.DefaultRegisterer.
	Registerer prometheus.Registerer

	// Providers tracks upstream health. Default: resilience.GlobalRegistry.
	Providers *resilience.Registry

	// Store overrides the configured backend.
	Store kv.Store

	Clock clock.Clock
}

// App is the assembled engine.
type App struct {
	Store       kv.Store
	Devices     *device.Service
	Rates       *rates.Service
	Credentials *credential.Provider
	Push        *push.Client
	Runner      *alert.Runner
	Providers   *resilience.Registry

	closers []func()
}

// New builds the engine. Close must be called to release the store.
func New(ctx context.Context, opts Options) (*App, error) {
	cfg := opts.Config
	log := opts.Logger
	if opts.Registerer == nil {
		opts.Registerer = prometheus.DefaultRegisterer
	}
	if opts.Providers == nil {
		opts.Providers = resilience.GlobalRegistry
	}
	if opts.Clock == nil {
		opts.Clock = clock.WallClock
	}

	a := &App{Store: opts.Store, Providers: opts.Providers}
	if err := opts.Registerer.Register(opts.Providers); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register upstream collector: %w", err)
		}
	}
	upstreamLog := log.With().Str("component", "upstream").Logger()
	if a.Store == nil {
		store, closeStore, err := OpenStore(ctx, cfg, opts.Clock, log)
		if err != nil {
			return nil, err
		}
		a.Store = store
		a.closers = append(a.closers, closeStore)
	}

	account, err := cfg.LoadServiceAccount()
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("load service account: %w", err)
	}
	if account == nil {
		log.Warn().Msg("no push service account configured - alert runs will abort on first send")
	}

	a.Devices = device.NewService(device.ServiceConfig{
		Repository: device.NewStoreRepository(a.Store, opts.Clock),
		Clock:      opts.Clock,
		Logger:     log.With().Str("component", "device").Logger(),
	})

	rateClientCfg := frankfurter.HTTPClientConfig(cfg.UpstreamTimeout)
	rateClientCfg.Registry = opts.Providers
	rateClientCfg.Logger = &upstreamLog
	a.Rates = rates.NewService(rates.ServiceConfig{
		Provider: frankfurter.NewClient(frankfurter.ClientConfig{
			BaseURL:    cfg.RatesBaseURL,
			HTTPClient: resilience.NewClient(rateClientCfg),
			Logger:     log,
		}),
		Clock:  opts.Clock,
		Logger: log.With().Str("component", "rates").Logger(),
	})

	oauthClientCfg := resilience.NoRetryClientConfig("oauth2", cfg.UpstreamTimeout)
	oauthClientCfg.Registry = opts.Providers
	oauthClientCfg.Logger = &upstreamLog
	a.Credentials = credential.NewProvider(credential.Config{
		Account:    account,
		Store:      a.Store,
		HTTPClient: resilience.NewClient(oauthClientCfg),
		Clock:      opts.Clock,
		Logger:     log.With().Str("component", "credential").Logger(),
	})

	pushClientCfg := push.HTTPClientConfig(cfg.UpstreamTimeout)
	pushClientCfg.Registry = opts.Providers
	pushClientCfg.Logger = &upstreamLog
	a.Push = push.NewClient(push.ClientConfig{
		ProjectID:  a.Credentials.ProjectID(),
		BaseURL:    cfg.FCMBaseURL,
		Tokens:     a.Credentials,
		HTTPClient: resilience.NewClient(pushClientCfg),
		Logger:     log.With().Str("component", "push").Logger(),
	})

	a.Runner = alert.NewRunner(alert.RunnerConfig{
		Devices: a.Devices,
		Rates:   a.Rates,
		Sender:  a.Push,
		Clock:   opts.Clock,
		Metrics: alert.NewMetrics(opts.Registerer),
		Logger:  log.With().Str("component", "alert").Logger(),
	})

	return a, nil
}

// Close releases the store.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// OpenStore opens the configured key-value backend.
// The memory backend evaluates expiry against clk; nil means the wall clock.
func OpenStore(ctx context.Context, cfg config.Config, clk clock.Clock, log zerolog.Logger) (kv.Store, func(), error) {
	switch cfg.StoreBackend {
	case config.StoreRedis:
		store, err := kv.NewRedisStore(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		log.Info().Str("addr", cfg.Redis.Addr).Int("db", cfg.Redis.DB).Msg("redis store connected")
		return store, func() { _ = store.Close() }, nil

	case config.StorePostgres:
		pool, err := database.Connect(ctx, cfg.Database)
		if err != nil {
			return nil, nil, err
		}
		store := kv.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("migrate kv table: %w", err)
		}
		log.Info().Str("database", cfg.Database.Redacted()).Msg("postgres store connected")
		return store, pool.Close, nil

	default:
		log.Warn().Msg("using in-memory store - device preferences are lost on restart")
		if clk == nil {
			clk = clock.WallClock
		}
		return kv.NewMemoryStore(clk), func() {}, nil
	}
}
