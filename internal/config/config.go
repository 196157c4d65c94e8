// Package config loads process configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/credential"
	"github.com/ratepulse/ratepulse/internal/database"
	"github.com/ratepulse/ratepulse/internal/kv"
	"github.com/ratepulse/ratepulse/internal/telemetry"
)

// Store backends.
const (
	StoreMemory   = "memory"
	StoreRedis    = "redis"
	StorePostgres = "postgres"
)

// ErrInvalid is returned for malformed configuration values.
var ErrInvalid = errors.New("invalid configuration")

// Config holds the settings shared by the api and worker binaries.
type Config struct {
	Port     string
	Env      string
	LogLevel zerolog.Level

	OTelEnabled     bool
	OTLPEndpoint    string
	OTLPInsecure    bool
	OTelSampleRatio float64

	StoreBackend string
	Redis        kv.RedisConfig
	Database     database.Config

	RatesBaseURL    string
	FCMBaseURL      string
	FCMProjectID    string
	ServiceAccount  string // inline JSON
	ServiceAcctFile string

	UpstreamTimeout time.Duration

	AdminAPIKey string
	RequireTLS  bool

	// AlertInterval is the in-process trigger period used when Pub/Sub is
	// not configured. Zero disables the ticker.
	AlertInterval time.Duration

	PubSubProjectID    string
	PubSubSubscription string
}

// Load reads the configuration from environment variables.
func Load() (Config, error) {
	cfg := Config{
		Port:               getEnvOrDefault("APP_PORT", "8080"),
		Env:                getEnvOrDefault("APP_ENV", "development"),
		OTelEnabled:        os.Getenv("OTEL_ENABLED") == "true",
		OTLPEndpoint:       getEnvOrDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTLPInsecure:       getEnvOrDefault("OTEL_EXPORTER_OTLP_INSECURE", "true") == "true",
		StoreBackend:       strings.ToLower(getEnvOrDefault("STORE_BACKEND", StoreMemory)),
		RatesBaseURL:       os.Getenv("RATES_BASE_URL"),
		FCMBaseURL:         os.Getenv("FCM_BASE_URL"),
		FCMProjectID:       os.Getenv("FCM_PROJECT_ID"),
		ServiceAccount:     os.Getenv("FCM_SERVICE_ACCOUNT_JSON"),
		ServiceAcctFile:    os.Getenv("FCM_SERVICE_ACCOUNT_FILE"),
		AdminAPIKey:        os.Getenv("ADMIN_API_KEY"),
		RequireTLS:         os.Getenv("REQUIRE_TLS") == "true",
		PubSubProjectID:    os.Getenv("PUBSUB_PROJECT_ID"),
		PubSubSubscription: os.Getenv("PUBSUB_SUBSCRIPTION"),
		Database:           database.ConfigFromEnv(),
	}

	level, err := zerolog.ParseLevel(getEnvOrDefault("LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: LOG_LEVEL: %v", ErrInvalid, err)
	}
	cfg.LogLevel = level

	switch cfg.StoreBackend {
	case StoreMemory, StoreRedis, StorePostgres:
	default:
		return Config{}, fmt.Errorf("%w: STORE_BACKEND %q", ErrInvalid, cfg.StoreBackend)
	}

	redisDB, err := strconv.Atoi(getEnvOrDefault("REDIS_DB", "0"))
	if err != nil {
		return Config{}, fmt.Errorf("%w: REDIS_DB: %v", ErrInvalid, err)
	}
	cfg.Redis = kv.RedisConfig{
		Addr:     getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
		DB:       redisDB,
		Prefix:   os.Getenv("REDIS_PREFIX"),
	}

	ratio, err := strconv.ParseFloat(getEnvOrDefault("OTEL_TRACES_SAMPLER_ARG", "1"), 64)
	if err != nil || ratio < 0 || ratio > 1 {
		return Config{}, fmt.Errorf("%w: OTEL_TRACES_SAMPLER_ARG must be between 0 and 1", ErrInvalid)
	}
	cfg.OTelSampleRatio = ratio

	if cfg.AlertInterval, err = parseDuration("ALERT_INTERVAL", "15m"); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamTimeout, err = parseDuration("UPSTREAM_TIMEOUT", "10s"); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// IsDevelopment reports whether APP_ENV is development.
func (c Config) IsDevelopment() bool {
	return c.Env == "development"
}

// Telemetry returns the OpenTelemetry settings for one binary.
func (c Config) Telemetry(serviceName, version string) telemetry.Config {
	return telemetry.Config{
		ServiceName:    serviceName,
		ServiceVersion: version,
		Environment:    c.Env,
		OTLPEndpoint:   c.OTLPEndpoint,
		Insecure:       c.OTLPInsecure,
		Enabled:        c.OTelEnabled,
		SampleRatio:    c.OTelSampleRatio,
	}
}

// LoadServiceAccount returns the push service account. Inline JSON wins over
// the file. FCM_PROJECT_ID overrides the project in the key material.
// Returns nil when neither is configured.
func (c Config) LoadServiceAccount() (*credential.ServiceAccount, error) {
	var (
		sa  *credential.ServiceAccount
		err error
	)
	switch {
	case c.ServiceAccount != "":
		sa, err = credential.ParseServiceAccount([]byte(c.ServiceAccount))
	case c.ServiceAcctFile != "":
		sa, err = credential.LoadServiceAccountFile(c.ServiceAcctFile)
	default:
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if c.FCMProjectID != "" {
		sa.ProjectID = c.FCMProjectID
	}
	return sa, nil
}

// NewLogger builds the root logger. Development uses a console writer.
func (c Config) NewLogger(out io.Writer, service, version string) zerolog.Logger {
	if c.IsDevelopment() {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}
	return zerolog.New(out).
		Level(c.LogLevel).
		With().
		Timestamp().
		Str("service", service).
		Str("version", version).
		Logger()
}

func parseDuration(key, defaultValue string) (time.Duration, error) {
	d, err := time.ParseDuration(getEnvOrDefault(key, defaultValue))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrInvalid, key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%w: %s must not be negative", ErrInvalid, key)
	}
	return d, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
