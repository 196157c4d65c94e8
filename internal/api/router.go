// Package api provides the HTTP API for RatePulse.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/api/handler"
	"github.com/ratepulse/ratepulse/internal/api/middleware"
	"github.com/ratepulse/ratepulse/internal/api/response"
	"github.com/ratepulse/ratepulse/internal/provider/resilience"
)

// RouterConfig holds configuration for the router.
type RouterConfig struct {
	Version     string
	Logger      zerolog.Logger
	ServiceName string
	Metrics     *middleware.Metrics

	// Gatherer backs GET /metrics. Default: prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Providers reports upstream circuit state on GET /health.
	Providers *resilience.Registry

	Devices handler.DeviceService
	Runner  handler.AlertRunner
	Sender  handler.PushSender
	Rates   handler.RateLookup

	// AdminKey guards /run-once and /test-ping when set.
	AdminKey string

	RequireTLS bool
}

// NewRouter creates a new chi router with all API routes configured.
func NewRouter(cfg RouterConfig) *chi.Mux {
	r := chi.NewRouter()

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "ratepulse-api"
	}
	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	// Global middleware - order matters
	r.Use(middleware.RequestID)            // Generate/propagate request ID first
	r.Use(middleware.Tracing(serviceName)) // Distributed tracing
	if cfg.Metrics != nil {
		r.Use(cfg.Metrics.Middleware()) // HTTP metrics
	}
	r.Use(middleware.Logger(cfg.Logger))         // Structured logging
	r.Use(middleware.Recovery(cfg.Logger))       // Panic recovery
	r.Use(chimiddleware.RealIP)                  // Real IP extraction
	r.Use(middleware.CORS)                       // Permissive CORS for the mobile/web client
	r.Use(middleware.SecurityHeaders)            // Security headers (HSTS, CSP, etc.)
	r.Use(middleware.RequireTLS(cfg.RequireTLS)) // TLS enforcement
	r.Use(middleware.ContentTypeJSON)            // JSON content type
	r.Use(middleware.RequireJSON)

	r.NotFound(func(w http.ResponseWriter, req *http.Request) {
		response.NotFound(w, req, "no route for "+req.URL.Path)
	})
	r.MethodNotAllowed(response.MethodNotAllowed)

	opsHandler := handler.NewOpsHandler(cfg.Version, cfg.Providers)
	alertHandler := handler.NewAlertHandler(cfg.Runner, cfg.Sender, cfg.Rates, cfg.Logger)
	prefsHandler := handler.NewPrefsHandler(cfg.Devices, cfg.Logger)

	adminOnly := middleware.AdminKey(cfg.AdminKey)
	adminRateLimit := middleware.RateLimitByEndpoint(middleware.AdminRateLimit)               // 10 req/min
	registrationRateLimit := middleware.RateLimitByEndpoint(middleware.RegistrationRateLimit) // 30 req/min
	standardRateLimit := middleware.RateLimitByIP(middleware.StandardRateLimit)               // 100 req/min

	r.Get("/health", opsHandler.HealthCheck)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	// Operator endpoints
	r.Group(func(r chi.Router) {
		r.Use(adminRateLimit)
		r.Use(adminOnly)
		r.Post("/test-ping", alertHandler.TestPing)
		r.Get("/run-once", alertHandler.RunOnce)
		r.Post("/run-once", alertHandler.RunOnce)
	})

	r.With(standardRateLimit).Get("/rates", alertHandler.GetRates)

	// Device registration
	r.Group(func(r chi.Router) {
		r.Use(registrationRateLimit)
		r.Post("/register", prefsHandler.Register)
		r.Post("/unregister", prefsHandler.Unregister)
	})

	// Preferences
	r.Route("/prefs", func(r chi.Router) {
		r.Use(standardRateLimit)
		r.Get("/", prefsHandler.GetPrefs)
		r.Post("/rules", prefsHandler.ReplaceRules)
		r.Patch("/rules/{ruleId}", prefsHandler.PatchRule)
		r.Delete("/rules/{ruleId}", prefsHandler.DeleteRule)
		r.Post("/favorites", prefsHandler.ReplaceFavorites)
	})

	return r
}
