package alert

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics are the Prometheus collectors updated by the Runner.
type Metrics struct {
	RunsTotal          *prometheus.CounterVec
	RuleDecisionsTotal *prometheus.CounterVec
	PushSendsTotal     *prometheus.CounterVec
	RateFetchFailures  *prometheus.CounterVec
	RunDuration        prometheus.Histogram
}

// NewMetrics creates the alert collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratepulse_alert_runs_total",
				Help: "Total number of alert evaluation passes",
			},
			[]string{"outcome"}, // outcome: completed, noop, failed
		),
		RuleDecisionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratepulse_rule_decisions_total",
				Help: "Total number of rule decisions by outcome",
			},
			[]string{"outcome"},
		),
		PushSendsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratepulse_push_sends_total",
				Help: "Total number of push notifications attempted",
			},
			[]string{"status"}, // status: success, failed
		),
		RateFetchFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ratepulse_rate_fetch_failures_total",
				Help: "Total number of failed upstream rate requests",
			},
			[]string{"base"},
		),
		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ratepulse_alert_run_duration_seconds",
				Help:    "Duration of alert evaluation passes",
				Buckets: []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60},
			},
		),
	}
}
