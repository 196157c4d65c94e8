package resilience

import (
	"sort"
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sony/gobreaker/v2"
)

// Health is a point-in-time view of one upstream.
type Health struct {
	Name          string
	CircuitState  gobreaker.State
	Counts        gobreaker.Counts
	LastSuccessAt *time.Time
	LastFailureAt *time.Time
	LastError     string

	// StateChanges counts breaker transitions since the client was built,
	// keyed breakers included.
	StateChanges uint64
}

// IsHealthy reports whether the breaker is closed.
func (h *Health) IsHealthy() bool {
	return h.CircuitState == gobreaker.StateClosed
}

// IsDegraded reports whether the breaker is half-open and letting trial calls through.
func (h *Health) IsDegraded() bool {
	return h.CircuitState == gobreaker.StateHalfOpen
}

// IsUnhealthy reports whether the breaker is open.
func (h *Health) IsUnhealthy() bool {
	return h.CircuitState == gobreaker.StateOpen
}

// Registry tracks upstream clients and the outcome of their calls. It is a
// prometheus.Collector exporting circuit state per upstream.
type Registry struct {
	clock clock.Clock

	mu        sync.RWMutex
	upstreams map[string]*upstream

	stateDesc   *prometheus.Desc
	successDesc *prometheus.Desc
	changesDesc *prometheus.Desc
}

type upstream struct {
	client        *Client
	lastSuccessAt *time.Time
	lastFailureAt *time.Time
	lastError     string
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock sets the time source for success and failure stamps.
func WithClock(clk clock.Clock) RegistryOption {
	return func(r *Registry) {
		r.clock = clk
	}
}

// GlobalRegistry is the process-wide upstream registry.
var GlobalRegistry = NewRegistry()

// NewRegistry creates an empty registry.
func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{
		clock:     clock.WallClock,
		upstreams: make(map[string]*upstream),
		stateDesc: prometheus.NewDesc(
			"ratepulse_upstream_circuit_state",
			"Circuit breaker state per upstream (0 closed, 1 half-open, 2 open).",
			[]string{"upstream"}, nil,
		),
		successDesc: prometheus.NewDesc(
			"ratepulse_upstream_last_success_timestamp_seconds",
			"Unix time of the last successful call per upstream.",
			[]string{"upstream"}, nil,
		),
		changesDesc: prometheus.NewDesc(
			"ratepulse_upstream_state_changes_total",
			"Circuit breaker transitions per upstream.",
			[]string{"upstream"}, nil,
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register adds a client under name, replacing any previous entry.
func (r *Registry) Register(name string, client *Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstreams[name] = &upstream{client: client}
}

// Unregister removes an upstream.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.upstreams, name)
}

// RecordSuccess stamps a successful call. Unknown names are ignored.
func (r *Registry) RecordSuccess(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.upstreams[name]; ok {
		now := r.clock.Now()
		u.lastSuccessAt = &now
	}
}

// RecordFailure stamps a failed call and keeps its message. Unknown names
// are ignored.
func (r *Registry) RecordFailure(name string, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if u, ok := r.upstreams[name]; ok {
		now := r.clock.Now()
		u.lastFailureAt = &now
		if err != nil {
			u.lastError = err.Error()
		}
	}
}

// Health returns the state of one upstream, or nil when it is unknown.
func (r *Registry) Health(name string) *Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	u, ok := r.upstreams[name]
	if !ok {
		return nil
	}
	return u.health(name)
}

// All returns every upstream's state ordered by name.
func (r *Registry) All() []*Health {
	r.mu.RLock()
	defer r.mu.RUnlock()

	all := make([]*Health, 0, len(r.upstreams))
	for name, u := range r.upstreams {
		all = append(all, u.health(name))
	}
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	return all
}

// Names returns the registered upstream names in order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.upstreams))
	for name := range r.upstreams {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (u *upstream) health(name string) *Health {
	return &Health{
		Name:          name,
		CircuitState:  u.client.CircuitBreakerState(),
		Counts:        u.client.CircuitBreakerCounts(),
		LastSuccessAt: u.lastSuccessAt,
		LastFailureAt: u.lastFailureAt,
		LastError:     u.lastError,
		StateChanges:  u.client.StateChanges(),
	}
}

// Describe implements prometheus.Collector.
func (r *Registry) Describe(ch chan<- *prometheus.Desc) {
	ch <- r.stateDesc
	ch <- r.successDesc
	ch <- r.changesDesc
}

// Collect implements prometheus.Collector.
func (r *Registry) Collect(ch chan<- prometheus.Metric) {
	for _, h := range r.All() {
		ch <- prometheus.MustNewConstMetric(r.stateDesc, prometheus.GaugeValue, stateValue(h.CircuitState), h.Name)
		ch <- prometheus.MustNewConstMetric(r.changesDesc, prometheus.CounterValue, float64(h.StateChanges), h.Name)
		if h.LastSuccessAt != nil {
			ts := float64(h.LastSuccessAt.UnixNano()) / 1e9
			ch <- prometheus.MustNewConstMetric(r.successDesc, prometheus.GaugeValue, ts, h.Name)
		}
	}
}
