package resilience_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratepulse/ratepulse/internal/provider/resilience"
)

func register(registry *resilience.Registry, names ...string) {
	for _, name := range names {
		cfg := resilience.NoRetryClientConfig(name, time.Second)
		cfg.Registry = registry
		resilience.NewClient(cfg)
	}
}

func TestRegistry_RegisterAndHealth(t *testing.T) {
	registry := resilience.NewRegistry()
	register(registry, "frankfurter")

	health := registry.Health("frankfurter")
	require.NotNil(t, health)
	assert.Equal(t, "frankfurter", health.Name)
	assert.Equal(t, gobreaker.StateClosed, health.CircuitState)
	assert.True(t, health.IsHealthy())
	assert.Nil(t, health.LastSuccessAt)
	assert.Nil(t, health.LastFailureAt)

	assert.Nil(t, registry.Health("unknown"))
}

func TestRegistry_Unregister(t *testing.T) {
	registry := resilience.NewRegistry()
	register(registry, "fcm")

	registry.Unregister("fcm")

	assert.Empty(t, registry.Names())
	assert.Nil(t, registry.Health("fcm"))
}

func TestRegistry_RecordUsesClock(t *testing.T) {
	now := time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)
	clk := testclock.NewClock(now)
	registry := resilience.NewRegistry(resilience.WithClock(clk))
	register(registry, "fcm")

	registry.RecordSuccess("fcm")
	clk.Advance(time.Minute)
	registry.RecordFailure("fcm", assert.AnError)

	health := registry.Health("fcm")
	require.NotNil(t, health.LastSuccessAt)
	require.NotNil(t, health.LastFailureAt)
	assert.Equal(t, now, *health.LastSuccessAt)
	assert.Equal(t, now.Add(time.Minute), *health.LastFailureAt)
	assert.Equal(t, assert.AnError.Error(), health.LastError)
}

func TestRegistry_UnknownNamesIgnored(t *testing.T) {
	registry := resilience.NewRegistry()

	assert.NotPanics(t, func() {
		registry.RecordSuccess("nope")
		registry.RecordFailure("nope", assert.AnError)
	})
	assert.Empty(t, registry.All())
}

func TestRegistry_AllAndNamesSorted(t *testing.T) {
	registry := resilience.NewRegistry()
	register(registry, "oauth2", "fcm", "frankfurter")

	assert.Equal(t, []string{"fcm", "frankfurter", "oauth2"}, registry.Names())

	all := registry.All()
	require.Len(t, all, 3)
	assert.Equal(t, "fcm", all[0].Name)
	assert.Equal(t, "oauth2", all[2].Name)
}

func TestHealth_States(t *testing.T) {
	tests := []struct {
		state     gobreaker.State
		healthy   bool
		degraded  bool
		unhealthy bool
	}{
		{gobreaker.StateClosed, true, false, false},
		{gobreaker.StateHalfOpen, false, true, false},
		{gobreaker.StateOpen, false, false, true},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			h := &resilience.Health{CircuitState: tt.state}
			assert.Equal(t, tt.healthy, h.IsHealthy())
			assert.Equal(t, tt.degraded, h.IsDegraded())
			assert.Equal(t, tt.unhealthy, h.IsUnhealthy())
		})
	}
}

func TestRegistry_ClientRecordsOutcome(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusOK)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(int(status.Load()))
	}))
	defer server.Close()

	registry := resilience.NewRegistry()
	cfg := resilience.NoRetryClientConfig("frankfurter", time.Second)
	cfg.Registry = registry
	client := resilience.NewClient(cfg)

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, server.URL, http.NoBody)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	health := registry.Health("frankfurter")
	require.NotNil(t, health.LastSuccessAt)
	assert.Nil(t, health.LastFailureAt)

	status.Store(http.StatusNotFound)
	resp, err = client.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	health = registry.Health("frankfurter")
	require.NotNil(t, health.LastFailureAt)
	assert.Contains(t, health.LastError, "Not Found")
}

func TestRegistry_Collector(t *testing.T) {
	clk := testclock.NewClock(time.Unix(1700000000, 0))
	registry := resilience.NewRegistry(resilience.WithClock(clk))
	register(registry, "fcm")
	registry.RecordSuccess("fcm")

	reg := prometheus.NewRegistry()
	require.NoError(t, reg.Register(registry))

	expected := `
# HELP ratepulse_upstream_circuit_state Circuit breaker state per upstream (0 closed, 1 half-open, 2 open).
# TYPE ratepulse_upstream_circuit_state gauge
ratepulse_upstream_circuit_state{upstream="fcm"} 0
# HELP ratepulse_upstream_last_success_timestamp_seconds Unix time of the last successful call per upstream.
# TYPE ratepulse_upstream_last_success_timestamp_seconds gauge
ratepulse_upstream_last_success_timestamp_seconds{upstream="fcm"} 1.7e+09
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"ratepulse_upstream_circuit_state",
		"ratepulse_upstream_last_success_timestamp_seconds",
	))
}

func TestGlobalRegistry(t *testing.T) {
	assert.NotNil(t, resilience.GlobalRegistry)
}
