package frankfurter_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratepulse/ratepulse/internal/provider/resilience"
	"github.com/ratepulse/ratepulse/internal/rates"
	"github.com/ratepulse/ratepulse/internal/rates/frankfurter"
)

func newClient(url string) *frankfurter.Client {
	return frankfurter.NewClient(frankfurter.ClientConfig{
		BaseURL:    url,
		HTTPClient: resilience.NewClient(resilience.NoRetryClientConfig("test", time.Second)),
		Logger:     zerolog.Nop(),
	})
}

func TestClient_Latest(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/latest", r.URL.Path)
		assert.Equal(t, "USD", r.URL.Query().Get("from"))
		assert.Equal(t, "EUR,GBP", r.URL.Query().Get("to"))

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"amount": 1.0,
			"base":   "USD",
			"date":   "2024-03-08",
			"rates":  map[string]float64{"EUR": 0.9151, "GBP": 0.7812},
		})
	}))
	defer server.Close()

	got, err := newClient(server.URL).Latest(context.Background(), "USD", []string{"EUR", "GBP"})
	require.NoError(t, err)
	assert.Equal(t, map[string]float64{"EUR": 0.9151, "GBP": 0.7812}, got)
}

func TestClient_Historical(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/2024-03-08", r.URL.Path)
		assert.Equal(t, "GBP", r.URL.Query().Get("from"))
		assert.Equal(t, "USD", r.URL.Query().Get("to"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"amount":1.0,"base":"GBP","date":"2024-03-08","rates":{"USD":1.2801}}`))
	}))
	defer server.Close()

	day := time.Date(2024, 3, 8, 0, 0, 0, 0, time.UTC)
	got, err := newClient(server.URL).Historical(context.Background(), day, "GBP", []string{"USD"})
	require.NoError(t, err)
	assert.InDelta(t, 1.2801, got["USD"], 1e-9)
}

func TestClient_ErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"not found"}`))
	}))
	defer server.Close()

	_, err := newClient(server.URL).Latest(context.Background(), "XXX", []string{"EUR"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestClient_ServerErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	_, err := newClient(server.URL).Latest(context.Background(), "USD", []string{"EUR"})
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestClient_Name(t *testing.T) {
	assert.Equal(t, "frankfurter", frankfurter.NewClient(frankfurter.ClientConfig{}).Name())
}

func TestHTTPClientConfig_FailingBasesDoNotCutOffOthers(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("from") {
		case "AUD", "CAD":
			w.WriteHeader(http.StatusBadGateway)
		default:
			_, _ = w.Write([]byte(`{"amount":1.0,"base":"USD","date":"2024-03-08","rates":{"EUR":0.92,"JPY":148.1}}`))
		}
	}))
	defer server.Close()

	httpClient := resilience.NewClient(frankfurter.HTTPClientConfig(time.Second))
	svc := rates.NewService(rates.ServiceConfig{
		Provider: frankfurter.NewClient(frankfurter.ClientConfig{BaseURL: server.URL, HTTPClient: httpClient}),
		Clock:    testclock.NewClock(time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)),
		Logger:   zerolog.Nop(),
	})
	pairs, err := rates.ParsePairs("AUD/JPY,CAD/JPY,USD/EUR")
	require.NoError(t, err)

	// Two passes: the failing bases trip their own breakers on the second.
	for pass := 0; pass < 2; pass++ {
		got, err := svc.GetRates(context.Background(), pairs)
		require.NoError(t, err)
		require.NotNil(t, got.SpotFor("USD/EUR"), "pass %d", pass)
		assert.InDelta(t, 0.92, *got.SpotFor("USD/EUR"), 1e-9)
		assert.NotNil(t, got.YdayFor("USD/EUR"))
		assert.Nil(t, got.SpotFor("AUD/JPY"))
		assert.Nil(t, got.SpotFor("CAD/JPY"))
	}

	assert.Equal(t, gobreaker.StateOpen, httpClient.BreakerState("AUD"))
	assert.Equal(t, gobreaker.StateOpen, httpClient.BreakerState("CAD"))
	assert.Equal(t, gobreaker.StateClosed, httpClient.BreakerState("USD"))
	assert.Equal(t, gobreaker.StateOpen, httpClient.CircuitBreakerState())
}

func TestBreakerKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/latest?from=GBP&to=USD", http.NoBody)
	assert.Equal(t, "GBP", frankfurter.BreakerKey(req))
	assert.Empty(t, frankfurter.BreakerKey(httptest.NewRequest(http.MethodGet, "/latest", http.NoBody)))
}
