package alert_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/juju/clock/testclock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ratepulse/ratepulse/internal/alert"
	"github.com/ratepulse/ratepulse/internal/credential"
	"github.com/ratepulse/ratepulse/internal/device"
	"github.com/ratepulse/ratepulse/internal/kv"
	"github.com/ratepulse/ratepulse/internal/push"
	"github.com/ratepulse/ratepulse/internal/rates"
	"github.com/ratepulse/ratepulse/internal/rule"
)

// Friday 2024-03-08 10:00 UTC; the previous business day is 2024-03-07.
var now = time.Date(2024, 3, 8, 10, 0, 0, 0, time.UTC)

type rateTable struct {
	latest  map[string]map[string]float64
	history map[string]map[string]float64
	fail    map[string]bool
}

func (rt *rateTable) Name() string { return "table" }

func (rt *rateTable) Latest(_ context.Context, base string, _ []string) (map[string]float64, error) {
	if rt.fail[base] {
		return nil, errors.New("timeout")
	}
	return rt.latest[base], nil
}

func (rt *rateTable) Historical(_ context.Context, _ time.Time, base string, _ []string) (map[string]float64, error) {
	if rt.fail[base] {
		return nil, errors.New("timeout")
	}
	return rt.history[base], nil
}

type sent struct {
	token string
	title string
	body  string
	data  map[string]string
}

type fakeSender struct {
	mu    sync.Mutex
	sent  []sent
	errFn func(token string, data map[string]string) error
}

func (f *fakeSender) Send(_ context.Context, token, title, body string, data map[string]string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.errFn != nil {
		if err := f.errFn(token, data); err != nil {
			return err
		}
	}
	f.sent = append(f.sent, sent{token: token, title: title, body: body, data: data})
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type harness struct {
	devices *device.Service
	sender  *fakeSender
	table   *rateTable
	clock   *testclock.Clock
	metrics *alert.Metrics
	runner  *alert.Runner
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	clk := testclock.NewClock(now)
	devices := device.NewService(device.ServiceConfig{
		Repository: device.NewStoreRepository(kv.NewMemoryStore(clk), clk),
		Clock:      clk,
		Logger:     zerolog.Nop(),
	})
	table := &rateTable{
		latest:  map[string]map[string]float64{},
		history: map[string]map[string]float64{},
		fail:    map[string]bool{},
	}
	sender := &fakeSender{}
	metrics := alert.NewMetrics(prometheus.NewRegistry())

	runner := alert.NewRunner(alert.RunnerConfig{
		Devices: devices,
		Rates:   rates.NewService(rates.ServiceConfig{Provider: table, Clock: clk, Logger: zerolog.Nop()}),
		Sender:  sender,
		Clock:   clk,
		Metrics: metrics,
		Logger:  zerolog.Nop(),
	})

	return &harness{devices: devices, sender: sender, table: table, clock: clk, metrics: metrics, runner: runner}
}

func ptr[T any](v T) *T { return &v }

func (h *harness) addDevice(t *testing.T, token string, rules ...device.RuleInput) {
	t.Helper()
	ctx := context.Background()
	_, _, err := h.devices.Register(ctx, token, nil)
	require.NoError(t, err)
	if len(rules) > 0 {
		_, err = h.devices.ReplaceRules(ctx, token, rules)
		require.NoError(t, err)
	}
}

func (h *harness) rule(t *testing.T, token, id string) device.Rule {
	t.Helper()
	prefs, err := h.devices.Get(context.Background(), token)
	require.NoError(t, err)
	i := prefs.FindRule(id)
	require.GreaterOrEqual(t, i, 0)
	return prefs.Rules[i]
}

func findDecision(t *testing.T, res *alert.RunResult, token, ruleID string) alert.RuleDecision {
	t.Helper()
	for _, run := range res.Runs {
		if run.Token != token {
			continue
		}
		for _, d := range run.Decisions {
			if d.Rule.ID == ruleID {
				return d
			}
		}
	}
	t.Fatalf("no decision for %s/%s", token, ruleID)
	return alert.RuleDecision{}
}

func TestRunner_ScenarioA_ValueAboveFires(t *testing.T) {
	h := newHarness(t)
	h.table.latest["USD"] = map[string]float64{"EUR": 1.12}
	h.addDevice(t, "device-a", device.RuleInput{
		ID: "r1", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.10),
	})

	res, err := h.runner.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, "2024-03-08", res.Day)
	d := findDecision(t, res, "device-a", "r1")
	assert.True(t, d.Fire)
	assert.True(t, d.Sent)
	require.NotNil(t, d.Val)
	assert.Equal(t, 1.12, *d.Val)

	require.Equal(t, 1, h.sender.count())
	msg := h.sender.sent[0]
	assert.Equal(t, "device-a", msg.token)
	assert.Equal(t, "USD/EUR rate alert", msg.title)
	assert.Contains(t, msg.body, push.CallToAction)
	assert.Equal(t, "r1", msg.data["ruleId"])

	assert.Equal(t, "2024-03-08", h.rule(t, "device-a", "r1").LastNotifiedDay)
}

func TestRunner_ScenarioB_SecondRunSameDaySkips(t *testing.T) {
	h := newHarness(t)
	h.table.latest["USD"] = map[string]float64{"EUR": 1.12}
	h.addDevice(t, "device-a", device.RuleInput{
		ID: "r1", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.10),
	})

	_, err := h.runner.Run(context.Background(), false)
	require.NoError(t, err)

	h.clock.Advance(6 * time.Hour)
	res, err := h.runner.Run(context.Background(), true)
	require.NoError(t, err)

	d := findDecision(t, res, "device-a", "r1")
	assert.False(t, d.Fire)
	assert.Equal(t, rule.SkipAlreadySentToday, d.SkippedReason)
	assert.Equal(t, 1, h.sender.count())

	// Next calendar day it may fire again.
	h.clock.Advance(12 * time.Hour)
	res, err = h.runner.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
	assert.Equal(t, 2, h.sender.count())
}

func TestRunner_ScenarioC_PercentDownFires(t *testing.T) {
	h := newHarness(t)
	h.table.latest["USD"] = map[string]float64{"EUR": 0.97}
	h.table.history["USD"] = map[string]float64{"EUR": 1.00}
	h.addDevice(t, "device-c", device.RuleInput{
		ID: "r1", Pair: "USD/EUR", Mode: device.ModePercent, Dir: device.DirDown, Threshold: ptr(2.0),
	})

	res, err := h.runner.Run(context.Background(), true)
	require.NoError(t, err)

	d := findDecision(t, res, "device-c", "r1")
	assert.True(t, d.Sent)
	require.NotNil(t, d.Pct)
	assert.InDelta(t, -3.0, *d.Pct, 1e-9)
	require.NotNil(t, d.Prev)
	assert.Equal(t, 1.00, *d.Prev)

	require.Equal(t, 1, h.sender.count())
	assert.Equal(t, "-3", h.sender.sent[0].data["pct"])
}

func TestRunner_ScenarioD_BaseFailureIsolated(t *testing.T) {
	h := newHarness(t)
	h.table.latest["USD"] = map[string]float64{"EUR": 1.12}
	h.table.fail["GBP"] = true
	h.addDevice(t, "device-d",
		device.RuleInput{ID: "usd", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.10)},
		device.RuleInput{ID: "gbp", Pair: "GBP/EUR", Mode: device.ModeValue, Dir: device.DirBelow, Threshold: ptr(5.0)},
	)

	res, err := h.runner.Run(context.Background(), true)
	require.NoError(t, err)

	assert.True(t, findDecision(t, res, "device-d", "usd").Sent)

	gbp := findDecision(t, res, "device-d", "gbp")
	assert.False(t, gbp.Fire)
	assert.Nil(t, gbp.Val)
	assert.Equal(t, rule.SkipConditionFalse, gbp.SkippedReason)

	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.RateFetchFailures.WithLabelValues("GBP")))
}

func TestRunner_DispatchFailureIsolation(t *testing.T) {
	h := newHarness(t)
	h.table.latest["USD"] = map[string]float64{"EUR": 1.12, "GBP": 0.70}
	h.sender.errFn = func(token string, data map[string]string) error {
		if token == "device-1" && data["ruleId"] == "bad" {
			return &push.SendError{StatusCode: http.StatusNotFound, Body: "UNREGISTERED"}
		}
		return nil
	}
	h.addDevice(t, "device-1",
		device.RuleInput{ID: "bad", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.10)},
		device.RuleInput{ID: "good", Pair: "USD/GBP", Mode: device.ModeValue, Dir: device.DirBelow, Threshold: ptr(0.75)},
	)
	h.addDevice(t, "device-2",
		device.RuleInput{ID: "other", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.0)},
	)

	res, err := h.runner.Run(context.Background(), true)
	require.NoError(t, err)

	bad := findDecision(t, res, "device-1", "bad")
	assert.True(t, bad.Fire)
	assert.False(t, bad.Sent)
	assert.Contains(t, bad.Error, "UNREGISTERED")

	assert.True(t, findDecision(t, res, "device-1", "good").Sent)
	assert.True(t, findDecision(t, res, "device-2", "other").Sent)

	assert.Equal(t, 2, res.Sent)
	assert.Equal(t, 1, res.Errors)
	assert.Empty(t, h.rule(t, "device-1", "bad").LastNotifiedDay)
	assert.Equal(t, "2024-03-08", h.rule(t, "device-1", "good").LastNotifiedDay)
	assert.Equal(t, "2024-03-08", h.rule(t, "device-2", "other").LastNotifiedDay)

	// The failed rule is retried on the next pass; the others are deduped.
	h.sender.errFn = nil
	res, err = h.runner.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Sent)
}

func TestRunner_IdempotentWithinDay(t *testing.T) {
	h := newHarness(t)
	h.table.latest["USD"] = map[string]float64{"EUR": 1.12, "JPY": 150}
	h.table.history["USD"] = map[string]float64{"EUR": 1.00, "JPY": 140}
	h.addDevice(t, "device-1",
		device.RuleInput{ID: "a", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.0)},
		device.RuleInput{ID: "b", Pair: "USD/JPY", Mode: device.ModePercent, Dir: device.DirUp, Threshold: ptr(5.0)},
	)

	for i := 0; i < 5; i++ {
		_, err := h.runner.Run(context.Background(), false)
		require.NoError(t, err)
		h.clock.Advance(time.Hour)
	}

	assert.Equal(t, 2, h.sender.count())
	perRule := map[string]int{}
	for _, s := range h.sender.sent {
		perRule[s.data["ruleId"]]++
	}
	assert.Equal(t, map[string]int{"a": 1, "b": 1}, perRule)
}

func TestRunner_DisabledRule(t *testing.T) {
	h := newHarness(t)
	h.table.latest["USD"] = map[string]float64{"EUR": 1.12}
	h.addDevice(t, "device-1",
		device.RuleInput{ID: "off", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.0), Enabled: ptr(false)},
		device.RuleInput{ID: "on", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(2.0)},
	)

	res, err := h.runner.Run(context.Background(), true)
	require.NoError(t, err)

	assert.Equal(t, rule.SkipDisabled, findDecision(t, res, "device-1", "off").SkippedReason)
	assert.Equal(t, rule.SkipConditionFalse, findDecision(t, res, "device-1", "on").SkippedReason)
	assert.Equal(t, 0, h.sender.count())
	assert.Equal(t, 2, res.Skipped)
}

func TestRunner_CredentialFailureAbortsPass(t *testing.T) {
	h := newHarness(t)
	h.table.latest["USD"] = map[string]float64{"EUR": 1.12}
	h.sender.errFn = func(string, map[string]string) error {
		return &credential.AuthError{StatusCode: http.StatusUnauthorized, Body: "invalid_grant"}
	}
	h.addDevice(t, "device-1", device.RuleInput{ID: "a", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.0)})
	h.addDevice(t, "device-2", device.RuleInput{ID: "b", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.0)})

	res, err := h.runner.Run(context.Background(), true)
	require.Error(t, err)
	assert.True(t, alert.IsFatal(err))
	require.NotNil(t, res)
	assert.Len(t, res.Runs, 1)
	assert.Equal(t, 0, h.sender.count())

	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("failed")))
}

func TestRunner_NoDevicesIsNoop(t *testing.T) {
	h := newHarness(t)

	res, err := h.runner.Run(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Devices)
	assert.Empty(t, res.Runs)

	// Devices without enabled rules do not trigger rate fetches either.
	h.table.fail["USD"] = true
	h.addDevice(t, "device-1")
	h.addDevice(t, "device-2", device.RuleInput{ID: "off", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.0), Enabled: ptr(false)})

	res, err = h.runner.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 0, res.Sent)

	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.RunsTotal.WithLabelValues("noop")))
}

func TestRunner_NonDebugOmitsTrace(t *testing.T) {
	h := newHarness(t)
	h.table.latest["USD"] = map[string]float64{"EUR": 1.12}
	h.addDevice(t, "device-1", device.RuleInput{ID: "a", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.0)})

	res, err := h.runner.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Nil(t, res.Runs)
	assert.Equal(t, 1, res.Devices)
	assert.Equal(t, 1, res.Rules)
	assert.Equal(t, 1, res.Sent)
}

func TestRunner_SkipsDanglingIndexEntries(t *testing.T) {
	h := newHarness(t)
	h.table.latest["USD"] = map[string]float64{"EUR": 1.12}
	h.addDevice(t, "device-1", device.RuleInput{ID: "a", Pair: "USD/EUR", Mode: device.ModeValue, Dir: device.DirAbove, Threshold: ptr(1.0)})

	runner := alert.NewRunner(alert.RunnerConfig{
		Devices: danglingIndex{DeviceStore: h.devices, extra: "ghost-token"},
		Rates:   rates.NewService(rates.ServiceConfig{Provider: h.table, Clock: h.clock}),
		Sender:  h.sender,
		Clock:   h.clock,
		Logger:  zerolog.Nop(),
	})

	res, err := runner.Run(context.Background(), false)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Devices)
	assert.Equal(t, 1, res.Sent)
}

type danglingIndex struct {
	alert.DeviceStore
	extra string
}

func (d danglingIndex) Tokens(ctx context.Context) ([]string, error) {
	tokens, err := d.DeviceStore.Tokens(ctx)
	return append(tokens, d.extra), err
}
