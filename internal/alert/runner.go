package alert

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/juju/clock"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ratepulse/ratepulse/internal/credential"
	"github.com/ratepulse/ratepulse/internal/device"
	"github.com/ratepulse/ratepulse/internal/push"
	"github.com/ratepulse/ratepulse/internal/rates"
	"github.com/ratepulse/ratepulse/internal/rule"
)

// DeviceStore is the device registry as seen by the Runner.
type DeviceStore interface {
	Tokens(ctx context.Context) ([]string, error)
	Get(ctx context.Context, token string) (*device.Preferences, error)
	MarkNotified(ctx context.Context, token string, ruleIDs []string, day string) error
}

// RateSource fetches spot and previous-business-day rates.
type RateSource interface {
	GetRates(ctx context.Context, pairs []rates.Pair) (*rates.Rates, error)
}

// Sender delivers a push notification to one device.
type Sender interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// RunnerConfig holds configuration for the Runner.
type RunnerConfig struct {
	Devices DeviceStore
	Rates   RateSource
	Sender  Sender

	// Clock is the time source for the calendar day. Default: wall clock.
	Clock clock.Clock

	// Metrics receives pass counters. Default: unregistered collectors.
	Metrics *Metrics

	// Tracer opens one span per pass. Default: the global tracer.
	Tracer trace.Tracer

	Logger zerolog.Logger
}

// Runner evaluates every registered device's rules.
type Runner struct {
	devices DeviceStore
	rates   RateSource
	sender  Sender
	clock   clock.Clock
	metrics *Metrics
	tracer  trace.Tracer
	logger  zerolog.Logger
}

// NewRunner creates a new Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	if cfg.Clock == nil {
		cfg.Clock = clock.WallClock
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NewMetrics(nil)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = otel.Tracer("github.com/ratepulse/ratepulse/internal/alert")
	}
	return &Runner{
		devices: cfg.Devices,
		rates:   cfg.Rates,
		sender:  cfg.Sender,
		clock:   cfg.Clock,
		metrics: cfg.Metrics,
		tracer:  cfg.Tracer,
		logger:  cfg.Logger,
	}
}

// IsFatal reports whether err aborts a pass: broken credential material or
// a token exchange that failed for any reason, including an unreachable or
// circuit-broken token endpoint.
func IsFatal(err error) bool {
	var authErr *credential.AuthError
	return errors.Is(err, credential.ErrConfig) || errors.As(err, &authErr)
}

type loadedDevice struct {
	prefs *device.Preferences
}

// Run performs one evaluation pass. Devices are processed one at a time and
// each device's rules in order. A rule's lastNotifiedDay is only stamped after
// a confirmed send, and each device is written at most once. When debug is
// set the per-device decision trace is returned in RunResult.Runs.
func (r *Runner) Run(ctx context.Context, debug bool) (*RunResult, error) {
	ctx, span := r.tracer.Start(ctx, "alert.Run", trace.WithAttributes(attribute.Bool("debug", debug)))
	defer span.End()

	start := r.clock.Now()
	today := rule.Today(start)
	result := &RunResult{Day: today}

	outcome := "completed"
	defer func() {
		r.metrics.RunsTotal.WithLabelValues(outcome).Inc()
		r.metrics.RunDuration.Observe(r.clock.Now().Sub(start).Seconds())
		span.SetAttributes(
			attribute.Int("alert.devices", result.Devices),
			attribute.Int("alert.rules", result.Rules),
			attribute.Int("alert.sent", result.Sent),
			attribute.Int("alert.errors", result.Errors),
		)
	}()

	fail := func(err error) (*RunResult, error) {
		outcome = "failed"
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error().Err(err).Str("day", today).Msg("alert run aborted")
		return result, err
	}

	tokens, err := r.devices.Tokens(ctx)
	if err != nil {
		return fail(fmt.Errorf("load device index: %w", err))
	}

	devices, pairs := r.loadDevices(ctx, tokens)
	if len(devices) == 0 || len(pairs) == 0 {
		outcome = "noop"
		r.logger.Debug().Int("tokens", len(tokens)).Msg("no rules to evaluate")
		return result, nil
	}

	rt, err := r.rates.GetRates(ctx, pairs)
	if err != nil {
		return fail(fmt.Errorf("fetch rates: %w", err))
	}
	for _, fe := range rt.Failures {
		r.metrics.RateFetchFailures.WithLabelValues(fe.Base).Inc()
	}

	for _, d := range devices {
		run, err := r.runDevice(ctx, d.prefs, rt, today, result)
		if debug {
			result.Runs = append(result.Runs, run)
		}
		if err != nil {
			return fail(err)
		}
	}

	r.logger.Info().
		Str("day", today).
		Int("devices", result.Devices).
		Int("rules", result.Rules).
		Int("sent", result.Sent).
		Int("skipped", result.Skipped).
		Int("errors", result.Errors).
		Dur("duration", r.clock.Now().Sub(start)).
		Msg("alert run completed")

	return result, nil
}

// loadDevices reads every indexed device that has at least one rule and
// returns the distinct pairs of their enabled rules.
func (r *Runner) loadDevices(ctx context.Context, tokens []string) ([]loadedDevice, []rates.Pair) {
	devices := make([]loadedDevice, 0, len(tokens))
	pairSet := make(map[string]rates.Pair)

	for _, token := range tokens {
		prefs, err := r.devices.Get(ctx, token)
		if err != nil {
			r.logger.Warn().Err(err).Str("token_last4", last4(token)).Msg("skipping unreadable device")
			continue
		}
		if len(prefs.Rules) == 0 {
			continue
		}
		devices = append(devices, loadedDevice{prefs: prefs})

		for i := range prefs.Rules {
			if !prefs.Rules[i].Enabled {
				continue
			}
			p, err := prefs.Rules[i].ParsedPair()
			if err != nil {
				r.logger.Warn().Err(err).Str("rule_id", prefs.Rules[i].ID).Msg("rule has an invalid pair")
				continue
			}
			pairSet[p.String()] = p
		}
	}

	keys := make([]string, 0, len(pairSet))
	for k := range pairSet {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	pairs := make([]rates.Pair, 0, len(keys))
	for _, k := range keys {
		pairs = append(pairs, pairSet[k])
	}
	return devices, pairs
}

// runDevice evaluates one device. A non-nil error is fatal for the pass; the
// sends already confirmed for this device are persisted first.
func (r *Runner) runDevice(ctx context.Context, prefs *device.Preferences, rt *rates.Rates, today string, result *RunResult) (DeviceRun, error) {
	run := DeviceRun{Token: prefs.Token, Decisions: make([]RuleDecision, 0, len(prefs.Rules))}
	result.Devices++

	var sentIDs []string
	var fatal error

	for _, rl := range prefs.Rules {
		result.Rules++
		pair := rl.Pair
		if p, err := rl.ParsedPair(); err == nil {
			pair = p.String()
		}

		spot := rt.SpotFor(pair)
		prev := rt.YdayFor(pair)
		verdict := rule.Evaluate(rl, spot, prev, today)

		decision := RuleDecision{
			Rule:          rl,
			Val:           spot,
			Prev:          prev,
			Pct:           verdict.Pct,
			Fire:          verdict.Fire,
			SkippedReason: verdict.Reason,
		}

		if !verdict.Fire {
			result.Skipped++
			r.metrics.RuleDecisionsTotal.WithLabelValues(string(verdict.Reason)).Inc()
			run.Decisions = append(run.Decisions, decision)
			continue
		}

		msg := push.AlertMessage(rl, *spot, verdict.Pct)
		err := r.sender.Send(ctx, prefs.Token, msg.Title, msg.Body, msg.Data)
		if err != nil {
			decision.Error = err.Error()
			result.Errors++
			r.metrics.PushSendsTotal.WithLabelValues("failed").Inc()
			r.metrics.RuleDecisionsTotal.WithLabelValues("failed").Inc()
			run.Decisions = append(run.Decisions, decision)

			if IsFatal(err) {
				fatal = err
				break
			}
			r.logger.Warn().
				Err(err).
				Str("token_last4", last4(prefs.Token)).
				Str("rule_id", rl.ID).
				Msg("push send failed")
			continue
		}

		decision.Sent = true
		decision.Rule.LastNotifiedDay = today
		sentIDs = append(sentIDs, rl.ID)
		result.Sent++
		r.metrics.PushSendsTotal.WithLabelValues("success").Inc()
		r.metrics.RuleDecisionsTotal.WithLabelValues("sent").Inc()
		run.Decisions = append(run.Decisions, decision)

		r.logger.Info().
			Str("token_last4", last4(prefs.Token)).
			Str("rule_id", rl.ID).
			Str("pair", pair).
			Msg("alert sent")
	}

	if len(sentIDs) > 0 {
		if err := r.devices.MarkNotified(ctx, prefs.Token, sentIDs, today); err != nil {
			run.Error = err.Error()
			result.Errors++
			r.logger.Error().
				Err(err).
				Str("token_last4", last4(prefs.Token)).
				Strs("rule_ids", sentIDs).
				Msg("failed to persist notification day")
		}
	}

	return run, fatal
}

func last4(token string) string {
	if len(token) < 4 {
		return token
	}
	return token[len(token)-4:]
}
