// Package rule decides whether an alert rule fires for a given rate.
package rule

import (
	"time"

	"github.com/ratepulse/ratepulse/internal/device"
)

// SkipReason explains why a rule did not fire.
type SkipReason string

const (
	SkipDisabled         SkipReason = "disabled"
	SkipConditionFalse   SkipReason = "condition_false"
	SkipAlreadySentToday SkipReason = "already_sent_today"
)

// Today returns the UTC calendar day of now as YYYY-MM-DD.
func Today(now time.Time) string {
	return now.UTC().Format(device.DayLayout)
}

// Percent returns the change from prev to spot in percent.
// ok is false when prev is zero.
func Percent(spot, prev float64) (pct float64, ok bool) {
	if prev == 0 {
		return 0, false
	}
	return (spot - prev) / prev * 100, true
}

// Decide reports whether r's condition holds. Unknown rates never fire.
func Decide(r device.Rule, spot, prev *float64) bool {
	if !r.Enabled || spot == nil {
		return false
	}

	switch r.Mode {
	case device.ModeValue:
		switch r.Dir {
		case device.DirAbove:
			return *spot >= r.Threshold
		case device.DirBelow:
			return *spot <= r.Threshold
		}
	case device.ModePercent:
		if prev == nil {
			return false
		}
		pct, ok := Percent(*spot, *prev)
		if !ok {
			return false
		}
		switch r.Dir {
		case device.DirUp:
			return pct >= r.Threshold
		case device.DirDown:
			return pct <= -r.Threshold
		}
	}
	return false
}

// Verdict is the outcome of evaluating a rule for one pass.
type Verdict struct {
	Fire   bool
	Pct    *float64
	Reason SkipReason
}

// Evaluate runs Decide followed by the once-per-day check against today.
func Evaluate(r device.Rule, spot, prev *float64, today string) Verdict {
	var v Verdict
	if spot != nil && prev != nil {
		if pct, ok := Percent(*spot, *prev); ok {
			v.Pct = &pct
		}
	}

	switch {
	case !r.Enabled:
		v.Reason = SkipDisabled
	case !Decide(r, spot, prev):
		v.Reason = SkipConditionFalse
	case r.LastNotifiedDay == today:
		v.Reason = SkipAlreadySentToday
	default:
		v.Fire = true
	}
	return v
}
