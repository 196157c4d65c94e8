// Package alert runs alert evaluation passes: it loads every device, fetches
// the rates its rules need, decides each rule and dispatches notifications.
package alert

import (
	"github.com/ratepulse/ratepulse/internal/device"
	"github.com/ratepulse/ratepulse/internal/rule"
)

// RuleDecision records how one rule was handled in a pass.
type RuleDecision struct {
	Rule          device.Rule     `json:"rule"`
	Val           *float64        `json:"val"`
	Prev          *float64        `json:"prev"`
	Pct           *float64        `json:"pct"`
	Fire          bool            `json:"fire"`
	SkippedReason rule.SkipReason `json:"skippedReason,omitempty"`
	Sent          bool            `json:"sent,omitempty"`
	Error         string          `json:"error,omitempty"`
}

// DeviceRun holds every decision made for one device in a pass.
type DeviceRun struct {
	Token     string         `json:"token"`
	Decisions []RuleDecision `json:"decisions"`

	// Error is set when the dedup stamp could not be persisted.
	Error string `json:"error,omitempty"`
}

// RunResult summarizes a pass. Runs is only populated in debug mode.
type RunResult struct {
	Day     string      `json:"day"`
	Devices int         `json:"devices"`
	Rules   int         `json:"rules"`
	Sent    int         `json:"sent"`
	Skipped int         `json:"skipped"`
	Errors  int         `json:"errors"`
	Runs    []DeviceRun `json:"runs,omitempty"`
}
