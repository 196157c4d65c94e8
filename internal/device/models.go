// Package device manages per-device preferences: favorite pairs, alert rules
// and the index of known device tokens.
package device

import (
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/ratepulse/ratepulse/internal/rates"
)

// Registry errors.
var (
	ErrDeviceNotFound = errors.New("device not found")
	ErrRuleNotFound   = errors.New("rule not found")
	ErrInvalidToken   = errors.New("device token is required")
	ErrInvalidRule    = errors.New("invalid rule")
)

// DayLayout is the format of Rule.LastNotifiedDay.
const DayLayout = "2006-01-02"

// Mode selects what a rule threshold is compared against.
type Mode string

const (
	ModeValue   Mode = "value"
	ModePercent Mode = "percent"
)

// Dir is the direction a rule fires in.
type Dir string

const (
	DirAbove Dir = "above"
	DirBelow Dir = "below"
	DirUp    Dir = "up"
	DirDown  Dir = "down"
)

// Rule is a single alert rule.
type Rule struct {
	ID        string  `json:"id"`
	Pair      string  `json:"pair"`
	Mode      Mode    `json:"mode"`
	Dir       Dir     `json:"dir"`
	Threshold float64 `json:"threshold"`
	Enabled   bool    `json:"enabled"`

	// LastNotifiedDay is the UTC calendar day (YYYY-MM-DD) of the last
	// confirmed send. Empty means never notified.
	LastNotifiedDay string `json:"lastNotifiedDay,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Validate checks mode/dir consistency, pair syntax, threshold and the
// dedup stamp. The pair is normalized to upper case.
func (r *Rule) Validate() error {
	pair, err := rates.ParsePair(r.Pair)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	r.Pair = pair.String()

	switch r.Mode {
	case ModeValue:
		if r.Dir != DirAbove && r.Dir != DirBelow {
			return fmt.Errorf("%w: dir %q not allowed with mode value", ErrInvalidRule, r.Dir)
		}
	case ModePercent:
		if r.Dir != DirUp && r.Dir != DirDown {
			return fmt.Errorf("%w: dir %q not allowed with mode percent", ErrInvalidRule, r.Dir)
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", ErrInvalidRule, r.Mode)
	}

	if math.IsNaN(r.Threshold) || math.IsInf(r.Threshold, 0) {
		return fmt.Errorf("%w: threshold must be a finite number", ErrInvalidRule)
	}

	if r.LastNotifiedDay != "" {
		if _, err := time.Parse(DayLayout, r.LastNotifiedDay); err != nil {
			return fmt.Errorf("%w: lastNotifiedDay must be YYYY-MM-DD", ErrInvalidRule)
		}
	}
	return nil
}

// ParsedPair returns the rule pair. Rules are validated on write so the
// error only surfaces for records written by other tools.
func (r *Rule) ParsedPair() (rates.Pair, error) {
	return rates.ParsePair(r.Pair)
}

// Preferences is the stored record for one device.
type Preferences struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId,omitempty"`
	Favorites []string  `json:"favorites"`
	Rules     []Rule    `json:"rules"`
	UpdatedAt time.Time `json:"updatedAt"`

	// Version increments on every write.
	Version int64 `json:"version"`
}

// FindRule returns the index of the rule with id, or -1.
func (p *Preferences) FindRule(id string) int {
	for i := range p.Rules {
		if p.Rules[i].ID == id {
			return i
		}
	}
	return -1
}

// RuleInput is a client-supplied rule for ReplaceRules. Nil fields take
// defaults or carry over from the stored rule with the same id.
type RuleInput struct {
	ID              string     `json:"id,omitempty"`
	Pair            string     `json:"pair"`
	Mode            Mode       `json:"mode"`
	Dir             Dir        `json:"dir"`
	Threshold       *float64   `json:"threshold"`
	Enabled         *bool      `json:"enabled,omitempty"`
	LastNotifiedDay *string    `json:"lastNotifiedDay,omitempty"`
	CreatedAt       *time.Time `json:"createdAt,omitempty"`
}

// RulePatch holds the individually patchable rule fields.
type RulePatch struct {
	Enabled   *bool    `json:"enabled,omitempty"`
	Threshold *float64 `json:"threshold,omitempty"`
	Dir       *Dir     `json:"dir,omitempty"`
	Mode      *Mode    `json:"mode,omitempty"`
	Pair      *string  `json:"pair,omitempty"`

	// LastNotifiedDay set to "" clears the stamp.
	LastNotifiedDay *string `json:"lastNotifiedDay,omitempty"`
}

// Apply copies the set fields onto r.
func (p RulePatch) Apply(r *Rule) {
	if p.Enabled != nil {
		r.Enabled = *p.Enabled
	}
	if p.Threshold != nil {
		r.Threshold = *p.Threshold
	}
	if p.Dir != nil {
		r.Dir = *p.Dir
	}
	if p.Mode != nil {
		r.Mode = *p.Mode
	}
	if p.Pair != nil {
		r.Pair = *p.Pair
	}
	if p.LastNotifiedDay != nil {
		r.LastNotifiedDay = *p.LastNotifiedDay
	}
}
