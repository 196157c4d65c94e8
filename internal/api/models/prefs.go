package models

import (
	"github.com/ratepulse/ratepulse/internal/alert"
	"github.com/ratepulse/ratepulse/internal/device"
)

// RegisterRequest is the body of POST /register.
type RegisterRequest struct {
	Token  string  `json:"token"`
	UserID *string `json:"userId,omitempty"`
}

// RegisterResponse is returned by POST /register.
type RegisterResponse struct {
	OK      bool                `json:"ok"`
	Created bool                `json:"created"`
	Prefs   *device.Preferences `json:"prefs"`
}

// TokenRequest carries only a device token.
type TokenRequest struct {
	Token string `json:"token"`
}

// RulesRequest is the body of POST /prefs/rules.
type RulesRequest struct {
	Token string             `json:"token"`
	Rules []device.RuleInput `json:"rules"`
}

// RulePatchRequest is the body of PATCH /prefs/rules/{id}. Fields other
// than the token and the patchable rule fields are ignored.
type RulePatchRequest struct {
	Token string `json:"token"`
	device.RulePatch
}

// FavoritesRequest is the body of POST /prefs/favorites.
type FavoritesRequest struct {
	Token     string   `json:"token"`
	Favorites []string `json:"favorites"`
}

// PrefsResponse wraps a device record.
type PrefsResponse struct {
	OK    bool                `json:"ok"`
	Prefs *device.Preferences `json:"prefs"`
}

// TestPingRequest is the body of POST /test-ping.
type TestPingRequest struct {
	Token string `json:"token"`
	Title string `json:"title,omitempty"`
	Body  string `json:"body,omitempty"`
}

// OKResponse reports the outcome of an operation that does not surface
// HTTP-level failures.
type OKResponse struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// RunOnceResponse is returned by /run-once.
type RunOnceResponse struct {
	OK     bool             `json:"ok"`
	Error  string           `json:"error,omitempty"`
	Result *alert.RunResult `json:"result,omitempty"`
}

// RatesResponse is returned by GET /rates.
type RatesResponse struct {
	Pairs    []string           `json:"pairs"`
	Spot     map[string]float64 `json:"spot"`
	Yday     map[string]float64 `json:"yday"`
	YdayDate string             `json:"yday_date"`
}
