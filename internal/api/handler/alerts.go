package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/alert"
	"github.com/ratepulse/ratepulse/internal/api/models"
	"github.com/ratepulse/ratepulse/internal/api/response"
	"github.com/ratepulse/ratepulse/internal/push"
	"github.com/ratepulse/ratepulse/internal/rates"
)

// Default test notification text.
const (
	DefaultPingTitle = "RatePulse test"
	DefaultPingBody  = "Push notifications are working."
)

// AlertRunner runs one evaluation pass.
type AlertRunner interface {
	Run(ctx context.Context, debug bool) (*alert.RunResult, error)
}

// PushSender delivers a push notification to one device.
type PushSender interface {
	Send(ctx context.Context, token, title, body string, data map[string]string) error
}

// RateLookup fetches spot and previous-business-day rates.
type RateLookup interface {
	GetRates(ctx context.Context, pairs []rates.Pair) (*rates.Rates, error)
}

// AlertHandler handles the operator endpoints: manual runs, test pushes and
// raw rate lookups.
type AlertHandler struct {
	runner AlertRunner
	sender PushSender
	rates  RateLookup
	logger zerolog.Logger
}

// NewAlertHandler creates a new AlertHandler.
func NewAlertHandler(runner AlertRunner, sender PushSender, rateLookup RateLookup, logger zerolog.Logger) *AlertHandler {
	return &AlertHandler{
		runner: runner,
		sender: sender,
		rates:  rateLookup,
		logger: logger,
	}
}

// RunOnce handles GET/POST /run-once - trigger an evaluation pass.
// Failures are reported in the body with ok=false, never as an HTTP error.
func (h *AlertHandler) RunOnce(w http.ResponseWriter, r *http.Request) {
	debug := isTruthy(r.URL.Query().Get("debug"))

	result, err := h.runner.Run(r.Context(), debug)
	resp := models.RunOnceResponse{OK: err == nil, Result: result}
	if err != nil {
		resp.Error = err.Error()
		h.logger.Error().Err(err).Bool("debug", debug).Msg("manual run failed")
	}
	response.JSON(w, r, http.StatusOK, resp)
}

// TestPing handles POST /test-ping - send a test notification to one device.
func (h *AlertHandler) TestPing(w http.ResponseWriter, r *http.Request) {
	var input models.TestPingRequest
	if !decodeJSON(w, r, &input) || !requireToken(w, r, input.Token) {
		return
	}

	title := input.Title
	if title == "" {
		title = DefaultPingTitle
	}
	body := input.Body
	if body == "" {
		body = DefaultPingBody
	}

	resp := models.OKResponse{OK: true}
	if err := h.sender.Send(r.Context(), input.Token, title, body, map[string]string{"type": "test"}); err != nil {
		resp.OK = false
		resp.Error = err.Error()

		var sendErr *push.SendError
		event := h.logger.Warn().Err(err)
		if errors.As(err, &sendErr) {
			event = event.Int("status", sendErr.StatusCode)
		}
		event.Msg("test push failed")
	}
	response.JSON(w, r, http.StatusOK, resp)
}

// GetRates handles GET /rates?pairs=USD/EUR,GBP/JPY - raw rate lookup.
func (h *AlertHandler) GetRates(w http.ResponseWriter, r *http.Request) {
	raw := r.URL.Query().Get("pairs")
	pairs, err := rates.ParsePairs(raw)
	if err != nil {
		response.BadRequest(w, r, err.Error(), []models.FieldError{
			{Field: "pairs", Message: "must be a comma separated list of BASE/QUOTE", Code: "INVALID_PAIR"},
		})
		return
	}
	if len(pairs) == 0 {
		response.BadRequest(w, r, "pairs is required", []models.FieldError{
			{Field: "pairs", Message: "required", Code: "REQUIRED"},
		})
		return
	}

	rt, err := h.rates.GetRates(r.Context(), pairs)
	if err != nil {
		h.logger.Error().Err(err).Str("pairs", raw).Msg("rate lookup failed")
		response.InternalError(w, r, "rate lookup failed")
		return
	}

	names := make([]string, 0, len(pairs))
	for _, p := range pairs {
		names = append(names, p.String())
	}
	response.JSON(w, r, http.StatusOK, models.RatesResponse{
		Pairs:    names,
		Spot:     rt.Spot,
		Yday:     rt.Yday,
		YdayDate: rt.Day,
	})
}

func isTruthy(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes":
		return true
	}
	return false
}
