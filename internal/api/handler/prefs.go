package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"github.com/ratepulse/ratepulse/internal/api/models"
	"github.com/ratepulse/ratepulse/internal/api/response"
	"github.com/ratepulse/ratepulse/internal/device"
	"github.com/ratepulse/ratepulse/internal/rates"
)

// maxBodyBytes caps request bodies.
const maxBodyBytes = 1 << 20

// DeviceService is the device registry used by PrefsHandler.
type DeviceService interface {
	Register(ctx context.Context, token string, userID *string) (*device.Preferences, bool, error)
	Unregister(ctx context.Context, token string) error
	Get(ctx context.Context, token string) (*device.Preferences, error)
	ReplaceRules(ctx context.Context, token string, inputs []device.RuleInput) (*device.Preferences, error)
	PatchRule(ctx context.Context, token, id string, patch device.RulePatch) (*device.Preferences, error)
	DeleteRule(ctx context.Context, token, id string) (*device.Preferences, error)
	ReplaceFavorites(ctx context.Context, token string, favorites []string) (*device.Preferences, error)
}

// PrefsHandler handles device registration and preference endpoints.
type PrefsHandler struct {
	devices DeviceService
	logger  zerolog.Logger
}

// NewPrefsHandler creates a new PrefsHandler.
func NewPrefsHandler(devices DeviceService, logger zerolog.Logger) *PrefsHandler {
	return &PrefsHandler{devices: devices, logger: logger}
}

// Register handles POST /register - upsert a device.
// Returns 201 for a new device and 200 when it already existed.
func (h *PrefsHandler) Register(w http.ResponseWriter, r *http.Request) {
	var input models.RegisterRequest
	if !decodeJSON(w, r, &input) || !requireToken(w, r, input.Token) {
		return
	}

	prefs, created, err := h.devices.Register(r.Context(), input.Token, input.UserID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	resp := models.RegisterResponse{OK: true, Created: created, Prefs: prefs}
	if created {
		response.Created(w, r, "", resp)
		return
	}
	response.JSON(w, r, http.StatusOK, resp)
}

// Unregister handles POST /unregister - remove a device.
func (h *PrefsHandler) Unregister(w http.ResponseWriter, r *http.Request) {
	var input models.TokenRequest
	if !decodeJSON(w, r, &input) || !requireToken(w, r, input.Token) {
		return
	}

	if err := h.devices.Unregister(r.Context(), input.Token); err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.OKResponse{OK: true})
}

// GetPrefs handles GET /prefs?token= - fetch a device record.
func (h *PrefsHandler) GetPrefs(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if !requireToken(w, r, token) {
		return
	}

	prefs, err := h.devices.Get(r.Context(), token)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.PrefsResponse{OK: true, Prefs: prefs})
}

// ReplaceRules handles POST /prefs/rules - replace the full rule set.
func (h *PrefsHandler) ReplaceRules(w http.ResponseWriter, r *http.Request) {
	var input models.RulesRequest
	if !decodeJSON(w, r, &input) || !requireToken(w, r, input.Token) {
		return
	}
	if input.Rules == nil {
		response.BadRequest(w, r, "rules is required", []models.FieldError{
			{Field: "rules", Message: "required", Code: "REQUIRED"},
		})
		return
	}

	prefs, err := h.devices.ReplaceRules(r.Context(), input.Token, input.Rules)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.PrefsResponse{OK: true, Prefs: prefs})
}

// PatchRule handles PATCH /prefs/rules/{ruleId} - partial rule update.
func (h *PrefsHandler) PatchRule(w http.ResponseWriter, r *http.Request) {
	var input models.RulePatchRequest
	if !decodeJSON(w, r, &input) || !requireToken(w, r, input.Token) {
		return
	}

	prefs, err := h.devices.PatchRule(r.Context(), input.Token, chi.URLParam(r, "ruleId"), input.RulePatch)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.PrefsResponse{OK: true, Prefs: prefs})
}

// DeleteRule handles DELETE /prefs/rules/{ruleId} - remove one rule.
// The token may be sent in the body or as a query parameter.
func (h *PrefsHandler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	input := models.TokenRequest{Token: r.URL.Query().Get("token")}
	if input.Token == "" && !decodeJSON(w, r, &input) {
		return
	}
	if !requireToken(w, r, input.Token) {
		return
	}

	prefs, err := h.devices.DeleteRule(r.Context(), input.Token, chi.URLParam(r, "ruleId"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.PrefsResponse{OK: true, Prefs: prefs})
}

// ReplaceFavorites handles POST /prefs/favorites - replace the favorite pairs.
func (h *PrefsHandler) ReplaceFavorites(w http.ResponseWriter, r *http.Request) {
	var input models.FavoritesRequest
	if !decodeJSON(w, r, &input) || !requireToken(w, r, input.Token) {
		return
	}

	prefs, err := h.devices.ReplaceFavorites(r.Context(), input.Token, input.Favorites)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	response.JSON(w, r, http.StatusOK, models.PrefsResponse{OK: true, Prefs: prefs})
}

// writeError maps registry errors to problem responses.
func (h *PrefsHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, device.ErrDeviceNotFound), errors.Is(err, device.ErrRuleNotFound):
		response.NotFound(w, r, err.Error())
	case errors.Is(err, device.ErrInvalidToken),
		errors.Is(err, device.ErrInvalidRule),
		errors.Is(err, rates.ErrInvalidPair):
		response.BadRequest(w, r, err.Error(), nil)
	default:
		h.logger.Error().Err(err).Str("path", r.URL.Path).Msg("device registry error")
		response.InternalError(w, r, "failed to update device preferences")
	}
}

// decodeJSON decodes the request body into v. It writes a 400 and returns
// false when the body is missing or malformed.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	switch {
	case err == nil:
		return true
	case errors.Is(err, io.EOF):
		response.BadRequest(w, r, "request body is required", nil)
	default:
		response.BadRequest(w, r, "invalid JSON body", nil)
	}
	return false
}

func requireToken(w http.ResponseWriter, r *http.Request, token string) bool {
	if strings.TrimSpace(token) != "" {
		return true
	}
	response.BadRequest(w, r, "token is required", []models.FieldError{
		{Field: "token", Message: "required", Code: "REQUIRED"},
	})
	return false
}
