// Package handler provides HTTP handlers for the RatePulse API.
package handler

import (
	"net/http"
	"time"

	"github.com/ratepulse/ratepulse/internal/api/models"
	"github.com/ratepulse/ratepulse/internal/api/response"
	"github.com/ratepulse/ratepulse/internal/provider/resilience"
)

// OpsHandler handles operational endpoints.
type OpsHandler struct {
	version   string
	providers *resilience.Registry
}

// NewOpsHandler creates a new OpsHandler. A nil registry reports no providers.
func NewOpsHandler(version string, providers *resilience.Registry) *OpsHandler {
	return &OpsHandler{
		version:   version,
		providers: providers,
	}
}

// HealthCheck handles GET /health - liveness plus upstream circuit state.
// An open circuit degrades the status but the endpoint still returns 200.
func (h *OpsHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	health := models.Health{
		Status:    models.HealthStatusOK,
		Time:      models.Timestamp(time.Now()),
		Version:   h.version,
		Providers: []models.ProviderStatus{},
	}

	if h.providers != nil {
		for _, ph := range h.providers.All() {
			status := providerStatus(ph)
			if status.Status != models.HealthStatusOK {
				health.Status = models.HealthStatusDegraded
			}
			health.Providers = append(health.Providers, status)
		}
	}

	response.JSON(w, r, http.StatusOK, health)
}

func providerStatus(ph *resilience.Health) models.ProviderStatus {
	ps := models.ProviderStatus{
		Provider:     ph.Name,
		Status:       models.HealthStatusOK,
		CircuitState: ph.CircuitState.String(),
	}
	switch {
	case ph.IsUnhealthy():
		ps.Status = models.HealthStatusFail
	case ph.IsDegraded():
		ps.Status = models.HealthStatusDegraded
	}
	if ph.LastSuccessAt != nil {
		ts := models.Timestamp(*ph.LastSuccessAt)
		ps.LastSuccessAt = &ts
	}
	if ph.LastFailureAt != nil {
		ts := models.Timestamp(*ph.LastFailureAt)
		ps.LastFailureAt = &ts
	}
	if ph.LastError != "" {
		msg := ph.LastError
		ps.Message = &msg
	}
	return ps
}
