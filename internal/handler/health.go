package handler

import (
	"context"
	"net/http"
	"time"
)

// ReadyChecker reports whether a dependency is usable.
type ReadyChecker interface {
	Ready() error
}

// PingChecker verifies connectivity to an external dependency.
type PingChecker interface {
	Ping(ctx context.Context) error
}

// HealthHandler manages health check endpoints.
type HealthHandler struct {
	registry ReadyChecker
	cache    PingChecker
}

// NewHealthHandler creates a new HealthHandler.
// Pass nil for cache when rate limiting is not configured.
func NewHealthHandler(registry ReadyChecker, cache PingChecker) *HealthHandler {
	return &HealthHandler{
		registry: registry,
		cache:    cache,
	}
}

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Healthz is a liveness probe endpoint.
// It returns 200 if the process is running, with no dependency checks.
//
// GET /healthz
func (h *HealthHandler) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// Readyz is a readiness probe endpoint.
// It returns 200 only when the users table is loaded and, if
// configured, Redis answers a ping.
//
// GET /readyz
func (h *HealthHandler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	checks := make(map[string]string)
	healthy := true

	if h.registry != nil {
		if err := h.registry.Ready(); err != nil {
			checks["registry"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["registry"] = "ok"
		}
	} else {
		checks["registry"] = "not configured"
	}

	if h.cache != nil {
		if err := h.cache.Ping(ctx); err != nil {
			checks["redis"] = "error: " + err.Error()
			healthy = false
		} else {
			checks["redis"] = "ok"
		}
	} else {
		checks["redis"] = "not configured"
	}

	status := http.StatusOK
	response := HealthResponse{Status: "ready", Checks: checks}
	if !healthy {
		status = http.StatusServiceUnavailable
		response.Status = "not ready"
	}

	writeJSON(w, status, response)
}
