package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/fixora/flagsync/infrastructure/http/response"
)

// HealthCheck reports one dependency's health
type HealthCheck func(ctx context.Context) error

type HealthHandler struct {
	checks map[string]HealthCheck
	stats  func() interface{}
}

// NewHealthHandler reports checks and, when stats is set, its result under "realtime"
func NewHealthHandler(checks map[string]HealthCheck, stats func() interface{}) *HealthHandler {
	return &HealthHandler{checks: checks, stats: stats}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	status := "healthy"
	deps := make(map[string]string, len(h.checks))
	for name, check := range h.checks {
		if err := check(ctx); err != nil {
			deps[name] = err.Error()
			status = "degraded"
			continue
		}
		deps[name] = "ok"
	}

	data := map[string]interface{}{
		"status":       status,
		"dependencies": deps,
	}
	if h.stats != nil {
		data["realtime"] = h.stats()
	}

	if status != "healthy" {
		response.WriteJSON(w, http.StatusServiceUnavailable, false, "Service degraded", data)
		return
	}
	response.Success(w, http.StatusOK, "Service healthy", data)
}
