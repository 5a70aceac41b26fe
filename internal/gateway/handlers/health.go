package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/mrmushfiq/llm0-edge-gateway/internal/gateway/providers"
)

const (
	UpstreamHealthy       = "healthy"
	UpstreamUnhealthy     = "unhealthy"
	UpstreamNotConfigured = "not_configured"
)

type HealthResponse struct {
	Status         string `json:"status"`
	UpstreamStatus string `json:"upstream_status"`
	Fallback       bool   `json:"fallback_configured"`
}

// HealthHandler serves /livez, /health and /readyz.
type HealthHandler struct {
	primary     providers.HealthChecker
	hasFallback bool
}

// NewHealthHandler; primary is nil when no gateway is configured.
func NewHealthHandler(primary providers.HealthChecker, hasFallback bool) *HealthHandler {
	return &HealthHandler{primary: primary, hasFallback: hasFallback}
}

func (h *HealthHandler) Live(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	upstream := h.upstreamStatus(r)
	status := "ok"
	if upstream == UpstreamUnhealthy {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: status, UpstreamStatus: upstream, Fallback: h.hasFallback})
}

// Ready fails only when nothing could answer a chat request.
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	upstream := h.upstreamStatus(r)
	resp := HealthResponse{Status: "ready", UpstreamStatus: upstream, Fallback: h.hasFallback}
	if upstream != UpstreamHealthy && !h.hasFallback {
		resp.Status = "unavailable"
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *HealthHandler) upstreamStatus(r *http.Request) string {
	if h.primary == nil {
		return UpstreamNotConfigured
	}
	if err := h.primary.Health(r.Context()); err != nil {
		return UpstreamUnhealthy
	}
	return UpstreamHealthy
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
