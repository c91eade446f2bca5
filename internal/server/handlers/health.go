package handlers

import (
	"net/http"

	"github.com/the-crypt-keeper/llama-srb-api/internal/engine"
	"github.com/the-crypt-keeper/llama-srb-api/pkg/api"
)

// HealthHandler handles GET /health.
type HealthHandler struct {
	Engine Engine
}

func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	state := h.Engine.State()
	resp := api.HealthResponse{Status: "ok", EngineState: state.String()}
	status := http.StatusOK
	if state != engine.StateReady && state != engine.StateRunning {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
