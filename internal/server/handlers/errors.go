package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/the-crypt-keeper/llama-srb-api/internal/engine"
	"github.com/the-crypt-keeper/llama-srb-api/pkg/api"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, code, message string) {
	writeJSON(w, status, errorBody(errType, code, message))
}

func errorBody(errType, code, message string) api.ErrorResponse {
	return api.ErrorResponse{
		Error: api.ErrorDetail{
			Message: message,
			Type:    errType,
			Code:    code,
		},
	}
}

// classifyError maps engine errors to an HTTP status and error envelope.
// Messages come from this process, never from engine output.
func classifyError(err error) (int, api.ErrorResponse) {
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		return http.StatusBadRequest, errorBody("invalid_request_error", "invalid_request", err.Error())
	case errors.Is(err, engine.ErrNotReady):
		return http.StatusServiceUnavailable, errorBody("service_unavailable", "engine_not_ready", "engine not ready")
	case errors.Is(err, engine.ErrEngineDown):
		return http.StatusServiceUnavailable, errorBody("service_unavailable", "engine_down", "engine is down")
	case errors.Is(err, engine.ErrBusy):
		return http.StatusServiceUnavailable, errorBody("service_unavailable", "engine_busy", err.Error())
	case errors.Is(err, engine.ErrTimeout):
		return http.StatusGatewayTimeout, errorBody("timeout", "engine_timeout", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable, errorBody("service_unavailable", "request_cancelled", "request cancelled")
	default:
		return http.StatusInternalServerError, errorBody("server_error", "internal_error", "internal server error")
	}
}

func writeEngineError(w http.ResponseWriter, logger *slog.Logger, err error) {
	status, body := classifyError(err)
	if status >= http.StatusInternalServerError {
		logger.Warn("completion failed", "status", status, "error", err)
	}
	writeJSON(w, status, body)
}
