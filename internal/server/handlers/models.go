package handlers

import (
	"net/http"

	"github.com/the-crypt-keeper/llama-srb-api/pkg/api"
)

// ModelsHandler handles GET /v1/models. It lists the single model the
// engine was started with, along with the engine's current state.
type ModelsHandler struct {
	Engine Engine
}

func (h *ModelsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, api.ModelListResponse{
		Object: api.ObjectList,
		Data: []api.ModelInfo{{
			ID:          h.Engine.ModelPath(),
			Object:      api.ObjectModel,
			OwnedBy:     "local",
			EngineState: h.Engine.State().String(),
		}},
	})
}
