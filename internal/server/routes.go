package server

import (
	"net/http"
	"time"

	"github.com/the-crypt-keeper/llama-srb-api/internal/server/handlers"
)

func (s *Server) registerRoutes(mux *http.ServeMux) {
	mux.Handle("GET /health", &handlers.HealthHandler{Engine: s.cfg.Engine})
	mux.Handle("GET /v1/models", &handlers.ModelsHandler{Engine: s.cfg.Engine})
	mux.Handle("POST /v1/completions", &handlers.CompletionsHandler{
		Engine:    s.cfg.Engine,
		Logger:    s.logger,
		MaxTokens: s.cfg.MaxTokens,
	})
}

// statusRecorder captures the response status for the access log. Unwrap
// lets http.ResponseController reach the underlying flusher.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	if r.status == 0 {
		r.status = code
	}
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration", time.Since(start).Round(time.Millisecond),
		)
	})
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
