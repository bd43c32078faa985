package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// Deps are the collaborators the API serves.
type Deps struct {
	Engine BatchApplier
	Feed   ChangeReader
	// Health reports dependency health for /healthz. Nil means always healthy.
	Health func(ctx context.Context) error
	// Stream is mounted at /api/v1/sync/stream when set.
	Stream http.Handler
	Logger zerolog.Logger
}

// NewRouter builds the HTTP API.
func NewRouter(d Deps) http.Handler {
	logger := d.Logger.With().Str("component", "http").Logger()
	h := &syncHandlers{engine: d.Engine, feed: d.Feed, logger: logger}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(metricsMiddleware)
	r.Use(loggingMiddleware(logger))

	r.Get("/healthz", handleHealthz(d.Health))

	r.Route("/api/v1/sync", func(r chi.Router) {
		r.Post("/batch", h.handleBatch)
		r.Get("/changes", h.handleChangesGet)
		r.Post("/changes", h.handleChangesPost)
		if d.Stream != nil {
			r.Handle("/stream", d.Stream)
		}
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusNotFound, CodeNotFound, "Resource not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		respondError(w, http.StatusMethodNotAllowed, CodeValidation, "Method not allowed", nil)
	})
	return r
}

func handleHealthz(check func(ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if check != nil {
			ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
			defer cancel()
			if err := check(ctx); err != nil {
				respondJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
				return
			}
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	}
}
