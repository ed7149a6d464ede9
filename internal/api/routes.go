// Package api is the HTTP surface of the engine: job intake and status,
// feedback ingestion, external monitor intake and delist management.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// RouterOptions configure the middleware stack.
type RouterOptions struct {
	// CORSOrigins enables CORS for the listed origins.
	CORSOrigins []string
}

// NewRouter mounts every route on a chi mux.
func NewRouter(h *Handlers, opts RouterOptions) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(h.log))
	r.Use(middleware.Recoverer)

	if len(opts.CORSOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.CORSOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Request-Id"},
			ExposedHeaders: []string{"X-Request-Id"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", h.Health)
	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics.Handler())
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", h.SubmitJob)
			r.Get("/{id}", h.GetJob)
			r.Get("/{id}/chunks", h.ListChunks)
			r.Get("/{id}/results", h.ListResults)
		})

		r.Post("/feedback", h.IngestFeedback)

		r.Post("/monitor-checks", h.RecordMonitorCheck)
		r.Get("/servers/{id}/reputation", h.ListReputationChecks)
		r.Get("/delist-requests", h.ListDelists)
		r.Post("/delist-requests/{id}/resolve", h.ResolveDelist)

		r.Route("/engine", func(r chi.Router) {
			r.Get("/settings", h.GetSettings)
			r.Post("/pause", h.Pause)
			r.Post("/resume", h.Resume)
		})
	})

	return r
}
