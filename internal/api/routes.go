package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

// NewRouter creates a new router with all routes configured
func NewRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(LoggingMiddleware)
	r.Use(RecoveryMiddleware)

	if h.metrics != nil {
		r.Method(http.MethodGet, "/metrics", h.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		// Public
		r.Get("/health", h.Health)

		r.Group(func(r chi.Router) {
			r.Use(AuthMiddleware(h.apiKey))

			r.Get("/status", h.Status)
			r.Post("/sync", h.TriggerSync)
			r.Get("/connectivity", h.Connectivity)
			r.Put("/connectivity", h.SetConnectivity)

			r.Route("/changes", func(r chi.Router) {
				r.Post("/", h.QueueChange)
				r.Get("/", h.ListChanges)
				r.Post("/retry", h.RetryAllFailed)
				r.Route("/{id}", func(r chi.Router) {
					r.Use(h.ChangeCtx)
					r.Get("/", h.GetChange)
					r.Delete("/", h.DiscardChange)
					r.Post("/retry", h.RetryChange)
					r.Post("/resolve", h.ResolveChange)
				})
			})

			r.Get("/cache/stats", h.CacheStats)
			r.Post("/cache/invalidate", h.InvalidateCache)

			if h.events != nil {
				r.Method(http.MethodGet, "/events", h.events)
			}
		})
	})

	return r
}
