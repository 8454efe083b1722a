// Package api is the HTTP framing around the ingestion pipeline:
// routing, status-code mapping, and the read-only query surface.
package api

import (
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SetupRoutes configures all API routes.
func SetupRoutes(h *Handlers, hc *HealthChecker) *chi.Mux {
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.RequestID)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", faultHeader},
		MaxAge:         300,
	}))

	r.Get("/health", hc.HandleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/events", h.HandleIngest)
		r.Post("/events/batch", h.HandleIngestBatch)
		r.Get("/events", h.HandleListEvents)
		r.Get("/events/failed", h.HandleListFailed)
		r.Get("/stats", h.HandleStats)
	})

	return r
}
