package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/xynenyx/llm-service/internal/identity"
	"github.com/xynenyx/llm-service/internal/metrics"
)

// NewRouter builds the route table. Additional middleware (rate limiting,
// authentication) slots into the chain here.
func NewRouter(h *Handler) http.Handler {
	r := chi.NewRouter()
	r.Use(chimiddleware.Logger)
	r.Use(chimiddleware.Recoverer)
	r.Use(metrics.Middleware)
	r.Use(identity.Middleware)

	// Probes and exposition carry no pipeline dependency.
	r.Get("/health", h.HandleHealth)
	r.Get("/ready", h.HandleReady)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/complete", h.HandleComplete)
	r.Post("/complete/stream", h.HandleCompleteStream)
	r.Post("/embeddings", h.HandleEmbeddings)
	r.Get("/providers", h.HandleListProviders)
	r.Get("/providers/{id}", h.HandleGetProvider)
	r.Get("/usage", h.HandleUsage)

	return r
}
