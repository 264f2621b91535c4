// Custodia - AI Agent Compliance Audit Pipeline
// Copyright 2026 Custodia Contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/custodia-ai/custodia

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig tunes the global middleware stack.
type RouterConfig struct {
	// RateLimitRequests per RateLimitWindow per client IP; zero disables
	// rate limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration
}

// NewRouter assembles the HTTP surface: operational endpoints at the root,
// the pipeline API under /api/v1.
func NewRouter(h *Handler, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		if cfg.RateLimitRequests > 0 {
			window := cfg.RateLimitWindow
			if window <= 0 {
				window = time.Minute
			}
			r.Use(httprate.LimitByIP(cfg.RateLimitRequests, window))
		}

		r.Post("/log_action", h.LogAction)
		r.Get("/records", h.ListRecords)
		r.Get("/records/{txID}/payload", h.ReadPayload)
		r.Post("/records/{txID}/shred", h.Shred)
		r.Post("/seals/sync", h.SyncSeals)
		r.Put("/seals/circuit", h.SetCircuit)
	})

	return r
}
