// Streamlog - Durable Device Log Ingestion and Live Streaming
// Copyright 2026 Streamlog contributors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/streamlog-dev/streamlog

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamlog-dev/streamlog/internal/auth"
	"github.com/streamlog-dev/streamlog/internal/live"
)

// RouterConfig tunes the HTTP middleware stack.
type RouterConfig struct {
	CORSOrigins       []string
	RequestsPerMinute int
}

// NewRouter assembles the full route tree. WebSocket upgrades sit outside
// the rate limiter; a device reconnect storm must not be throttled by the
// API limit.
func NewRouter(h *Handler, gw *live.Gateway, am *auth.Manager, cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(CORS(cfg.CORSOrigins))

	r.Get("/ws/device", gw.HandleDevice)
	r.Get("/ws/viewer", gw.HandleViewer)

	r.Route("/api/v1/health", func(r chi.Router) {
		r.Get("/live", h.HealthLive)
		r.Get("/ready", h.HealthReady)
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(RateLimit(cfg.RequestsPerMinute))
		r.Use(ViewerAuth(am))

		r.Post("/streams/start", h.StreamStart)
		r.Post("/streams/stop", h.StreamStop)

		r.Get("/events", h.Events)
		r.Get("/events/{id}", h.Event)
		r.Get("/events/{id}/message", h.EventMessage)

		r.Get("/devices", h.Devices)
		r.Get("/stats", h.Stats)
	})

	r.Handle("/metrics", promhttp.Handler())

	return r
}
