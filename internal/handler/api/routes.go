// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/olegiv/calgate/internal/middleware"
)

// Route patterns.
const (
	RouteHealth      = "/health"
	RouteHealthLive  = "/health/live"
	RouteHealthReady = "/health/ready"
	RouteAPI         = "/api/v1"
	RouteSources     = "/orgs/{orgID}/sources"
	RouteSourcesID   = RouteSources + "/{id}"
	RouteAllowlist   = "/allowlist"
	RouteReview      = RouteAllowlist + "/{host}/review"
	RouteEvents      = "/events"
	RouteSyncTrigger = "/internal/sync"
)

// RouterConfig configures the HTTP surface.
type RouterConfig struct {
	TriggerSecret      string
	TriggerMinInterval time.Duration
	// APIRateLimit is requests per second per client IP on /api/v1.
	APIRateLimit   float64
	APIRateBurst   int
	RequestTimeout time.Duration
	IsDevelopment  bool
	// TrustProxyHeaders applies X-Real-IP/X-Forwarded-For to the client
	// address. Enable only behind a proxy that overwrites them.
	TrustProxyHeaders bool
}

// DefaultRouterConfig returns a RouterConfig with the trigger secret unset.
func DefaultRouterConfig() RouterConfig {
	return RouterConfig{
		TriggerMinInterval: 10 * time.Second,
		APIRateLimit:       10,
		APIRateBurst:       20,
		RequestTimeout:     30 * time.Second,
	}
}

// Routes builds the chi router for the whole service.
func (h *Handler) Routes(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	if cfg.TrustProxyHeaders {
		r.Use(chimw.RealIP)
	}
	if cfg.IsDevelopment {
		r.Use(chimw.Logger)
	}
	r.Use(chimw.Recoverer)
	r.Use(chimw.GetHead)
	r.Use(middleware.SecurityHeaders(middleware.DefaultSecurityHeadersConfig(cfg.IsDevelopment)))

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		WriteNotFound(w, "Resource not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		WriteError(w, http.StatusMethodNotAllowed, "method_not_allowed", "Method not allowed", nil)
	})

	r.Get(RouteHealth, h.Health)
	r.Get(RouteHealthLive, h.Liveness)
	r.Get(RouteHealthReady, h.Readiness)

	// Ticks can outlast the API timeout; the trigger is bounded by the
	// rate limit and the tick lock instead.
	r.With(
		middleware.TriggerAuth(cfg.TriggerSecret),
		middleware.TriggerRateLimit(cfg.TriggerMinInterval),
	).Post(RouteSyncTrigger, h.TriggerSync)

	r.Route(RouteAPI, func(r chi.Router) {
		if cfg.APIRateLimit > 0 {
			r.Use(middleware.NewGlobalRateLimiter(cfg.APIRateLimit, cfg.APIRateBurst).Middleware())
		}
		if cfg.RequestTimeout > 0 {
			r.Use(middleware.Timeout(cfg.RequestTimeout))
		}

		r.Get("/", h.Status)

		r.Get(RouteSources, h.ListSources)
		r.Post(RouteSources, h.CreateSource)
		r.Get(RouteSourcesID, h.GetSource)
		r.Delete(RouteSourcesID, h.DeleteSource)

		r.Get(RouteAllowlist, h.ListAllowlist)
		r.Post(RouteReview, h.ReviewHost)

		r.Get(RouteEvents, h.ListEvents)
	})

	return r
}
