// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"context"
	"net/http"
	"time"
)

// healthCheckTimeout bounds the database ping.
const healthCheckTimeout = 2 * time.Second

// HealthStatus represents the overall health status.
type HealthStatus struct {
	Status    string           `json:"status"`
	Timestamp time.Time        `json:"timestamp"`
	Uptime    string           `json:"uptime"`
	Version   string           `json:"version"`
	Checks    map[string]Check `json:"checks"`
	LastTick  *LastTick        `json:"last_tick,omitempty"`
}

// Check represents a single health check result.
type Check struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Latency string `json:"latency,omitempty"`
}

// LastTick describes the most recent completed sync tick on this instance.
type LastTick struct {
	FinishedAt time.Time `json:"finished_at"`
	Claimed    int       `json:"claimed"`
	Succeeded  int       `json:"succeeded"`
	Failed     int       `json:"failed"`
}

// Health handles GET /health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	dbCheck := h.checkDatabase(r.Context())

	status := HealthStatus{
		Status:    "healthy",
		Timestamp: time.Now().UTC(),
		Uptime:    time.Since(h.startTime).Round(time.Second).String(),
		Version:   h.version.Version,
		Checks:    map[string]Check{"database": dbCheck},
	}
	if status.Version == "" {
		status.Version = "dev"
	}
	if h.sync != nil {
		if at, result := h.sync.LastTick(); !at.IsZero() {
			status.LastTick = &LastTick{
				FinishedAt: at.UTC(),
				Claimed:    result.Claimed,
				Succeeded:  result.Succeeded,
				Failed:     result.Failed,
			}
		}
	}

	code := http.StatusOK
	if dbCheck.Status != "healthy" {
		status.Status = "degraded"
		code = http.StatusServiceUnavailable
	}
	WriteJSON(w, code, status)
}

// Liveness handles GET /health/live - simple liveness check.
func (h *Handler) Liveness(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

// Readiness handles GET /health/ready - checks if the service is ready to accept traffic.
func (h *Handler) Readiness(w http.ResponseWriter, r *http.Request) {
	if dbCheck := h.checkDatabase(r.Context()); dbCheck.Status != "healthy" {
		WriteJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready"})
		return
	}
	WriteJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// checkDatabase verifies database connectivity.
func (h *Handler) checkDatabase(ctx context.Context) Check {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	start := time.Now()
	err := h.db.PingContext(ctx)
	latency := time.Since(start)

	if err != nil {
		h.logger.Warn("health check: database unreachable", "error", err)
		return Check{
			Status:  "unhealthy",
			Message: "database unreachable",
			Latency: latency.String(),
		}
	}
	return Check{
		Status:  "healthy",
		Latency: latency.String(),
	}
}
