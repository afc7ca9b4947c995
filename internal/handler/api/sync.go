// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/olegiv/calgate/internal/scheduler"
)

// SyncResponse reports the outcome of a triggered tick.
type SyncResponse struct {
	scheduler.TickResult
	StartedAt  time.Time `json:"started_at"`
	DurationMs int64     `json:"duration_ms"`
}

// TriggerSync handles POST /internal/sync. The caller is authenticated by
// the trigger middleware. A tick already running elsewhere answers 409.
func (h *Handler) TriggerSync(w http.ResponseWriter, r *http.Request) {
	started := time.Now().UTC()

	result, err := h.sync.Tick(r.Context())
	switch {
	case errors.Is(err, scheduler.ErrTickInProgress):
		WriteConflict(w, "tick_in_progress", "A sync tick is already running")
		return
	case err != nil:
		h.logger.Error("triggered sync tick failed", "error", err)
		WriteInternalError(w, "Sync tick failed")
		return
	}

	WriteSuccess(w, SyncResponse{
		TickResult: result,
		StartedAt:  started,
		DurationMs: time.Since(started).Milliseconds(),
	}, nil)
}
