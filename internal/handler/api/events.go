// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// EventResponse is the API view of an audit event.
type EventResponse struct {
	ID        int64           `json:"id"`
	Level     string          `json:"level"`
	Category  string          `json:"category"`
	Message   string          `json:"message"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ListEvents handles GET /api/v1/events?limit=50.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			WriteValidationError(w, map[string]string{"limit": "Limit must be a positive integer"})
			return
		}
		limit = n
	}

	events, err := h.calendars.RecentEvents(r.Context(), limit)
	if err != nil {
		h.writeServiceError(w, r, err, "list events")
		return
	}

	data := make([]EventResponse, 0, len(events))
	for _, e := range events {
		resp := EventResponse{
			ID:        e.ID,
			Level:     e.Level,
			Category:  e.Category,
			Message:   e.Message,
			CreatedAt: e.CreatedAt,
		}
		if json.Valid([]byte(e.Metadata)) {
			resp.Metadata = json.RawMessage(e.Metadata)
		}
		data = append(data, resp)
	}
	WriteSuccess(w, data, &Meta{Total: len(data)})
}
