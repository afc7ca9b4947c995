// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/olegiv/calgate/internal/calendar"
	"github.com/olegiv/calgate/internal/store"
)

// AllowlistEntryResponse is the API view of an allowlist entry.
type AllowlistEntryResponse struct {
	Host        string     `json:"host"`
	Status      string     `json:"status"`
	Reason      string     `json:"reason,omitempty"`
	FirstSeenAt time.Time  `json:"first_seen_at"`
	ReviewedBy  string     `json:"reviewed_by,omitempty"`
	ReviewedAt  *time.Time `json:"reviewed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// ReviewRequest is the body of POST /api/v1/allowlist/{host}/review.
type ReviewRequest struct {
	Decision string `json:"decision"`
	Reviewer string `json:"reviewer"`
	Note     string `json:"note"`
}

func entryToResponse(e store.AllowlistEntry) AllowlistEntryResponse {
	resp := AllowlistEntryResponse{
		Host:        e.Host,
		Status:      e.Status,
		Reason:      e.Reason,
		FirstSeenAt: e.FirstSeenAt,
		UpdatedAt:   e.UpdatedAt,
	}
	if e.ReviewedBy.Valid {
		resp.ReviewedBy = e.ReviewedBy.String
	}
	if e.ReviewedAt.Valid {
		resp.ReviewedAt = &e.ReviewedAt.Time
	}
	return resp
}

// ListAllowlist handles GET /api/v1/allowlist?status=pending.
func (h *Handler) ListAllowlist(w http.ResponseWriter, r *http.Request) {
	status := calendar.Status(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		WriteValidationError(w, map[string]string{"status": "Status must be pending, approved, blocked or denied"})
		return
	}

	entries, err := h.calendars.ListAllowlist(r.Context(), status)
	if err != nil {
		h.writeServiceError(w, r, err, "list allowlist")
		return
	}

	data := make([]AllowlistEntryResponse, 0, len(entries))
	for _, e := range entries {
		data = append(data, entryToResponse(e))
	}
	WriteSuccess(w, data, &Meta{Total: len(data)})
}

// ReviewHost handles POST /api/v1/allowlist/{host}/review. Blocked hosts
// cannot be reviewed and answer with allowlist_blocked.
func (h *Handler) ReviewHost(w http.ResponseWriter, r *http.Request) {
	var req ReviewRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, "Invalid JSON body", nil)
		return
	}

	entry, err := h.calendars.ReviewHost(r.Context(), chi.URLParam(r, "host"), calendar.Status(req.Decision), req.Reviewer, req.Note)
	if err != nil {
		h.writeServiceError(w, r, err, "review calendar host")
		return
	}

	h.logger.Info("calendar host reviewed",
		"host", entry.Host,
		"decision", entry.Status,
		"reviewer", req.Reviewer)
	WriteSuccess(w, entryToResponse(entry), nil)
}
