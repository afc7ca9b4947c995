// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/olegiv/calgate/internal/store"
)

// SourceResponse is the API view of a calendar source. The stored URL is
// never returned; clients only see its masked display form.
type SourceResponse struct {
	ID                  string     `json:"id"`
	OrganizationID      string     `json:"organization_id"`
	DisplayURL          string     `json:"display_url"`
	Host                string     `json:"host"`
	AllowlistStatus     string     `json:"allowlist_status"`
	SyncState           string     `json:"sync_state"`
	SyncIntervalSeconds int64      `json:"sync_interval_seconds"`
	NextSyncAt          *time.Time `json:"next_sync_at,omitempty"`
	LastSyncedAt        *time.Time `json:"last_synced_at,omitempty"`
	LastError           string     `json:"last_error,omitempty"`
	LastFetchBytes      *int64     `json:"last_fetch_bytes,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// CreateSourceRequest is the body of POST /api/v1/orgs/{orgID}/sources.
type CreateSourceRequest struct {
	URL string `json:"url"`
}

func (h *Handler) sourceToResponse(src store.CalendarSource) SourceResponse {
	resp := SourceResponse{
		ID:                  src.ID,
		OrganizationID:      src.OrganizationID,
		DisplayURL:          h.calendars.DisplayURL(src),
		Host:                src.Host,
		AllowlistStatus:     src.AllowlistStatus,
		SyncState:           src.SyncState,
		SyncIntervalSeconds: src.SyncIntervalSeconds,
		CreatedAt:           src.CreatedAt,
		UpdatedAt:           src.UpdatedAt,
	}
	if src.NextSyncAt.Valid {
		resp.NextSyncAt = &src.NextSyncAt.Time
	}
	if src.LastSyncedAt.Valid {
		resp.LastSyncedAt = &src.LastSyncedAt.Time
	}
	// Only the kind is exposed; transport messages can echo the URL.
	if src.LastError.Valid {
		resp.LastError = src.LastError.String
	}
	if src.LastFetchBytes.Valid {
		resp.LastFetchBytes = &src.LastFetchBytes.Int64
	}
	return resp
}

// ListSources handles GET /api/v1/orgs/{orgID}/sources.
func (h *Handler) ListSources(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	sources, err := h.calendars.ListSources(r.Context(), orgID)
	if err != nil {
		h.writeServiceError(w, r, err, "list calendar sources")
		return
	}

	data := make([]SourceResponse, 0, len(sources))
	for _, src := range sources {
		data = append(data, h.sourceToResponse(src))
	}
	WriteSuccess(w, data, &Meta{Total: len(data)})
}

// CreateSource handles POST /api/v1/orgs/{orgID}/sources.
// A host awaiting review still yields 201; the body's allowlist_status is
// then "pending" and the source is not synced until a reviewer approves it.
func (h *Handler) CreateSource(w http.ResponseWriter, r *http.Request) {
	orgID := chi.URLParam(r, "orgID")

	var req CreateSourceRequest
	if err := decodeJSON(w, r, &req); err != nil {
		WriteBadRequest(w, "Invalid JSON body", nil)
		return
	}
	if strings.TrimSpace(req.URL) == "" {
		WriteValidationError(w, map[string]string{"url": "URL is required"})
		return
	}

	src, err := h.calendars.RegisterSource(r.Context(), orgID, req.URL)
	if err != nil {
		h.writeServiceError(w, r, err, "register calendar source")
		return
	}

	WriteCreated(w, h.sourceToResponse(src))
}

// GetSource handles GET /api/v1/orgs/{orgID}/sources/{id}.
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	src, err := h.calendars.GetSource(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id"))
	if err != nil {
		h.writeServiceError(w, r, err, "retrieve calendar source")
		return
	}
	WriteSuccess(w, h.sourceToResponse(src), nil)
}

// DeleteSource handles DELETE /api/v1/orgs/{orgID}/sources/{id}.
func (h *Handler) DeleteSource(w http.ResponseWriter, r *http.Request) {
	if err := h.calendars.DeleteSource(r.Context(), chi.URLParam(r, "orgID"), chi.URLParam(r, "id")); err != nil {
		h.writeServiceError(w, r, err, "delete calendar source")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
