// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package api provides the JSON HTTP API for calendar sources, the host
// allowlist and the sync trigger.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/olegiv/calgate/internal/calendar"
	"github.com/olegiv/calgate/internal/scheduler"
	"github.com/olegiv/calgate/internal/service"
	"github.com/olegiv/calgate/internal/version"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// SyncTrigger runs sync ticks on demand.
type SyncTrigger interface {
	Tick(ctx context.Context) (scheduler.TickResult, error)
	LastTick() (time.Time, scheduler.TickResult)
}

// Handler holds shared dependencies for all API handlers.
type Handler struct {
	db        *sql.DB
	calendars *service.CalendarService
	sync      SyncTrigger
	version   version.Info
	logger    *slog.Logger
	startTime time.Time
}

// NewHandler creates a new API handler.
func NewHandler(db *sql.DB, calendars *service.CalendarService, sync SyncTrigger, info version.Info, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		db:        db,
		calendars: calendars,
		sync:      sync,
		version:   info,
		logger:    logger,
		startTime: time.Now(),
	}
}

// Response is the standard API response wrapper.
type Response struct {
	Data any   `json:"data,omitempty"`
	Meta *Meta `json:"meta,omitempty"`
}

// Meta contains list metadata.
type Meta struct {
	Total int `json:"total"`
}

// ErrorResponse is the standard API error response.
type ErrorResponse struct {
	Error ErrorDetail `json:"error"`
}

// ErrorDetail contains error information.
type ErrorDetail struct {
	Code    string            `json:"code"`
	Message string            `json:"message"`
	Details map[string]string `json:"details,omitempty"`
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// WriteSuccess writes a successful JSON response.
func WriteSuccess(w http.ResponseWriter, data any, meta *Meta) {
	WriteJSON(w, http.StatusOK, Response{Data: data, Meta: meta})
}

// WriteCreated writes a 201 Created JSON response.
func WriteCreated(w http.ResponseWriter, data any) {
	WriteJSON(w, http.StatusCreated, Response{Data: data})
}

// WriteError writes an error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, code, message string, details map[string]string) {
	WriteJSON(w, statusCode, ErrorResponse{
		Error: ErrorDetail{
			Code:    code,
			Message: message,
			Details: details,
		},
	})
}

// WriteBadRequest writes a 400 Bad Request response.
func WriteBadRequest(w http.ResponseWriter, message string, details map[string]string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message, details)
}

// WriteNotFound writes a 404 Not Found response.
func WriteNotFound(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusNotFound, "not_found", message, nil)
}

// WriteConflict writes a 409 Conflict response.
func WriteConflict(w http.ResponseWriter, code, message string) {
	WriteError(w, http.StatusConflict, code, message, nil)
}

// WriteInternalError writes a 500 Internal Server Error response.
func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message, nil)
}

// WriteValidationError writes a 422 Unprocessable Entity response with field errors.
func WriteValidationError(w http.ResponseWriter, fieldErrors map[string]string) {
	WriteError(w, http.StatusUnprocessableEntity, "validation_error", "Validation failed", fieldErrors)
}

// kindMessages are the client-facing explanations of each failure kind.
var kindMessages = map[calendar.Kind]string{
	calendar.KindInvalidURL:       "The calendar URL is not a valid http(s) or webcal URL",
	calendar.KindInvalidPort:      "The calendar URL uses a port that is not allowed",
	calendar.KindPrivateIP:        "The calendar host resolves to a private or reserved address",
	calendar.KindLocalhost:        "The calendar host refers to this machine",
	calendar.KindAllowlistPending: "The calendar host is awaiting review",
	calendar.KindAllowlistBlocked: "The calendar host is blocked",
	calendar.KindAllowlistDenied:  "The calendar host was denied by a reviewer",
	calendar.KindTooManyRedirects: "The calendar feed redirected too many times",
	calendar.KindResponseTooLarge: "The calendar feed is too large",
	calendar.KindFetchFailed:      "The calendar feed could not be fetched",
}

// writeGateError writes a 422 carrying the failure kind as its code. Only
// the host is disclosed, never the URL.
func writeGateError(w http.ResponseWriter, err error) {
	kind := calendar.KindOf(err)
	var details map[string]string
	if host := calendar.HostOf(err); host != "" {
		details = map[string]string{"host": host}
	}
	WriteError(w, http.StatusUnprocessableEntity, string(kind), kindMessages[kind], details)
}

// writeServiceError maps service and gate errors onto HTTP responses.
// Unknown errors are storage failures and are logged, not echoed.
func (h *Handler) writeServiceError(w http.ResponseWriter, r *http.Request, err error, what string) {
	var gateErr *calendar.Error
	switch {
	case errors.As(err, &gateErr):
		writeGateError(w, err)
	case errors.Is(err, service.ErrOrganizationRequired):
		WriteBadRequest(w, "Organization ID is required", nil)
	case errors.Is(err, service.ErrSourceNotFound):
		WriteNotFound(w, "Calendar source not found")
	case errors.Is(err, service.ErrSourceExists):
		WriteConflict(w, "source_exists", "Calendar source is already registered for this organization")
	case errors.Is(err, calendar.ErrEntryNotFound):
		WriteNotFound(w, "Allowlist entry not found")
	case errors.Is(err, calendar.ErrInvalidDecision):
		WriteValidationError(w, map[string]string{"decision": "Decision must be approved or denied"})
	default:
		h.logger.Error("api request failed", "op", what, "path", r.URL.Path, "error", err)
		WriteInternalError(w, "Failed to "+what)
	}
}

// decodeJSON decodes a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// StatusResponse contains API status information.
type StatusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
}

// Status returns the API status.
func (h *Handler) Status(w http.ResponseWriter, _ *http.Request) {
	WriteSuccess(w, StatusResponse{
		Status:  "ok",
		Version: "v1",
	}, nil)
}
