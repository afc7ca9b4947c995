// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package service

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"

	"github.com/olegiv/calgate/internal/calendar"
	"github.com/olegiv/calgate/internal/model"
	"github.com/olegiv/calgate/internal/store"
)

// Source workflow errors outside the calendar error taxonomy.
var (
	ErrOrganizationRequired = errors.New("organization id is required")
	ErrSourceNotFound       = errors.New("calendar source not found")
	ErrSourceExists         = errors.New("calendar source already registered")
)

// reviewSanitizer strips all markup from reviewer-supplied text, which the
// review UI renders.
var reviewSanitizer = bluemonday.StrictPolicy()

// URLChecker validates a normalized URL against the SSRF policy.
// *calendar.Guard implements it.
type URLChecker interface {
	Check(ctx context.Context, rawURL string) (calendar.Target, error)
}

// CalendarService registers organization calendar sources and exposes the
// allowlist review workflow.
type CalendarService struct {
	queries         *store.Queries
	guard           URLChecker
	gate            *calendar.Gate
	events          *EventService
	logger          *slog.Logger
	defaultInterval time.Duration
	now             func() time.Time
	newID           func() string
}

// NewCalendarService creates a CalendarService. defaultInterval is the sync
// interval given to new sources.
func NewCalendarService(db *sql.DB, guard URLChecker, gate *calendar.Gate, defaultInterval time.Duration, logger *slog.Logger) *CalendarService {
	if logger == nil {
		logger = slog.Default()
	}
	if defaultInterval <= 0 {
		defaultInterval = time.Hour
	}
	return &CalendarService{
		queries:         store.New(db),
		guard:           guard,
		gate:            gate,
		events:          NewEventService(db),
		logger:          logger,
		defaultInterval: defaultInterval,
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
}

// RegisterSource validates rawURL for orgID and stores it. A host awaiting
// review still stores the source as pending; the returned error is then nil
// and the source's AllowlistStatus says so. SSRF findings block the host.
// Denied and blocked hosts are refused with their allowlist kind.
func (s *CalendarService) RegisterSource(ctx context.Context, orgID, rawURL string) (store.CalendarSource, error) {
	orgID = strings.TrimSpace(orgID)
	if orgID == "" {
		return store.CalendarSource{}, ErrOrganizationRequired
	}

	normalized, err := calendar.NormalizeURL(rawURL)
	if err != nil {
		return store.CalendarSource{}, err
	}

	target, err := s.guard.Check(ctx, normalized)
	if err != nil {
		s.refuse(ctx, orgID, err)
		return store.CalendarSource{}, err
	}

	status := calendar.StatusApproved
	if err := s.gate.Evaluate(ctx, target.Host); err != nil {
		if !errors.Is(err, calendar.ErrAllowlistPending) {
			s.refuse(ctx, orgID, err)
			return store.CalendarSource{}, err
		}
		status = calendar.StatusPending
	}

	if _, err := s.queries.GetCalendarSourceByURL(ctx, store.GetCalendarSourceByURLParams{
		OrganizationID: orgID,
		NormalizedUrl:  normalized,
	}); err == nil {
		return store.CalendarSource{}, ErrSourceExists
	} else if !errors.Is(err, sql.ErrNoRows) {
		return store.CalendarSource{}, fmt.Errorf("checking existing source: %w", err)
	}

	src, err := s.queries.CreateCalendarSource(ctx, store.CreateCalendarSourceParams{
		ID:                  s.newID(),
		OrganizationID:      orgID,
		RawUrl:              strings.TrimSpace(rawURL),
		NormalizedUrl:       normalized,
		Host:                target.Host,
		AllowlistStatus:     string(status),
		SyncIntervalSeconds: int64(s.defaultInterval / time.Second),
		CreatedAt:           s.now(),
	})
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return store.CalendarSource{}, ErrSourceExists
		}
		return store.CalendarSource{}, fmt.Errorf("creating calendar source: %w", err)
	}

	s.logger.Info("calendar source registered",
		"category", model.EventCategorySource,
		"source_id", src.ID,
		"organization_id", orgID,
		"host", src.Host,
		"allowlist_status", src.AllowlistStatus)
	if err := s.events.LogSourceEvent(ctx, model.EventLevelInfo, "Calendar source registered", map[string]any{
		"source_id":        src.ID,
		"organization_id":  orgID,
		"host":             src.Host,
		"display_url":      s.DisplayURL(src),
		"allowlist_status": src.AllowlistStatus,
	}); err != nil {
		s.logger.Warn("failed to record source event", "error", err)
	}

	return src, nil
}

// refuse logs a registration refusal and blocks hosts caught by the SSRF
// guard.
func (s *CalendarService) refuse(ctx context.Context, orgID string, err error) {
	kind := calendar.KindOf(err)
	host := calendar.HostOf(err)

	s.logger.Info("calendar source refused",
		"category", model.EventCategorySource,
		"organization_id", orgID,
		"host", host,
		"kind", kind)

	meta := map[string]any{
		"organization_id": orgID,
		"host":            host,
		"kind":            string(kind),
	}
	logEvent := s.events.LogInfo
	if kind.IsSSRF() {
		logEvent = s.events.LogWarning
	}
	if err := logEvent(ctx, model.EventCategorySource, "Calendar source refused", meta); err != nil {
		s.logger.Warn("failed to record source event", "error", err)
	}

	if !kind.IsSSRF() || host == "" {
		return
	}
	if blockErr := s.gate.Block(ctx, host, string(kind)+" detected at registration"); blockErr != nil {
		s.logger.Error("failed to block calendar host", "host", host, "error", blockErr)
	}
}

// DisplayURL returns the masked form of the source URL.
func (s *CalendarService) DisplayURL(src store.CalendarSource) string {
	return calendar.MaskURL(src.NormalizedUrl)
}

// ListSources returns the sources of one organization.
func (s *CalendarService) ListSources(ctx context.Context, orgID string) ([]store.CalendarSource, error) {
	sources, err := s.queries.ListCalendarSourcesByOrg(ctx, orgID)
	if err != nil {
		return nil, fmt.Errorf("listing calendar sources: %w", err)
	}
	return sources, nil
}

// GetSource returns one source of orgID.
func (s *CalendarService) GetSource(ctx context.Context, orgID, id string) (store.CalendarSource, error) {
	src, err := s.queries.GetCalendarSourceForOrg(ctx, store.GetCalendarSourceForOrgParams{
		ID:             id,
		OrganizationID: orgID,
	})
	if errors.Is(err, sql.ErrNoRows) {
		return store.CalendarSource{}, ErrSourceNotFound
	}
	if err != nil {
		return store.CalendarSource{}, fmt.Errorf("reading calendar source: %w", err)
	}
	return src, nil
}

// DeleteSource removes one source of orgID. The host's allowlist entry is
// kept; it is shared with other organizations.
func (s *CalendarService) DeleteSource(ctx context.Context, orgID, id string) error {
	n, err := s.queries.DeleteCalendarSource(ctx, store.DeleteCalendarSourceParams{
		ID:             id,
		OrganizationID: orgID,
	})
	if err != nil {
		return fmt.Errorf("deleting calendar source: %w", err)
	}
	if n == 0 {
		return ErrSourceNotFound
	}

	if err := s.events.LogSourceEvent(ctx, model.EventLevelInfo, "Calendar source deleted", map[string]any{
		"source_id":       id,
		"organization_id": orgID,
	}); err != nil {
		s.logger.Warn("failed to record source event", "error", err)
	}
	return nil
}

// ReviewHost applies a reviewer decision to a host.
func (s *CalendarService) ReviewHost(ctx context.Context, host string, decision calendar.Status, reviewer, note string) (store.AllowlistEntry, error) {
	return s.gate.Review(ctx, calendar.ReviewParams{
		Host:     strings.ToLower(strings.TrimSpace(host)),
		Decision: decision,
		Reviewer: strings.TrimSpace(reviewSanitizer.Sanitize(reviewer)),
		Note:     strings.TrimSpace(reviewSanitizer.Sanitize(note)),
	})
}

// ListAllowlist returns allowlist entries, optionally filtered by status.
func (s *CalendarService) ListAllowlist(ctx context.Context, status calendar.Status) ([]store.AllowlistEntry, error) {
	entries, err := s.gate.List(ctx, status)
	if err != nil {
		return nil, fmt.Errorf("listing allowlist: %w", err)
	}
	return entries, nil
}

// RecentEvents returns the latest audit events.
func (s *CalendarService) RecentEvents(ctx context.Context, limit int) ([]store.Event, error) {
	return s.events.ListRecent(ctx, limit)
}
