// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package calendar

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/olegiv/calgate/internal/model"
	"github.com/olegiv/calgate/internal/store"
	"github.com/olegiv/calgate/internal/util"
)

// Status is the allowlist state of a host.
type Status string

// Allowlist states. pending is the only state awaiting a reviewer; blocked
// is set by automated policy and is terminal.
const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusBlocked  Status = "blocked"
	StatusDenied   Status = "denied"
)

// Valid reports whether s is one of the known states.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusApproved, StatusBlocked, StatusDenied:
		return true
	}
	return false
}

// Allowlist review errors. These belong to the reviewer surface, not to the
// fetch taxonomy.
var (
	ErrEntryNotFound   = errors.New("allowlist entry not found")
	ErrInvalidDecision = errors.New("decision must be approved or denied")
)

// AllowlistRepository is the shared allowlist table as seen by Evaluate.
// *store.Queries implements it.
type AllowlistRepository interface {
	CreateAllowlistEntry(ctx context.Context, arg store.CreateAllowlistEntryParams) (int64, error)
	GetAllowlistEntry(ctx context.Context, host string) (store.AllowlistEntry, error)
}

// Gate decides whether a host may be fetched and records unknown hosts for
// human review. Entries live only in the shared table and are read on every
// evaluation.
type Gate struct {
	db     *sql.DB
	repo   AllowlistRepository
	logger *slog.Logger
	now    func() time.Time
}

// NewGate creates an allowlist gate over the shared allowlist table.
func NewGate(db *sql.DB, logger *slog.Logger) *Gate {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gate{
		db:     db,
		repo:   store.New(db),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Evaluate returns nil when host is approved. An unknown host is queued as
// pending and refused with allowlist_pending; concurrent first sightings
// of the same host create exactly one entry.
func (g *Gate) Evaluate(ctx context.Context, host string) error {
	if host == "" {
		return newError(KindInvalidURL, "", "host is required")
	}

	entry, err := g.repo.GetAllowlistEntry(ctx, host)
	if errors.Is(err, sql.ErrNoRows) {
		created, createErr := g.repo.CreateAllowlistEntry(ctx, store.CreateAllowlistEntryParams{
			Host:        host,
			FirstSeenAt: g.now(),
		})
		if createErr != nil {
			return fmt.Errorf("creating allowlist entry for %q: %w", host, createErr)
		}
		if created > 0 {
			g.logger.Info("new calendar host queued for review", "category", model.EventCategoryAllowlist, "host", host)
		}
		// Another evaluation may have won the insert; the stored row is authoritative.
		entry, err = g.repo.GetAllowlistEntry(ctx, host)
	}
	if err != nil {
		return fmt.Errorf("reading allowlist entry for %q: %w", host, err)
	}

	return statusError(Status(entry.Status), host)
}

// statusError maps an entry state to the gate result.
func statusError(status Status, host string) error {
	switch status {
	case StatusApproved:
		return nil
	case StatusPending:
		return newError(KindAllowlistPending, host, "host is awaiting review")
	case StatusBlocked:
		return newError(KindAllowlistBlocked, host, "host is blocked by policy")
	case StatusDenied:
		return newError(KindAllowlistDenied, host, "host was rejected by a reviewer")
	}
	return newError(KindAllowlistBlocked, host, "unknown allowlist status %q", status)
}

// ReviewParams describes a reviewer decision.
type ReviewParams struct {
	Host     string
	Decision Status
	Reviewer string
	Note     string
}

// Review applies a reviewer decision (approved or denied) to a host and
// mirrors it onto every source on that host. Blocked hosts are immune and
// fail with allowlist_blocked.
func (g *Gate) Review(ctx context.Context, p ReviewParams) (store.AllowlistEntry, error) {
	if p.Decision != StatusApproved && p.Decision != StatusDenied {
		return store.AllowlistEntry{}, ErrInvalidDecision
	}
	now := g.now()

	err := store.InTx(ctx, g.db, func(q *store.Queries) error {
		n, err := q.ReviewAllowlistEntry(ctx, store.ReviewAllowlistEntryParams{
			Status:     string(p.Decision),
			Reason:     p.Note,
			ReviewedBy: util.NullStringFromValue(p.Reviewer),
			ReviewedAt: util.NullTimeFromValue(now),
			Host:       p.Host,
		})
		if err != nil {
			return fmt.Errorf("updating allowlist entry: %w", err)
		}
		if n == 0 {
			entry, err := q.GetAllowlistEntry(ctx, p.Host)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrEntryNotFound
			}
			if err != nil {
				return fmt.Errorf("reading allowlist entry: %w", err)
			}
			return statusError(Status(entry.Status), p.Host)
		}
		if _, err := q.UpdateCalendarSourcesStatusByHost(ctx, store.UpdateCalendarSourcesStatusByHostParams{
			AllowlistStatus: string(p.Decision),
			UpdatedAt:       now,
			Host:            p.Host,
		}); err != nil {
			return fmt.Errorf("updating calendar sources: %w", err)
		}
		return recordEvent(ctx, q, now, model.EventLevelInfo, "Calendar host "+string(p.Decision)+" by reviewer", map[string]string{
			"host":     p.Host,
			"reviewer": p.Reviewer,
			"note":     p.Note,
		})
	})
	if err != nil {
		return store.AllowlistEntry{}, err
	}

	g.logger.Info("calendar host reviewed",
		"category", model.EventCategoryAllowlist,
		"host", p.Host,
		"decision", p.Decision,
		"reviewer", p.Reviewer)

	return g.repo.GetAllowlistEntry(ctx, p.Host)
}

// Block moves host to blocked regardless of its current state and marks
// every source on it blocked. Only automated policy calls this.
func (g *Gate) Block(ctx context.Context, host, reason string) error {
	if host == "" {
		return newError(KindInvalidURL, "", "host is required")
	}
	now := g.now()

	err := store.InTx(ctx, g.db, func(q *store.Queries) error {
		if err := q.BlockAllowlistEntry(ctx, store.BlockAllowlistEntryParams{
			Host:   host,
			Reason: reason,
			Now:    now,
		}); err != nil {
			return fmt.Errorf("blocking allowlist entry: %w", err)
		}
		if _, err := q.UpdateCalendarSourcesStatusByHost(ctx, store.UpdateCalendarSourcesStatusByHostParams{
			AllowlistStatus: string(StatusBlocked),
			UpdatedAt:       now,
			Host:            host,
		}); err != nil {
			return fmt.Errorf("updating calendar sources: %w", err)
		}
		return recordEvent(ctx, q, now, model.EventLevelWarning, "Calendar host blocked by policy", map[string]string{
			"host":   host,
			"reason": reason,
		})
	})
	if err != nil {
		return err
	}

	g.logger.Info("calendar host blocked", "category", model.EventCategoryAllowlist, "host", host, "reason", reason)
	return nil
}

// Entry returns the allowlist entry for host.
func (g *Gate) Entry(ctx context.Context, host string) (store.AllowlistEntry, error) {
	entry, err := g.repo.GetAllowlistEntry(ctx, host)
	if errors.Is(err, sql.ErrNoRows) {
		return store.AllowlistEntry{}, ErrEntryNotFound
	}
	return entry, err
}

// List returns allowlist entries, optionally filtered by status.
func (g *Gate) List(ctx context.Context, status Status) ([]store.AllowlistEntry, error) {
	q := store.New(g.db)
	if status == "" {
		return q.ListAllowlistEntries(ctx)
	}
	return q.ListAllowlistEntriesByStatus(ctx, string(status))
}

func recordEvent(ctx context.Context, q *store.Queries, now time.Time, level, message string, metadata map[string]string) error {
	meta, _ := json.Marshal(metadata)
	if _, err := q.CreateEvent(ctx, store.CreateEventParams{
		Level:     level,
		Category:  model.EventCategoryAllowlist,
		Message:   message,
		Metadata:  string(meta),
		CreatedAt: now,
	}); err != nil {
		return fmt.Errorf("recording allowlist event: %w", err)
	}
	return nil
}
