// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package scheduler

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/olegiv/calgate/internal/calendar"
	"github.com/olegiv/calgate/internal/model"
	"github.com/olegiv/calgate/internal/store"
	"github.com/olegiv/calgate/internal/util"
)

const releaseTimeout = 10 * time.Second

// Sync defaults.
const (
	DefaultWorkers         = 4
	DefaultBatchSize       = 100
	DefaultClaimLease      = 5 * time.Minute
	DefaultSyncInterval    = time.Hour
	minSyncIntervalSeconds = 60
)

// Fetcher retrieves one calendar feed. *calendar.Fetcher implements it.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (*calendar.FetchAttempt, error)
}

// HostBlocker moves a host to blocked. *calendar.Gate implements it.
type HostBlocker interface {
	Block(ctx context.Context, host, reason string) error
}

// PayloadSink receives the body of every successful fetch.
type PayloadSink interface {
	Store(ctx context.Context, source store.CalendarSource, attempt *calendar.FetchAttempt) error
}

// DiscardSink drops payloads.
type DiscardSink struct{}

// Store implements PayloadSink.
func (DiscardSink) Store(context.Context, store.CalendarSource, *calendar.FetchAttempt) error {
	return nil
}

// SyncConfig bounds a tick.
type SyncConfig struct {
	Workers         int
	BatchSize       int
	ClaimLease      time.Duration
	DefaultInterval time.Duration
}

// DefaultSyncConfig returns the default tick limits.
func DefaultSyncConfig() SyncConfig {
	return SyncConfig{
		Workers:         DefaultWorkers,
		BatchSize:       DefaultBatchSize,
		ClaimLease:      DefaultClaimLease,
		DefaultInterval: DefaultSyncInterval,
	}
}

// TickResult summarizes one tick.
type TickResult struct {
	Due       int `json:"due"`
	Claimed   int `json:"claimed"`
	Skipped   int `json:"skipped"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeSucceeded
	outcomeFailed
	// outcomeRefused is a failure recorded without a claim.
	outcomeRefused
)

// Syncer drives due calendar sources through the fetcher. Each source is
// claimed with a compare-and-set before it is fetched, so concurrent ticks
// on any number of instances never fetch the same source twice.
type Syncer struct {
	queries  *store.Queries
	fetcher  Fetcher
	blocker  HostBlocker
	sink     PayloadSink
	logger   *slog.Logger
	cfg      SyncConfig
	now      func() time.Time
	newToken func() string
}

// NewSyncer creates a syncer. A nil sink discards payloads.
func NewSyncer(db *sql.DB, fetcher Fetcher, blocker HostBlocker, sink PayloadSink, cfg SyncConfig, logger *slog.Logger) *Syncer {
	def := DefaultSyncConfig()
	if cfg.Workers <= 0 {
		cfg.Workers = def.Workers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.ClaimLease <= 0 {
		cfg.ClaimLease = def.ClaimLease
	}
	if cfg.DefaultInterval <= 0 {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if sink == nil {
		sink = DiscardSink{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Syncer{
		queries:  store.New(db),
		fetcher:  fetcher,
		blocker:  blocker,
		sink:     sink,
		logger:   logger,
		cfg:      cfg,
		now:      func() time.Time { return time.Now().UTC() },
		newToken: uuid.NewString,
	}
}

// RunTick syncs every due approved source once, at most cfg.Workers at a
// time. A failing source never affects the others; the returned error is
// reserved for failures to list due sources.
func (s *Syncer) RunTick(ctx context.Context) (TickResult, error) {
	now := s.now()
	due, err := s.queries.ListDueCalendarSources(ctx, store.ListDueCalendarSourcesParams{
		Now:         now,
		LeaseCutoff: now.Add(-s.cfg.ClaimLease),
		Limit:       int64(s.cfg.BatchSize),
	})
	if err != nil {
		return TickResult{}, fmt.Errorf("listing due calendar sources: %w", err)
	}

	result := TickResult{Due: len(due)}
	if len(due) == 0 {
		return result, nil
	}

	var skipped, succeeded, failed, refused atomic.Int64
	var g errgroup.Group
	g.SetLimit(s.cfg.Workers)

	for _, src := range due {
		if ctx.Err() != nil {
			skipped.Add(1)
			continue
		}
		g.Go(func() error {
			switch s.syncSource(ctx, src) {
			case outcomeSucceeded:
				succeeded.Add(1)
			case outcomeFailed:
				failed.Add(1)
			case outcomeRefused:
				refused.Add(1)
			default:
				skipped.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	result.Skipped = int(skipped.Load())
	result.Succeeded = int(succeeded.Load())
	result.Claimed = int(succeeded.Load() + failed.Load())
	result.Failed = int(failed.Load() + refused.Load())

	s.logger.Info("calendar sync tick finished",
		"category", model.EventCategorySync,
		"due", result.Due,
		"claimed", result.Claimed,
		"skipped", result.Skipped,
		"succeeded", result.Succeeded,
		"failed", result.Failed)

	return result, nil
}

// syncSource claims, fetches and releases one source.
func (s *Syncer) syncSource(ctx context.Context, src store.CalendarSource) outcome {
	token := s.newToken()
	claimedAt := s.now()

	n, err := s.queries.ClaimCalendarSource(ctx, store.ClaimCalendarSourceParams{
		ClaimToken:  token,
		ClaimedAt:   claimedAt,
		ID:          src.ID,
		LeaseCutoff: claimedAt.Add(-s.cfg.ClaimLease),
	})
	if err != nil {
		s.logger.Error("failed to claim calendar source", "category", model.EventCategorySync, "source_id", src.ID, "error", err)
		return outcomeSkipped
	}
	if n == 0 {
		return s.recordLostClaim(ctx, src, claimedAt)
	}

	attempt, fetchErr := s.fetcher.Fetch(ctx, src.NormalizedUrl)
	if fetchErr == nil {
		if err := s.sink.Store(ctx, src, attempt); err != nil {
			fetchErr = &calendar.Error{Kind: calendar.KindFetchFailed, Host: src.Host, Err: fmt.Errorf("storing payload: %w", err)}
		}
	}
	if fetchErr != nil {
		s.handleFailure(ctx, src, fetchErr)
	}

	s.release(ctx, src, token, attempt, fetchErr)

	if fetchErr != nil {
		return outcomeFailed
	}
	s.logger.Debug("calendar source synced",
		"source_id", src.ID,
		"host", src.Host,
		"bytes", attempt.Bytes,
		"redirects", attempt.Redirects,
		"elapsed", attempt.Elapsed)
	return outcomeSucceeded
}

// recordLostClaim handles a listed source whose claim failed. A source that
// left the approved state during the tick, for example because a sibling on
// the same host was blocked, gets the refusal recorded as its outcome.
// Anything else was claimed or synced elsewhere and is skipped.
func (s *Syncer) recordLostClaim(ctx context.Context, src store.CalendarSource, now time.Time) outcome {
	n, err := s.queries.RecordCalendarSourceRefusal(ctx, store.RecordCalendarSourceRefusalParams{
		Now:         now,
		NextSyncAt:  now.Add(s.interval(src)),
		ID:          src.ID,
		LeaseCutoff: now.Add(-s.cfg.ClaimLease),
	})
	if err != nil {
		s.logger.Error("failed to record calendar source refusal", "category", model.EventCategorySync, "source_id", src.ID, "error", err)
		return outcomeSkipped
	}
	if n == 0 {
		s.logger.Debug("calendar source claimed elsewhere", "source_id", src.ID)
		return outcomeSkipped
	}
	s.logger.Info("calendar source refused by allowlist during tick",
		"category", model.EventCategorySync,
		"source_id", src.ID,
		"host", src.Host)
	return outcomeRefused
}

// handleFailure applies policy consequences of a failed fetch. SSRF
// findings block the offending host; allowlist refusals for the source's
// own host are mirrored onto its sources.
func (s *Syncer) handleFailure(ctx context.Context, src store.CalendarSource, err error) {
	kind := calendar.KindOf(err)
	host := calendar.HostOf(err)
	if host == "" {
		host = src.Host
	}

	logArgs := []any{
		"category", model.EventCategorySync,
		"source_id", src.ID,
		"organization_id", src.OrganizationID,
		"host", host,
		"kind", kind,
		"error", err,
	}
	if kind.IsPolicy() {
		s.logger.Warn("calendar source refused by policy", logArgs...)
	} else {
		s.logger.Warn("calendar source fetch failed", logArgs...)
	}

	switch kind {
	case calendar.KindPrivateIP, calendar.KindLocalhost:
		if s.blocker == nil {
			return
		}
		if blockErr := s.blocker.Block(context.WithoutCancel(ctx), host, string(kind)+" detected during sync"); blockErr != nil {
			s.logger.Error("failed to block calendar host", "category", model.EventCategorySync, "host", host, "error", blockErr)
		}
	case calendar.KindAllowlistPending, calendar.KindAllowlistDenied, calendar.KindAllowlistBlocked:
		if host != src.Host {
			return
		}
		if _, mirrorErr := s.queries.UpdateCalendarSourcesStatusByHost(context.WithoutCancel(ctx), store.UpdateCalendarSourcesStatusByHostParams{
			AllowlistStatus: statusForKind(kind),
			UpdatedAt:       s.now(),
			Host:            host,
		}); mirrorErr != nil {
			s.logger.Error("failed to mirror allowlist status", "category", model.EventCategorySync, "host", host, "error", mirrorErr)
		}
	}
}

// release records the outcome and returns the source to idle. It runs on a
// context detached from cancellation so a cancelled tick still releases.
func (s *Syncer) release(ctx context.Context, src store.CalendarSource, token string, attempt *calendar.FetchAttempt, fetchErr error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()

	finished := s.now()
	params := store.ReleaseCalendarSourceParams{
		LastSyncedAt: finished,
		NextSyncAt:   finished.Add(s.interval(src)),
		ID:           src.ID,
		ClaimToken:   token,
	}
	if attempt != nil {
		params.LastFetchBytes = util.NullInt64FromValue(attempt.Bytes)
	}
	if fetchErr != nil {
		params.LastError = util.NullStringFromValue(string(calendar.KindOf(fetchErr)))
		params.LastErrorMessage = util.NullStringFromValue(fetchErr.Error())
	}

	n, err := s.queries.ReleaseCalendarSource(ctx, params)
	if err != nil {
		s.logger.Error("failed to release calendar source", "category", model.EventCategorySync, "source_id", src.ID, "error", err)
		return
	}
	if n == 0 {
		s.logger.Warn("calendar source claim lost before release", "category", model.EventCategorySync, "source_id", src.ID)
	}
}

func (s *Syncer) interval(src store.CalendarSource) time.Duration {
	if src.SyncIntervalSeconds >= minSyncIntervalSeconds {
		return time.Duration(src.SyncIntervalSeconds) * time.Second
	}
	return s.cfg.DefaultInterval
}

func statusForKind(kind calendar.Kind) string {
	switch kind {
	case calendar.KindAllowlistPending:
		return string(calendar.StatusPending)
	case calendar.KindAllowlistDenied:
		return string(calendar.StatusDenied)
	}
	return string(calendar.StatusBlocked)
}
