// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/olegiv/calgate/internal/model"
)

// Ticker runs one sync tick. *Syncer implements it.
type Ticker interface {
	RunTick(ctx context.Context) (TickResult, error)
}

// EventPruner deletes audit events older than a cutoff. *store.Queries
// implements it.
type EventPruner interface {
	DeleteEventsBefore(ctx context.Context, before time.Time) (int64, error)
}

// Scheduler runs sync ticks under a TickLock, either on a cron schedule or
// on demand from the trigger endpoint.
type Scheduler struct {
	ticker Ticker
	lock   TickLock
	cron   *cron.Cron
	logger *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	lastRun time.Time
	last    TickResult
}

// New creates a scheduler. A nil lock serializes ticks in-process only.
func New(ticker Ticker, lock TickLock, logger *slog.Logger) *Scheduler {
	if lock == nil {
		lock = &LocalLock{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		ticker:  ticker,
		lock:    lock,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		logger:  logger,
		baseCtx: ctx,
		cancel:  cancel,
	}
}

// Tick runs one sync tick if no other tick holds the lock, and returns
// ErrTickInProgress otherwise.
func (s *Scheduler) Tick(ctx context.Context) (TickResult, error) {
	release, err := s.lock.Acquire(ctx)
	if err != nil {
		return TickResult{}, err
	}
	defer release()

	result, err := s.ticker.RunTick(ctx)
	if err != nil {
		return result, err
	}

	s.mu.Lock()
	s.lastRun = time.Now()
	s.last = result
	s.mu.Unlock()
	return result, nil
}

// LastTick returns the time and result of the last completed tick.
func (s *Scheduler) LastTick() (time.Time, TickResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastRun, s.last
}

// Start schedules ticks on the given cron spec. An empty spec leaves the
// in-process schedule disabled; ticks then come only from the trigger.
func (s *Scheduler) Start(spec string) error {
	if spec != "" {
		if _, err := s.cron.AddFunc(spec, s.runScheduledTick); err != nil {
			return err
		}
	}

	s.cron.Start()
	s.logger.Info("scheduler started", "schedule", spec, "jobs", len(s.cron.Entries()))
	return nil
}

// RegisterEventCleanup adds a daily job that deletes audit events older
// than retention.
func (s *Scheduler) RegisterEventCleanup(pruner EventPruner, retention time.Duration) error {
	const cleanupSchedule = "0 3 * * *" // daily at 03:00

	if retention <= 0 {
		return nil
	}
	_, err := s.cron.AddFunc(cleanupSchedule, func() {
		cutoff := time.Now().UTC().Add(-retention)
		n, err := pruner.DeleteEventsBefore(s.baseCtx, cutoff)
		if err != nil {
			s.logger.Error("failed to clean up old events", "error", err)
			return
		}
		s.logger.Info("cleaned up old events", "deleted", n, "older_than", cutoff.Format("2006-01-02"))
	})
	if err != nil {
		return err
	}
	s.logger.Info("event cleanup job registered", "schedule", cleanupSchedule, "retention", retention)
	return nil
}

// Stop cancels a running tick and waits for scheduled jobs to finish.
func (s *Scheduler) Stop() {
	s.cancel()
	ctx := s.cron.Stop()
	<-ctx.Done()
	s.logger.Info("scheduler stopped")
}

func (s *Scheduler) runScheduledTick() {
	_, err := s.Tick(s.baseCtx)
	switch {
	case err == nil:
	case errors.Is(err, ErrTickInProgress):
		s.logger.Debug("skipping scheduled sync tick, another tick holds the lock")
	case errors.Is(err, context.Canceled):
	default:
		s.logger.Error("scheduled sync tick failed", "category", model.EventCategorySync, "error", err)
	}
}
