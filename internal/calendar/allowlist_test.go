// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package calendar

import (
	"database/sql"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/olegiv/calgate/internal/store"
	"github.com/olegiv/calgate/internal/testutil"
)

func newTestGate(t *testing.T) (*Gate, *sql.DB) {
	t.Helper()
	db := testutil.TestDB(t)
	return NewGate(db, testutil.TestLoggerSilent()), db
}

func countEntries(t *testing.T, db *sql.DB, host string) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM allowlist_entries WHERE host = ?`, host).Scan(&n))
	return n
}

func TestGateEvaluate_FirstSightingQueuesPending(t *testing.T) {
	gate, db := newTestGate(t)
	ctx := t.Context()

	err := gate.Evaluate(ctx, "new-feed.example.com")
	require.ErrorIs(t, err, ErrAllowlistPending)

	entry, err := gate.Entry(ctx, "new-feed.example.com")
	require.NoError(t, err)
	assert.Equal(t, string(StatusPending), entry.Status)
	assert.False(t, entry.FirstSeenAt.IsZero())
	assert.Equal(t, 1, countEntries(t, db, "new-feed.example.com"))

	// A second evaluation is still pending and does not add a row.
	require.ErrorIs(t, gate.Evaluate(ctx, "new-feed.example.com"), ErrAllowlistPending)
	assert.Equal(t, 1, countEntries(t, db, "new-feed.example.com"))
}

func TestGateEvaluate_ConcurrentFirstSighting(t *testing.T) {
	gate, db := newTestGate(t)
	ctx := t.Context()

	const workers = 16
	var wg sync.WaitGroup
	errs := make([]error, workers)
	for i := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = gate.Evaluate(ctx, "new-feed.example.com")
		}()
	}
	wg.Wait()

	for i, err := range errs {
		assert.ErrorIs(t, err, ErrAllowlistPending, "worker %d", i)
	}
	assert.Equal(t, 1, countEntries(t, db, "new-feed.example.com"))
}

func TestGateEvaluate_States(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := t.Context()

	require.ErrorIs(t, gate.Evaluate(ctx, "ok.example.com"), ErrAllowlistPending)
	_, err := gate.Review(ctx, ReviewParams{Host: "ok.example.com", Decision: StatusApproved, Reviewer: "alice"})
	require.NoError(t, err)
	assert.NoError(t, gate.Evaluate(ctx, "ok.example.com"))

	require.ErrorIs(t, gate.Evaluate(ctx, "no.example.com"), ErrAllowlistPending)
	_, err = gate.Review(ctx, ReviewParams{Host: "no.example.com", Decision: StatusDenied, Reviewer: "alice"})
	require.NoError(t, err)
	assert.ErrorIs(t, gate.Evaluate(ctx, "no.example.com"), ErrAllowlistDenied)

	require.NoError(t, gate.Block(ctx, "bad.example.com", "resolves to private address"))
	assert.ErrorIs(t, gate.Evaluate(ctx, "bad.example.com"), ErrAllowlistBlocked)

	assert.ErrorIs(t, gate.Evaluate(ctx, ""), ErrInvalidURL)
}

func TestGateReview(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := t.Context()

	require.ErrorIs(t, gate.Evaluate(ctx, "cal.example.com"), ErrAllowlistPending)

	entry, err := gate.Review(ctx, ReviewParams{
		Host:     "cal.example.com",
		Decision: StatusDenied,
		Reviewer: "alice",
		Note:     "unknown provider",
	})
	require.NoError(t, err)
	assert.Equal(t, string(StatusDenied), entry.Status)
	assert.Equal(t, "alice", entry.ReviewedBy.String)
	assert.True(t, entry.ReviewedAt.Valid)
	assert.Equal(t, "unknown provider", entry.Reason)

	// Denied is reversible by a later review.
	entry, err = gate.Review(ctx, ReviewParams{Host: "cal.example.com", Decision: StatusApproved, Reviewer: "bob"})
	require.NoError(t, err)
	assert.Equal(t, string(StatusApproved), entry.Status)
	assert.Equal(t, "bob", entry.ReviewedBy.String)
}

func TestGateReview_Errors(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := t.Context()

	_, err := gate.Review(ctx, ReviewParams{Host: "unknown.example.com", Decision: StatusApproved})
	assert.ErrorIs(t, err, ErrEntryNotFound)

	_, err = gate.Review(ctx, ReviewParams{Host: "unknown.example.com", Decision: StatusBlocked})
	assert.ErrorIs(t, err, ErrInvalidDecision)

	_, err = gate.Review(ctx, ReviewParams{Host: "unknown.example.com", Decision: StatusPending})
	assert.ErrorIs(t, err, ErrInvalidDecision)
}

func TestGateBlock_WinsOverApproval(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := t.Context()

	require.ErrorIs(t, gate.Evaluate(ctx, "cal.example.com"), ErrAllowlistPending)
	_, err := gate.Review(ctx, ReviewParams{Host: "cal.example.com", Decision: StatusApproved, Reviewer: "alice"})
	require.NoError(t, err)

	require.NoError(t, gate.Block(ctx, "cal.example.com", "now resolves to 10.0.0.5"))
	assert.ErrorIs(t, gate.Evaluate(ctx, "cal.example.com"), ErrAllowlistBlocked)

	// A reviewer cannot approve a blocked host.
	_, err = gate.Review(ctx, ReviewParams{Host: "cal.example.com", Decision: StatusApproved, Reviewer: "alice"})
	assert.ErrorIs(t, err, ErrAllowlistBlocked)

	entry, err := gate.Entry(ctx, "cal.example.com")
	require.NoError(t, err)
	assert.Equal(t, string(StatusBlocked), entry.Status)
	assert.Equal(t, "now resolves to 10.0.0.5", entry.Reason)
}

func TestGateReview_MirrorsSourceStatus(t *testing.T) {
	gate, db := newTestGate(t)
	ctx := t.Context()
	q := store.New(db)

	require.ErrorIs(t, gate.Evaluate(ctx, "cal.example.com"), ErrAllowlistPending)
	_, err := q.CreateCalendarSource(ctx, store.CreateCalendarSourceParams{
		ID:                  "src-1",
		OrganizationID:      "org-1",
		RawUrl:              "webcal://cal.example.com/a.ics",
		NormalizedUrl:       "https://cal.example.com/a.ics",
		Host:                "cal.example.com",
		AllowlistStatus:     string(StatusPending),
		SyncIntervalSeconds: 3600,
		CreatedAt:           gate.now(),
	})
	require.NoError(t, err)

	_, err = gate.Review(ctx, ReviewParams{Host: "cal.example.com", Decision: StatusApproved, Reviewer: "alice"})
	require.NoError(t, err)
	src, err := q.GetCalendarSource(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusApproved), src.AllowlistStatus)

	require.NoError(t, gate.Block(ctx, "cal.example.com", "policy"))
	src, err = q.GetCalendarSource(ctx, "src-1")
	require.NoError(t, err)
	assert.Equal(t, string(StatusBlocked), src.AllowlistStatus)
}

func TestGate_RecordsAuditEvents(t *testing.T) {
	gate, db := newTestGate(t)
	ctx := t.Context()

	require.ErrorIs(t, gate.Evaluate(ctx, "cal.example.com"), ErrAllowlistPending)
	_, err := gate.Review(ctx, ReviewParams{Host: "cal.example.com", Decision: StatusApproved, Reviewer: "alice"})
	require.NoError(t, err)
	require.NoError(t, gate.Block(ctx, "evil.example.com", "private address"))

	events, err := store.New(db).ListRecentEvents(ctx, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, "allowlist", e.Category)
	}
}

func TestGateList(t *testing.T) {
	gate, _ := newTestGate(t)
	ctx := t.Context()

	for _, h := range []string{"a.example.com", "b.example.com"} {
		require.ErrorIs(t, gate.Evaluate(ctx, h), ErrAllowlistPending)
	}
	require.NoError(t, gate.Block(ctx, "c.example.com", "policy"))

	pending, err := gate.List(ctx, StatusPending)
	require.NoError(t, err)
	assert.Len(t, pending, 2)

	all, err := gate.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)

	_, err = gate.Entry(ctx, "missing.example.com")
	assert.True(t, errors.Is(err, ErrEntryNotFound))
}
