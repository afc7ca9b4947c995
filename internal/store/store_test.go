// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

// testDB creates a temporary test database with migrations applied.
func testDB(t *testing.T) *sql.DB {
	t.Helper()

	db, err := NewDB(filepath.Join(t.TempDir(), "store-test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if err := Migrate(db); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return db
}

var testNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func createSource(t *testing.T, q *Queries, id, org, host, status string) CalendarSource {
	t.Helper()
	src, err := q.CreateCalendarSource(context.Background(), CreateCalendarSourceParams{
		ID:                  id,
		OrganizationID:      org,
		RawUrl:              "https://" + host + "/" + id + ".ics",
		NormalizedUrl:       "https://" + host + "/" + id + ".ics",
		Host:                host,
		AllowlistStatus:     status,
		SyncIntervalSeconds: 3600,
		CreatedAt:           testNow,
	})
	if err != nil {
		t.Fatalf("CreateCalendarSource(%s): %v", id, err)
	}
	return src
}

func TestMigrate_Idempotent(t *testing.T) {
	db := testDB(t)
	if err := Migrate(db); err != nil {
		t.Fatalf("second Migrate: %v", err)
	}
}

func TestCreateCalendarSource(t *testing.T) {
	q := New(testDB(t))
	src := createSource(t, q, "src-1", "org-1", "cal.example.com", "approved")

	if src.SyncState != SyncStateIdle {
		t.Errorf("SyncState = %q, want %q", src.SyncState, SyncStateIdle)
	}
	if src.NextSyncAt.Valid {
		t.Errorf("NextSyncAt = %v, want NULL for a new source", src.NextSyncAt.Time)
	}
	if !src.CreatedAt.Equal(testNow) {
		t.Errorf("CreatedAt = %v, want %v", src.CreatedAt, testNow)
	}

	_, err := q.CreateCalendarSource(context.Background(), CreateCalendarSourceParams{
		ID:              "src-2",
		OrganizationID:  "org-1",
		RawUrl:          src.RawUrl,
		NormalizedUrl:   src.NormalizedUrl,
		Host:            src.Host,
		AllowlistStatus: "approved",
		CreatedAt:       testNow,
	})
	if err == nil {
		t.Fatal("expected unique constraint error for same org and URL")
	}
}

func TestCreateAllowlistEntry_ConflictIsNoop(t *testing.T) {
	q := New(testDB(t))
	ctx := context.Background()

	n, err := q.CreateAllowlistEntry(ctx, CreateAllowlistEntryParams{Host: "cal.example.com", FirstSeenAt: testNow})
	if err != nil || n != 1 {
		t.Fatalf("first CreateAllowlistEntry = %d, %v; want 1, nil", n, err)
	}
	n, err = q.CreateAllowlistEntry(ctx, CreateAllowlistEntryParams{Host: "cal.example.com", FirstSeenAt: testNow.Add(time.Hour)})
	if err != nil || n != 0 {
		t.Fatalf("second CreateAllowlistEntry = %d, %v; want 0, nil", n, err)
	}

	entry, err := q.GetAllowlistEntry(ctx, "cal.example.com")
	if err != nil {
		t.Fatalf("GetAllowlistEntry: %v", err)
	}
	if entry.Status != "pending" {
		t.Errorf("Status = %q, want pending", entry.Status)
	}
	if !entry.FirstSeenAt.Equal(testNow) {
		t.Errorf("FirstSeenAt = %v, want %v (first sighting wins)", entry.FirstSeenAt, testNow)
	}
}

func TestReviewAllowlistEntry_SkipsBlocked(t *testing.T) {
	q := New(testDB(t))
	ctx := context.Background()

	if err := q.BlockAllowlistEntry(ctx, BlockAllowlistEntryParams{Host: "evil.example", Reason: "private_ip", Now: testNow}); err != nil {
		t.Fatalf("BlockAllowlistEntry: %v", err)
	}

	n, err := q.ReviewAllowlistEntry(ctx, ReviewAllowlistEntryParams{
		Status:     "approved",
		ReviewedBy: sql.NullString{String: "alice", Valid: true},
		ReviewedAt: sql.NullTime{Time: testNow, Valid: true},
		Host:       "evil.example",
	})
	if err != nil {
		t.Fatalf("ReviewAllowlistEntry: %v", err)
	}
	if n != 0 {
		t.Errorf("ReviewAllowlistEntry rows = %d, want 0 for blocked host", n)
	}

	entry, _ := q.GetAllowlistEntry(ctx, "evil.example")
	if entry.Status != "blocked" || entry.Reason != "private_ip" {
		t.Errorf("entry = %+v, want blocked/private_ip", entry)
	}
}

func TestBlockAllowlistEntry_OverridesApproval(t *testing.T) {
	q := New(testDB(t))
	ctx := context.Background()

	_, _ = q.CreateAllowlistEntry(ctx, CreateAllowlistEntryParams{Host: "cal.example.com", FirstSeenAt: testNow})
	if _, err := q.ReviewAllowlistEntry(ctx, ReviewAllowlistEntryParams{
		Status:     "approved",
		ReviewedAt: sql.NullTime{Time: testNow, Valid: true},
		Host:       "cal.example.com",
	}); err != nil {
		t.Fatalf("ReviewAllowlistEntry: %v", err)
	}
	if err := q.BlockAllowlistEntry(ctx, BlockAllowlistEntryParams{Host: "cal.example.com", Reason: "localhost", Now: testNow}); err != nil {
		t.Fatalf("BlockAllowlistEntry: %v", err)
	}

	entries, err := q.ListAllowlistEntriesByStatus(ctx, "blocked")
	if err != nil {
		t.Fatalf("ListAllowlistEntriesByStatus: %v", err)
	}
	if len(entries) != 1 || entries[0].Host != "cal.example.com" {
		t.Errorf("blocked entries = %+v, want cal.example.com", entries)
	}
}

func TestClaimCalendarSource_SingleWinner(t *testing.T) {
	db := testDB(t)
	q := New(db)
	createSource(t, q, "src-1", "org-1", "cal.example.com", "approved")

	const contenders = 8
	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		wins int
		errs []error
	)
	for i := range contenders {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := q.ClaimCalendarSource(context.Background(), ClaimCalendarSourceParams{
				ClaimToken:  fmt.Sprintf("token-%d", i),
				ClaimedAt:   testNow,
				ID:          "src-1",
				LeaseCutoff: testNow.Add(-5 * time.Minute),
			})
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			wins += int(n)
		}()
	}
	wg.Wait()

	if len(errs) > 0 {
		t.Fatalf("claim errors: %v", errs)
	}
	if wins != 1 {
		t.Fatalf("claim winners = %d, want exactly 1", wins)
	}

	src, err := q.GetCalendarSource(context.Background(), "src-1")
	if err != nil {
		t.Fatalf("GetCalendarSource: %v", err)
	}
	if src.SyncState != SyncStateInProgress || !src.ClaimToken.Valid {
		t.Errorf("source = %+v, want in_progress with a claim token", src)
	}
}

func TestClaimCalendarSource_Conditions(t *testing.T) {
	tests := []struct {
		name   string
		status string
		setup  func(t *testing.T, q *Queries)
		want   int64
	}{
		{name: "approved and due", status: "approved", want: 1},
		{name: "pending host", status: "pending", want: 0},
		{name: "blocked host", status: "blocked", want: 0},
		{
			name:   "live claim",
			status: "approved",
			setup: func(t *testing.T, q *Queries) {
				claim(t, q, "other", testNow.Add(-time.Minute))
			},
			want: 0,
		},
		{
			name:   "expired claim",
			status: "approved",
			setup: func(t *testing.T, q *Queries) {
				claim(t, q, "crashed", testNow.Add(-time.Hour))
			},
			want: 1,
		},
		{
			name:   "not yet due",
			status: "approved",
			setup: func(t *testing.T, q *Queries) {
				claim(t, q, "earlier", testNow.Add(-2*time.Minute))
				release(t, q, "earlier", testNow.Add(time.Hour))
			},
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := New(testDB(t))
			createSource(t, q, "src-1", "org-1", "cal.example.com", tt.status)
			if tt.setup != nil {
				tt.setup(t, q)
			}

			n, err := q.ClaimCalendarSource(context.Background(), ClaimCalendarSourceParams{
				ClaimToken:  "mine",
				ClaimedAt:   testNow,
				ID:          "src-1",
				LeaseCutoff: testNow.Add(-5 * time.Minute),
			})
			if err != nil {
				t.Fatalf("ClaimCalendarSource: %v", err)
			}
			if n != tt.want {
				t.Errorf("ClaimCalendarSource rows = %d, want %d", n, tt.want)
			}
		})
	}
}

func claim(t *testing.T, q *Queries, token string, at time.Time) {
	t.Helper()
	n, err := q.ClaimCalendarSource(context.Background(), ClaimCalendarSourceParams{
		ClaimToken:  token,
		ClaimedAt:   at,
		ID:          "src-1",
		LeaseCutoff: at.Add(-5 * time.Minute),
	})
	if err != nil || n != 1 {
		t.Fatalf("claim(%s) = %d, %v; want 1, nil", token, n, err)
	}
}

func release(t *testing.T, q *Queries, token string, next time.Time) {
	t.Helper()
	n, err := q.ReleaseCalendarSource(context.Background(), ReleaseCalendarSourceParams{
		LastSyncedAt: testNow.Add(-time.Minute),
		NextSyncAt:   next,
		ID:           "src-1",
		ClaimToken:   token,
	})
	if err != nil || n != 1 {
		t.Fatalf("release(%s) = %d, %v; want 1, nil", token, n, err)
	}
}

func TestReleaseCalendarSource_RequiresToken(t *testing.T) {
	q := New(testDB(t))
	ctx := context.Background()
	createSource(t, q, "src-1", "org-1", "cal.example.com", "approved")
	claim(t, q, "holder", testNow)

	n, err := q.ReleaseCalendarSource(ctx, ReleaseCalendarSourceParams{
		LastSyncedAt: testNow,
		NextSyncAt:   testNow.Add(time.Hour),
		ID:           "src-1",
		ClaimToken:   "impostor",
	})
	if err != nil {
		t.Fatalf("ReleaseCalendarSource: %v", err)
	}
	if n != 0 {
		t.Fatalf("release with wrong token affected %d rows, want 0", n)
	}

	n, err = q.ReleaseCalendarSource(ctx, ReleaseCalendarSourceParams{
		LastSyncedAt:   testNow,
		NextSyncAt:     testNow.Add(time.Hour),
		LastError:      sql.NullString{String: "fetch_failed", Valid: true},
		LastFetchBytes: sql.NullInt64{Int64: 0, Valid: true},
		ID:             "src-1",
		ClaimToken:     "holder",
	})
	if err != nil || n != 1 {
		t.Fatalf("release with holder token = %d, %v; want 1, nil", n, err)
	}

	src, _ := q.GetCalendarSource(ctx, "src-1")
	if src.SyncState != SyncStateIdle || src.ClaimToken.Valid || src.ClaimedAt.Valid {
		t.Errorf("source not returned to idle: %+v", src)
	}
	if src.LastError.String != "fetch_failed" {
		t.Errorf("LastError = %q, want fetch_failed", src.LastError.String)
	}
	if !src.NextSyncAt.Valid || !src.NextSyncAt.Time.Equal(testNow.Add(time.Hour)) {
		t.Errorf("NextSyncAt = %v, want %v", src.NextSyncAt, testNow.Add(time.Hour))
	}
}

func TestListDueCalendarSources(t *testing.T) {
	q := New(testDB(t))
	ctx := context.Background()

	createSource(t, q, "due", "org-1", "cal.example.com", "approved")
	createSource(t, q, "pending", "org-1", "new.example.com", "pending")
	createSource(t, q, "denied", "org-2", "denied.example.com", "denied")
	createSource(t, q, "src-1", "org-2", "cal.example.com", "approved")
	claim(t, q, "running", testNow.Add(-time.Minute))

	due, err := q.ListDueCalendarSources(ctx, ListDueCalendarSourcesParams{
		Now:         testNow,
		LeaseCutoff: testNow.Add(-5 * time.Minute),
		Limit:       10,
	})
	if err != nil {
		t.Fatalf("ListDueCalendarSources: %v", err)
	}
	if len(due) != 1 || due[0].ID != "due" {
		ids := make([]string, 0, len(due))
		for _, s := range due {
			ids = append(ids, s.ID)
		}
		t.Errorf("due sources = %v, want [due]", ids)
	}

	limited, err := q.ListDueCalendarSources(ctx, ListDueCalendarSourcesParams{
		Now:         testNow,
		LeaseCutoff: testNow.Add(time.Hour), // every claim counts as expired
		Limit:       1,
	})
	if err != nil {
		t.Fatalf("ListDueCalendarSources: %v", err)
	}
	if len(limited) != 1 {
		t.Errorf("len(limited) = %d, want 1", len(limited))
	}
}

func TestUpdateCalendarSourcesStatusByHost(t *testing.T) {
	q := New(testDB(t))
	ctx := context.Background()
	createSource(t, q, "a", "org-1", "cal.example.com", "pending")
	createSource(t, q, "b", "org-2", "cal.example.com", "pending")
	createSource(t, q, "c", "org-1", "other.example.com", "pending")

	n, err := q.UpdateCalendarSourcesStatusByHost(ctx, UpdateCalendarSourcesStatusByHostParams{
		AllowlistStatus: "approved",
		UpdatedAt:       testNow,
		Host:            "cal.example.com",
	})
	if err != nil {
		t.Fatalf("UpdateCalendarSourcesStatusByHost: %v", err)
	}
	if n != 2 {
		t.Errorf("rows = %d, want 2", n)
	}
	other, _ := q.GetCalendarSource(ctx, "c")
	if other.AllowlistStatus != "pending" {
		t.Errorf("other host status = %q, want pending", other.AllowlistStatus)
	}
}

func TestDeleteCalendarSource_ScopedToOrg(t *testing.T) {
	q := New(testDB(t))
	ctx := context.Background()
	createSource(t, q, "a", "org-1", "cal.example.com", "approved")

	n, err := q.DeleteCalendarSource(ctx, DeleteCalendarSourceParams{ID: "a", OrganizationID: "org-2"})
	if err != nil || n != 0 {
		t.Fatalf("delete from other org = %d, %v; want 0, nil", n, err)
	}
	n, err = q.DeleteCalendarSource(ctx, DeleteCalendarSourceParams{ID: "a", OrganizationID: "org-1"})
	if err != nil || n != 1 {
		t.Fatalf("delete from owner = %d, %v; want 1, nil", n, err)
	}
	if _, err := q.GetCalendarSource(ctx, "a"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("GetCalendarSource after delete error = %v, want sql.ErrNoRows", err)
	}
}

func TestEvents(t *testing.T) {
	q := New(testDB(t))
	ctx := context.Background()

	for i, at := range []time.Time{testNow.Add(-48 * time.Hour), testNow.Add(-time.Hour), testNow} {
		if _, err := q.CreateEvent(ctx, CreateEventParams{
			Level:     "info",
			Category:  "sync",
			Message:   fmt.Sprintf("event %d", i),
			Metadata:  "{}",
			CreatedAt: at,
		}); err != nil {
			t.Fatalf("CreateEvent: %v", err)
		}
	}

	events, err := q.ListRecentEvents(ctx, 2)
	if err != nil {
		t.Fatalf("ListRecentEvents: %v", err)
	}
	if len(events) != 2 || events[0].Message != "event 2" {
		t.Errorf("recent events = %+v, want newest first", events)
	}

	n, err := q.DeleteEventsBefore(ctx, testNow.Add(-24*time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("DeleteEventsBefore = %d, %v; want 1, nil", n, err)
	}
}

func TestInTx_RollsBackOnError(t *testing.T) {
	db := testDB(t)
	ctx := context.Background()
	boom := errors.New("boom")

	err := InTx(ctx, db, func(q *Queries) error {
		if _, err := q.CreateAllowlistEntry(ctx, CreateAllowlistEntryParams{Host: "cal.example.com", FirstSeenAt: testNow}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want %v", err, boom)
	}

	if _, err := New(db).GetAllowlistEntry(ctx, "cal.example.com"); !errors.Is(err, sql.ErrNoRows) {
		t.Errorf("entry after rollback error = %v, want sql.ErrNoRows", err)
	}
}

func TestRecordCalendarSourceRefusal(t *testing.T) {
	q := New(testDB(t))
	ctx := context.Background()
	createSource(t, q, "src-1", "org-1", "cal.example.com", "approved")

	params := RecordCalendarSourceRefusalParams{
		Now:         testNow,
		NextSyncAt:  testNow.Add(time.Hour),
		ID:          "src-1",
		LeaseCutoff: testNow.Add(-5 * time.Minute),
	}

	n, err := q.RecordCalendarSourceRefusal(ctx, params)
	if err != nil || n != 0 {
		t.Fatalf("refusal of approved source = %d, %v; want 0, nil", n, err)
	}

	if _, err := q.UpdateCalendarSourcesStatusByHost(ctx, UpdateCalendarSourcesStatusByHostParams{
		AllowlistStatus: "blocked",
		UpdatedAt:       testNow,
		Host:            "cal.example.com",
	}); err != nil {
		t.Fatalf("UpdateCalendarSourcesStatusByHost: %v", err)
	}

	n, err = q.RecordCalendarSourceRefusal(ctx, params)
	if err != nil || n != 1 {
		t.Fatalf("refusal of blocked source = %d, %v; want 1, nil", n, err)
	}

	src, _ := q.GetCalendarSource(ctx, "src-1")
	if src.LastError.String != "allowlist_blocked" {
		t.Errorf("LastError = %q, want allowlist_blocked", src.LastError.String)
	}
	if !src.LastSyncedAt.Valid || !src.LastSyncedAt.Time.Equal(testNow) {
		t.Errorf("LastSyncedAt = %v, want %v", src.LastSyncedAt, testNow)
	}
	if src.SyncState != SyncStateIdle {
		t.Errorf("SyncState = %q, want idle", src.SyncState)
	}

	// Once recorded the source is no longer due.
	n, err = q.RecordCalendarSourceRefusal(ctx, params)
	if err != nil || n != 0 {
		t.Fatalf("second refusal = %d, %v; want 0, nil", n, err)
	}
}
