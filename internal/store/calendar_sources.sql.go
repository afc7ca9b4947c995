// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"time"
)

// Sync states of a calendar source.
const (
	SyncStateIdle       = "idle"
	SyncStateInProgress = "in_progress"
)

const calendarSourceColumns = `id, organization_id, raw_url, normalized_url, host, allowlist_status,
	sync_interval_seconds, sync_state, claim_token, claimed_at, next_sync_at, last_synced_at,
	last_error, last_error_message, last_fetch_bytes, created_at, updated_at`

func scanCalendarSource(row interface{ Scan(...any) error }) (CalendarSource, error) {
	var i CalendarSource
	err := row.Scan(
		&i.ID,
		&i.OrganizationID,
		&i.RawUrl,
		&i.NormalizedUrl,
		&i.Host,
		&i.AllowlistStatus,
		&i.SyncIntervalSeconds,
		&i.SyncState,
		&i.ClaimToken,
		&i.ClaimedAt,
		&i.NextSyncAt,
		&i.LastSyncedAt,
		&i.LastError,
		&i.LastErrorMessage,
		&i.LastFetchBytes,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func (q *Queries) queryCalendarSources(ctx context.Context, query string, args ...any) ([]CalendarSource, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []CalendarSource
	for rows.Next() {
		i, err := scanCalendarSource(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const createCalendarSource = `
INSERT INTO calendar_sources (
    id, organization_id, raw_url, normalized_url, host, allowlist_status,
    sync_interval_seconds, sync_state, created_at, updated_at
) VALUES (?, ?, ?, ?, ?, ?, ?, 'idle', ?, ?)
RETURNING ` + calendarSourceColumns

// CreateCalendarSourceParams holds the arguments for CreateCalendarSource.
type CreateCalendarSourceParams struct {
	ID                  string
	OrganizationID      string
	RawUrl              string
	NormalizedUrl       string
	Host                string
	AllowlistStatus     string
	SyncIntervalSeconds int64
	CreatedAt           time.Time
}

func (q *Queries) CreateCalendarSource(ctx context.Context, arg CreateCalendarSourceParams) (CalendarSource, error) {
	row := q.db.QueryRowContext(ctx, createCalendarSource,
		arg.ID,
		arg.OrganizationID,
		arg.RawUrl,
		arg.NormalizedUrl,
		arg.Host,
		arg.AllowlistStatus,
		arg.SyncIntervalSeconds,
		arg.CreatedAt,
		arg.CreatedAt,
	)
	return scanCalendarSource(row)
}

const getCalendarSource = `SELECT ` + calendarSourceColumns + ` FROM calendar_sources WHERE id = ?`

func (q *Queries) GetCalendarSource(ctx context.Context, id string) (CalendarSource, error) {
	return scanCalendarSource(q.db.QueryRowContext(ctx, getCalendarSource, id))
}

const getCalendarSourceForOrg = `SELECT ` + calendarSourceColumns + ` FROM calendar_sources WHERE id = ? AND organization_id = ?`

// GetCalendarSourceForOrgParams holds the arguments for GetCalendarSourceForOrg.
type GetCalendarSourceForOrgParams struct {
	ID             string
	OrganizationID string
}

func (q *Queries) GetCalendarSourceForOrg(ctx context.Context, arg GetCalendarSourceForOrgParams) (CalendarSource, error) {
	return scanCalendarSource(q.db.QueryRowContext(ctx, getCalendarSourceForOrg, arg.ID, arg.OrganizationID))
}

const getCalendarSourceByURL = `SELECT ` + calendarSourceColumns + ` FROM calendar_sources WHERE organization_id = ? AND normalized_url = ?`

// GetCalendarSourceByURLParams holds the arguments for GetCalendarSourceByURL.
type GetCalendarSourceByURLParams struct {
	OrganizationID string
	NormalizedUrl  string
}

func (q *Queries) GetCalendarSourceByURL(ctx context.Context, arg GetCalendarSourceByURLParams) (CalendarSource, error) {
	return scanCalendarSource(q.db.QueryRowContext(ctx, getCalendarSourceByURL, arg.OrganizationID, arg.NormalizedUrl))
}

const listCalendarSourcesByOrg = `SELECT ` + calendarSourceColumns + ` FROM calendar_sources WHERE organization_id = ? ORDER BY created_at, id`

func (q *Queries) ListCalendarSourcesByOrg(ctx context.Context, organizationID string) ([]CalendarSource, error) {
	return q.queryCalendarSources(ctx, listCalendarSourcesByOrg, organizationID)
}

const deleteCalendarSource = `DELETE FROM calendar_sources WHERE id = ? AND organization_id = ?`

// DeleteCalendarSourceParams holds the arguments for DeleteCalendarSource.
type DeleteCalendarSourceParams struct {
	ID             string
	OrganizationID string
}

func (q *Queries) DeleteCalendarSource(ctx context.Context, arg DeleteCalendarSourceParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, deleteCalendarSource, arg.ID, arg.OrganizationID)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const listDueCalendarSources = `
SELECT ` + calendarSourceColumns + `
FROM calendar_sources
WHERE allowlist_status = 'approved'
  AND (next_sync_at IS NULL OR next_sync_at <= ?)
  AND (sync_state = 'idle' OR claimed_at IS NULL OR claimed_at < ?)
ORDER BY next_sync_at, created_at
LIMIT ?
`

// ListDueCalendarSourcesParams holds the arguments for ListDueCalendarSources.
type ListDueCalendarSourcesParams struct {
	Now         time.Time
	LeaseCutoff time.Time
	Limit       int64
}

// ListDueCalendarSources returns approved sources whose next sync time has
// passed and that are not held by a live claim.
func (q *Queries) ListDueCalendarSources(ctx context.Context, arg ListDueCalendarSourcesParams) ([]CalendarSource, error) {
	return q.queryCalendarSources(ctx, listDueCalendarSources, arg.Now, arg.LeaseCutoff, arg.Limit)
}

const claimCalendarSource = `
UPDATE calendar_sources
SET sync_state = 'in_progress', claim_token = ?, claimed_at = ?, updated_at = ?
WHERE id = ?
  AND allowlist_status = 'approved'
  AND (next_sync_at IS NULL OR next_sync_at <= ?)
  AND (sync_state = 'idle' OR claimed_at IS NULL OR claimed_at < ?)
`

// ClaimCalendarSourceParams holds the arguments for ClaimCalendarSource.
type ClaimCalendarSourceParams struct {
	ClaimToken  string
	ClaimedAt   time.Time
	ID          string
	LeaseCutoff time.Time
}

// ClaimCalendarSource marks the source in progress with a compare-and-set on
// its sync state. The source must still be due at ClaimedAt, so a source
// released earlier in the same tick is not fetched twice. It returns 1 when
// this caller won the claim, 0 otherwise.
func (q *Queries) ClaimCalendarSource(ctx context.Context, arg ClaimCalendarSourceParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, claimCalendarSource,
		arg.ClaimToken,
		arg.ClaimedAt,
		arg.ClaimedAt,
		arg.ID,
		arg.ClaimedAt,
		arg.LeaseCutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const releaseCalendarSource = `
UPDATE calendar_sources
SET sync_state = 'idle',
    claim_token = NULL,
    claimed_at = NULL,
    last_synced_at = ?,
    next_sync_at = ?,
    last_error = ?,
    last_error_message = ?,
    last_fetch_bytes = ?,
    updated_at = ?
WHERE id = ? AND claim_token = ?
`

// ReleaseCalendarSourceParams holds the arguments for ReleaseCalendarSource.
type ReleaseCalendarSourceParams struct {
	LastSyncedAt     time.Time
	NextSyncAt       time.Time
	LastError        sql.NullString
	LastErrorMessage sql.NullString
	LastFetchBytes   sql.NullInt64
	ID               string
	ClaimToken       string
}

// ReleaseCalendarSource records the sync outcome and returns the source to
// idle. Only the holder of the claim token can release it.
func (q *Queries) ReleaseCalendarSource(ctx context.Context, arg ReleaseCalendarSourceParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, releaseCalendarSource,
		arg.LastSyncedAt,
		arg.NextSyncAt,
		arg.LastError,
		arg.LastErrorMessage,
		arg.LastFetchBytes,
		arg.LastSyncedAt,
		arg.ID,
		arg.ClaimToken,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const recordCalendarSourceRefusal = `
UPDATE calendar_sources
SET last_synced_at = ?,
    next_sync_at = ?,
    last_error = 'allowlist_' || allowlist_status,
    last_error_message = 'host is ' || allowlist_status || ' by the allowlist',
    last_fetch_bytes = NULL,
    updated_at = ?
WHERE id = ?
  AND allowlist_status <> 'approved'
  AND (next_sync_at IS NULL OR next_sync_at <= ?)
  AND (sync_state = 'idle' OR claimed_at IS NULL OR claimed_at < ?)
`

// RecordCalendarSourceRefusalParams holds the arguments for RecordCalendarSourceRefusal.
type RecordCalendarSourceRefusalParams struct {
	Now         time.Time
	NextSyncAt  time.Time
	ID          string
	LeaseCutoff time.Time
}

// RecordCalendarSourceRefusal records the allowlist refusal of a due source
// that left the approved state after it was listed. The stored kind is
// derived from the source's current status. It returns 1 when the outcome
// was recorded and 0 when the source is approved, not due or claimed.
func (q *Queries) RecordCalendarSourceRefusal(ctx context.Context, arg RecordCalendarSourceRefusalParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, recordCalendarSourceRefusal,
		arg.Now,
		arg.NextSyncAt,
		arg.Now,
		arg.ID,
		arg.Now,
		arg.LeaseCutoff,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const updateCalendarSourcesStatusByHost = `
UPDATE calendar_sources SET allowlist_status = ?, updated_at = ? WHERE host = ?
`

// UpdateCalendarSourcesStatusByHostParams holds the arguments for UpdateCalendarSourcesStatusByHost.
type UpdateCalendarSourcesStatusByHostParams struct {
	AllowlistStatus string
	UpdatedAt       time.Time
	Host            string
}

// UpdateCalendarSourcesStatusByHost mirrors an allowlist decision onto every
// source that points at the host.
func (q *Queries) UpdateCalendarSourcesStatusByHost(ctx context.Context, arg UpdateCalendarSourcesStatusByHostParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, updateCalendarSourcesStatusByHost, arg.AllowlistStatus, arg.UpdatedAt, arg.Host)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
