// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"context"
	"database/sql"
	"time"
)

const allowlistEntryColumns = `host, status, reason, first_seen_at, reviewed_by, reviewed_at, updated_at`

func scanAllowlistEntry(row interface{ Scan(...any) error }) (AllowlistEntry, error) {
	var i AllowlistEntry
	err := row.Scan(
		&i.Host,
		&i.Status,
		&i.Reason,
		&i.FirstSeenAt,
		&i.ReviewedBy,
		&i.ReviewedAt,
		&i.UpdatedAt,
	)
	return i, err
}

const createAllowlistEntry = `
INSERT INTO allowlist_entries (host, status, reason, first_seen_at, updated_at)
VALUES (?, 'pending', '', ?, ?)
ON CONFLICT (host) DO NOTHING
`

// CreateAllowlistEntryParams holds the arguments for CreateAllowlistEntry.
type CreateAllowlistEntryParams struct {
	Host        string
	FirstSeenAt time.Time
}

// CreateAllowlistEntry inserts a pending entry unless one already exists for
// the host. It returns the number of rows inserted (0 or 1).
func (q *Queries) CreateAllowlistEntry(ctx context.Context, arg CreateAllowlistEntryParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, createAllowlistEntry, arg.Host, arg.FirstSeenAt, arg.FirstSeenAt)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const getAllowlistEntry = `SELECT ` + allowlistEntryColumns + ` FROM allowlist_entries WHERE host = ?`

func (q *Queries) GetAllowlistEntry(ctx context.Context, host string) (AllowlistEntry, error) {
	return scanAllowlistEntry(q.db.QueryRowContext(ctx, getAllowlistEntry, host))
}

const listAllowlistEntries = `SELECT ` + allowlistEntryColumns + ` FROM allowlist_entries ORDER BY first_seen_at, host`

func (q *Queries) ListAllowlistEntries(ctx context.Context) ([]AllowlistEntry, error) {
	return q.queryAllowlistEntries(ctx, listAllowlistEntries)
}

const listAllowlistEntriesByStatus = `SELECT ` + allowlistEntryColumns + ` FROM allowlist_entries WHERE status = ? ORDER BY first_seen_at, host`

func (q *Queries) ListAllowlistEntriesByStatus(ctx context.Context, status string) ([]AllowlistEntry, error) {
	return q.queryAllowlistEntries(ctx, listAllowlistEntriesByStatus, status)
}

func (q *Queries) queryAllowlistEntries(ctx context.Context, query string, args ...any) ([]AllowlistEntry, error) {
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	var items []AllowlistEntry
	for rows.Next() {
		i, err := scanAllowlistEntry(rows)
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

const reviewAllowlistEntry = `
UPDATE allowlist_entries
SET status = ?, reason = ?, reviewed_by = ?, reviewed_at = ?, updated_at = ?
WHERE host = ? AND status <> 'blocked'
`

// ReviewAllowlistEntryParams holds the arguments for ReviewAllowlistEntry.
type ReviewAllowlistEntryParams struct {
	Status     string
	Reason     string
	ReviewedBy sql.NullString
	ReviewedAt sql.NullTime
	Host       string
}

// ReviewAllowlistEntry applies a reviewer decision. Blocked rows are never
// matched, so the returned row count is 0 for blocked or unknown hosts.
func (q *Queries) ReviewAllowlistEntry(ctx context.Context, arg ReviewAllowlistEntryParams) (int64, error) {
	result, err := q.db.ExecContext(ctx, reviewAllowlistEntry,
		arg.Status,
		arg.Reason,
		arg.ReviewedBy,
		arg.ReviewedAt,
		arg.ReviewedAt.Time,
		arg.Host,
	)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

const blockAllowlistEntry = `
INSERT INTO allowlist_entries (host, status, reason, first_seen_at, updated_at)
VALUES (?, 'blocked', ?, ?, ?)
ON CONFLICT (host) DO UPDATE SET status = 'blocked', reason = excluded.reason, updated_at = excluded.updated_at
`

// BlockAllowlistEntryParams holds the arguments for BlockAllowlistEntry.
type BlockAllowlistEntryParams struct {
	Host   string
	Reason string
	Now    time.Time
}

// BlockAllowlistEntry creates or moves the host's entry to blocked.
func (q *Queries) BlockAllowlistEntry(ctx context.Context, arg BlockAllowlistEntryParams) error {
	_, err := q.db.ExecContext(ctx, blockAllowlistEntry, arg.Host, arg.Reason, arg.Now, arg.Now)
	return err
}
