// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package store

import (
	"database/sql"
	"time"
)

// AllowlistEntry is one row of the shared, cross-tenant host allowlist.
type AllowlistEntry struct {
	Host        string
	Status      string
	Reason      string
	FirstSeenAt time.Time
	ReviewedBy  sql.NullString
	ReviewedAt  sql.NullTime
	UpdatedAt   time.Time
}

// CalendarSource is an organization-registered calendar feed.
type CalendarSource struct {
	ID                  string
	OrganizationID      string
	RawUrl              string
	NormalizedUrl       string
	Host                string
	AllowlistStatus     string
	SyncIntervalSeconds int64
	SyncState           string
	ClaimToken          sql.NullString
	ClaimedAt           sql.NullTime
	NextSyncAt          sql.NullTime
	LastSyncedAt        sql.NullTime
	LastError           sql.NullString
	LastErrorMessage    sql.NullString
	LastFetchBytes      sql.NullInt64
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Event is an audit log entry.
type Event struct {
	ID        int64
	Level     string
	Category  string
	Message   string
	Metadata  string
	CreatedAt time.Time
}
