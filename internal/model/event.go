// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package model holds constants shared by the audit log writers.
package model

// Event levels
const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

// Event categories
const (
	EventCategoryAllowlist = "allowlist"
	EventCategorySync      = "sync"
	EventCategorySource    = "source"
	EventCategorySystem    = "system"
)
