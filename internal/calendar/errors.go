// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package calendar implements the safe external calendar source gate: URL
// normalization, the SSRF guard, the shared host allowlist, the bounded
// fetcher and display masking.
package calendar

import (
	"errors"
	"fmt"
)

// Kind is the closed set of failure kinds produced by this package.
type Kind string

// Failure kinds. The string values are surfaced verbatim to API clients.
const (
	KindInvalidURL       Kind = "invalid_url"
	KindInvalidPort      Kind = "invalid_port"
	KindPrivateIP        Kind = "private_ip"
	KindLocalhost        Kind = "localhost"
	KindAllowlistPending Kind = "allowlist_pending"
	KindAllowlistBlocked Kind = "allowlist_blocked"
	KindAllowlistDenied  Kind = "allowlist_denied"
	KindTooManyRedirects Kind = "too_many_redirects"
	KindResponseTooLarge Kind = "response_too_large"
	KindFetchFailed      Kind = "fetch_failed"
)

// Kinds lists every kind in taxonomy order.
var Kinds = []Kind{
	KindInvalidURL,
	KindInvalidPort,
	KindPrivateIP,
	KindLocalhost,
	KindAllowlistPending,
	KindAllowlistBlocked,
	KindAllowlistDenied,
	KindTooManyRedirects,
	KindResponseTooLarge,
	KindFetchFailed,
}

// IsSSRF reports whether k is a network-target policy finding.
func (k Kind) IsSSRF() bool {
	return k == KindPrivateIP || k == KindLocalhost
}

// IsAllowlist reports whether k comes from the allowlist workflow.
func (k Kind) IsAllowlist() bool {
	return k == KindAllowlistPending || k == KindAllowlistBlocked || k == KindAllowlistDenied
}

// IsPolicy reports whether k is a policy decision. Policy failures are
// user-actionable and never retried automatically.
func (k Kind) IsPolicy() bool {
	switch k {
	case KindInvalidURL, KindInvalidPort:
		return true
	}
	return k.IsSSRF() || k.IsAllowlist()
}

// IsTransient reports whether k is a fetch-execution failure that the next
// scheduled sync retries.
func (k Kind) IsTransient() bool {
	return k == KindTooManyRedirects || k == KindResponseTooLarge || k == KindFetchFailed
}

// Error is the single error type returned by the gate. Host is the network
// host the failure relates to, when known.
type Error struct {
	Kind Kind
	Host string
	Err  error
}

func (e *Error) Error() string {
	msg := string(e.Kind)
	if e.Host != "" {
		msg += " (" + e.Host + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error of the same kind, so errors.Is(err, ErrPrivateIP)
// works regardless of host or cause.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Sentinels for errors.Is comparisons.
var (
	ErrInvalidURL       = &Error{Kind: KindInvalidURL}
	ErrInvalidPort      = &Error{Kind: KindInvalidPort}
	ErrPrivateIP        = &Error{Kind: KindPrivateIP}
	ErrLocalhost        = &Error{Kind: KindLocalhost}
	ErrAllowlistPending = &Error{Kind: KindAllowlistPending}
	ErrAllowlistBlocked = &Error{Kind: KindAllowlistBlocked}
	ErrAllowlistDenied  = &Error{Kind: KindAllowlistDenied}
	ErrTooManyRedirects = &Error{Kind: KindTooManyRedirects}
	ErrResponseTooLarge = &Error{Kind: KindResponseTooLarge}
	ErrFetchFailed      = &Error{Kind: KindFetchFailed}
)

func newError(kind Kind, host string, format string, args ...any) *Error {
	return &Error{Kind: kind, Host: host, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind carried by err. Errors that did not originate in
// this package map to KindFetchFailed; nil maps to "".
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindFetchFailed
}

// HostOf returns the host recorded on err, if any.
func HostOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Host
	}
	return ""
}
