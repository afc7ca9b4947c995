// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/olegiv/calgate/internal/util"
)

// Fetch policy defaults.
const (
	DefaultMaxRedirects     = 5
	DefaultMaxResponseBytes = 5 << 20 // 5 MiB
	DefaultFetchTimeout     = 20 * time.Second
	UserAgent               = "calgate/1.0"
	acceptHeader            = "text/calendar, */*;q=0.5"
	maxDrainBytes           = 4096
)

// FetchPolicy bounds a single fetch. It is operator configuration, never
// set per source.
type FetchPolicy struct {
	MaxRedirects     int
	MaxResponseBytes int64
	Timeout          time.Duration
}

// DefaultFetchPolicy returns the default limits.
func DefaultFetchPolicy() FetchPolicy {
	return FetchPolicy{
		MaxRedirects:     DefaultMaxRedirects,
		MaxResponseBytes: DefaultMaxResponseBytes,
		Timeout:          DefaultFetchTimeout,
	}
}

// FetchAttempt is the outcome of one Fetch call.
type FetchAttempt struct {
	URL         string
	FinalURL    string
	StatusCode  int
	ContentType string
	Bytes       int64
	Redirects   int
	Elapsed     time.Duration
	Body        []byte
	Err         error
}

// HostEvaluator is the allowlist decision consulted on every hop.
type HostEvaluator interface {
	Evaluate(ctx context.Context, host string) error
}

// HTTPDoer issues a single request. *http.Client satisfies it.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Fetcher retrieves calendar feeds, re-validating every redirect target with
// the SSRF guard and the allowlist before connecting to it.
type Fetcher struct {
	guard  *Guard
	gate   HostEvaluator
	client HTTPDoer
	policy FetchPolicy
}

// NewFetcher creates a fetcher. A nil client gets NewHTTPClient(nil).
func NewFetcher(guard *Guard, gate HostEvaluator, client HTTPDoer, policy FetchPolicy) *Fetcher {
	if client == nil {
		client = NewHTTPClient(nil)
	}
	def := DefaultFetchPolicy()
	if policy.MaxRedirects < 0 {
		policy.MaxRedirects = def.MaxRedirects
	}
	if policy.MaxResponseBytes <= 0 {
		policy.MaxResponseBytes = def.MaxResponseBytes
	}
	if policy.Timeout <= 0 {
		policy.Timeout = def.Timeout
	}
	return &Fetcher{guard: guard, gate: gate, client: client, policy: policy}
}

// NewHTTPClient returns a client that never follows redirects on its own and
// dials only addresses that pass the private-range check at connect time.
func NewHTTPClient(resolver util.Resolver) *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: util.SSRFSafeDialContext(resolver, &net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}),
			Proxy:                 nil,
			MaxIdleConns:          20,
			MaxIdleConnsPerHost:   2,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: 15 * time.Second,
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// Policy returns the limits applied by f.
func (f *Fetcher) Policy() FetchPolicy {
	return f.policy
}

// Fetch retrieves rawURL. The returned attempt is never nil; on failure its
// Err equals the returned error, which is always a *Error.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*FetchAttempt, error) {
	start := time.Now()
	attempt := &FetchAttempt{URL: rawURL}

	ctx, cancel := context.WithTimeout(ctx, f.policy.Timeout)
	defer cancel()

	err := f.fetch(ctx, rawURL, attempt)
	attempt.Elapsed = time.Since(start)
	if err != nil {
		var gateErr *Error
		if !errors.As(err, &gateErr) {
			err = &Error{Kind: KindFetchFailed, Err: err}
		}
		attempt.Err = err
		attempt.Body = nil
		return attempt, err
	}
	return attempt, nil
}

func (f *Fetcher) fetch(ctx context.Context, rawURL string, attempt *FetchAttempt) error {
	current, err := NormalizeURL(rawURL)
	if err != nil {
		return err
	}

	for {
		attempt.FinalURL = current

		target, err := f.guard.Check(ctx, current)
		if err != nil {
			return err
		}
		if err := f.gate.Evaluate(ctx, target.Host); err != nil {
			return err
		}

		resp, err := f.do(ctx, current, target.Host)
		if err != nil {
			return err
		}

		if isRedirect(resp.StatusCode) {
			location := resp.Header.Get("Location")
			drainAndClose(resp.Body)

			attempt.Redirects++
			if attempt.Redirects > f.policy.MaxRedirects {
				return newError(KindTooManyRedirects, target.Host, "more than %d redirects", f.policy.MaxRedirects)
			}
			next, err := resolveLocation(current, location)
			if err != nil {
				return err
			}
			current = next
			continue
		}

		return f.readBody(resp, target.Host, attempt)
	}
}

// readBody consumes a terminal response into attempt.
func (f *Fetcher) readBody(resp *http.Response, host string, attempt *FetchAttempt) error {
	defer func() { _ = resp.Body.Close() }()

	attempt.StatusCode = resp.StatusCode
	attempt.ContentType = resp.Header.Get("Content-Type")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return newError(KindFetchFailed, host, "HTTP %d: %s", resp.StatusCode, http.StatusText(resp.StatusCode))
	}
	if resp.ContentLength > f.policy.MaxResponseBytes {
		return newError(KindResponseTooLarge, host, "declared length %d exceeds limit of %d bytes", resp.ContentLength, f.policy.MaxResponseBytes)
	}

	body, err := readLimited(resp.Body, f.policy.MaxResponseBytes)
	attempt.Bytes = int64(len(body))
	if err != nil {
		if errors.Is(err, errBodyTooLarge) {
			return newError(KindResponseTooLarge, host, "body exceeds limit of %d bytes", f.policy.MaxResponseBytes)
		}
		return &Error{Kind: KindFetchFailed, Host: host, Err: err}
	}
	attempt.Body = body
	return nil
}

// do issues exactly one request without following redirects.
func (f *Fetcher) do(ctx context.Context, rawURL, host string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, &Error{Kind: KindInvalidURL, Host: host, Err: err}
	}
	req.Header.Set("User-Agent", UserAgent)
	req.Header.Set("Accept", acceptHeader)

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(err, util.ErrLoopbackAddress) {
			return nil, &Error{Kind: KindLocalhost, Host: host, Err: err}
		}
		if errors.Is(err, util.ErrBlockedAddress) {
			return nil, &Error{Kind: KindPrivateIP, Host: host, Err: err}
		}
		return nil, &Error{Kind: KindFetchFailed, Host: host, Err: err}
	}
	if resp == nil {
		return nil, newError(KindFetchFailed, host, "nil response from server")
	}
	return resp, nil
}

func isRedirect(code int) bool {
	switch code {
	case http.StatusMovedPermanently, http.StatusFound, http.StatusSeeOther,
		http.StatusTemporaryRedirect, http.StatusPermanentRedirect:
		return true
	}
	return false
}

// resolveLocation resolves a Location header against the current URL and
// normalizes the result.
func resolveLocation(current, location string) (string, error) {
	if location == "" {
		return "", newError(KindFetchFailed, "", "redirect without Location header")
	}
	base, err := url.Parse(current)
	if err != nil {
		return "", &Error{Kind: KindInvalidURL, Err: err}
	}
	ref, err := url.Parse(location)
	if err != nil {
		return "", &Error{Kind: KindInvalidURL, Err: fmt.Errorf("invalid redirect location: %w", err)}
	}
	return NormalizeURL(base.ResolveReference(ref).String())
}

var errBodyTooLarge = errors.New("response body too large")

// readLimited reads at most limit bytes from r. It stops as soon as one byte
// past the limit is seen, so no more than limit+1 bytes are ever buffered.
func readLimited(r io.Reader, limit int64) ([]byte, error) {
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return body, err
	}
	if int64(len(body)) > limit {
		return body[:limit], errBodyTooLarge
	}
	return body, nil
}

func drainAndClose(body io.ReadCloser) {
	_, _ = io.Copy(io.Discard, io.LimitReader(body, maxDrainBytes))
	_ = body.Close()
}
