// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package calendar

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeGate approves every host except those listed in refuse.
type fakeGate struct {
	mu        sync.Mutex
	refuse    map[string]Kind
	evaluated []string
}

func (g *fakeGate) Evaluate(_ context.Context, host string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.evaluated = append(g.evaluated, host)
	if kind, ok := g.refuse[host]; ok {
		return newError(kind, host, "refused")
	}
	return nil
}

// feedServer serves every fake host from one httptest server and records
// which hosts were actually requested.
type feedServer struct {
	*httptest.Server
	mu   sync.Mutex
	hits map[string]int
}

func (s *feedServer) hit(host string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hits[host]
}

func newFeedServer(t *testing.T, handler http.HandlerFunc) *feedServer {
	t.Helper()
	s := &feedServer{hits: make(map[string]int)}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, _, err := net.SplitHostPort(r.Host)
		if err != nil {
			host = r.Host
		}
		s.mu.Lock()
		s.hits[host]++
		s.mu.Unlock()
		handler(w, r)
	}))
	t.Cleanup(s.Close)
	return s
}

// client dials the test server whatever address the request names, so
// public-looking hostnames reach the local handler.
func (s *feedServer) client() *http.Client {
	addr := s.Listener.Addr().String()
	return &http.Client{
		Transport: &http.Transport{
			DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
				var d net.Dialer
				return d.DialContext(ctx, network, addr)
			},
		},
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

func fetchResolver() *stubResolver {
	hosts := map[string][]string{
		"cal.example.com":      {"93.184.216.34"},
		"mirror.example.com":   {"93.184.216.35"},
		"pending.example.com":  {"93.184.216.36"},
		"internal.example.com": {"10.0.0.5"},
	}
	for i := range 10 {
		hosts[fmt.Sprintf("hop%d.example.com", i)] = []string{"93.184.216.40"}
	}
	return newStubResolver(hosts)
}

func newTestFetcher(srv *feedServer, gate HostEvaluator, policy FetchPolicy) *Fetcher {
	return NewFetcher(NewGuard(fetchResolver(), GuardConfig{}), gate, srv.client(), policy)
}

const icsBody = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"

func TestFetch_Success(t *testing.T) {
	srv := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, UserAgent, r.Header.Get("User-Agent"))
		w.Header().Set("Content-Type", "text/calendar")
		_, _ = w.Write([]byte(icsBody))
	})
	gate := &fakeGate{}
	f := newTestFetcher(srv, gate, DefaultFetchPolicy())

	attempt, err := f.Fetch(t.Context(), "http://CAL.example.com/feed.ics#frag")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, attempt.StatusCode)
	assert.Equal(t, "text/calendar", attempt.ContentType)
	assert.Equal(t, icsBody, string(attempt.Body))
	assert.Equal(t, int64(len(icsBody)), attempt.Bytes)
	assert.Equal(t, "http://cal.example.com/feed.ics", attempt.FinalURL)
	assert.Zero(t, attempt.Redirects)
	assert.Equal(t, []string{"cal.example.com"}, gate.evaluated)
}

// chainHandler redirects hopN to hopN+1 until hop length, which serves the feed.
func chainHandler(length int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, _ := strconv.Atoi(strings.TrimSuffix(strings.TrimPrefix(r.Host, "hop"), ".example.com"))
		if n < length {
			http.Redirect(w, r, fmt.Sprintf("http://hop%d.example.com/feed.ics", n+1), http.StatusFound)
			return
		}
		_, _ = w.Write([]byte(icsBody))
	}
}

func TestFetch_RedirectsWithinLimit(t *testing.T) {
	srv := newFeedServer(t, chainHandler(5))
	gate := &fakeGate{}
	f := newTestFetcher(srv, gate, DefaultFetchPolicy())

	attempt, err := f.Fetch(t.Context(), "http://hop0.example.com/feed.ics")
	require.NoError(t, err)
	assert.Equal(t, 5, attempt.Redirects)
	assert.Equal(t, "http://hop5.example.com/feed.ics", attempt.FinalURL)
	assert.Len(t, gate.evaluated, 6, "every hop is evaluated")
}

func TestFetch_TooManyRedirects(t *testing.T) {
	srv := newFeedServer(t, chainHandler(6))
	f := newTestFetcher(srv, &fakeGate{}, DefaultFetchPolicy())

	attempt, err := f.Fetch(t.Context(), "http://hop0.example.com/feed.ics")
	require.ErrorIs(t, err, ErrTooManyRedirects)
	assert.Equal(t, err, attempt.Err)
	assert.Nil(t, attempt.Body)
	assert.Equal(t, 1, srv.hit("hop5.example.com"))
	assert.Zero(t, srv.hit("hop6.example.com"), "target past the cap must not be contacted")
}

func TestFetch_RedirectsDisabled(t *testing.T) {
	srv := newFeedServer(t, chainHandler(1))
	f := newTestFetcher(srv, &fakeGate{}, FetchPolicy{MaxRedirects: 0})

	_, err := f.Fetch(t.Context(), "http://hop0.example.com/feed.ics")
	require.ErrorIs(t, err, ErrTooManyRedirects)
	assert.Zero(t, srv.hit("hop1.example.com"))
}

func TestFetch_RedirectToPrivateHost(t *testing.T) {
	srv := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Host == "cal.example.com" {
			http.Redirect(w, r, "http://internal.example.com/admin", http.StatusMovedPermanently)
			return
		}
		_, _ = w.Write([]byte("secret"))
	})
	f := newTestFetcher(srv, &fakeGate{}, DefaultFetchPolicy())

	attempt, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
	require.ErrorIs(t, err, ErrPrivateIP)
	assert.Equal(t, "internal.example.com", HostOf(err))
	assert.Equal(t, 1, attempt.Redirects)
	assert.Zero(t, srv.hit("internal.example.com"))
}

func TestFetch_RedirectToLoopbackLiteral(t *testing.T) {
	srv := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "http://127.0.0.1/", http.StatusTemporaryRedirect)
	})
	f := newTestFetcher(srv, &fakeGate{}, DefaultFetchPolicy())

	_, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
	require.ErrorIs(t, err, ErrLocalhost)
	assert.Zero(t, srv.hit("127.0.0.1"))
}

func TestFetch_RedirectToUnapprovedHost(t *testing.T) {
	srv := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Host == "cal.example.com" {
			http.Redirect(w, r, "http://pending.example.com/feed.ics", http.StatusFound)
			return
		}
		_, _ = w.Write([]byte(icsBody))
	})
	gate := &fakeGate{refuse: map[string]Kind{"pending.example.com": KindAllowlistPending}}
	f := newTestFetcher(srv, gate, DefaultFetchPolicy())

	_, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
	require.ErrorIs(t, err, ErrAllowlistPending)
	assert.Equal(t, "pending.example.com", HostOf(err))
	assert.Zero(t, srv.hit("pending.example.com"))
}

func TestFetch_InitialHostRefused(t *testing.T) {
	srv := newFeedServer(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(icsBody))
	})
	gate := &fakeGate{refuse: map[string]Kind{"cal.example.com": KindAllowlistDenied}}
	f := newTestFetcher(srv, gate, DefaultFetchPolicy())

	_, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
	require.ErrorIs(t, err, ErrAllowlistDenied)
	assert.Zero(t, srv.hit("cal.example.com"))
}

func TestFetch_RelativeRedirect(t *testing.T) {
	srv := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/old.ics" {
			w.Header().Set("Location", "/new.ics")
			w.WriteHeader(http.StatusPermanentRedirect)
			return
		}
		_, _ = w.Write([]byte(icsBody))
	})
	f := newTestFetcher(srv, &fakeGate{}, DefaultFetchPolicy())

	attempt, err := f.Fetch(t.Context(), "http://cal.example.com/old.ics")
	require.NoError(t, err)
	assert.Equal(t, "http://cal.example.com/new.ics", attempt.FinalURL)
	assert.Equal(t, 1, attempt.Redirects)
}

func TestFetch_RedirectWithoutLocation(t *testing.T) {
	srv := newFeedServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusFound)
	})
	f := newTestFetcher(srv, &fakeGate{}, DefaultFetchPolicy())

	_, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
	assert.ErrorIs(t, err, ErrFetchFailed)
}

func TestFetch_ResponseTooLarge(t *testing.T) {
	const limit = 1024

	t.Run("declared length", func(t *testing.T) {
		srv := newFeedServer(t, func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Length", strconv.Itoa(limit*4))
			_, _ = w.Write(make([]byte, limit*4))
		})
		f := newTestFetcher(srv, &fakeGate{}, FetchPolicy{MaxResponseBytes: limit})

		attempt, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
		require.ErrorIs(t, err, ErrResponseTooLarge)
		assert.Nil(t, attempt.Body)
	})

	t.Run("streamed without length", func(t *testing.T) {
		srv := newFeedServer(t, func(w http.ResponseWriter, _ *http.Request) {
			flusher := w.(http.Flusher)
			chunk := make([]byte, 512)
			for range 64 {
				if _, err := w.Write(chunk); err != nil {
					return
				}
				flusher.Flush()
			}
		})
		f := newTestFetcher(srv, &fakeGate{}, FetchPolicy{MaxResponseBytes: limit})

		attempt, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
		require.ErrorIs(t, err, ErrResponseTooLarge)
		assert.LessOrEqual(t, attempt.Bytes, int64(limit))
		assert.Nil(t, attempt.Body)
	})

	t.Run("exactly at limit", func(t *testing.T) {
		srv := newFeedServer(t, func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write(make([]byte, limit))
		})
		f := newTestFetcher(srv, &fakeGate{}, FetchPolicy{MaxResponseBytes: limit})

		attempt, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
		require.NoError(t, err)
		assert.Equal(t, int64(limit), attempt.Bytes)
	})
}

func TestFetch_NonSuccessStatus(t *testing.T) {
	srv := newFeedServer(t, func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	})
	f := newTestFetcher(srv, &fakeGate{}, DefaultFetchPolicy())

	attempt, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Equal(t, http.StatusNotFound, attempt.StatusCode)
	assert.Contains(t, err.Error(), "404")
}

func TestFetch_Timeout(t *testing.T) {
	srv := newFeedServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	f := newTestFetcher(srv, &fakeGate{}, FetchPolicy{Timeout: 50 * time.Millisecond})

	attempt, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
	require.ErrorIs(t, err, ErrFetchFailed)
	assert.Less(t, attempt.Elapsed, 2*time.Second)
}

func TestFetch_InvalidURL(t *testing.T) {
	f := NewFetcher(NewGuard(fetchResolver(), GuardConfig{}), &fakeGate{}, nil, DefaultFetchPolicy())

	_, err := f.Fetch(t.Context(), "ftp://cal.example.com/feed.ics")
	assert.ErrorIs(t, err, ErrInvalidURL)
}

// rebindResolver answers with a public address on the first lookup and a
// loopback address afterwards.
type rebindResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *rebindResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls == 1 {
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	}
	return []net.IPAddr{{IP: net.ParseIP("127.0.0.1")}}, nil
}

func TestFetch_DNSRebindingBlockedAtConnect(t *testing.T) {
	resolver := &rebindResolver{}
	f := NewFetcher(NewGuard(resolver, GuardConfig{}), &fakeGate{}, NewHTTPClient(resolver), DefaultFetchPolicy())

	_, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
	require.ErrorIs(t, err, ErrLocalhost)
	assert.Equal(t, "cal.example.com", HostOf(err))
}

// privateRebindResolver answers with a public address on the first lookup
// and an RFC 1918 address afterwards.
type privateRebindResolver struct {
	mu    sync.Mutex
	calls int
}

func (r *privateRebindResolver) LookupIPAddr(context.Context, string) ([]net.IPAddr, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	if r.calls == 1 {
		return []net.IPAddr{{IP: net.ParseIP("93.184.216.34")}}, nil
	}
	return []net.IPAddr{{IP: net.ParseIP("10.0.0.5")}}, nil
}

func TestFetch_DNSRebindingToPrivateBlockedAtConnect(t *testing.T) {
	resolver := &privateRebindResolver{}
	f := NewFetcher(NewGuard(resolver, GuardConfig{}), &fakeGate{}, NewHTTPClient(resolver), DefaultFetchPolicy())

	_, err := f.Fetch(t.Context(), "http://cal.example.com/feed.ics")
	require.ErrorIs(t, err, ErrPrivateIP)
	assert.NotErrorIs(t, err, ErrLocalhost)
}
