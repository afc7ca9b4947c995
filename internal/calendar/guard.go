// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package calendar

import (
	"context"
	"net"
	"net/url"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/olegiv/calgate/internal/util"
)

// DefaultResolveTimeout bounds a single DNS lookup made by the guard.
const DefaultResolveTimeout = 5 * time.Second

// localhostNames are rejected before any resolution happens.
var localhostNames = []string{
	"localhost",
	"127.0.0.1",
	"::1",
	"0.0.0.0",
}

// blockedHostnames are internal service names that must never be accessed.
var blockedHostnames = []string{
	"metadata.google.internal",
	"metadata.goog",
}

// Target is a host/port pair that passed the guard, with the addresses it
// resolved to at check time.
type Target struct {
	Host  string
	Port  int
	Addrs []net.IP
}

// GuardConfig configures the SSRF guard.
type GuardConfig struct {
	// ExtraAllowedPorts are accepted in addition to the scheme's default port.
	ExtraAllowedPorts []int
	// ResolveTimeout bounds each DNS lookup. Zero uses DefaultResolveTimeout.
	ResolveTimeout time.Duration
}

// Guard rejects URLs whose network target is loopback, private or reserved
// address space, or a non-standard port.
type Guard struct {
	resolver util.Resolver
	cfg      GuardConfig
}

// NewGuard creates a guard. A nil resolver uses net.DefaultResolver.
func NewGuard(resolver util.Resolver, cfg GuardConfig) *Guard {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	if cfg.ResolveTimeout <= 0 {
		cfg.ResolveTimeout = DefaultResolveTimeout
	}
	return &Guard{resolver: resolver, cfg: cfg}
}

// Check validates the network target of rawURL. The result is never cached:
// callers run it again for every redirect hop and every sync.
func (g *Guard) Check(ctx context.Context, rawURL string) (Target, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return Target{}, &Error{Kind: KindInvalidURL, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return Target{}, newError(KindInvalidURL, "", "only http and https URLs are allowed")
	}
	host := strings.ToLower(strings.TrimSuffix(u.Hostname(), "."))
	if host == "" {
		return Target{}, newError(KindInvalidURL, "", "URL must have a hostname")
	}

	port, err := g.checkPort(u)
	if err != nil {
		return Target{}, err
	}

	if isLocalhostName(host) {
		return Target{}, newError(KindLocalhost, host, "localhost URLs are not allowed")
	}
	if slices.Contains(blockedHostnames, host) {
		return Target{}, newError(KindPrivateIP, host, "internal metadata endpoints are not allowed")
	}

	addrs, err := g.resolve(ctx, host)
	if err != nil {
		return Target{}, err
	}

	// Every address is checked, not just the first: a resolver may hand out a
	// public address for the check and a private one for the connection.
	for _, ip := range addrs {
		if util.IsLoopbackIP(ip) {
			return Target{}, newError(KindLocalhost, host, "host resolves to loopback address %s", ip)
		}
	}
	for _, ip := range addrs {
		if util.IsPrivateIP(ip) {
			return Target{}, newError(KindPrivateIP, host, "host resolves to private or reserved address %s", ip)
		}
	}

	return Target{Host: host, Port: port, Addrs: addrs}, nil
}

func (g *Guard) checkPort(u *url.URL) (int, error) {
	def, _ := strconv.Atoi(defaultPort(u.Scheme))
	raw := u.Port()
	if raw == "" {
		return def, nil
	}
	port, err := strconv.Atoi(raw)
	if err != nil || port <= 0 || port > 65535 {
		return 0, newError(KindInvalidPort, u.Hostname(), "invalid port %q", raw)
	}
	if port == def || slices.Contains(g.cfg.ExtraAllowedPorts, port) {
		return port, nil
	}
	return 0, newError(KindInvalidPort, u.Hostname(), "port %d is not allowed", port)
}

func (g *Guard) resolve(ctx context.Context, host string) ([]net.IP, error) {
	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, nil
	}

	ctx, cancel := context.WithTimeout(ctx, g.cfg.ResolveTimeout)
	defer cancel()

	ipAddrs, err := g.resolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, &Error{Kind: KindFetchFailed, Host: host, Err: err}
	}
	if len(ipAddrs) == 0 {
		return nil, newError(KindFetchFailed, host, "hostname did not resolve to any IP addresses")
	}

	addrs := make([]net.IP, 0, len(ipAddrs))
	for _, a := range ipAddrs {
		addrs = append(addrs, a.IP)
	}
	return addrs, nil
}

func isLocalhostName(host string) bool {
	if slices.Contains(localhostNames, host) || strings.HasSuffix(host, ".localhost") {
		return true
	}
	if ip := net.ParseIP(host); ip != nil {
		return util.IsLoopbackIP(ip)
	}
	return false
}
