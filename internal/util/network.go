// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

// Package util provides network safety helpers and sql null-type helpers.
package util

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// ErrBlockedAddress is returned by the SSRF-safe dialer when a host resolves
// to an address that must not be contacted.
var ErrBlockedAddress = errors.New("connection to blocked address")

// ErrLoopbackAddress is the ErrBlockedAddress variant for loopback and
// unspecified addresses.
var ErrLoopbackAddress = fmt.Errorf("%w: loopback", ErrBlockedAddress)

// privateIPBlocks contains CIDR ranges for private/reserved IP addresses
// per RFC 1918, RFC 4193, RFC 3927, and RFC 5737.
var privateIPBlocks []*net.IPNet

func init() {
	cidrs := []string{
		"10.0.0.0/8",      // RFC 1918 - private
		"172.16.0.0/12",   // RFC 1918 - private
		"192.168.0.0/16",  // RFC 1918 - private
		"127.0.0.0/8",     // RFC 1122 - loopback
		"169.254.0.0/16",  // RFC 3927 - link-local (cloud metadata 169.254.169.254)
		"0.0.0.0/8",       // RFC 1122 - "this" network
		"100.64.0.0/10",   // RFC 6598 - shared address (CGNAT)
		"192.0.0.0/24",    // RFC 6890 - IETF protocol assignments
		"192.0.2.0/24",    // RFC 5737 - documentation
		"198.18.0.0/15",   // RFC 2544 - benchmarking
		"198.51.100.0/24", // RFC 5737 - documentation
		"203.0.113.0/24",  // RFC 5737 - documentation
		"224.0.0.0/4",     // RFC 5771 - multicast
		"240.0.0.0/4",     // RFC 1112 - reserved
		"::1/128",         // IPv6 loopback
		"::/128",          // IPv6 unspecified
		"64:ff9b::/96",    // RFC 6052 - NAT64
		"fe80::/10",       // IPv6 link-local
		"fc00::/7",        // RFC 4193 - IPv6 unique local
		"ff00::/8",        // IPv6 multicast
	}
	for _, cidr := range cidrs {
		_, block, err := net.ParseCIDR(cidr)
		if err != nil {
			panic("invalid CIDR in privateIPBlocks: " + cidr)
		}
		privateIPBlocks = append(privateIPBlocks, block)
	}
}

// IsPrivateIP checks if an IP address falls within a private or reserved range.
// IPv4-mapped IPv6 addresses are judged by their IPv4 form.
func IsPrivateIP(ip net.IP) bool {
	if ip == nil {
		return true // Treat nil IP as private (deny by default)
	}
	for _, block := range privateIPBlocks {
		if block.Contains(ip) {
			return true
		}
	}
	return false
}

// IsLoopbackIP reports whether ip is a loopback or unspecified address.
func IsLoopbackIP(ip net.IP) bool {
	return ip != nil && (ip.IsLoopback() || ip.IsUnspecified())
}

// Resolver looks up the addresses of a host. *net.Resolver satisfies it.
type Resolver interface {
	LookupIPAddr(ctx context.Context, host string) ([]net.IPAddr, error)
}

// SSRFSafeDialContext returns a DialContext function that prevents connections
// to private/reserved IP addresses. Use this in http.Transport to protect
// against DNS rebinding at connection time: every resolved address is checked
// and the vetted IP is dialed directly.
func SSRFSafeDialContext(resolver Resolver, dialer *net.Dialer) func(ctx context.Context, network, addr string) (net.Conn, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		host, port, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("invalid address %q: %w", addr, err)
		}

		var ips []net.IPAddr
		if ip := net.ParseIP(host); ip != nil {
			ips = []net.IPAddr{{IP: ip}}
		} else {
			ips, err = resolver.LookupIPAddr(ctx, host)
			if err != nil {
				return nil, fmt.Errorf("failed to resolve %q: %w", host, err)
			}
		}
		if len(ips) == 0 {
			return nil, fmt.Errorf("hostname %q did not resolve to any IP addresses", host)
		}

		// Check all resolved IPs before connecting
		for _, ipAddr := range ips {
			if IsLoopbackIP(ipAddr.IP) {
				return nil, fmt.Errorf("%w: %s (resolved from %q)", ErrLoopbackAddress, ipAddr.IP, host)
			}
		}
		for _, ipAddr := range ips {
			if IsPrivateIP(ipAddr.IP) {
				return nil, fmt.Errorf("%w: %s (resolved from %q)", ErrBlockedAddress, ipAddr.IP, host)
			}
		}

		for _, ipAddr := range ips {
			conn, dialErr := dialer.DialContext(ctx, network, net.JoinHostPort(ipAddr.IP.String(), port))
			if dialErr == nil {
				return conn, nil
			}
			err = dialErr
		}

		return nil, fmt.Errorf("failed to connect to %q: %w", host, err)
	}
}
