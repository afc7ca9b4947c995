// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package calendar

import (
	"errors"
	"net"
	"net/url"
	"strings"

	"golang.org/x/net/idna"
)

// MaxURLLength is the maximum accepted length of a source URL.
const MaxURLLength = 2048

const webcalScheme = "webcal:"

// NormalizeURL canonicalizes user input into an absolute http(s) URL.
// webcal: subscriptions are rewritten to https:. The result is stable:
// normalizing it again returns the same string.
func NormalizeURL(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return "", newError(KindInvalidURL, "", "URL is required")
	}
	if len(s) > MaxURLLength {
		return "", newError(KindInvalidURL, "", "URL exceeds maximum length of %d characters", MaxURLLength)
	}
	if len(s) >= len(webcalScheme) && strings.EqualFold(s[:len(webcalScheme)], webcalScheme) {
		s = "https:" + s[len(webcalScheme):]
	}

	u, err := url.Parse(s)
	if err != nil {
		return "", &Error{Kind: KindInvalidURL, Err: err}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return "", newError(KindInvalidURL, "", "only http, https and webcal URLs are allowed")
	}
	if u.Opaque != "" {
		return "", newError(KindInvalidURL, "", "URL must be absolute")
	}

	host, err := canonicalHost(u.Hostname())
	if err != nil {
		return "", &Error{Kind: KindInvalidURL, Err: err}
	}

	port := u.Port()
	if port == defaultPort(u.Scheme) {
		port = ""
	}
	switch {
	case port != "":
		u.Host = net.JoinHostPort(host, port)
	case strings.Contains(host, ":"):
		u.Host = "[" + host + "]"
	default:
		u.Host = host
	}
	u.Fragment = ""
	u.RawFragment = ""

	return u.String(), nil
}

// canonicalHost lowercases host, drops the root-label dot and converts
// internationalized names to their ASCII form. IP literals are returned in
// their canonical text form.
func canonicalHost(host string) (string, error) {
	host = strings.TrimSuffix(host, ".")
	if host == "" {
		return "", errMissingHost
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip.String(), nil
	}
	ascii, err := idna.Lookup.ToASCII(host)
	if err != nil {
		return "", err
	}
	return strings.ToLower(ascii), nil
}

func defaultPort(scheme string) string {
	switch scheme {
	case "http":
		return "80"
	case "https":
		return "443"
	}
	return ""
}

var errMissingHost = errors.New("URL must have a hostname")
