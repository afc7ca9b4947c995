// Copyright (c) 2025-2026 Oleg Ivanchenko
// SPDX-License-Identifier: GPL-3.0-or-later

package calendar

import "net/url"

// maskTailLen is how many trailing characters of the input MaskURL keeps.
const maskTailLen = 9

// MaskURL returns a display form of a source URL that shows where it points
// without exposing a token-bearing path: "<host>/...<tail>". The host
// excludes any port and credentials. Input that does not parse as an
// absolute URL is shown as "hidden".
func MaskURL(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return "hidden"
	}
	tail := []rune(raw)
	if len(tail) > maskTailLen {
		tail = tail[len(tail)-maskTailLen:]
	}
	return u.Hostname() + "/..." + string(tail)
}
