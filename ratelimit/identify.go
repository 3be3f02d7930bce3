// Copyright (c) 2024 Bryan Frimin <bryan@frimin.fr>.
//
// Permission to use, copy, modify, and/or distribute this software
// for any purpose with or without fee is hereby granted, provided
// that the above copyright notice and this permission notice appear
// in all copies.
//
// THE SOFTWARE IS PROVIDED "AS IS" AND THE AUTHOR DISCLAIMS ALL
// WARRANTIES WITH REGARD TO THIS SOFTWARE INCLUDING ALL IMPLIED
// WARRANTIES OF MERCHANTABILITY AND FITNESS. IN NO EVENT SHALL THE
// AUTHOR BE LIABLE FOR ANY SPECIAL, DIRECT, INDIRECT, OR
// CONSEQUENTIAL DAMAGES OR ANY DAMAGES WHATSOEVER RESULTING FROM LOSS
// OF USE, DATA OR PROFITS, WHETHER IN AN ACTION OF CONTRACT,
// NEGLIGENCE OR OTHER TORTIOUS ACTION, ARISING OUT OF OR IN
// CONNECTION WITH THE USE OR PERFORMANCE OF THIS SOFTWARE.

package ratelimit

import (
	"net/http"
	"strings"
)

const (
	// UnknownClient is the identifier shared by every caller whose
	// address cannot be determined. Those callers are limited
	// together rather than not at all.
	UnknownClient = "unknown"

	principalPrefix = "user:"

	headerForwardedFor = "X-Forwarded-For"
	headerRealIP       = "X-Real-IP"
)

// IdentifyRequest derives the identifier of the caller of r from the
// headers set by the reverse proxy in front of the service: the first
// address of X-Forwarded-For, then X-Real-IP, then UnknownClient. A
// single trusted proxy hop is assumed; the headers are not validated.
func IdentifyRequest(r *http.Request) string {
	if xff := r.Header.Get(headerForwardedFor); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if first = strings.TrimSpace(first); first != "" {
			return first
		}
	}

	if realIP := strings.TrimSpace(r.Header.Get(headerRealIP)); realIP != "" {
		return realIP
	}

	return UnknownClient
}

// IdentifyPrincipal returns the identifier of an authenticated
// principal, so that signed-in callers are limited per account
// instead of per network address.
func IdentifyPrincipal(id string) string {
	return principalPrefix + id
}
