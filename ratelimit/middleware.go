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
	"errors"
	"net/http"

	"go.gearno.de/throttle/httpserver"
)

var (
	ErrTooManyRequests = errors.New("too many requests, please try again later")
)

// Middleware limits the requests reaching next under p. identify
// derives the caller identifier of a request; when nil, IdentifyRequest
// is used. Every response carries the rate limit headers and denied
// requests are answered with 429 Too Many Requests.
//
// Example:
//
//	router.With(limiter.Middleware(registry.MustGet(ratelimit.PolicyAuth), nil)).
//		Post("/auth/login", login)
func (l *Limiter) Middleware(
	p Policy,
	identify func(*http.Request) string,
) func(http.Handler) http.Handler {
	if identify == nil {
		identify = IdentifyRequest
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(
			func(w http.ResponseWriter, r *http.Request) {
				d := l.Check(r.Context(), identify(r), p)

				WriteHeaders(w.Header(), d)

				if !d.Allowed {
					httpserver.RenderError(w, http.StatusTooManyRequests, ErrTooManyRequests)
					return
				}

				next.ServeHTTP(w, r)
			},
		)
	}
}
