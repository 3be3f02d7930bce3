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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLimiter_Middleware(t *testing.T) {
	_, client := newTestRedis(t)

	limiter := NewLimiter(NewRedisStore(client), WithRegisterer(prometheus.NewRegistry()))
	policy := NewPolicy(PolicyContactForm, 15*time.Minute, 2)

	var calls int
	handler := limiter.Middleware(policy, nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls++
			w.WriteHeader(http.StatusAccepted)
		}),
	)

	send := func(ip string) *httptest.ResponseRecorder {
		r := httptest.NewRequest("POST", "/contact", nil)
		r.Header.Set("X-Forwarded-For", ip)
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, r)
		return w
	}

	w := send("1.2.3.4")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "2", w.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, w.Header().Get("X-RateLimit-Reset"))
	assert.Empty(t, w.Header().Get("Retry-After"))

	w = send("1.2.3.4")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "0", w.Header().Get("X-RateLimit-Remaining"))

	w = send("1.2.3.4")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "900", w.Header().Get("Retry-After"))

	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "too_many_requests", body["error"])
	assert.Equal(t, ErrTooManyRequests.Error(), body["message"])

	w = send("5.6.7.8")
	assert.Equal(t, http.StatusAccepted, w.Code)

	assert.Equal(t, 3, calls)
}

func TestLimiter_MiddlewareCustomIdentify(t *testing.T) {
	store := countStore(0)
	limiter := NewLimiter(store, WithRegisterer(prometheus.NewRegistry()))

	handler := limiter.Middleware(
		NewPolicy(PolicyAI, time.Minute, 20),
		func(r *http.Request) string {
			return IdentifyPrincipal(r.Header.Get("X-User-ID"))
		},
	)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest("POST", "/ai/generate", nil)
	r.Header.Set("X-User-ID", "42")
	handler.ServeHTTP(httptest.NewRecorder(), r)

	assert.Equal(t, []string{"ratelimit:ai:user:42"}, store.keys)
}

func TestLimiter_MiddlewareFailOpen(t *testing.T) {
	limiter := NewLimiter(nil, WithRegisterer(prometheus.NewRegistry()))

	handler := limiter.Middleware(NewPolicy(PolicyAuth, time.Minute, 1), nil)(
		http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
		}),
	)

	for range 5 {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("POST", "/auth/login", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "1", w.Header().Get("X-RateLimit-Remaining"))
	}
}
