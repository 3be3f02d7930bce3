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

package throttled

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.gearno.de/throttle/httpserver"
	"go.gearno.de/throttle/ratelimit"
)

const (
	headerUserID = "X-User-ID"
)

type (
	// RouterOption configures NewRouter.
	RouterOption func(o *routerOptions)

	routerOptions struct {
		trustUserHeader bool
	}

	policyView struct {
		Name        string `json:"name"`
		Window      string `json:"window"`
		MaxRequests int    `json:"max_requests"`
	}
)

// WithTrustedUserHeader keys the AI and content call sites by the
// X-User-ID header when it is present. Enable it only when an
// authenticating proxy in front of the gateway sets the header and
// strips any client supplied value; otherwise a client rotating the
// header escapes its per-address limit.
func WithTrustedUserHeader() RouterOption {
	return func(o *routerOptions) {
		o.trustUserHeader = true
	}
}

// NewRouter mounts the rate limited call sites of the gateway. The
// handlers only acknowledge the request.
func NewRouter(
	limiter *ratelimit.Limiter,
	registry *ratelimit.Registry,
	options ...RouterOption,
) http.Handler {
	var opts routerOptions
	for _, o := range options {
		o(&opts)
	}

	router := chi.NewRouter()

	identifyCaller := ratelimit.IdentifyRequest
	if opts.trustUserHeader {
		identifyCaller = identifyPrincipal
	}

	limit := func(name string, identify func(*http.Request) string) func(http.Handler) http.Handler {
		return limiter.Middleware(registry.MustGet(name), identify)
	}

	router.With(limit(ratelimit.PolicyAuth, nil)).
		Post("/auth/login", acknowledge(http.StatusOK))

	router.With(limit(ratelimit.PolicyAPI, nil)).
		Get("/api/items", acknowledge(http.StatusOK))

	router.With(limit(ratelimit.PolicyAI, identifyCaller)).
		Post("/ai/generate", acknowledge(http.StatusAccepted))

	router.With(limit(ratelimit.PolicyContentSubmission, identifyCaller)).
		Post("/content", acknowledge(http.StatusCreated))

	router.With(limit(ratelimit.PolicyContactForm, nil)).
		Post("/contact", acknowledge(http.StatusAccepted))

	router.Get("/policies", listPolicies(registry))

	return router
}

// identifyPrincipal limits signed-in callers per account and
// anonymous callers per address. X-User-ID is not authenticated here.
func identifyPrincipal(r *http.Request) string {
	if id := r.Header.Get(headerUserID); id != "" {
		return ratelimit.IdentifyPrincipal(id)
	}

	return ratelimit.IdentifyRequest(r)
}

func acknowledge(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		httpserver.RenderJSON(w, status, map[string]string{"status": "ok"})
	}
}

func listPolicies(registry *ratelimit.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names := registry.Names()
		views := make([]policyView, 0, len(names))

		for _, name := range names {
			p, _ := registry.Get(name)
			views = append(
				views,
				policyView{
					Name:        p.Name,
					Window:      p.Window.Round(time.Second).String(),
					MaxRequests: p.MaxRequests,
				},
			)
		}

		httpserver.RenderJSON(w, http.StatusOK, views)
	}
}
