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
	"context"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Limiter during
	// initialization.
	Option func(l *Limiter)

	// Limiter decides whether an attempt is admitted under a policy
	// using a sliding window log kept in a shared Store. It never
	// blocks callers on an unavailable store: without a store, or when
	// the store fails or is too slow, every attempt is admitted.
	Limiter struct {
		store   Store
		logger  *log.Logger
		tracer  trace.Tracer
		timeout time.Duration
		now     Clock

		registerer    prometheus.Registerer
		checksTotal   *prometheus.CounterVec
		checkDuration *prometheus.HistogramVec
		failOpenTotal *prometheus.CounterVec
	}

	// Decision is the outcome of a Check.
	Decision struct {
		// Allowed indicates whether the attempt is admitted.
		Allowed bool

		// Limit is the maximum number of attempts of the policy.
		Limit int

		// Remaining is the number of attempts still admitted in the
		// window after this one.
		Remaining int

		// ResetAt is the end of the window started by this attempt.
		ResetAt time.Time

		// RetryAfter is the number of seconds a denied caller should
		// wait. It is zero when the attempt is allowed.
		RetryAfter int

		// Degraded reports a fail-open decision taken without
		// consulting the store.
		Degraded bool
	}
)

const (
	tracerName = "go.gearno.de/throttle/ratelimit"

	defaultTimeout = time.Second

	failOpenDisabled   = "disabled"
	failOpenStoreError = "store_error"
	failOpenTimeout    = "timeout"
	failOpenInvalid    = "invalid_policy"
)

// WithLogger sets a custom logger for the limiter.
func WithLogger(l *log.Logger) Option {
	return func(lim *Limiter) {
		lim.logger = l.Named("ratelimit")
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(l *Limiter) {
		l.tracer = tp.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		)
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(l *Limiter) {
		l.registerer = r
	}
}

// WithTimeout bounds every store round trip. Default is 1 second.
// Non-positive durations are ignored.
func WithTimeout(d time.Duration) Option {
	return func(l *Limiter) {
		if d > 0 {
			l.timeout = d
		}
	}
}

// WithClock sets the clock used to compute reset times.
func WithClock(c Clock) Option {
	return func(l *Limiter) {
		l.now = c
	}
}

// NewLimiter returns a limiter backed by store. A nil store disables
// rate limiting: every Check admits the attempt.
func NewLimiter(store Store, options ...Option) *Limiter {
	l := &Limiter{
		store:      store,
		logger:     log.NewLogger(log.WithOutput(io.Discard)),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		timeout:    defaultTimeout,
		now:        time.Now,
		registerer: prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(l)
	}

	l.registerMetrics(l.registerer)

	if store == nil {
		l.logger.Info("no rate limit store configured, every request is allowed")
	}

	return l
}

// Enabled reports whether the limiter consults a store.
func (l *Limiter) Enabled() bool {
	return l.store != nil
}

func (l *Limiter) registerMetrics(r prometheus.Registerer) {
	l.checksTotal = register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "checks_total",
				Help:      "Total number of rate limit checks.",
			},
			[]string{"policy", "allowed"},
		),
	)

	l.checkDuration = register(
		r,
		prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Subsystem: "ratelimit",
				Name:      "check_duration_seconds",
				Help:      "Duration of rate limit checks in seconds.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"policy", "allowed"},
		),
	)

	l.failOpenTotal = register(
		r,
		prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Subsystem: "ratelimit",
				Name:      "fail_open_total",
				Help:      "Total number of attempts admitted without consulting the store.",
			},
			[]string{"policy", "reason"},
		),
	)
}

func register[C prometheus.Collector](r prometheus.Registerer, c C) C {
	if err := r.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}
	}

	return c
}

// Check records an attempt of identifier under p and decides whether
// it is admitted. Check never fails: store errors and policies which
// do not pass Validate are logged and the attempt is admitted with a
// degraded decision. Policies from a Registry are always valid.
func (l *Limiter) Check(ctx context.Context, identifier string, p Policy) Decision {
	start := time.Now()

	var (
		rootSpan = trace.SpanFromContext(ctx)
		span     trace.Span
		key      = p.Key(identifier)
	)

	if rootSpan.IsRecording() {
		ctx, span = l.tracer.Start(
			ctx,
			"ratelimit.Check",
			trace.WithSpanKind(trace.SpanKindInternal),
			trace.WithAttributes(
				attribute.String("ratelimit.policy", p.Name),
				attribute.String("ratelimit.key", key),
				attribute.Int("ratelimit.limit", p.MaxRequests),
				attribute.Int64("ratelimit.window_ms", p.Window.Milliseconds()),
			),
		)
		defer span.End()
	}

	now := l.now()
	resetAt := now.Add(p.Window)

	// A zero window would expire the key as soon as it is written and a
	// zero limit would deny every attempt; neither reaches the store.
	if err := p.Validate(); err != nil {
		l.logger.ErrorCtx(
			ctx,
			"invalid rate limit policy, allowing request",
			log.Error(err),
			log.String("policy", p.Name),
		)

		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		d := failOpen(p, resetAt)
		l.record(span, p, d, failOpenInvalid, time.Since(start))
		return d
	}

	if l.store == nil {
		d := failOpen(p, resetAt)
		l.record(span, p, d, failOpenDisabled, time.Since(start))
		return d
	}

	storeCtx, cancel := context.WithTimeout(ctx, l.timeout)
	count, err := l.store.Check(storeCtx, key, p.Window, p.MaxRequests)
	cancel()

	if err != nil {
		reason := failOpenStoreError
		if storeCtx.Err() == context.DeadlineExceeded {
			reason = failOpenTimeout
		}

		l.logger.WarnCtx(
			ctx,
			"rate limit store unavailable, allowing request",
			log.Error(err),
			log.String("policy", p.Name),
			log.String("key", key),
			log.String("reason", reason),
		)

		if span != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		d := failOpen(p, resetAt)
		l.record(span, p, d, reason, time.Since(start))
		return d
	}

	d := Decision{
		Allowed:   count < p.MaxRequests,
		Limit:     p.MaxRequests,
		Remaining: max(0, p.MaxRequests-count-1),
		ResetAt:   resetAt,
	}

	if !d.Allowed {
		d.Remaining = 0
		d.RetryAfter = max(1, int(math.Ceil(resetAt.Sub(now).Seconds())))
	}

	if span != nil {
		span.SetAttributes(attribute.Int("ratelimit.count", count))
	}

	l.record(span, p, d, "", time.Since(start))

	return d
}

func failOpen(p Policy, resetAt time.Time) Decision {
	return Decision{
		Allowed:   true,
		Limit:     p.MaxRequests,
		Remaining: max(0, p.MaxRequests),
		ResetAt:   resetAt,
		Degraded:  true,
	}
}

func (l *Limiter) record(span trace.Span, p Policy, d Decision, reason string, duration time.Duration) {
	allowed := strconv.FormatBool(d.Allowed)

	l.checksTotal.WithLabelValues(p.Name, allowed).Inc()
	l.checkDuration.WithLabelValues(p.Name, allowed).Observe(duration.Seconds())

	if reason != "" {
		l.failOpenTotal.WithLabelValues(p.Name, reason).Inc()
	}

	if span != nil {
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", d.Allowed),
			attribute.Bool("ratelimit.degraded", d.Degraded),
			attribute.Int("ratelimit.remaining", d.Remaining),
		)
	}
}
