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

package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/crypto/uuid"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

type (
	handlerWrapper struct {
		next     http.Handler
		logger   *log.Logger
		tracer   trace.Tracer
		clientIP func(*http.Request) string

		requestsTotal   *prometheus.CounterVec
		requestDuration *prometheus.HistogramVec
		requestSize     *prometheus.HistogramVec
		responseSize    *prometheus.HistogramVec
	}
)

const (
	tracerName = "go.gearno.de/throttle/httpserver"

	headerRequestID = "x-request-id"
)

var (
	internalErrorResponse = map[string]string{
		"error": "internal error",
	}

	metricLabels = []string{
		"method",
		"host",
		"flavor",
		"status_code",
		"path",
	}
)

func newHandlerWrapper(next http.Handler, logger *log.Logger, opts *Options) *handlerWrapper {
	sizeBuckets := prometheus.ExponentialBuckets(100, 10, 5)

	return &handlerWrapper{
		next:     next,
		logger:   logger,
		clientIP: opts.clientIP,
		tracer: opts.tracerProvider.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(version.New(0).Alpha(1)),
		),
		requestsTotal: register(
			opts.registerer,
			prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Subsystem: "http_server",
					Name:      "requests_total",
					Help:      "Total number of HTTP requests made.",
				},
				metricLabels,
			),
		),
		requestDuration: register(
			opts.registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "request_duration_seconds",
					Help:      "Duration of HTTP requests in seconds.",
					Buckets:   prometheus.DefBuckets,
				},
				metricLabels,
			),
		),
		requestSize: register(
			opts.registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "request_size_bytes",
					Help:      "Size of the HTTP request in bytes",
					Buckets:   sizeBuckets,
				},
				metricLabels,
			),
		),
		responseSize: register(
			opts.registerer,
			prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Subsystem: "http_server",
					Name:      "response_size_bytes",
					Help:      "Size of HTTP responses in bytes",
					Buckets:   sizeBuckets,
				},
				metricLabels,
			),
		),
	}
}

// register returns the collector already registered under the same
// descriptor, so that several servers can share a registerer.
func register[C prometheus.Collector](r prometheus.Registerer, c C) C {
	if err := r.Register(c); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing
			}
		}

		panic(err)
	}

	return c
}

func (hw *handlerWrapper) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// OPTIONS requests would only add noise to telemetry.
	if r.Method == http.MethodOptions {
		hw.next.ServeHTTP(w, r)
		return
	}

	if r.URL.Path == "/health" {
		w.Header().Set("content-type", "application/json; charset=utf-8")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("{}"))
		return
	}

	var (
		r2       = r.Clone(r.Context())
		ctx      = r2.Context()
		start    = time.Now()
		clientIP = hw.clientIP(r2)
		ww       = middleware.NewWrapResponseWriter(w, r2.ProtoMajor)
		logger   = hw.logger.With(
			log.String("http_request_method", r2.Method),
			log.String("http_request_host", r2.Host),
			log.String("http_request_path", r2.URL.Path),
			log.String("http_request_flavor", r2.Proto),
			log.String("http_request_user_agent", r2.UserAgent()),
			log.String("http_request_client_ip", clientIP),
		)
	)

	requestID := r2.Header.Get(headerRequestID)
	if requestID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			logger.ErrorCtx(ctx, "cannot generate request id", log.Error(err))
		}

		requestID = id.String()
	}
	r2.Header.Set(headerRequestID, requestID)
	ww.Header().Set(headerRequestID, requestID)
	logger = logger.With(log.String("http_request_id", requestID))

	ctx, span := hw.startSpan(ctx, r2, clientIP, requestID)
	if span != nil {
		defer span.End()
	}

	// chi fills the route context while routing, which gives the
	// route pattern used as metric label.
	ctx = context.WithValue(ctx, chi.RouteCtxKey, chi.NewRouteContext())

	defer func() {
		duration := time.Since(start)

		rvr := recover()
		if rvr != nil {
			recordPanic(span, rvr)

			stack := make([]byte, 1024)
			length := runtime.Stack(stack, false)

			logger = logger.With(
				log.Any("error", rvr),
				log.String("stacktrace", string(stack[:length])),
			)

			ww.Header().Set("content-type", "application/json; charset=utf-8")
			ww.WriteHeader(http.StatusInternalServerError)
			if err := json.NewEncoder(ww).Encode(internalErrorResponse); err != nil {
				logger.ErrorCtx(ctx, "cannot write internal error", log.Error(err))
			}
		}

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}

		labels := prometheus.Labels{
			"method":      r2.Method,
			"host":        r2.Host,
			"flavor":      r2.Proto,
			"status_code": strconv.Itoa(status),
			"path":        chi.RouteContext(ctx).RoutePattern(),
		}

		hw.requestsTotal.With(labels).Inc()
		hw.requestDuration.With(labels).Observe(duration.Seconds())
		hw.requestSize.With(labels).Observe(estimateRequestSize(r))
		hw.responseSize.With(labels).Observe(float64(ww.BytesWritten()))

		logger = logger.With(
			log.Int("http_response_size", ww.BytesWritten()),
			log.Int("http_response_status", status),
		)

		msg := fmt.Sprintf(
			"%s %s %d %s %s",
			r2.Method,
			r2.URL.Path,
			status,
			formatSize(ww.BytesWritten()),
			duration,
		)

		if status > 499 && rvr == nil && span != nil {
			span.SetStatus(codes.Error, fmt.Sprintf("%d status code", status))
		}

		if status > 499 || rvr != nil {
			logger.ErrorCtx(ctx, msg)
		} else {
			logger.InfoCtx(ctx, msg)
		}
	}()

	hw.next.ServeHTTP(ww, r2.WithContext(ctx))
}

// startSpan starts the server span when the incoming context is
// recorded. The returned span is nil otherwise.
func (hw *handlerWrapper) startSpan(
	ctx context.Context,
	r *http.Request,
	clientIP string,
	requestID string,
) (context.Context, trace.Span) {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx, nil
	}

	ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(r.Header))

	return hw.tracer.Start(
		ctx,
		fmt.Sprintf("%s %s", r.Method, r.URL.Path),
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			attribute.String("http.request.method", r.Method),
			attribute.String("url.path", r.URL.Path),
			attribute.String("url.full", r.URL.String()),
			attribute.String("server.address", r.Host),
			attribute.String("network.protocol.version", r.Proto),
			attribute.String("client.address", clientIP),
			attribute.String("user_agent.original", r.UserAgent()),
			attribute.String("http.request_id", requestID),
		),
	)
}

func recordPanic(span trace.Span, rvr any) {
	if span == nil {
		return
	}

	if err, ok := rvr.(error); ok {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return
	}

	span.SetStatus(codes.Error, fmt.Sprintf("%v", rvr))
}

func formatSize(n int) string {
	switch {
	case n < 1000:
		return fmt.Sprintf("%dB", n)
	case n < 1_000_000:
		return fmt.Sprintf("%.1fkB", float64(n)/1e3)
	case n < 1_000_000_000:
		return fmt.Sprintf("%.1fMB", float64(n)/1e6)
	default:
		return fmt.Sprintf("%.1fGB", float64(n)/1e9)
	}
}

func estimateRequestSize(r *http.Request) float64 {
	s := 0
	if r.URL != nil {
		s = len(r.URL.Path)
	}

	s += len(r.Method)
	s += len(r.Proto)
	for name, values := range r.Header {
		s += len(name)
		for _, value := range values {
			s += len(value)
		}
	}
	s += len(r.Host)

	// r.Form and r.MultipartForm are assumed to be included in r.URL.

	if r.ContentLength != -1 {
		s += int(r.ContentLength)
	}

	return float64(s)
}
