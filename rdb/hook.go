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

package rdb

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	hook struct {
		logger *log.Logger
		tracer trace.Tracer
		attrs  []attribute.KeyValue

		commandsTotal   *prometheus.CounterVec
		commandDuration *prometheus.HistogramVec
		dialErrorsTotal prometheus.Counter
	}
)

var (
	_ redis.Hook = (*hook)(nil)
)

func newHook(
	logger *log.Logger,
	tracer trace.Tracer,
	registerer prometheus.Registerer,
	opts *redis.Options,
) (*hook, error) {
	h := &hook{
		logger: logger,
		tracer: tracer,
		attrs:  serverAttributes(opts),
	}

	labels := prometheus.Labels{"addr": opts.Addr, "db": strconv.Itoa(opts.DB)}

	h.commandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Subsystem:   "redis_client",
			Name:        "commands_total",
			Help:        "Total number of Redis commands sent, pipelined commands included.",
			ConstLabels: labels,
		},
		[]string{"command", "status"},
	)

	h.commandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Subsystem:   "redis_client",
			Name:        "round_trip_duration_seconds",
			Help:        "Duration of Redis round trips in seconds.",
			Buckets:     []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			ConstLabels: labels,
		},
		[]string{"command"},
	)

	h.dialErrorsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Subsystem:   "redis_client",
			Name:        "dial_errors_total",
			Help:        "Total number of failed connection attempts.",
			ConstLabels: labels,
		},
	)

	var err error
	h.commandsTotal, err = register(registerer, h.commandsTotal)
	if err != nil {
		return nil, err
	}

	h.commandDuration, err = register(registerer, h.commandDuration)
	if err != nil {
		return nil, err
	}

	h.dialErrorsTotal, err = register(registerer, h.dialErrorsTotal)
	if err != nil {
		return nil, err
	}

	return h, nil
}

// register registers c, returning the already registered collector
// when several clients share one registerer.
func register[C prometheus.Collector](r prometheus.Registerer, c C) (C, error) {
	if err := r.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(C); ok {
				return existing, nil
			}
		}

		return c, fmt.Errorf("cannot register redis metrics: %w", err)
	}

	return c, nil
}

func serverAttributes(opts *redis.Options) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("db.system.name", "redis"),
		attribute.String("db.namespace", strconv.Itoa(opts.DB)),
	}

	host, port, err := net.SplitHostPort(opts.Addr)
	if err != nil {
		return append(attrs, semconv.ServerAddress(opts.Addr))
	}

	attrs = append(attrs, semconv.ServerAddress(host))
	if p, err := strconv.Atoi(port); err == nil {
		attrs = append(attrs, semconv.ServerPort(p))
	}

	return attrs
}

// handshakeCommand reports commands go-redis sends on its own when a
// connection is initialized. Servers may reject them without the
// connection being unusable, so they stay out of the command metrics.
func handshakeCommand(name string) bool {
	switch name {
	case "hello", "client":
		return true
	}

	return false
}

func commandStatus(err error) string {
	if err == nil || errors.Is(err, redis.Nil) {
		return "ok"
	}

	return "error"
}

func (h *hook) DialHook(next redis.DialHook) redis.DialHook {
	return func(ctx context.Context, network, addr string) (net.Conn, error) {
		conn, err := next(ctx, network, addr)
		if err != nil {
			h.dialErrorsTotal.Inc()
			h.logger.WarnCtx(
				ctx,
				"cannot dial redis",
				log.String("network", network),
				log.String("addr", addr),
				log.Error(err),
			)
		}

		return conn, err
	}
}

func (h *hook) ProcessHook(next redis.ProcessHook) redis.ProcessHook {
	return func(ctx context.Context, cmd redis.Cmder) error {
		var (
			start    = time.Now()
			name     = cmd.Name()
			rootSpan = trace.SpanFromContext(ctx)
			span     trace.Span
		)

		if rootSpan.IsRecording() {
			ctx, span = h.tracer.Start(
				ctx,
				"redis."+name,
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(h.attrs...),
				trace.WithAttributes(semconv.DBOperationName(name)),
			)
			defer span.End()
		}

		err := next(ctx, cmd)

		if !handshakeCommand(name) {
			h.commandDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
			h.commandsTotal.WithLabelValues(name, commandStatus(err)).Inc()
		}

		if rootSpan.IsRecording() && commandStatus(err) == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return err
	}
}

func (h *hook) ProcessPipelineHook(next redis.ProcessPipelineHook) redis.ProcessPipelineHook {
	return func(ctx context.Context, cmds []redis.Cmder) error {
		var (
			start    = time.Now()
			rootSpan = trace.SpanFromContext(ctx)
			span     trace.Span
		)

		if rootSpan.IsRecording() {
			ctx, span = h.tracer.Start(
				ctx,
				"redis.pipeline",
				trace.WithSpanKind(trace.SpanKindClient),
				trace.WithAttributes(h.attrs...),
				trace.WithAttributes(attribute.Int("db.operation.batch.size", len(cmds))),
			)
			defer span.End()
		}

		err := next(ctx, cmds)

		h.commandDuration.WithLabelValues("pipeline").Observe(time.Since(start).Seconds())
		for _, cmd := range cmds {
			if handshakeCommand(cmd.Name()) {
				continue
			}
			h.commandsTotal.WithLabelValues(cmd.Name(), commandStatus(cmd.Err())).Inc()
		}

		if rootSpan.IsRecording() && commandStatus(err) == "error" {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}

		return err
	}
}
