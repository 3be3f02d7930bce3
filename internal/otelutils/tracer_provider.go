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

package otelutils

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/embedded"
)

type (
	// TracerProvider sanitizes every string recorded through the
	// tracers it returns: span and event names, status
	// descriptions, error messages and attributes.
	TracerProvider struct {
		embedded.TracerProvider

		next trace.TracerProvider
	}

	tracer struct {
		embedded.Tracer

		next trace.Tracer
		tp   *TracerProvider
	}

	span struct {
		embedded.Span

		next trace.Span
		tp   *TracerProvider
	}
)

// WrapTracerProvider returns next wrapped in a TracerProvider. A nil
// next is returned as is.
func WrapTracerProvider(next trace.TracerProvider) trace.TracerProvider {
	if next == nil {
		return nil
	}

	return &TracerProvider{next: next}
}

func (tp *TracerProvider) Tracer(name string, options ...trace.TracerOption) trace.Tracer {
	return &tracer{
		next: tp.next.Tracer(ToValidUTF8(name), options...),
		tp:   tp,
	}
}

func (t *tracer) Start(
	ctx context.Context,
	name string,
	options ...trace.SpanStartOption,
) (context.Context, trace.Span) {
	cfg := trace.NewSpanStartConfig(options...)

	opts := []trace.SpanStartOption{trace.WithSpanKind(cfg.SpanKind())}
	if cfg.NewRoot() {
		opts = append(opts, trace.WithNewRoot())
	}
	if ts := cfg.Timestamp(); !ts.IsZero() {
		opts = append(opts, trace.WithTimestamp(ts))
	}
	for _, l := range cfg.Links() {
		opts = append(opts, trace.WithLinks(sanitizeLink(l)))
	}
	if attrs := cfg.Attributes(); len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(sanitizeAttributes(attrs)...))
	}

	ctx, s := t.next.Start(ctx, ToValidUTF8(name), opts...)

	return ctx, &span{next: s, tp: t.tp}
}

func (s *span) End(options ...trace.SpanEndOption) {
	s.next.End(options...)
}

func (s *span) SpanContext() trace.SpanContext {
	return s.next.SpanContext()
}

func (s *span) IsRecording() bool {
	return s.next.IsRecording()
}

func (s *span) SetStatus(code codes.Code, description string) {
	s.next.SetStatus(code, ToValidUTF8(description))
}

func (s *span) SetName(name string) {
	s.next.SetName(ToValidUTF8(name))
}

func (s *span) SetAttributes(kv ...attribute.KeyValue) {
	s.next.SetAttributes(sanitizeAttributes(kv)...)
}

func (s *span) AddEvent(name string, options ...trace.EventOption) {
	s.next.AddEvent(ToValidUTF8(name), sanitizeEventOptions(options)...)
}

func (s *span) AddLink(link trace.Link) {
	s.next.AddLink(sanitizeLink(link))
}

func (s *span) RecordError(err error, options ...trace.EventOption) {
	s.next.RecordError(SanitizeError(err), sanitizeEventOptions(options)...)
}

// TracerProvider returns the wrapping provider so that tracers
// obtained from a span keep sanitizing.
func (s *span) TracerProvider() trace.TracerProvider {
	return s.tp
}

func sanitizeLink(l trace.Link) trace.Link {
	return trace.Link{
		SpanContext: l.SpanContext,
		Attributes:  sanitizeAttributes(l.Attributes),
	}
}

func sanitizeEventOptions(options []trace.EventOption) []trace.EventOption {
	if len(options) == 0 {
		return nil
	}

	cfg := trace.NewEventConfig(options...)

	var opts []trace.EventOption
	if ts := cfg.Timestamp(); !ts.IsZero() {
		opts = append(opts, trace.WithTimestamp(ts))
	}
	if cfg.StackTrace() {
		opts = append(opts, trace.WithStackTrace(true))
	}
	if attrs := cfg.Attributes(); len(attrs) > 0 {
		opts = append(opts, trace.WithAttributes(sanitizeAttributes(attrs)...))
	}

	return opts
}
