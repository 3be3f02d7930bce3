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
	"errors"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"
)

var invalid = string([]byte{0xff, 0xfe, 'a'})

func TestToValidUTF8(t *testing.T) {
	assert.Equal(t, "1.2.3.4", ToValidUTF8("1.2.3.4"))
	assert.Equal(t, "\uFFFDa", ToValidUTF8(invalid))
}

func TestSanitizeError(t *testing.T) {
	assert.NoError(t, SanitizeError(nil))

	valid := errors.New("connection refused")
	assert.Same(t, valid, SanitizeError(valid))

	cause := errors.New(invalid)
	err := SanitizeError(cause)
	assert.True(t, utf8.ValidString(err.Error()))
	assert.ErrorIs(t, err, cause)
}

func TestTracerProvider_Sanitizes(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := WrapTracerProvider(
		sdktrace.NewTracerProvider(
			sdktrace.WithSampler(sdktrace.AlwaysSample()),
			sdktrace.WithSpanProcessor(recorder),
		),
	)

	key := attribute.Key(invalid)

	ctx, s := tp.Tracer(invalid).Start(
		context.Background(),
		invalid,
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(
			key.String(invalid),
			key.StringSlice([]string{invalid, "ok"}),
			attribute.Int("count", 3),
		),
	)

	s.SetStatus(codes.Error, invalid)
	s.AddEvent(invalid, trace.WithAttributes(key.String(invalid)))
	s.RecordError(errors.New(invalid))
	s.SetAttributes(attribute.String("ratelimit.key", invalid))

	_, child := s.TracerProvider().Tracer("child").Start(ctx, invalid)
	child.End()
	s.End()

	ended := recorder.Ended()
	require.Len(t, ended, 2)

	for _, span := range ended {
		assert.True(t, utf8.ValidString(span.Name()))
		assert.True(t, utf8.ValidString(span.Status().Description))
		assert.True(t, utf8.ValidString(span.InstrumentationScope().Name))
		assertValidAttributes(t, span.Attributes())

		for _, ev := range span.Events() {
			assert.True(t, utf8.ValidString(ev.Name))
			assertValidAttributes(t, ev.Attributes)
		}
	}

	parent := ended[1]
	assert.Equal(t, trace.SpanKindServer, parent.SpanKind())
	assert.Len(t, parent.Events(), 2)
	assert.Contains(t, parent.Attributes(), attribute.Int("count", 3))
}

func TestWrapTracerProvider_Nil(t *testing.T) {
	assert.Nil(t, WrapTracerProvider(nil))
}

func assertValidAttributes(t *testing.T, kvs []attribute.KeyValue) {
	t.Helper()

	for _, kv := range kvs {
		assert.True(t, utf8.ValidString(string(kv.Key)))

		switch kv.Value.Type() {
		case attribute.STRING:
			assert.True(t, utf8.ValidString(kv.Value.AsString()))
		case attribute.STRINGSLICE:
			for _, v := range kv.Value.AsStringSlice() {
				assert.True(t, utf8.ValidString(v))
			}
		}
	}
}
