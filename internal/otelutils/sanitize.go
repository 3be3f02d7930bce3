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

// Package otelutils keeps span data exportable. Client identifiers,
// request paths and store errors reach span attributes straight from
// the network and may hold invalid UTF-8, which OTLP rejects along with
// the whole export batch.
package otelutils

import (
	"strings"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
)

type (
	sanitizedError struct {
		err error
	}
)

// ToValidUTF8 replaces the invalid byte sequences of s with U+FFFD.
func ToValidUTF8(s string) string {
	if utf8.ValidString(s) {
		return s
	}

	return strings.ToValidUTF8(s, "\uFFFD")
}

// SanitizeError wraps err so that its message is valid UTF-8. The
// wrapped error stays reachable through errors.Is and errors.As.
func SanitizeError(err error) error {
	if err == nil || utf8.ValidString(err.Error()) {
		return err
	}

	return sanitizedError{err: err}
}

func (e sanitizedError) Error() string {
	return ToValidUTF8(e.err.Error())
}

func (e sanitizedError) Unwrap() error {
	return e.err
}

func sanitizeAttributes(in []attribute.KeyValue) []attribute.KeyValue {
	if len(in) == 0 {
		return in
	}

	out := make([]attribute.KeyValue, 0, len(in))
	for _, kv := range in {
		if !kv.Valid() {
			continue
		}

		key := attribute.Key(ToValidUTF8(string(kv.Key)))

		switch kv.Value.Type() {
		case attribute.STRING:
			out = append(out, key.String(ToValidUTF8(kv.Value.AsString())))
		case attribute.STRINGSLICE:
			values := kv.Value.AsStringSlice()
			for i := range values {
				values[i] = ToValidUTF8(values[i])
			}
			out = append(out, key.StringSlice(values))
		default:
			out = append(out, attribute.KeyValue{Key: key, Value: kv.Value})
		}
	}

	return out
}
