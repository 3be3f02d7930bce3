package log

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	stdlog "log"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()

	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		entry := map[string]any{}
		require.NoError(t, json.Unmarshal([]byte(line), &entry))
		entries = append(entries, entry)
	}

	return entries
}

func TestLogger_Named(t *testing.T) {
	var buf bytes.Buffer

	root := NewLogger(WithOutput(&buf), WithName("throttled"))
	child := root.Named("ratelimit").With(String("policy", "auth"))

	child.Info("store unavailable", Error(errors.New("dial tcp: refused")))

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "throttled.ratelimit", entries[0]["name"])
	assert.Equal(t, "auth", entries[0]["policy"])
	assert.Equal(t, "dial tcp: refused", entries[0]["error"])
	assert.Equal(t, "INFO", entries[0]["level"])
}

func TestLogger_Level(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(WithOutput(&buf), WithLevel(LevelWarn))
	logger.Info("dropped")
	logger.Named("child").Warn("kept")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["msg"])
}

func TestLogger_TraceContext(t *testing.T) {
	var buf bytes.Buffer

	tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sdktrace.AlwaysSample()))
	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	defer span.End()

	NewLogger(WithOutput(&buf)).InfoCtx(ctx, "hello")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, span.SpanContext().TraceID().String(), entries[0]["trace_id"])
	assert.Equal(t, span.SpanContext().SpanID().String(), entries[0]["span_id"])
}

func TestLogger_PrettyFormat(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(WithOutput(&buf), WithFormat(FormatPretty), WithName("throttled"))
	logger.Warn("fail open", String("policy", "api"))

	out := buf.String()
	assert.Contains(t, out, "fail open")
	assert.Contains(t, out, "throttled")
	assert.Contains(t, out, "policy=")
	assert.Contains(t, out, "api")
	assert.True(t, strings.HasSuffix(out, "\n"))
}

func TestWriter(t *testing.T) {
	var buf bytes.Buffer

	logger := NewLogger(WithOutput(&buf))
	std := stdlog.New(logger.NewWriter(LevelError), "", 0)
	std.Print("http: TLS handshake error")

	entries := decodeLines(t, &buf)
	require.Len(t, entries, 1)
	assert.Equal(t, "ERROR", entries[0]["level"])
	assert.Equal(t, "http: TLS handshake error", entries[0]["msg"])
}

func TestParse(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("Pretty")
	require.NoError(t, err)
	assert.Equal(t, FormatPretty, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)

	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, LevelWarn, lvl)

	_, err = ParseLevel("loud")
	assert.Error(t, err)
}
