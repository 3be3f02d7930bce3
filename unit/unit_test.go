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

package unit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel/trace"
)

type (
	testConfig struct {
		Addr  string `json:"addr"`
		Limit int    `json:"limit"`
	}

	testMain struct {
		config testConfig
		run    func(context.Context, *log.Logger, prometheus.Registerer, trace.TracerProvider) error
	}
)

func (m *testMain) GetConfiguration() any {
	return &m.config
}

func (m *testMain) Run(
	ctx context.Context,
	l *log.Logger,
	r prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	return m.run(ctx, l, r, tp)
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

const testConfigFile = `
unit:
  log:
    format: pretty
    level: debug
  metrics:
    addr: "127.0.0.1:0"
demo:
  addr: ":8080"
  limit: 42
`

func TestUnit_LoadConfiguration(t *testing.T) {
	runnable := &testMain{}
	u := NewUnit("demo", "1.0.0", "test", runnable)

	require.NoError(t, u.loadConfigurationFromFile(writeConfig(t, testConfigFile)))

	assert.Equal(t, "127.0.0.1:0", u.config.Metrics.Addr)
	assert.Equal(t, "pretty", u.config.Log.Format)
	assert.Equal(t, "debug", u.config.Log.Level)
	assert.Equal(t, 1024, u.config.Tracing.MaxBatchSize)
	assert.Equal(t, testConfig{Addr: ":8080", Limit: 42}, runnable.config)
}

func TestUnit_LoadConfigurationErrors(t *testing.T) {
	u := NewUnit("demo", "1.0.0", "test", &testMain{})

	err := u.loadConfigurationFromFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	err = u.loadConfigurationFromFile(writeConfig(t, "demo:\n  limit: not-a-number\n"))
	assert.Error(t, err)
}

func TestUnit_PrintConfiguration(t *testing.T) {
	var out bytes.Buffer
	u := NewUnit("demo", "1.0.0", "test", &testMain{})
	u.stdout = &out

	err := u.run(t.Context(), []string{"-print-cfg", "-cfg-file", writeConfig(t, testConfigFile)})
	require.NoError(t, err)

	var printed map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out.Bytes(), &printed))
	assert.Contains(t, printed, "unit")
	assert.JSONEq(t, `{"addr":":8080","limit":42}`, string(printed["demo"]))
}

func TestUnit_Version(t *testing.T) {
	var out bytes.Buffer
	u := NewUnit("demo", "1.2.3", "test", &testMain{})
	u.stdout = &out

	require.NoError(t, u.run(t.Context(), []string{"-version"}))
	assert.Equal(t, "version: 1.2.3\n", out.String())
}

func TestUnit_RunReturnsMainError(t *testing.T) {
	errMain := errors.New("main failed")

	runnable := &testMain{
		run: func(ctx context.Context, l *log.Logger, r prometheus.Registerer, tp trace.TracerProvider) error {
			assert.NotNil(t, l)
			assert.NotNil(t, r)
			assert.NotNil(t, tp)
			return errMain
		},
	}

	u := NewUnit("demo", "1.0.0", "test", runnable)
	u.stdout = &bytes.Buffer{}

	err := u.run(t.Context(), []string{"-cfg-file", writeConfig(t, testConfigFile)})
	assert.ErrorIs(t, err, errMain)
}

func TestUnit_RunStopsOnCancel(t *testing.T) {
	started := make(chan struct{})
	runnable := &testMain{
		run: func(ctx context.Context, _ *log.Logger, _ prometheus.Registerer, _ trace.TracerProvider) error {
			close(started)
			<-ctx.Done()
			return nil
		},
	}

	u := NewUnit("demo", "1.0.0", "test", runnable)
	u.stdout = &bytes.Buffer{}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() {
		done <- u.run(ctx, []string{"-cfg-file", writeConfig(t, testConfigFile)})
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("main was not started")
	}

	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("unit did not stop")
	}
}

func TestUnit_InvalidLogFormat(t *testing.T) {
	u := NewUnit("demo", "1.0.0", "test", &testMain{})
	u.stdout = &bytes.Buffer{}

	err := u.run(t.Context(), []string{"-cfg-file", writeConfig(t, "unit:\n  log:\n    format: xml\n")})
	assert.Error(t, err)
}
