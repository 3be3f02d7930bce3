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
	"context"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
	"go.opentelemetry.io/otel/trace/noop"
)

func runService(ctx context.Context, s *Service) error {
	return s.Run(
		ctx,
		log.NewLogger(log.WithOutput(io.Discard)),
		prometheus.NewRegistry(),
		noop.NewTracerProvider(),
	)
}

func TestService_Run(t *testing.T) {
	mr := miniredis.RunT(t)

	s := New()
	s.config.Addr = "127.0.0.1:0"
	s.config.Store.URL = "redis://" + mr.Addr() + "/0"

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- runService(ctx, s) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(15 * time.Second):
		t.Fatal("service did not stop")
	}
}

func TestService_RunWithoutStore(t *testing.T) {
	s := New()
	s.config.Addr = "127.0.0.1:0"

	ctx, cancel := context.WithCancel(t.Context())
	cancel()

	assert.NoError(t, runService(ctx, s))
}

func TestService_RunInvalidConfiguration(t *testing.T) {
	t.Run("unsupported store", func(t *testing.T) {
		s := New()
		s.config.Store.URL = "memcached://localhost:11211"

		err := runService(t.Context(), s)
		assert.ErrorIs(t, err, ratelimit.ErrUnsupportedStore)
	})

	t.Run("zero store timeout", func(t *testing.T) {
		s := New()
		s.config.Store.URL = "redis://localhost:6379/0"
		s.config.Store.Timeout = 0

		err := runService(t.Context(), s)
		assert.ErrorIs(t, err, ErrInvalidConfig)
	})

	t.Run("invalid policy", func(t *testing.T) {
		s := New()
		s.config.Policies = []PolicyConfig{{Name: "uploads"}}

		err := runService(t.Context(), s)
		assert.ErrorIs(t, err, ratelimit.ErrInvalidPolicy)
	})

	t.Run("invalid address", func(t *testing.T) {
		s := New()
		s.config.Addr = "not-an-address"

		err := runService(t.Context(), s)
		require.Error(t, err)
	})
}
