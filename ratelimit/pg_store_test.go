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
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.gearno.de/crypto/uuid"
)

func newTestPGStore(t *testing.T, countRejected bool, clock *fakeClock) (*PGStore, string) {
	t.Helper()

	url := os.Getenv("THROTTLE_PG_URL")
	if url == "" {
		t.Skip("THROTTLE_PG_URL not set")
	}

	store, err := OpenStore(
		t.Context(),
		url,
		OpenOptions{
			Registerer:    prometheus.NewRegistry(),
			CountRejected: countRejected,
		},
	)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	s := store.(*PGStore)
	if clock != nil {
		s.now = clock.Now
	}

	id, err := uuid.NewV7()
	require.NoError(t, err)

	return s, "ratelimit:test:" + id.String()
}

func TestPGStore_CountsAdmittedAttempts(t *testing.T) {
	store, key := newTestPGStore(t, false, newFakeClock())

	var counts []int
	for range 5 {
		count, err := store.Check(t.Context(), key, time.Minute, 3)
		require.NoError(t, err)
		counts = append(counts, count)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 3}, counts)
}

func TestPGStore_CountsRejectedAttempts(t *testing.T) {
	store, key := newTestPGStore(t, true, newFakeClock())

	var counts []int
	for range 5 {
		count, err := store.Check(t.Context(), key, time.Minute, 3)
		require.NoError(t, err)
		counts = append(counts, count)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, counts)
}

func TestPGStore_WindowSlides(t *testing.T) {
	clock := newFakeClock()
	store, key := newTestPGStore(t, false, clock)

	for range 3 {
		_, err := store.Check(t.Context(), key, time.Minute, 3)
		require.NoError(t, err)
	}

	clock.Advance(time.Minute + time.Millisecond)

	count, err := store.Check(t.Context(), key, time.Minute, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestPGStore_Concurrency(t *testing.T) {
	store, key := newTestPGStore(t, false, nil)

	var (
		wg      sync.WaitGroup
		allowed atomic.Int64
	)

	for range 30 {
		wg.Add(1)
		go func() {
			defer wg.Done()

			count, err := store.Check(t.Context(), key, time.Minute, 5)
			if assert.NoError(t, err) && count < 5 {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(5), allowed.Load())
}

func TestPGStore_Cleanup(t *testing.T) {
	clock := newFakeClock()
	store, key := newTestPGStore(t, false, clock)

	_, err := store.Check(t.Context(), key, time.Minute, 3)
	require.NoError(t, err)

	clock.Advance(time.Minute + time.Millisecond)

	deleted, err := store.Cleanup(t.Context())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, deleted, int64(1))
}
