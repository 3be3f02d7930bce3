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
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisStore_CountsAdmittedAttempts(t *testing.T) {
	mr, client := newTestRedis(t)
	clock := newFakeClock()
	store := NewRedisStore(client, WithRedisClock(clock.Now))

	var counts []int
	for range 5 {
		count, err := store.Check(t.Context(), "ratelimit:test:1.2.3.4", time.Minute, 3)
		require.NoError(t, err)
		counts = append(counts, count)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 3}, counts)

	members, err := mr.ZMembers("ratelimit:test:1.2.3.4")
	require.NoError(t, err)
	assert.Len(t, members, 3)
}

func TestRedisStore_CountsRejectedAttempts(t *testing.T) {
	mr, client := newTestRedis(t)
	clock := newFakeClock()
	store := NewRedisStore(
		client,
		WithRedisClock(clock.Now),
		WithRejectedAttemptsCounted(true),
	)

	var counts []int
	for range 5 {
		count, err := store.Check(t.Context(), "ratelimit:test:1.2.3.4", time.Minute, 3)
		require.NoError(t, err)
		counts = append(counts, count)
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, counts)

	// Attempts in the same millisecond still get distinct markers.
	members, err := mr.ZMembers("ratelimit:test:1.2.3.4")
	require.NoError(t, err)
	assert.Len(t, members, 5)
}

func TestRedisStore_WindowSlides(t *testing.T) {
	for _, countRejected := range []bool{false, true} {
		_, client := newTestRedis(t)
		clock := newFakeClock()
		store := NewRedisStore(
			client,
			WithRedisClock(clock.Now),
			WithRejectedAttemptsCounted(countRejected),
		)

		for range 3 {
			_, err := store.Check(t.Context(), "k", time.Minute, 3)
			require.NoError(t, err)
		}

		clock.Advance(30 * time.Second)
		count, err := store.Check(t.Context(), "k", time.Minute, 3)
		require.NoError(t, err)
		assert.Equal(t, 3, count)

		// A marker scored exactly at the cutoff is still inside the
		// window.
		clock.Advance(30 * time.Second)
		count, err = store.Check(t.Context(), "k", time.Minute, 3)
		require.NoError(t, err)
		if countRejected {
			assert.Equal(t, 4, count)
		} else {
			assert.Equal(t, 3, count)
		}

		clock.Advance(time.Millisecond)
		count, err = store.Check(t.Context(), "k", time.Minute, 3)
		require.NoError(t, err)
		if countRejected {
			assert.Equal(t, 2, count)
		} else {
			assert.Equal(t, 0, count)
		}
	}
}

func TestRedisStore_KeyExpires(t *testing.T) {
	mr, client := newTestRedis(t)
	store := NewRedisStore(client)

	_, err := store.Check(t.Context(), "k", time.Minute, 3)
	require.NoError(t, err)

	assert.Equal(t, time.Minute, mr.TTL("k"))

	mr.FastForward(time.Minute)
	assert.False(t, mr.Exists("k"))
}

func TestRedisStore_Error(t *testing.T) {
	mr, client := newTestRedis(t)

	for _, countRejected := range []bool{false, true} {
		store := NewRedisStore(client, WithRejectedAttemptsCounted(countRejected))

		mr.SetError("ERR injected failure")
		_, err := store.Check(t.Context(), "k", time.Minute, 3)
		assert.Error(t, err)
		mr.SetError("")
	}
}

func TestRedisStore_Concurrency(t *testing.T) {
	for _, countRejected := range []bool{false, true} {
		_, client := newTestRedis(t)
		store := NewRedisStore(client, WithRejectedAttemptsCounted(countRejected))

		const (
			workers     = 50
			maxRequests = 10
		)

		var (
			wg      sync.WaitGroup
			allowed atomic.Int64
		)

		for range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()

				count, err := store.Check(t.Context(), "k", time.Minute, maxRequests)
				if assert.NoError(t, err) && count < maxRequests {
					allowed.Add(1)
				}
			}()
		}
		wg.Wait()

		assert.Equal(t, int64(maxRequests), allowed.Load())
	}
}

func TestRedisStore_Close(t *testing.T) {
	_, client := newTestRedis(t)
	store := NewRedisStore(client)

	require.NoError(t, store.Close())
	require.NoError(t, client.Ping(t.Context()).Err())
}
