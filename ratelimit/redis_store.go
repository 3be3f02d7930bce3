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
	"context"
	_ "embed"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.gearno.de/throttle/log"
)

type (
	// RedisStoreOption is a function that configures the RedisStore
	// during initialization.
	RedisStoreOption func(s *RedisStore)

	// RedisStore keeps each window in a Redis sorted set of markers
	// scored by their millisecond timestamp. Every Check is a single
	// atomic round trip, so any number of instances can share the
	// same Redis deployment.
	RedisStore struct {
		client        redis.Cmdable
		logger        *log.Logger
		now           Clock
		countRejected bool
		close         func() error
	}
)

var (
	//go:embed window.lua
	windowSource string
	windowScript = redis.NewScript(windowSource)
)

// WithRedisLogger sets a custom logger for the store.
func WithRedisLogger(l *log.Logger) RedisStoreOption {
	return func(s *RedisStore) {
		s.logger = l.Named("ratelimit.redis")
	}
}

// WithRedisClock sets the clock used to score markers.
func WithRedisClock(c Clock) RedisStoreOption {
	return func(s *RedisStore) {
		s.now = c
	}
}

// WithRejectedAttemptsCounted makes rejected attempts occupy the
// window like admitted ones. A caller retrying while limited then
// stays limited until it backs off for a full window.
func WithRejectedAttemptsCounted(b bool) RedisStoreOption {
	return func(s *RedisStore) {
		s.countRejected = b
	}
}

// NewRedisStore returns a store running its commands on client. The
// store does not own the client and Close leaves it open.
func NewRedisStore(client redis.Cmdable, options ...RedisStoreOption) *RedisStore {
	s := &RedisStore{
		client: client,
		logger: log.NewLogger(log.WithOutput(io.Discard)),
		now:    time.Now,
	}

	for _, o := range options {
		o(s)
	}

	return s
}

func (s *RedisStore) Check(
	ctx context.Context,
	key string,
	window time.Duration,
	maxRequests int,
) (int, error) {
	nowMs := s.now().UnixMilli()
	cutoff := "(" + strconv.FormatInt(nowMs-window.Milliseconds(), 10)

	member, err := newMember(nowMs)
	if err != nil {
		return 0, err
	}

	var count int64
	if s.countRejected {
		count, err = s.checkAttempts(ctx, key, window, nowMs, cutoff, member)
	} else {
		count, err = s.checkAdmitted(ctx, key, window, nowMs, cutoff, maxRequests, member)
	}

	if err != nil {
		s.logger.DebugCtx(
			ctx,
			"cannot check redis window",
			log.Error(err),
			log.String("key", key),
		)

		return 0, err
	}

	return int(count), nil
}

func (s *RedisStore) checkAdmitted(
	ctx context.Context,
	key string,
	window time.Duration,
	nowMs int64,
	cutoff string,
	maxRequests int,
	member string,
) (int64, error) {
	count, err := windowScript.Run(
		ctx,
		s.client,
		[]string{key},
		nowMs,
		cutoff,
		window.Milliseconds(),
		maxRequests,
		member,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("cannot run window script: %w", err)
	}

	return count, nil
}

func (s *RedisStore) checkAttempts(
	ctx context.Context,
	key string,
	window time.Duration,
	nowMs int64,
	cutoff string,
	member string,
) (int64, error) {
	var card *redis.IntCmd

	_, err := s.client.TxPipelined(
		ctx,
		func(pipe redis.Pipeliner) error {
			pipe.ZRemRangeByScore(ctx, key, "-inf", cutoff)
			card = pipe.ZCard(ctx, key)
			pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
			pipe.PExpire(ctx, key, window)
			return nil
		},
	)
	if err != nil {
		return 0, fmt.Errorf("cannot execute window transaction: %w", err)
	}

	return card.Val(), nil
}

// Close closes the Redis client when the store was opened by
// OpenStore and is a no-op otherwise.
func (s *RedisStore) Close() error {
	if s.close == nil {
		return nil
	}

	return s.close()
}
