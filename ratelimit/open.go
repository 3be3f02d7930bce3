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
	"errors"
	"fmt"
	"math"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/pg"
	"go.gearno.de/throttle/rdb"
	"go.opentelemetry.io/otel/trace"
)

type (
	// OpenOptions carries what OpenStore needs besides the store URL.
	// Nil fields keep the defaults of the underlying clients.
	OpenOptions struct {
		Logger         *log.Logger
		TracerProvider trace.TracerProvider
		Registerer     prometheus.Registerer

		// CountRejected makes rejected attempts occupy the window.
		CountRejected bool

		// CleanupInterval of the PostgreSQL store. Zero keeps the
		// store default.
		CleanupInterval time.Duration

		// PoolSize bounds the connections opened to the store. Zero
		// keeps the client default.
		PoolSize int
	}
)

var (
	ErrUnsupportedStore = errors.New("unsupported rate limit store")
)

// OpenStore connects to the store described by rawURL and returns a
// Store owning the connection: closing the store closes the client.
//
// An empty rawURL returns a nil Store, which disables rate limiting.
// redis://, rediss:// and unix:// URLs open a RedisStore;
// postgres:// and postgresql:// URLs open a PGStore and migrate its
// table.
func OpenStore(ctx context.Context, rawURL string, opts OpenOptions) (Store, error) {
	if rawURL == "" {
		return nil, nil
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("cannot parse store url: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss", "unix":
		return openRedisStore(ctx, rawURL, opts)
	case "postgres", "postgresql":
		return openPGStore(ctx, rawURL, opts)
	default:
		return nil, fmt.Errorf("%w: scheme %q", ErrUnsupportedStore, u.Scheme)
	}
}

func openRedisStore(ctx context.Context, rawURL string, opts OpenOptions) (Store, error) {
	clientOptions := []rdb.Option{rdb.WithURL(rawURL)}
	storeOptions := []RedisStoreOption{WithRejectedAttemptsCounted(opts.CountRejected)}

	if opts.Logger != nil {
		clientOptions = append(clientOptions, rdb.WithLogger(opts.Logger))
		storeOptions = append(storeOptions, WithRedisLogger(opts.Logger))
	}
	if opts.TracerProvider != nil {
		clientOptions = append(clientOptions, rdb.WithTracerProvider(opts.TracerProvider))
	}
	if opts.Registerer != nil {
		clientOptions = append(clientOptions, rdb.WithRegisterer(opts.Registerer))
	}
	if opts.PoolSize > 0 {
		clientOptions = append(clientOptions, rdb.WithPoolSize(opts.PoolSize))
	}

	client, err := rdb.NewClient(clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("cannot create redis client: %w", err)
	}

	// An unreachable Redis at startup is not fatal: checks fail open
	// until it comes back.
	if err := client.Ping(ctx); err != nil && opts.Logger != nil {
		opts.Logger.WarnCtx(ctx, "rate limit store unreachable at startup", log.Error(err))
	}

	s := NewRedisStore(client.Redis(), storeOptions...)
	s.close = client.Close

	return s, nil
}

func openPGStore(ctx context.Context, rawURL string, opts OpenOptions) (Store, error) {
	clientOptions := []pg.Option{pg.WithConnString(rawURL)}
	storeOptions := []PGStoreOption{WithPGRejectedAttemptsCounted(opts.CountRejected)}

	if opts.Logger != nil {
		clientOptions = append(clientOptions, pg.WithLogger(opts.Logger))
		storeOptions = append(storeOptions, WithPGLogger(opts.Logger))
	}
	if opts.TracerProvider != nil {
		clientOptions = append(clientOptions, pg.WithTracerProvider(opts.TracerProvider))
	}
	if opts.Registerer != nil {
		clientOptions = append(clientOptions, pg.WithRegisterer(opts.Registerer))
	}
	if opts.CleanupInterval > 0 {
		storeOptions = append(storeOptions, WithPGCleanupInterval(opts.CleanupInterval))
	}
	if opts.PoolSize > 0 {
		clientOptions = append(clientOptions, pg.WithPoolSize(int32(min(opts.PoolSize, math.MaxInt32))))
	}

	client, err := pg.NewClient(clientOptions...)
	if err != nil {
		return nil, fmt.Errorf("cannot create postgresql client: %w", err)
	}

	s, err := NewPGStore(ctx, client, storeOptions...)
	if err != nil {
		client.Close()
		return nil, err
	}

	s.close = func() error {
		client.Close()
		return nil
	}

	return s, nil
}
