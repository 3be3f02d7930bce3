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
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/pg"
)

type (
	// PGStoreOption is a function that configures the PGStore during
	// initialization.
	PGStoreOption func(s *PGStore)

	// PGStore keeps windows as rows of the UNLOGGED rate_limit_markers
	// table, for deployments already running PostgreSQL. Markers of a
	// key share an expiry which the cleanup loop enforces.
	PGStore struct {
		pg            *pg.Client
		logger        *log.Logger
		now           Clock
		countRejected bool
		close         func() error

		cleanupInterval time.Duration
		cleanupOnce     sync.Once
	}
)

// WithPGLogger sets a custom logger for the store.
func WithPGLogger(l *log.Logger) PGStoreOption {
	return func(s *PGStore) {
		s.logger = l.Named("ratelimit.pg")
	}
}

// WithPGClock sets the clock used to score markers.
func WithPGClock(c Clock) PGStoreOption {
	return func(s *PGStore) {
		s.now = c
	}
}

// WithPGRejectedAttemptsCounted makes rejected attempts occupy the
// window like admitted ones.
func WithPGRejectedAttemptsCounted(b bool) PGStoreOption {
	return func(s *PGStore) {
		s.countRejected = b
	}
}

// WithPGCleanupInterval sets the interval of the background removal
// of expired markers. Default is 5 minutes.
func WithPGCleanupInterval(d time.Duration) PGStoreOption {
	return func(s *PGStore) {
		s.cleanupInterval = d
	}
}

// NewPGStore returns a store running its queries on client. It
// migrates the rate_limit_markers table before returning. The store
// does not own the client and Close leaves it open.
func NewPGStore(ctx context.Context, client *pg.Client, options ...PGStoreOption) (*PGStore, error) {
	s := &PGStore{
		pg:              client,
		logger:          log.NewLogger(log.WithOutput(io.Discard)),
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
	}

	for _, o := range options {
		o(s)
	}

	if err := migrateSchema(ctx, client, s.logger); err != nil {
		return nil, fmt.Errorf("cannot migrate rate limit schema: %w", err)
	}

	return s, nil
}

// Check runs the whole window update as one batch. pgx sends the batch
// in a single round trip and the server executes it as one implicit
// transaction; the advisory lock serializes concurrent checks of the
// same key until that transaction ends.
func (s *PGStore) Check(
	ctx context.Context,
	key string,
	window time.Duration,
	maxRequests int,
) (int, error) {
	nowMs := s.now().UnixMilli()
	cutoff := nowMs - window.Milliseconds()
	expiresAt := nowMs + window.Milliseconds()

	member, err := newMember(nowMs)
	if err != nil {
		return 0, err
	}

	batch := &pgx.Batch{}
	batch.Queue("SELECT pg_advisory_xact_lock(hashtextextended($1, 0))", key)
	batch.Queue("DELETE FROM rate_limit_markers WHERE key = $1 AND score < $2", key, cutoff)
	batch.Queue("SELECT count(*) FROM rate_limit_markers WHERE key = $1", key)
	batch.Queue(
		`
INSERT INTO rate_limit_markers (key, member, score, expires_at)
SELECT $1, $2, $3, $4
WHERE $5::boolean
   OR (SELECT count(*) FROM rate_limit_markers WHERE key = $1) < $6::bigint
`,
		key,
		member,
		nowMs,
		expiresAt,
		s.countRejected,
		int64(maxRequests),
	)
	batch.Queue("UPDATE rate_limit_markers SET expires_at = $2 WHERE key = $1", key, expiresAt)

	var count int64
	err = s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			br := conn.SendBatch(ctx, batch)

			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("cannot acquire window lock: %w", err)
			}

			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("cannot prune window: %w", err)
			}

			if err := br.QueryRow().Scan(&count); err != nil {
				br.Close()
				return fmt.Errorf("cannot count window: %w", err)
			}

			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("cannot insert marker: %w", err)
			}

			if _, err := br.Exec(); err != nil {
				br.Close()
				return fmt.Errorf("cannot refresh window expiry: %w", err)
			}

			return br.Close()
		},
	)
	if err != nil {
		s.logger.DebugCtx(
			ctx,
			"cannot check postgresql window",
			log.Error(err),
			log.String("key", key),
		)

		return 0, err
	}

	return int(count), nil
}

// Close closes the PostgreSQL client when the store was opened by
// OpenStore and is a no-op otherwise. The cleanup loop stops with the
// context given to StartCleanup.
func (s *PGStore) Close() error {
	if s.close == nil {
		return nil
	}

	return s.close()
}
