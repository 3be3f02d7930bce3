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
	"time"

	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/pg"
)

// Cleanup removes the markers of every window which expired, as Redis
// would have done for a key with a TTL. It returns the number of
// markers removed.
func (s *PGStore) Cleanup(ctx context.Context) (int64, error) {
	var deleted int64

	err := s.pg.WithConn(
		ctx,
		func(conn pg.Conn) error {
			q := `DELETE FROM rate_limit_markers WHERE expires_at < $1`

			tag, err := conn.Exec(ctx, q, s.now().UnixMilli())
			if err != nil {
				return err
			}

			deleted = tag.RowsAffected()
			return nil
		},
	)
	if err != nil {
		return 0, fmt.Errorf("cannot delete expired markers: %w", err)
	}

	return deleted, nil
}

// StartCleanup starts a background goroutine that periodically calls
// Cleanup. The goroutine stops when ctx is cancelled. Only the first
// call starts a goroutine.
func (s *PGStore) StartCleanup(ctx context.Context) {
	s.cleanupOnce.Do(func() {
		go s.runCleanupLoop(ctx)
	})
}

func (s *PGStore) runCleanupLoop(ctx context.Context) {
	s.logger.InfoCtx(
		ctx,
		"starting rate limit cleanup loop",
		log.Duration("interval", s.cleanupInterval),
	)

	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.InfoCtx(ctx, "stopping rate limit cleanup loop")
			return
		case <-ticker.C:
			deleted, err := s.Cleanup(ctx)
			if err != nil {
				s.logger.ErrorCtx(ctx, "rate limit cleanup failed", log.Error(err))
				continue
			}

			s.logger.DebugCtx(ctx, "rate limit cleanup done", log.Int64("deleted", deleted))
		}
	}
}
