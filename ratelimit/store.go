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

	"go.gearno.de/crypto/uuid"
)

type (
	// Store is the shared window storage backing a Limiter.
	//
	// Check atomically prunes the markers of key older than window,
	// counts the remaining ones and records the current attempt; it
	// returns the count observed before the attempt was recorded.
	// Whether an attempt beyond maxRequests is recorded depends on the
	// implementation and its configuration. A non-nil error means the
	// store could not be reached or answered nonsense; the Limiter
	// then fails open.
	Store interface {
		Check(ctx context.Context, key string, window time.Duration, maxRequests int) (int, error)
		Close() error
	}

	// Clock returns the current time. Tests replace it to move
	// through windows without sleeping.
	Clock func() time.Time
)

// newMember returns a marker member unique across every instance
// sharing the store, even for attempts recorded in the same
// millisecond.
func newMember(nowMs int64) (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("cannot generate marker id: %w", err)
	}

	return fmt.Sprintf("%d-%s", nowMs, id.String()), nil
}
