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

// Package ratelimit implements a distributed sliding window log rate
// limiter.
//
// Every attempt of an identifier under a Policy is recorded as a
// timestamped marker in a shared Store, so that all instances of a
// horizontally scaled service enforce one limit together. A Check
// prunes the markers older than the policy window, counts the rest and
// records the attempt in a single atomic round trip; the attempt is
// admitted when fewer than MaxRequests markers remain.
//
// The limiter fails open: without a store, or when the store errors or
// times out, every attempt is admitted and the Decision is flagged as
// degraded.
//
// Two stores are provided. RedisStore keeps each window in a sorted
// set and is the default. PGStore keeps markers in an UNLOGGED
// PostgreSQL table for deployments without Redis.
//
// Example:
//
//	store, err := ratelimit.OpenStore(ctx, "redis://localhost:6379/0", ratelimit.OpenOptions{})
//	if err != nil {
//	    return err
//	}
//	defer store.Close()
//
//	limiter := ratelimit.NewLimiter(store, ratelimit.WithLogger(logger))
//
//	d := limiter.Check(ctx, ratelimit.IdentifyRequest(r), policy)
//	ratelimit.WriteHeaders(w.Header(), d)
//	if !d.Allowed {
//	    // reject with 429
//	}
package ratelimit
