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

// Package rdb provides the Redis client shared by every window store
// of a process. The client is constructed once at startup, reconnects
// transparently on transient network errors and must be closed on
// shutdown. Every command is traced, counted and timed.
package rdb

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/redis/go-redis/v9/maintnotifications"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Client during
	// initialization.
	Option func(c *Client)

	// Client wraps a go-redis client with logging, tracing and
	// Prometheus metrics.
	Client struct {
		url     string
		options *redis.Options

		dialTimeout  time.Duration
		readTimeout  time.Duration
		writeTimeout time.Duration
		poolSize     int

		client *redis.Client

		logger         *log.Logger
		tracerProvider trace.TracerProvider
		registerer     prometheus.Registerer
	}
)

const (
	tracerName = "go.gearno.de/throttle/rdb"
)

var (
	ErrMissingAddress = errors.New("redis address or url is required")
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("rdb.client")
	}
}

// WithURL configures the client from a redis://, rediss:// or unix://
// URL, as accepted by redis.ParseURL.
func WithURL(url string) Option {
	return func(c *Client) {
		c.url = url
	}
}

// WithOptions configures the client from fully built go-redis
// options. It takes precedence over WithURL.
func WithOptions(o *redis.Options) Option {
	return func(c *Client) {
		c.options = o
	}
}

// WithTimeouts overrides the dial, read and write timeouts of the
// connections. A zero value keeps the go-redis default.
func WithTimeouts(dial, read, write time.Duration) Option {
	return func(c *Client) {
		c.dialTimeout = dial
		c.readTimeout = read
		c.writeTimeout = write
	}
}

// WithPoolSize sets the maximum number of socket connections. A zero
// value keeps the go-redis default.
func WithPoolSize(n int) Option {
	return func(c *Client) {
		c.poolSize = n
	}
}

// WithTracerProvider configures OpenTelemetry tracing with the
// provided tracer provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(c *Client) {
		c.tracerProvider = tp
	}
}

// WithRegisterer sets a custom Prometheus registerer for metrics.
func WithRegisterer(r prometheus.Registerer) Option {
	return func(c *Client) {
		c.registerer = r
	}
}

// NewClient creates a Redis client. No connection is opened until the
// first command; use Ping to verify connectivity at startup.
//
// Example:
//
//	client, err := rdb.NewClient(
//	    rdb.WithURL("redis://localhost:6379/0"),
//	    rdb.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(c)
	}

	opts := c.options
	if opts == nil {
		if c.url == "" {
			return nil, ErrMissingAddress
		}

		parsed, err := redis.ParseURL(c.url)
		if err != nil {
			return nil, fmt.Errorf("cannot parse redis url: %w", err)
		}
		opts = parsed
	}

	// Callers bound commands with context deadlines.
	opts.ContextTimeoutEnabled = true

	// CLIENT SETINFO and CLIENT MAINT_NOTIFICATIONS are rejected by
	// servers older than 7.2; skip them on every new connection.
	opts.DisableIdentity = true
	opts.MaintNotificationsConfig = &maintnotifications.Config{
		Mode: maintnotifications.ModeDisabled,
	}

	if c.dialTimeout > 0 {
		opts.DialTimeout = c.dialTimeout
	}
	if c.readTimeout > 0 {
		opts.ReadTimeout = c.readTimeout
	}
	if c.writeTimeout > 0 {
		opts.WriteTimeout = c.writeTimeout
	}
	if c.poolSize > 0 {
		opts.PoolSize = c.poolSize
	}

	h, err := newHook(
		c.logger,
		c.tracerProvider.Tracer(
			tracerName,
			trace.WithInstrumentationVersion(
				version.New(0).Alpha(1),
			),
		),
		c.registerer,
		opts,
	)
	if err != nil {
		return nil, err
	}

	c.client = redis.NewClient(opts)
	c.client.AddHook(h)

	return c, nil
}

// Redis returns the underlying go-redis client.
func (c *Client) Redis() *redis.Client {
	return c.client
}

// Ping checks that the server is reachable.
func (c *Client) Ping(ctx context.Context) error {
	if err := c.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("cannot ping redis: %w", err)
	}

	return nil
}

// Close closes the client, releasing every pooled connection.
func (c *Client) Close() error {
	if err := c.client.Close(); err != nil {
		return fmt.Errorf("cannot close redis client: %w", err)
	}

	return nil
}
