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

// Package pg provides the PostgreSQL client used by the PostgreSQL
// window store: a pgx connection pool with tracing, query logging and
// pool metrics.
package pg

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"

	"github.com/jackc/pgx/v5/multitracer"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/tracelog"
	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/internal/version"
	"go.gearno.de/throttle/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Option is a function that configures the Client during
	// initialization.
	Option func(c *Client)

	// Client provides a PostgreSQL client with a connection pool,
	// logging, tracing, and Prometheus metrics registration.
	Client struct {
		connString string

		addr     string
		user     string
		password string
		database string

		poolSize    int32
		poolSizeSet bool

		tlsConfig *tls.Config

		pool *pgxpool.Pool

		tracerProvider trace.TracerProvider
		tracer         trace.Tracer
		logger         *log.Logger
		queryLogLevel  tracelog.LogLevel
		registerer     prometheus.Registerer
	}

	ExecFunc func(Conn) error

	AdvisoryLock = uint32
)

const (
	BaseAdvisoryLockId uint32 = 42
)

// WithLogger sets a custom logger.
func WithLogger(l *log.Logger) Option {
	return func(c *Client) {
		c.logger = l.Named("pg.client")
	}
}

// WithConnString configures the client from a libpq connection
// string or a postgres:// URL. Values set by WithAddr, WithUser,
// WithPassword and WithDatabase are ignored when it is set.
func WithConnString(s string) Option {
	return func(c *Client) {
		c.connString = s
	}
}

// WithAddr specifies the database address in "host:port" format.
func WithAddr(addr string) Option {
	return func(c *Client) {
		c.addr = addr
	}
}

// WithUser sets the database user.
func WithUser(user string) Option {
	return func(c *Client) {
		c.user = user
	}
}

// WithPassword sets the database password.
func WithPassword(password string) Option {
	return func(c *Client) {
		c.password = password
	}
}

// WithDatabase specifies the database to connect to.
func WithDatabase(database string) Option {
	return func(c *Client) {
		c.database = database
	}
}

// WithTLS configures TLS using the provided certificates for secure
// connections.
func WithTLS(certs []*x509.Certificate) Option {
	return func(c *Client) {
		rootCAs := x509.NewCertPool()
		for _, cert := range certs {
			rootCAs.AddCert(cert)
		}

		host, _, err := net.SplitHostPort(c.addr)
		if err != nil {
			host = c.addr
		}

		c.tlsConfig = &tls.Config{
			RootCAs:    rootCAs,
			ServerName: host,
			MinVersion: tls.VersionTLS12,
		}
	}
}

// WithPoolSize sets the maximum number of pooled connections. It
// overrides pool_max_conns of a connection string. Non-positive
// values are ignored.
func WithPoolSize(i int32) Option {
	return func(c *Client) {
		if i > 0 {
			c.poolSize = i
			c.poolSizeSet = true
		}
	}
}

// WithQueryLogLevel sets the level at which pgx logs every query.
// Queries are only logged at debug level by default.
func WithQueryLogLevel(lvl tracelog.LogLevel) Option {
	return func(c *Client) {
		c.queryLogLevel = lvl
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

// NewClient creates a new database client with customizable options
// for logging, tracing, TLS, and Prometheus metrics. The pool
// connects lazily; a database that is down at startup does not make
// NewClient fail.
//
// Example:
//
//	client, err := pg.NewClient(
//	    pg.WithConnString("postgres://throttle@db.example.com:5432/throttle"),
//	    pg.WithLogger(logger),
//	)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
func NewClient(options ...Option) (*Client, error) {
	c := &Client{
		addr:           "localhost:5432",
		user:           "postgres",
		database:       "postgres",
		poolSize:       10,
		logger:         log.NewLogger(log.WithOutput(io.Discard)),
		queryLogLevel:  tracelog.LogLevelDebug,
		tracerProvider: otel.GetTracerProvider(),
		registerer:     prometheus.DefaultRegisterer,
	}

	for _, o := range options {
		o(c)
	}

	config, err := c.poolConfig()
	if err != nil {
		return nil, err
	}

	c.tracer = c.tracerProvider.Tracer(
		tracerName,
		trace.WithInstrumentationVersion(
			version.New(0).Alpha(1),
		),
	)

	config.ConnConfig.Tracer = multitracer.New(
		&tracer{c.tracer},
		&tracelog.TraceLog{
			Logger:   &logger{c.logger},
			LogLevel: c.queryLogLevel,
		},
	)

	pool, err := pgxpool.NewWithConfig(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("cannot create connection pool from config: %w", err)
	}

	labels := map[string]string{
		"database": config.ConnConfig.Database,
		"user":     config.ConnConfig.User,
		"addr":     net.JoinHostPort(config.ConnConfig.Host, strconv.Itoa(int(config.ConnConfig.Port))),
	}

	if err := c.registerer.Register(newCollector(pool, labels)); err != nil {
		var are prometheus.AlreadyRegisteredError
		if !errors.As(err, &are) {
			pool.Close()
			return nil, fmt.Errorf("cannot register pool collector: %w", err)
		}
	}

	c.pool = pool

	return c, nil
}

func (c *Client) poolConfig() (*pgxpool.Config, error) {
	if c.connString != "" {
		config, err := pgxpool.ParseConfig(c.connString)
		if err != nil {
			return nil, fmt.Errorf("invalid connection string: %w", err)
		}

		if c.poolSizeSet {
			config.MaxConns = c.poolSize
		}

		return config, nil
	}

	host, portStr, err := net.SplitHostPort(c.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address: %w", err)
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("invalid port: %w", err)
	}

	config, _ := pgxpool.ParseConfig("")
	config.ConnConfig.Host = host
	config.ConnConfig.Port = uint16(port)
	config.ConnConfig.User = c.user
	config.ConnConfig.Password = c.password
	config.ConnConfig.Database = c.database
	config.ConnConfig.TLSConfig = c.tlsConfig
	config.MinConns = 1
	config.MaxConns = c.poolSize

	return config, nil
}

// Close closes the client's connection pool, releasing all resources.
func (c *Client) Close() {
	c.pool.Close()
}

// Ping checks that a connection to the database can be established.
func (c *Client) Ping(ctx context.Context) error {
	return c.WithConn(ctx, func(conn Conn) error {
		_, err := conn.Exec(ctx, "SELECT 1")
		return err
	})
}

// WithConn executes the given ExecFunc with a database connection
// from the pool.
//
// Example:
//
//	err := client.WithConn(ctx, func(conn pg.Conn) error {
//	    _, err := conn.Exec(ctx, "DELETE FROM rate_limit_markers WHERE expires_at < $1", now)
//	    return err
//	})
func (c *Client) WithConn(
	ctx context.Context,
	exec ExecFunc,
) error {
	ctx, span, end := c.startSpan(ctx, "WithConn")
	defer end()

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		err := fmt.Errorf("cannot acquire connection: %w", err)
		recordError(span, err)
		return err
	}
	defer conn.Release()

	if err := exec(conn); err != nil {
		recordError(span, err)
		return err
	}

	return nil
}

// WithTx executes the given ExecFunc within a transaction. If `exec`
// returns an error, the transaction is rolled back; otherwise, it
// commits.
func (c *Client) WithTx(
	ctx context.Context,
	exec ExecFunc,
) error {
	ctx, span, end := c.startSpan(ctx, "WithTx")
	defer end()

	conn, err := c.pool.Acquire(ctx)
	if err != nil {
		err := fmt.Errorf("cannot acquire connection: %w", err)
		recordError(span, err)
		return err
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		err := fmt.Errorf("cannot begin transaction: %w", err)
		recordError(span, err)
		return err
	}

	if err := exec(tx); err != nil {
		if err2 := tx.Rollback(ctx); err2 != nil {
			err = errors.Join(
				err,
				fmt.Errorf("cannot rollback transaction: %w", err2),
			)
		}

		recordError(span, err)
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		err := fmt.Errorf("cannot commit transaction: %w", err)
		recordError(span, err)
		return err
	}

	return nil
}

// WithAdvisoryLock runs f in a transaction holding the transaction
// level advisory lock (BaseAdvisoryLockId, id).
func (c *Client) WithAdvisoryLock(
	ctx context.Context,
	id AdvisoryLock,
	f func(Conn) error,
) error {
	ctx, span, end := c.startSpan(
		ctx,
		"WithAdvisoryLock",
		attribute.Int("lock_id", int(id)),
	)
	defer end()

	err := c.WithTx(
		ctx,
		func(conn Conn) error {
			q := "SELECT pg_advisory_xact_lock($1, $2)"
			if _, err := conn.Exec(ctx, q, int32(BaseAdvisoryLockId), int32(id)); err != nil {
				return fmt.Errorf("cannot acquire advisory lock: %w", err)
			}

			return f(conn)
		},
	)
	if err != nil {
		recordError(span, err)
	}

	return err
}

// RefreshTypes closes idle connections so that the next acquire loads
// types created by a migration.
func (c *Client) RefreshTypes(ctx context.Context) error {
	conns := c.pool.AcquireAllIdle(ctx)
	for _, conn := range conns {
		if err := conn.Conn().Close(ctx); err != nil {
			conn.Release()
			return fmt.Errorf("cannot refresh postgresql type: %w", err)
		}
		conn.Release()
	}

	return nil
}

func (c *Client) startSpan(
	ctx context.Context,
	name string,
	attrs ...attribute.KeyValue,
) (context.Context, trace.Span, func()) {
	rootSpan := trace.SpanFromContext(ctx)
	if !rootSpan.IsRecording() {
		return ctx, rootSpan, func() {}
	}

	ctx, span := c.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
	)

	return ctx, span, func() { span.End() }
}
