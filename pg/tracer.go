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

package pg

import (
	"context"
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.37.0"
	"go.opentelemetry.io/otel/trace"
)

type (
	tracer struct {
		tracer trace.Tracer
	}
)

var (
	_ pgx.QueryTracer       = (*tracer)(nil)
	_ pgx.BatchTracer       = (*tracer)(nil)
	_ pgx.ConnectTracer     = (*tracer)(nil)
	_ pgxpool.AcquireTracer = (*tracer)(nil)
)

const (
	tracerName = "go.gearno.de/throttle/pg"

	// BatchSizeKey represents the batch size.
	BatchSizeKey = attribute.Key("db.operation.batch.size")

	// RowsAffectedKey represents the number of rows affected.
	RowsAffectedKey = attribute.Key("pgx.rows_affected")

	// SQLStateKey represents PostgreSQL error code,
	// see https://www.postgresql.org/docs/current/errcodes-appendix.html.
	SQLStateKey = attribute.Key("db.response.status_code")
)

var (
	dbSystem = attribute.String("db.system.name", "postgresql")
)

func connectionAttributes(config *pgx.ConnConfig) trace.SpanStartOption {
	if config == nil {
		return trace.WithAttributes(dbSystem)
	}

	return trace.WithAttributes(
		semconv.NetworkPeerAddress(config.Host),
		semconv.NetworkPeerPort(int(config.Port)),
		dbSystem,
	)
}

func connConfig(conn *pgx.Conn) *pgx.ConnConfig {
	if conn == nil {
		return nil
	}

	return conn.Config()
}

func sqlOperationName(sql string) string {
	fields := strings.Fields(sql)
	if len(fields) > 0 {
		return strings.ToUpper(fields[0])
	}

	return "UNKNOWN"
}

func recordError(span trace.Span, err error) {
	if err == nil || errors.Is(err, pgx.ErrNoRows) {
		return
	}

	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		span.SetAttributes(SQLStateKey.String(pgErr.Code))
	}
}

func endSpan(ctx context.Context, err error, attrs ...attribute.KeyValue) {
	span := trace.SpanFromContext(ctx)
	if !span.IsRecording() {
		return
	}

	recordError(span, err)
	if err == nil && len(attrs) > 0 {
		span.SetAttributes(attrs...)
	}

	span.End()
}

func (t *tracer) start(
	ctx context.Context,
	name string,
	config *pgx.ConnConfig,
	attrs ...attribute.KeyValue,
) context.Context {
	if !trace.SpanFromContext(ctx).IsRecording() {
		return ctx
	}

	ctx, _ = t.tracer.Start(
		ctx,
		name,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attrs...),
		connectionAttributes(config),
	)

	return ctx
}

func (t *tracer) TraceQueryStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceQueryStartData,
) context.Context {
	return t.start(
		ctx,
		"db.query",
		connConfig(conn),
		semconv.DBOperationName(sqlOperationName(data.SQL)),
		semconv.DBQueryText(data.SQL),
	)
}

func (t *tracer) TraceQueryEnd(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceQueryEndData,
) {
	endSpan(ctx, data.Err, RowsAffectedKey.Int64(data.CommandTag.RowsAffected()))
}

func (t *tracer) TraceBatchStart(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceBatchStartData,
) context.Context {
	var size int
	if b := data.Batch; b != nil {
		size = b.Len()
	}

	return t.start(ctx, "db.batch.query", connConfig(conn), BatchSizeKey.Int(size))
}

func (t *tracer) TraceBatchQuery(
	ctx context.Context,
	conn *pgx.Conn,
	data pgx.TraceBatchQueryData,
) {
	ctx = t.start(
		ctx,
		"db.query",
		connConfig(conn),
		semconv.DBOperationName(sqlOperationName(data.SQL)),
		semconv.DBQueryText(data.SQL),
	)
	endSpan(ctx, data.Err)
}

func (t *tracer) TraceBatchEnd(
	ctx context.Context,
	_ *pgx.Conn,
	data pgx.TraceBatchEndData,
) {
	endSpan(ctx, data.Err)
}

func (t *tracer) TraceConnectStart(
	ctx context.Context,
	data pgx.TraceConnectStartData,
) context.Context {
	return t.start(ctx, "db.connect", data.ConnConfig)
}

func (t *tracer) TraceConnectEnd(
	ctx context.Context,
	data pgx.TraceConnectEndData,
) {
	endSpan(ctx, data.Err)
}

func (t *tracer) TraceAcquireStart(
	ctx context.Context,
	pool *pgxpool.Pool,
	_ pgxpool.TraceAcquireStartData,
) context.Context {
	var config *pgx.ConnConfig
	if pool != nil && pool.Config() != nil {
		config = pool.Config().ConnConfig
	}

	return t.start(ctx, "pgx.pool.acquire", config)
}

func (t *tracer) TraceAcquireEnd(
	ctx context.Context,
	_ *pgxpool.Pool,
	data pgxpool.TraceAcquireEndData,
) {
	endSpan(ctx, data.Err)
}
