package rdb

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func newTestClient(t *testing.T, mr *miniredis.Miniredis, options ...Option) (*Client, *prometheus.Registry) {
	t.Helper()

	registry := prometheus.NewRegistry()
	options = append(
		[]Option{
			WithURL("redis://" + mr.Addr() + "/0"),
			WithRegisterer(registry),
		},
		options...,
	)

	client, err := NewClient(options...)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	return client, registry
}

func TestNewClient_MissingAddress(t *testing.T) {
	_, err := NewClient(WithRegisterer(prometheus.NewRegistry()))
	assert.ErrorIs(t, err, ErrMissingAddress)
}

func TestNewClient_InvalidURL(t *testing.T) {
	_, err := NewClient(
		WithURL("http://localhost:6379"),
		WithRegisterer(prometheus.NewRegistry()),
	)
	assert.Error(t, err)
}

func TestNewClient_PoolSize(t *testing.T) {
	mr := miniredis.RunT(t)

	client, _ := newTestClient(t, mr, WithPoolSize(3))
	assert.Equal(t, 3, client.Redis().Options().PoolSize)
	assert.True(t, client.Redis().Options().DisableIdentity)
}

func TestClient_Metrics(t *testing.T) {
	mr := miniredis.RunT(t)
	client, registry := newTestClient(t, mr)

	ctx := context.Background()
	require.NoError(t, client.Ping(ctx))
	require.NoError(t, client.Redis().Set(ctx, "k", "v", time.Minute).Err())

	_, err := client.Redis().TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Incr(ctx, "counter")
		pipe.Expire(ctx, "counter", time.Minute)
		return nil
	})
	require.NoError(t, err)

	mr.SetError("ERR injected failure")
	assert.Error(t, client.Ping(ctx))
	mr.SetError("")

	count, err := testutil.GatherAndCount(registry, "redis_client_commands_total")
	require.NoError(t, err)
	assert.Greater(t, count, 0)

	assert.Equal(t, float64(1), commandCount(t, registry, "ping", "error"))
	assert.Equal(t, float64(1), commandCount(t, registry, "ping", "ok"))
	assert.Equal(t, float64(1), commandCount(t, registry, "set", "ok"))
}

func TestClient_NoHandshakeCommandsCounted(t *testing.T) {
	mr := miniredis.RunT(t)
	client, registry := newTestClient(t, mr)

	require.NoError(t, client.Ping(context.Background()))

	assert.Zero(t, commandCount(t, registry, "client", "error"))
	assert.Zero(t, commandCount(t, registry, "client", "ok"))
	assert.Equal(t, float64(1), commandCount(t, registry, "ping", "ok"))
}

func commandCount(t *testing.T, registry *prometheus.Registry, command, status string) float64 {
	t.Helper()

	mfs, err := registry.Gather()
	require.NoError(t, err)

	var total float64
	for _, mf := range mfs {
		if mf.GetName() != "redis_client_commands_total" {
			continue
		}

		for _, m := range mf.GetMetric() {
			labels := map[string]string{}
			for _, l := range m.GetLabel() {
				labels[l.GetName()] = l.GetValue()
			}

			if labels["command"] == command && labels["status"] == status {
				total += m.GetCounter().GetValue()
			}
		}
	}

	return total
}

func TestClient_SharedRegisterer(t *testing.T) {
	mr := miniredis.RunT(t)
	registry := prometheus.NewRegistry()

	for i := 0; i < 2; i++ {
		client, err := NewClient(
			WithURL("redis://"+mr.Addr()),
			WithRegisterer(registry),
		)
		require.NoError(t, err)
		require.NoError(t, client.Ping(context.Background()))
		require.NoError(t, client.Close())
	}
}

func TestClient_Tracing(t *testing.T) {
	mr := miniredis.RunT(t)

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
		sdktrace.WithSpanProcessor(recorder),
	)

	client, _ := newTestClient(t, mr, WithTracerProvider(tp))

	ctx, root := tp.Tracer("test").Start(context.Background(), "root")
	require.NoError(t, client.Redis().Set(ctx, "k", "v", 0).Err())
	root.End()

	var names []string
	for _, s := range recorder.Ended() {
		names = append(names, s.Name())
	}
	assert.Contains(t, names, "redis.set")
}

func TestHandshakeCommand(t *testing.T) {
	assert.True(t, handshakeCommand("hello"))
	assert.True(t, handshakeCommand("client"))
	assert.False(t, handshakeCommand("ping"))
	assert.False(t, handshakeCommand("evalsha"))
}
