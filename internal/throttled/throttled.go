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

// Package throttled implements the demo gateway: an HTTP service whose
// call sites are protected by the named rate limit policies, sharing
// their windows with every other instance through the configured
// store.
package throttled

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.gearno.de/throttle/httpserver"
	"go.gearno.de/throttle/log"
	"go.gearno.de/throttle/ratelimit"
	"go.opentelemetry.io/otel/trace"
)

type (
	// Service is the unit.Runnable of the gateway.
	Service struct {
		config Config
	}
)

const (
	shutdownTimeout = 10 * time.Second
)

func New() *Service {
	return &Service{config: DefaultConfig()}
}

func (s *Service) GetConfiguration() any {
	return &s.config
}

func (s *Service) Run(
	ctx context.Context,
	l *log.Logger,
	r prometheus.Registerer,
	tp trace.TracerProvider,
) error {
	logger := l.Named("throttled")

	if err := s.config.Validate(); err != nil {
		return err
	}

	registry, err := s.config.Registry()
	if err != nil {
		return err
	}

	store, err := ratelimit.OpenStore(
		ctx,
		s.config.Store.URL,
		ratelimit.OpenOptions{
			Logger:          logger,
			TracerProvider:  tp,
			Registerer:      r,
			CountRejected:   s.config.Store.CountRejected,
			CleanupInterval: time.Duration(s.config.Store.CleanupInterval),
			PoolSize:        s.config.Store.PoolSize,
		},
	)
	if err != nil {
		return fmt.Errorf("cannot open rate limit store: %w", err)
	}
	if store != nil {
		defer func() {
			if err := store.Close(); err != nil {
				logger.Error("cannot close rate limit store", log.Error(err))
			}
		}()
	}

	if pgStore, ok := store.(*ratelimit.PGStore); ok {
		pgStore.StartCleanup(ctx)
	}

	limiter := ratelimit.NewLimiter(
		store,
		ratelimit.WithLogger(logger),
		ratelimit.WithTracerProvider(tp),
		ratelimit.WithRegisterer(r),
		ratelimit.WithTimeout(time.Duration(s.config.Store.Timeout)),
	)

	logger.InfoCtx(
		ctx,
		"rate limiter configured",
		log.Bool("enabled", limiter.Enabled()),
		log.Any("policies", registry.Names()),
	)

	var routerOptions []RouterOption
	if s.config.TrustUserHeader {
		routerOptions = append(routerOptions, WithTrustedUserHeader())
	}

	server := httpserver.NewServer(
		s.config.Addr,
		NewRouter(limiter, registry, routerOptions...),
		httpserver.WithLogger(logger),
		httpserver.WithRegisterer(r),
		httpserver.WithTracerProvider(tp),
		httpserver.WithClientIP(ratelimit.IdentifyRequest),
	)

	return serve(ctx, logger, server)
}

// serve runs server until ctx is cancelled, then drains in-flight
// requests.
func serve(ctx context.Context, logger *log.Logger, server *http.Server) error {
	listener, err := net.Listen("tcp", server.Addr)
	if err != nil {
		return fmt.Errorf("cannot listen on %q: %w", server.Addr, err)
	}

	serverErrCh := make(chan error, 1)
	go func() {
		err := server.Serve(listener)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrCh <- fmt.Errorf("cannot serve http request: %w", err)
		}
		close(serverErrCh)
	}()

	logger.InfoCtx(ctx, "api server started", log.String("addr", listener.Addr().String()))

	select {
	case err := <-serverErrCh:
		return err
	case <-ctx.Done():
	}

	logger.InfoCtx(ctx, "shutting down api server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("cannot shutdown api server: %w", err)
	}

	return nil
}
