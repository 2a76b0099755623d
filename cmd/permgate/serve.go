// Copyright 2026 The OpenTrusty Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"

	"github.com/opentrusty/permgate/internal/audit"
	"github.com/opentrusty/permgate/internal/authz"
	"github.com/opentrusty/permgate/internal/config"
	"github.com/opentrusty/permgate/internal/gate"
	"github.com/opentrusty/permgate/internal/identity"
	"github.com/opentrusty/permgate/internal/invalidation"
	"github.com/opentrusty/permgate/internal/observability/logger"
	"github.com/opentrusty/permgate/internal/observability/metrics"
	"github.com/opentrusty/permgate/internal/observability/tracing"
	"github.com/opentrusty/permgate/internal/store/postgres"
	transportHTTP "github.com/opentrusty/permgate/internal/transport/http"
)

const auditBufferSize = 500

func newServeCommand(configPath *string, open openLoader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP authorization service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, open)
		},
	}
}

func initLogger(cfg *config.Config) *slog.Logger {
	return logger.InitLogger(logger.Config{
		Level:       cfg.Observability.Logging.Level,
		Format:      cfg.Observability.Logging.Format,
		ServiceName: cfg.Observability.ServiceName,
	})
}

// components is everything a request needs, shared by serve and check.
type components struct {
	db      *postgres.DB
	cache   *authz.Cache
	authz   *authz.Service
	gate    *gate.Gate
	bus     *invalidation.Bus
	closers []func(context.Context) error
}

func (c *components) close(ctx context.Context) error {
	var err error
	for i := len(c.closers) - 1; i >= 0; i-- {
		err = multierr.Append(err, c.closers[i](ctx))
	}
	return err
}

// openLoader opens the profile source and registers its closers on c.
type openLoader func(ctx context.Context, cfg *config.Config, c *components) (authz.ProfileLoader, error)

func openPostgres(ctx context.Context, cfg *config.Config, c *components) (authz.ProfileLoader, error) {
	db, err := postgres.New(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	c.db = db
	c.closers = append(c.closers, func(context.Context) error { db.Close(); return nil })
	return postgres.NewProfileRepository(db.SQL()), nil
}

// build wires the decision path. A nil reg exports metrics through the
// default Prometheus registerer.
func build(ctx context.Context, cfg *config.Config, log *slog.Logger, auditLogger audit.Logger, reg prometheus.Registerer, open openLoader) (_ *components, err error) {
	c := &components{}
	defer func() {
		if err != nil {
			err = multierr.Append(err, c.close(context.Background()))
		}
	}()

	tracer, err := tracing.New(ctx, tracing.Config{
		Enabled:        cfg.Observability.Tracing.Enabled,
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		SamplingRate:   cfg.Observability.Tracing.SamplingRate,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize tracer: %w", err)
	}
	c.closers = append(c.closers, tracer.Shutdown)

	var meterOpts []metrics.Option
	if reg != nil {
		meterOpts = append(meterOpts, metrics.WithRegisterer(reg))
	}
	meter, err := metrics.New(ctx, cfg.Observability.Metrics, cfg.Observability.ServiceName, meterOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize meter: %w", err)
	}
	c.closers = append(c.closers, meter.Shutdown)

	loader, err := open(ctx, cfg, c)
	if err != nil {
		return nil, err
	}
	log.Info("profile source ready")

	c.cache, err = authz.NewCache(cfg.Cache)
	if err != nil {
		return nil, err
	}

	opts := []authz.ServiceOption{
		authz.WithLogger(log),
		authz.WithTracer(tracer.GetTracer()),
		authz.WithMeter(meter.GetMeter()),
		authz.WithAuditLogger(auditLogger),
	}
	if cfg.Redis.Enabled {
		client, err := invalidation.NewClient(ctx, cfg.Redis.URL)
		if err != nil {
			return nil, err
		}
		c.closers = append(c.closers, func(context.Context) error { return client.Close() })
		c.bus = invalidation.New(client, cfg.Redis.Channel, log)
		opts = append(opts, authz.WithInvalidationPublisher(c.bus))
	}

	c.authz, err = authz.NewService(loader, c.cache, cfg.Loader, opts...)
	if err != nil {
		return nil, err
	}

	table, err := cfg.RouteTable()
	if err != nil {
		return nil, fmt.Errorf("invalid route table: %w", err)
	}
	c.gate, err = gate.New(c.authz, table, cfg.Gate,
		gate.WithAuditLogger(auditLogger),
		gate.WithLogger(log),
		gate.WithTracer(tracer.GetTracer()),
		gate.WithMeter(meter),
		gate.WithCache(c.cache),
	)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func serve(ctx context.Context, cfg *config.Config, open openLoader) (err error) {
	log := initLogger(cfg)
	log.Info("starting permgate", slog.String("version", cfg.Observability.ServiceVersion))

	resolver, err := identity.NewResolver(cfg.Identity)
	if err != nil {
		return err
	}
	if cfg.Identity.Mode == identity.ModeHeader {
		log.Warn("trusting identity header; the proxy must strip it from client requests",
			slog.String("header", cfg.Identity.Header))
	}

	registry := prometheus.NewRegistry()
	recorder := audit.NewRecorder(auditBufferSize)
	auditLogger := audit.Multi{audit.NewSlogLogger(log), recorder}
	c, err := build(ctx, cfg, log, auditLogger, registry, open)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err = multierr.Append(err, c.close(shutdownCtx))
	}()

	registry.MustRegister(
		metrics.NewCacheCollector(c.cache),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	var upstream http.Handler
	if cfg.Server.Upstream != "" {
		target, err := url.Parse(cfg.Server.Upstream)
		if err != nil {
			return fmt.Errorf("invalid upstream: %w", err)
		}
		upstream = httputil.NewSingleHostReverseProxy(target)
	}

	var ping func(context.Context) error
	if c.db != nil {
		ping = c.db.Ping
	}
	handler, err := transportHTTP.NewHandler(transportHTTP.Deps{
		Authz:    c.authz,
		Gate:     c.gate,
		Resolver: resolver,
		Recorder: recorder,
		Audit:    auditLogger,
		Ping:     ping,
	})
	if err != nil {
		return err
	}

	rateLimiter := transportHTTP.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst)
	router := transportHTTP.NewRouter(handler, rateLimiter, transportHTTP.RouterConfig{
		RequestTimeout: cfg.Server.RequestTimeout,
		Metrics:        promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		Upstream:       upstream,
	})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go rateLimiter.Run(runCtx)
	go sweepCache(runCtx, c.cache, cfg.Cache.TTL)
	if c.bus != nil {
		go func() {
			if err := c.bus.Run(runCtx, c.authz.InvalidateLocal); err != nil {
				log.Error("invalidation subscriber stopped", logger.Error(err))
			}
		}()
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("starting http server",
			logger.Component("server"),
			logger.Operation("listen"),
			slog.String("addr", server.Addr),
		)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	log.Info("shutting down server")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown error: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// sweepCache drops expired profiles every ttl until ctx is done.
func sweepCache(ctx context.Context, cache *authz.Cache, ttl time.Duration) {
	if ttl <= 0 {
		ttl = authz.DefaultCacheTTL
	}
	ticker := time.NewTicker(ttl)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cache.Cleanup()
		}
	}
}
