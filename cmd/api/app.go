package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/venuefence/internal/analytics"
	"github.com/onnwee/venuefence/internal/api"
	"github.com/onnwee/venuefence/internal/auth"
	"github.com/onnwee/venuefence/internal/cache"
	"github.com/onnwee/venuefence/internal/config"
	"github.com/onnwee/venuefence/internal/geofence"
	"github.com/onnwee/venuefence/internal/health"
	"github.com/onnwee/venuefence/internal/jobs"
	"github.com/onnwee/venuefence/internal/membership"
	"github.com/onnwee/venuefence/internal/middleware"
	"github.com/onnwee/venuefence/internal/region"
)

const (
	serviceName      = "venuefence"
	shutdownTimeout  = 10 * time.Second
	rateLimitCleanup = "ratelimit_cleanup"
)

// memberStore is satisfied by both membership.PostgresStore and
// membership.InMemoryStore.
type memberStore interface {
	membership.Store
	membership.SampleStore
	membership.StatsStore
}

// dependencies are the external resources the app is built on.
type dependencies struct {
	Source region.Source
	Store  memberStore
	Cache  cache.Cache
	// Redis backs the rate limiter when set; otherwise limits are per process.
	Redis    *redis.Client
	Checkers []health.Named
}

type app struct {
	handler    http.Handler
	scheduler  *jobs.Scheduler
	registry   *region.Registry
	pipeline   *geofence.Pipeline
	aggregator *analytics.Aggregator
	logger     *slog.Logger
}

// newApp wires the engine, background jobs and HTTP surface. Nothing is
// started until serve is called.
func newApp(cfg *config.Config, deps dependencies, reg *prometheus.Registry, logger *slog.Logger) (*app, error) {
	regionMetrics := region.NewMetrics()
	geofenceMetrics := geofence.NewMetrics()
	jobMetrics := jobs.NewMetrics()
	httpMetrics := middleware.NewMetrics()
	for _, r := range []interface{ Register(prometheus.Registerer) error }{
		regionMetrics, geofenceMetrics, jobMetrics, httpMetrics,
	} {
		if err := r.Register(reg); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("register go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("register process collector: %w", err)
	}

	registry := region.NewRegistry(deps.Source, region.RegistryConfig{
		DefaultRadiusMeters: cfg.DefaultRegionRadius,
		Logger:              logger,
		Metrics:             regionMetrics,
	})

	pipeline := geofence.NewPipeline(geofence.Config{
		GracePeriod:    cfg.GracePeriod,
		StoreTimeout:   cfg.StoreTimeout,
		PositionTTL:    cfg.PositionCacheTTL,
		PresenceWindow: cfg.PresenceWindow,
		AutoJoin:       cfg.AutoJoin,
		Logger:         logger,
		Metrics:        geofenceMetrics,
	}, registry, deps.Store, deps.Store, deps.Cache)
	sweeper := geofence.NewSweeper(pipeline)

	aggregator := analytics.NewAggregator(deps.Store, analytics.Config{
		Window:   cfg.AnalyticsWindow,
		Checkers: deps.Checkers,
		Logger:   logger,
	})

	var rateStore middleware.RateLimitStore
	tasks := []jobs.Task{
		{
			Name:     jobs.JobTypeRegistryRefresh,
			Interval: cfg.RegistryRefreshInterval,
			Run:      registry.Refresh,
		},
		{
			Name:     jobs.JobTypeGraceSweep,
			Interval: cfg.SweepInterval,
			Run: func(ctx context.Context) error {
				_, err := sweeper.Sweep(ctx)
				return err
			},
		},
		{
			Name:     jobs.JobTypeRetentionCleanup,
			Interval: cfg.SweepInterval,
			Run: func(ctx context.Context) error {
				n, err := deps.Store.DeleteSamplesOlderThan(ctx, time.Now().Add(-cfg.RetentionWindow))
				if err != nil {
					return err
				}
				if n > 0 {
					logger.Info("position samples purged", "count", n)
				}
				return nil
			},
		},
		{
			Name:     jobs.JobTypeAnalytics,
			Interval: cfg.AnalyticsInterval,
			Run: func(ctx context.Context) error {
				_, err := aggregator.Run(ctx)
				return err
			},
		},
	}
	if deps.Redis != nil {
		rateStore = middleware.NewRedisRateLimitStore(deps.Redis, httpMetrics)
	} else {
		mem := middleware.NewInMemoryRateLimitStore()
		rateStore = mem
		tasks = append(tasks, jobs.Task{
			Name:     rateLimitCleanup,
			Interval: time.Minute,
			Run: func(context.Context) error {
				mem.Cleanup()
				return nil
			},
		})
	}

	scheduler, err := jobs.NewScheduler(jobs.SchedulerConfig{
		Logger:     logger,
		JobMetrics: jobMetrics,
	}, tasks...)
	if err != nil {
		return nil, fmt.Errorf("create scheduler: %w", err)
	}

	verifier := auth.NewJWTService(cfg.JWTSecret,
		auth.WithPreviousSecret(cfg.JWTPreviousSecret),
		auth.WithIssuer(cfg.JWTIssuer),
	)

	handler := api.NewRouter(api.RouterConfig{
		Geofence: api.NewGeofenceHandlers(pipeline, aggregator),
		Health: api.NewHealthHandlers(api.HealthHandlersConfig{
			Checkers: deps.Checkers,
			Registry: registry,
			Reports:  aggregator,
		}),
		MetricsHandler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		Verifier:       verifier,
		Logger:         logger,
		Metrics:        httpMetrics,
		RateLimitStore: rateStore,
		GlobalLimit:    middleware.DefaultGlobalLimit(),
		LocationLimit:  middleware.DefaultLocationLimit(),
		ServiceName:    serviceName,
	})

	return &app{
		handler:    handler,
		scheduler:  scheduler,
		registry:   registry,
		pipeline:   pipeline,
		aggregator: aggregator,
		logger:     logger,
	}, nil
}

// serve loads the region registry, starts the scheduler and serves HTTP on
// ln until ctx is cancelled, then shuts both down gracefully.
func (a *app) serve(ctx context.Context, ln net.Listener) error {
	if a.registry != nil {
		// A failed first load is retried on the next refresh tick; /ready
		// reports not_loaded until then.
		if err := a.scheduler.RunNow(ctx, jobs.JobTypeRegistryRefresh); err != nil {
			a.logger.Error("initial region load failed", "error", err)
		}
	}

	// The scheduler outlives ctx so in-flight jobs are stopped explicitly below.
	if err := a.scheduler.Start(context.WithoutCancel(ctx)); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	server := &http.Server{
		Handler:      a.handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("starting server", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	var runErr error
	select {
	case <-ctx.Done():
	case err := <-serveErr:
		runErr = fmt.Errorf("server error: %w", err)
	}

	a.logger.Info("shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("server forced to shutdown", "error", err)
		runErr = errors.Join(runErr, err)
	}
	a.scheduler.Stop()

	a.logger.Info("server stopped")
	return runErr
}
