// Package main is the entry point for the geofence server.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/venuefence/internal/cache"
	"github.com/onnwee/venuefence/internal/config"
	"github.com/onnwee/venuefence/internal/db"
	"github.com/onnwee/venuefence/internal/health"
	"github.com/onnwee/venuefence/internal/membership"
	"github.com/onnwee/venuefence/internal/middleware"
	"github.com/onnwee/venuefence/internal/region"
	"github.com/onnwee/venuefence/internal/tracing"
	"github.com/onnwee/venuefence/migrations"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to an optional YAML config file")
	flag.Parse()

	if *help {
		fmt.Println("venuefence geofence server")
		fmt.Println()
		fmt.Println("Usage: api [options]")
		fmt.Println()
		fmt.Println("Options:")
		flag.PrintDefaults()
		os.Exit(0)
	}

	cfg, errs := config.Load(*configPath)
	if len(errs) > 0 {
		for _, err := range errs {
			fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		}
		os.Exit(1)
	}

	logger := middleware.NewLogger(cfg.Env, cfg.LogLevel)
	slog.SetDefault(logger)

	summary := make([]any, 0, 2*len(cfg.LogSummary()))
	for k, v := range cfg.LogSummary() {
		summary = append(summary, k, v)
	}
	logger.Info("configuration loaded", summary...)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server exited with error", "error", err)
		stop()
		os.Exit(1)
	}
}

// run connects to the database and cache, then serves until ctx is done.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tp, err := tracing.NewProvider(tracing.Config{
		ServiceName: serviceName,
		Version:     version,
		Environment: cfg.Env,
		Enabled:     cfg.TracingEnabled,
		Exporter:    cfg.TracingExporter,
		Endpoint:    cfg.TracingEndpoint,
		Insecure:    cfg.TracingInsecure,
		SampleRate:  cfg.TracingSamplingRate,
		Logger:      logger,
	})
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := tp.Shutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown failed", "error", err)
		}
	}()

	database, err := db.Open(ctx, cfg.DatabaseURL, db.DefaultPoolConfig())
	if err != nil {
		return err
	}
	defer database.Close()

	postgis, err := db.PostGISVersion(ctx, database)
	if err != nil {
		return err
	}
	logger.Info("connected to database", "postgis_version", postgis)

	if err := db.Migrate(ctx, database, migrations.FS); err != nil {
		return err
	}

	deps := dependencies{
		Source: region.NewPostgresSource(database),
		Store:  membership.NewPostgresStore(database),
		Cache:  cache.NoopCache{},
		Checkers: []health.Named{
			{Name: "database", Checker: health.NewDBChecker(database)},
		},
	}

	if cfg.RedisURL != "" {
		client, err := cache.NewRedisClient(cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()

		deps.Cache = cache.NewRedisCache(client)
		deps.Redis = client
		deps.Checkers = append(deps.Checkers, health.Named{Name: "redis", Checker: health.NewRedisChecker(client)})
	} else {
		logger.Warn("REDIS_URL not set; position cache disabled and rate limits are per process")
	}

	a, err := newApp(cfg, deps, prometheus.NewRegistry(), logger)
	if err != nil {
		return err
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.Port))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return a.serve(ctx, ln)
}
