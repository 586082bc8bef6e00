// Package main is the entry point for the footfall API server.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"

	"github.com/onnwee/footfall/internal/activity"
	"github.com/onnwee/footfall/internal/api"
	"github.com/onnwee/footfall/internal/config"
	"github.com/onnwee/footfall/internal/geo"
	"github.com/onnwee/footfall/internal/health"
	"github.com/onnwee/footfall/internal/idempotency"
	"github.com/onnwee/footfall/internal/jobs"
	"github.com/onnwee/footfall/internal/middleware"
	"github.com/onnwee/footfall/internal/retry"
	"github.com/onnwee/footfall/internal/stats"
	"github.com/onnwee/footfall/internal/tracing"
	"github.com/onnwee/footfall/migrations"
)

const (
	shutdownTimeout       = 10 * time.Second
	startupTimeout        = 5 * time.Second
	rateLimitCleanupEvery = time.Minute
	idempotencyCleanup    = time.Hour
	geoCachePrefix        = "footfall:geo:"
)

func main() {
	help := flag.Bool("help", false, "display help message")
	configPath := flag.String("config", "", "path to a YAML config file (environment variables take precedence)")
	migrate := flag.Bool("migrate", false, "apply the embedded schema migrations before serving")
	flag.Parse()

	if *help {
		fmt.Println("Footfall API Server")
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

	logger := middleware.NewLogger(cfg.Env)
	slog.SetDefault(logger)
	logConfig(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger, options{Migrate: *migrate}); err != nil {
		logger.Error("server error", "error", err)
		os.Exit(1)
	}
	logger.Info("server stopped")
}

func logConfig(logger *slog.Logger, cfg *config.Config) {
	summary := cfg.LogSummary()
	keys := make([]string, 0, len(summary))
	for k := range summary {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]any, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, slog.String(k, summary[k]))
	}
	logger.Info("configuration loaded", attrs...)
}

// options are command line switches that are not part of the config.
type options struct {
	Migrate bool
}

// run wires the server and blocks until ctx is cancelled or the listener fails.
func run(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts options) error {
	provider, err := tracing.NewProvider(ctx, tracing.Config{
		ServiceName:  serviceName,
		Enabled:      cfg.TracingEnabled,
		Environment:  cfg.Env,
		ExporterType: cfg.OTLPExporter,
		OTLPEndpoint: cfg.OTLPEndpoint,
		SamplingRate: cfg.TracingSampleRate,
		InsecureMode: !cfg.IsProduction(),
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down tracing", "error", err)
		}
	}()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	httpMetrics := middleware.NewMetrics()
	if err := httpMetrics.Register(registry); err != nil {
		return fmt.Errorf("failed to register http metrics: %w", err)
	}
	activityMetrics := activity.NewMetrics()
	if err := activityMetrics.Register(registry); err != nil {
		return fmt.Errorf("failed to register activity metrics: %w", err)
	}
	jobMetrics := jobs.NewMetrics()
	if err := jobMetrics.Register(registry); err != nil {
		return fmt.Errorf("failed to register job metrics: %w", err)
	}

	var healthCfg api.HealthHandlersConfig
	healthCfg.MetricsEnabled = true

	// Event store
	var store activity.Store
	if cfg.DatabaseURL != "" {
		db, err := openDatabase(ctx, cfg.DatabaseURL)
		if err != nil {
			return err
		}
		defer db.Close()
		if opts.Migrate {
			if err := migrations.Apply(ctx, db); err != nil {
				return err
			}
			logger.Info("schema migrations applied")
		}
		store = activity.NewPostgresStore(db, logger)
		healthCfg.DBChecker = health.NewDBChecker(db)
		logger.Info("using postgres event store")
	} else {
		store = activity.NewMemoryStore()
		logger.Warn("DATABASE_URL not set, using in-memory event store")
	}

	// Shared state: Redis when configured, process memory otherwise
	var (
		rateStore middleware.RateLimitStore
		idemRepo  idempotency.Repository
		geoCache  geo.Cache
	)
	if cfg.RedisURL != "" {
		client, err := openRedis(ctx, cfg.RedisURL)
		if err != nil {
			return err
		}
		defer client.Close()
		rateStore = middleware.NewRedisRateLimitStore(client).
			WithPrefix(middleware.RedisKeyPrefix).
			WithMetrics(httpMetrics).
			WithLogger(logger)
		idemRepo = idempotency.NewRedisRepository(client, idempotency.DefaultExpiry)
		geoCache = geo.NewRedisCache(client, geoCachePrefix)
		healthCfg.RedisChecker = health.NewRedisChecker(client)
		logger.Info("using redis for rate limits, idempotency keys and geo cache")
	} else {
		memStore := middleware.NewInMemoryRateLimitStore()
		memRepo := idempotency.NewInMemoryRepository()
		go jobs.Every(ctx, jobs.Job{
			Type:     jobs.JobTypeRateLimitCleanup,
			Interval: rateLimitCleanupEvery,
			Run: func(context.Context) error {
				memStore.Cleanup()
				return nil
			},
		}, jobMetrics, logger)
		go jobs.Every(ctx, jobs.Job{
			Type:           jobs.JobTypeIdempotencyCleanup,
			Interval:       idempotencyCleanup,
			RunImmediately: true,
			Run: func(ctx context.Context) error {
				_, err := idempotency.Expire(ctx, memRepo, idempotency.DefaultExpiry, logger)
				return err
			},
		}, jobMetrics, logger)
		rateStore, idemRepo, geoCache = memStore, memRepo, geo.NewMemoryCache()
	}

	// IP geolocation
	var locator api.GeoLocator
	if cfg.GeoAPIKey != "" {
		client := geo.NewClient(geo.Config{
			BaseURL:  cfg.GeoAPIURL,
			APIKey:   cfg.GeoAPIKey,
			Cache:    geoCache,
			CacheTTL: cfg.GeoCacheTTL,
			Logger:   logger,
		})
		locator = client
		healthCfg.GeoChecker = client
	} else {
		logger.Info("GEO_API_KEY not set, clients must send geo payloads")
	}

	resolutions := stats.NewResolutionStats()
	policy := retry.DefaultPolicy(activity.IsTransient)
	policy.MaxAttempts = cfg.RetryMaxAttempts
	policy.BaseDelay = cfg.RetryBaseDelay()
	service := activity.NewService(store, activity.ServiceConfig{
		Policy:          policy,
		PageLeaveMarker: cfg.PageLeaveMarker,
		Logger:          logger,
		Metrics:         activityMetrics,
		Stats:           resolutions,
	})

	deps := serverDeps{
		Logger:      logger,
		Service:     service,
		Geo:         locator,
		Health:      healthCfg,
		Registry:    registry,
		Metrics:     httpMetrics,
		Idempotency: idemRepo,
		CORSOrigins: cfg.CORSAllowedOrigins,
	}
	if limit, ok := globalLimit(cfg.RateLimitPerMinute); ok {
		deps.RateLimitStore = rateStore
		deps.GlobalLimit = limit
	} else {
		logger.Warn("rate limiting disabled")
	}

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      newHandler(deps),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("starting server", "port", cfg.Port)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	resolutions.LogSummary(logger, "identity")
	return nil
}

func openDatabase(ctx context.Context, url string) (*sql.DB, error) {
	db, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	return db, nil
}

func openRedis(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}
