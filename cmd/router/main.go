package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/vnmchuo/inference-router/config"
	"github.com/vnmchuo/inference-router/internal/analytics"
	"github.com/vnmchuo/inference-router/internal/cache"
	"github.com/vnmchuo/inference-router/internal/proxy"
	"github.com/vnmchuo/inference-router/internal/registry"
	"github.com/vnmchuo/inference-router/internal/telemetry"
	"github.com/vnmchuo/inference-router/internal/usage"
	"github.com/vnmchuo/inference-router/pkg/ratelimit"
)

const serviceName = "inference-router"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "inference-router: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	// 2. Init logging and telemetry
	logger, err := telemetry.NewLogger(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	shutdownTracer, err := telemetry.InitTracer(serviceName, cfg.OTELExporterType, cfg.OTELExporterEndpoint, logger)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownTracer()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 3. Connect PostgreSQL (optional usage log)
	var usageStore usage.Store
	if cfg.PostgresDSN != "" {
		pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			return fmt.Errorf("ping postgres: %w", err)
		}
		store := usage.NewPostgresStore(pool)
		if err := store.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate usage table: %w", err)
		}
		usageStore = store
		logger.Info("PostgreSQL connected, usage log enabled")
	}

	// 4. Connect Redis (optional caller rate limit)
	var limiter *ratelimit.Limiter
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()

		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		if cfg.CallerRateLimitTPM > 0 {
			limiter = ratelimit.NewLimiter(rdb, cfg.CallerRateLimitTPM)
		}
		logger.Info("Redis connected", zap.Int64("caller_tpm", cfg.CallerRateLimitTPM))
	}

	// 5. Init providers
	reg := registry.New(logger)
	for _, pc := range cfg.Providers {
		if _, err := reg.AddConfig(ctx, pc); err != nil {
			return fmt.Errorf("register provider: %w", err)
		}
	}
	if len(reg.Enabled()) == 0 {
		logger.Warn("no enabled providers configured; generate requests will fail until one is added")
	}

	// 6. Init cache, analytics and metrics
	responseCache := cache.New(cache.WithLogger(logger))
	go responseCache.Run(ctx, cfg.CacheSweepInterval)

	tracker := analytics.New()
	metrics := telemetry.NewMetrics(prometheus.DefaultRegisterer)

	// 7. Init router
	tracer := otel.GetTracerProvider().Tracer(serviceName)
	router := proxy.NewRouter(reg, responseCache, tracker, proxy.Options{
		Strategy:         proxy.Strategy(cfg.Strategy),
		FallbackEnabled:  cfg.FallbackEnabled,
		CacheTTL:         cfg.CacheTTL,
		BreakerThreshold: cfg.BreakerFailureThreshold,
		BreakerTimeout:   cfg.BreakerOpenTimeout,
		Usage:            usageStore,
		Metrics:          metrics,
	}, logger, tracer)
	go router.RunHealthChecks(ctx, cfg.HealthCheckInterval)

	// 8. Init handler
	handler := proxy.NewHandler(router, usageStore, limiter, logger)

	// 9. Init Chi router
	r := chi.NewRouter()
	r.Use(chimiddleware.RequestID)
	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok","service":"inference-router"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Mount("/", handler.Routes(cfg.AdminToken))

	// 10. Graceful shutdown
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("inference router starting",
			zap.String("port", cfg.Port),
			zap.String("strategy", cfg.Strategy),
			zap.Int("providers", reg.Len()),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("server error: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutting down gracefully")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("forced shutdown: %w", err)
	}
	logger.Info("server stopped")
	return nil
}
