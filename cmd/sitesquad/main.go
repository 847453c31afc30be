package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/sitesquad/sitesquad/internal/adapter/browserd"
	sshttp "github.com/sitesquad/sitesquad/internal/adapter/http"
	ssnats "github.com/sitesquad/sitesquad/internal/adapter/nats"
	"github.com/sitesquad/sitesquad/internal/adapter/natskv"
	"github.com/sitesquad/sitesquad/internal/adapter/openrouter"
	ssotel "github.com/sitesquad/sitesquad/internal/adapter/otel"
	"github.com/sitesquad/sitesquad/internal/adapter/postgres"
	"github.com/sitesquad/sitesquad/internal/adapter/ristretto"
	"github.com/sitesquad/sitesquad/internal/adapter/tiered"
	"github.com/sitesquad/sitesquad/internal/adapter/ws"
	"github.com/sitesquad/sitesquad/internal/config"
	"github.com/sitesquad/sitesquad/internal/logger"
	"github.com/sitesquad/sitesquad/internal/middleware"
	"github.com/sitesquad/sitesquad/internal/port/cache"
	"github.com/sitesquad/sitesquad/internal/port/messagequeue"
	"github.com/sitesquad/sitesquad/internal/resilience"
	"github.com/sitesquad/sitesquad/internal/service"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	if err := run(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	log := logger.New(cfg.Logging)
	slog.SetDefault(log)

	log.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"free_limit", cfg.Quota.FreeLimit,
		"max_sessions", cfg.Orchestrator.MaxConcurrentSessions,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	// PostgreSQL
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	log.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	log.Info("migrations applied")
	store := postgres.NewStore(pool)

	// NATS event archive, optional
	var queue *ssnats.Queue
	var archive messagequeue.Queue
	if cfg.NATS.URL != "" {
		queue, err = ssnats.Connect(ctx, cfg.NATS.URL)
		if err != nil {
			return fmt.Errorf("nats: %w", err)
		}
		defer func() { _ = queue.Close() }()
		archive = queue
	}

	// Snapshot cache for reaped terminal runs. With NATS available the
	// in-process cache fronts a shared KV bucket, so snapshots survive
	// restarts and are visible to sibling instances.
	local, err := ristretto.New(cfg.Orchestrator.SnapshotCacheMB << 20)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer local.Close()

	var snapshots cache.Cache = local
	if queue != nil {
		kv, err := queue.SnapshotBucket(ctx, cfg.Orchestrator.Retention)
		if err != nil {
			return fmt.Errorf("snapshot bucket: %w", err)
		}
		snapshots = tiered.New(local, natskv.New(kv), cfg.Orchestrator.Retention)
	}

	// Telemetry
	metrics, err := ssotel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	shutdownTracer := ssotel.InitTracer(cfg.Logging.Service)
	defer func() { _ = shutdownTracer(ctx) }()

	// --- Outbound clients ---

	engine := browserd.NewEngine(cfg.Browser)
	engine.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	analyzer := openrouter.NewClient(cfg.Vision)
	analyzer.SetBreaker(resilience.NewBreaker(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout))

	// --- Services ---

	quota := service.NewQuotaService(store, cfg.Quota)
	registry := service.NewRegistry(service.RegistryOptions{
		Store:    store,
		Engine:   engine,
		Analyzer: analyzer,
		Archive:  archive,
		Quota:    quota,
		Cache:    snapshots,
		Config:   cfg.Orchestrator,
		Metrics:  metrics,
		Logger:   log,
	})
	stopGC := registry.StartGC(ctx)
	defer stopGC()

	// --- HTTP ---

	handlers := sshttp.NewHandlers(registry, log)
	streamer := ws.NewStreamer(registry, cfg.Orchestrator.Keepalive, log)

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopLimiter := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopLimiter()

	r := chi.NewRouter()

	r.Use(sshttp.CORS(cfg.Server.CORSOrigin))
	r.Use(sshttp.Logger)
	r.Use(sshttp.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(limiter.Handler)
	r.Use(ssotel.HTTPMiddleware(cfg.Logging.Service))

	sshttp.MountRoutes(r, handlers, streamer)

	addr := ":" + cfg.Server.Port

	// No WriteTimeout: /ws event streams stay open for the life of a run.
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		log.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "error", err)
		}
	}()

	<-done
	log.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	return srv.Shutdown(shutdownCtx)
}
