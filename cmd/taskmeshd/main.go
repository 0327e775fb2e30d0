// taskmeshd is the multi-agent task orchestration daemon.
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

	tmhttp "github.com/taskmesh-io/taskmesh/internal/adapter/http"
	tmnats "github.com/taskmesh-io/taskmesh/internal/adapter/nats"
	"github.com/taskmesh-io/taskmesh/internal/adapter/otel"
	"github.com/taskmesh-io/taskmesh/internal/adapter/postgres"
	"github.com/taskmesh-io/taskmesh/internal/adapter/ristretto"
	"github.com/taskmesh-io/taskmesh/internal/adapter/ws"
	"github.com/taskmesh-io/taskmesh/internal/config"
	"github.com/taskmesh-io/taskmesh/internal/logger"
	"github.com/taskmesh-io/taskmesh/internal/middleware"
	"github.com/taskmesh-io/taskmesh/internal/resilience"
	"github.com/taskmesh-io/taskmesh/internal/service"
)

func main() {
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

	slog.SetDefault(logger.New(cfg.Logging))
	slog.Info("config loaded",
		"port", cfg.Server.Port,
		"log_level", cfg.Logging.Level,
		"tenant_limit", cfg.Orchestrator.TenantConcurrencyLimit,
	)

	ctx := context.Background()

	// --- Infrastructure ---

	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return fmt.Errorf("postgres: %w", err)
	}
	defer pool.Close()
	slog.Info("postgres connected")

	if err := postgres.RunMigrations(ctx, cfg.Postgres.DSN); err != nil {
		return fmt.Errorf("migrations: %w", err)
	}
	slog.Info("migrations applied")

	queue, err := tmnats.Connect(ctx, cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("nats: %w", err)
	}
	defer func() { _ = queue.Close() }()

	snapshots, err := ristretto.New(cfg.Cache.MaxSizeMB<<20, cfg.Cache.SnapshotTTL)
	if err != nil {
		return fmt.Errorf("cache: %w", err)
	}
	defer snapshots.Close()

	otelShutdown, err := otel.Setup(ctx, &cfg.Telemetry, cfg.Logging.Service)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := otelShutdown(shutdownCtx); err != nil {
			slog.Error("telemetry shutdown", "error", err)
		}
	}()

	metrics, err := otel.NewMetrics()
	if err != nil {
		return fmt.Errorf("metrics: %w", err)
	}

	// --- Services ---

	hub := ws.NewHub()
	store := postgres.NewStore(pool)
	exec := tmnats.NewExecutor(queue)

	tracker := service.NewBudgetTracker(cfg.Orchestrator.TenantConcurrencyLimit)
	planner := service.NewPlannerService(store)
	breakers := resilience.NewGroup(cfg.Breaker.MaxFailures, cfg.Breaker.Timeout)
	supervisor := service.NewSupervisorService(store, exec, tracker, queue, hub, breakers, &cfg.Supervisor)
	assembler := service.NewAssemblerService(store)
	orchestrator := service.NewOrchestratorService(store, snapshots, queue, hub, tracker, planner, supervisor, assembler, metrics, &cfg.Orchestrator)

	janitorCtx, stopJanitor := context.WithCancel(ctx)
	defer stopJanitor()
	go service.NewTraceJanitor(store, &cfg.Trace).Run(janitorCtx)

	// --- HTTP ---

	handlers := &tmhttp.Handlers{
		Orchestrator: orchestrator,
		Hub:          hub,
		DB:           pool,
		Queue:        queue,
	}

	limiter := middleware.NewRateLimiter(cfg.Rate.RequestsPerSecond, cfg.Rate.Burst)
	stopCleanup := limiter.StartCleanup(time.Minute, 10*time.Minute)
	defer stopCleanup()

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.RequestID)
	r.Use(middleware.TenantID)
	r.Use(tmhttp.CORS(cfg.Server.CORSOrigin))
	r.Use(tmhttp.SecurityHeaders)
	r.Use(tmhttp.Logger)
	r.Use(otel.HTTPMiddleware(cfg.Logging.Service))
	r.Use(limiter.Handler)

	tmhttp.MountRoutes(r, handlers)

	addr := ":" + cfg.Server.Port
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		slog.Info("starting server", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server failed", "error", err)
		}
	}()

	<-done
	slog.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http shutdown", "error", err)
	}
	if err := orchestrator.Shutdown(shutdownCtx); err != nil {
		slog.Error("orchestrator shutdown", "error", err)
	}
	if err := queue.Drain(); err != nil {
		slog.Error("nats drain", "error", err)
	}
	return nil
}
