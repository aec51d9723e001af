package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-session-engine/internal/audit"
	"github.com/stemsi/exstem-session-engine/internal/config"
	"github.com/stemsi/exstem-session-engine/internal/database"
	"github.com/stemsi/exstem-session-engine/internal/events"
	"github.com/stemsi/exstem-session-engine/internal/grading"
	"github.com/stemsi/exstem-session-engine/internal/handler"
	"github.com/stemsi/exstem-session-engine/internal/logger"
	"github.com/stemsi/exstem-session-engine/internal/repository"
	"github.com/stemsi/exstem-session-engine/internal/router"
	"github.com/stemsi/exstem-session-engine/internal/service"
	"github.com/stemsi/exstem-session-engine/internal/store"
	"github.com/stemsi/exstem-session-engine/internal/validator"
	"github.com/stemsi/exstem-session-engine/internal/worker"
)

func main() {
	// ─── Load Configuration ────────────────────────────────────────────
	cfg := config.Load()

	// ─── Initialize Logger ─────────────────────────────────────────────
	log := logger.Setup(cfg.LogLevel, cfg.LogFormat)
	log.Info().
		Str("port", cfg.ServerPort).
		Str("mode", cfg.GinMode).
		Str("log_level", cfg.LogLevel).
		Msg("Starting session engine")

	validator.Setup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ─── Connect to PostgreSQL ─────────────────────────────────────────
	pool, err := database.NewPostgresPool(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to PostgreSQL")
	}
	defer pool.Close()

	// ─── Connect to Redis ──────────────────────────────────────────────
	rdb, err := database.NewRedisClient(ctx, cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to Redis")
	}
	defer rdb.Close()

	// ─── Initialize Repositories ───────────────────────────────────────
	assessmentRepo := repository.NewAssessmentRepository(pool)
	attemptRepo := repository.NewAttemptRepository(pool)
	sessionRepo := repository.NewSessionRepository(pool)
	securityRepo := repository.NewSecurityEventRepository(pool)
	auditRepo := repository.NewAuditRepository(pool)
	monitorRepo := repository.NewMonitorRepository(pool)

	// ─── Session Store & Event Fan-out ─────────────────────────────────
	sessions := store.NewRedisStore(rdb, log,
		store.WithDurableReader(sessionRepo),
		store.WithMaxRetries(cfg.StoreMaxRetries),
		store.WithRetiredTTL(cfg.RetiredCacheTTL),
	)
	bus := events.NewBus(cfg.BusBuffer, log,
		events.NewPubSubSink(rdb),
		events.NewSecurityQueueSink(rdb),
	)
	auditSink := audit.NewQueueSink(rdb, log)
	grader := grading.NewKeyGrader(attemptRepo, log)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg, rdb)
	lifecycle := service.NewSessionService(sessions, assessmentRepo, attemptRepo, grader, auditSink, bus, cfg, log)
	integrity := service.NewIntegrityService(lifecycle, log)
	monitor := service.NewMonitorService(monitorRepo)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Auth:    handler.NewAuthHandler(authService, log),
		Session: handler.NewSessionHandler(lifecycle, integrity, log),
		Monitor: handler.NewMonitorHandler(rdb, monitor, log),
		WS:      handler.NewWSHandler(rdb, lifecycle, integrity, log, cfg.AllowedOrigins),
		Health:  handler.NewHealthHandler(pool, rdb, log),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	run := func(start func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start(workerCtx)
		}()
	}

	run(bus.Run)
	run(worker.NewSessionSnapshotWorker(sessionRepo, rdb, log).Start)
	run(worker.NewSecurityEventWorker(securityRepo, rdb, log).Start)
	run(worker.NewAuditWorker(auditRepo, rdb, log).Start)
	run(worker.NewScheduler(lifecycle, sessions, sessionRepo, cfg, log,
		worker.WithAttemptRepair(attemptRepo, lifecycle)).Start)

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(ctx, authService, handlers, cfg)

	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests.
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}
	cancel()

	// 2. Stop background workers; each flushes its pending batch on exit.
	workerCancel()
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("Workers did not stop in time")
	}

	log.Info().Int64("dropped_events", bus.Dropped()).Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
