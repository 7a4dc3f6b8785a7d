package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-simulator/internal/config"
	"github.com/stemsi/exstem-simulator/internal/database"
	"github.com/stemsi/exstem-simulator/internal/engine"
	"github.com/stemsi/exstem-simulator/internal/handler"
	"github.com/stemsi/exstem-simulator/internal/invariant"
	"github.com/stemsi/exstem-simulator/internal/logger"
	"github.com/stemsi/exstem-simulator/internal/metrics"
	"github.com/stemsi/exstem-simulator/internal/recorder"
	"github.com/stemsi/exstem-simulator/internal/repository"
	"github.com/stemsi/exstem-simulator/internal/router"
	"github.com/stemsi/exstem-simulator/internal/scoring"
	"github.com/stemsi/exstem-simulator/internal/service"
	"github.com/stemsi/exstem-simulator/internal/validator"
	"github.com/stemsi/exstem-simulator/internal/worker"
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
		Bool("engine_strict", cfg.EngineStrict).
		Msg("Starting ExStem Simulator")

	// ─── Initialize Validator & Metrics ────────────────────────────────
	validator.Setup()
	metrics.Init()

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
	attemptRepo := repository.NewAttemptRepository(pool, log)
	questionRepo := repository.NewQuestionRepository(pool)
	entitlementRepo := repository.NewEntitlementRepository(pool)
	sessionCache := repository.NewSessionCache(rdb)

	// ─── Initialize Recorder ──────────────────────────────────────────
	guard := invariant.New(cfg.EngineStrict, log)
	spillQueue := recorder.NewRedisSpillQueue(rdb, config.WorkerKey.AttemptSpillQueue)
	attemptRecorder := recorder.New(attemptRepo, spillQueue, recorder.Config{
		MaxRetries:     cfg.RecorderMaxRetries,
		InitialBackoff: cfg.RecorderInitialBackoff,
		MaxBackoff:     cfg.RecorderMaxBackoff,
	}, guard, log)

	// ─── Initialize Services ──────────────────────────────────────────
	authService := service.NewAuthService(cfg)
	simulatorService := service.NewSimulatorService(cfg, engine.Deps{
		Questions:   questionRepo,
		Entitlement: entitlementRepo,
		Policy: scoring.Policy{
			StandardPassRatio: cfg.StandardPassRatio,
			PointScale:        cfg.PointScale,
		},
		MinPoolSize: cfg.MinPoolSize,
		Guard:       guard,
		Log:         log,
	}, attemptRepo, sessionCache, attemptRecorder, log)

	// ─── Initialize Handlers ──────────────────────────────────────────
	handlers := &router.Handlers{
		Simulator: handler.NewSimulatorHandler(simulatorService, log),
		WS:        handler.NewWSHandler(simulatorService, log, cfg.AllowedOrigins),
	}

	// ─── Start Background Workers ─────────────────────────────────────
	workerCtx, workerCancel := context.WithCancel(context.Background())
	var workers sync.WaitGroup

	spillWorker := worker.NewSpillWorker(spillQueue, attemptRepo, log)
	workers.Add(2)
	go func() {
		defer workers.Done()
		spillWorker.Start(workerCtx)
	}()
	go func() {
		defer workers.Done()
		simulatorService.Run(workerCtx)
	}()

	// ─── Setup Router ──────────────────────────────────────────────────
	r := router.SetupRouter(authService, handlers, cfg)

	// ─── Create HTTP Server ────────────────────────────────────────────
	srv := &http.Server{
		Addr:              ":" + cfg.ServerPort,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ─── Start Server in Goroutine ─────────────────────────────────────
	go func() {
		log.Info().Str("addr", ":"+cfg.ServerPort).Msg("Server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// ─── Graceful Shutdown ─────────────────────────────────────────────
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit

	log.Info().Str("signal", sig.String()).Msg("Shutting down gracefully...")

	// 1. Stop accepting new HTTP requests (5s timeout).
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown error")
	}

	// 2. Checkpoint live exams and flush queued writes. Whatever cannot be
	// written in time is spilled for the next start.
	flushCtx, flushCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer flushCancel()
	if err := simulatorService.Shutdown(flushCtx); err != nil {
		log.Error().Err(err).Msg("Recorder flush incomplete")
	}

	// 3. Stop background workers; the spill worker drains its queue first.
	workerCancel()
	workers.Wait()

	log.Info().Msg("Shutdown complete")
}

// init sets zerolog global defaults before main runs.
func init() {
	zerolog.TimeFieldFormat = time.RFC3339
}
