package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/therealutkarshpriyadarshi/transcript/internal/app"
	"github.com/therealutkarshpriyadarshi/transcript/internal/config"
	"github.com/therealutkarshpriyadarshi/transcript/internal/database"
	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
	"github.com/therealutkarshpriyadarshi/transcript/internal/middleware"
	"github.com/therealutkarshpriyadarshi/transcript/internal/queue"
	"github.com/therealutkarshpriyadarshi/transcript/internal/storage"
	"github.com/therealutkarshpriyadarshi/transcript/internal/tracing"
	"github.com/therealutkarshpriyadarshi/transcript/internal/webhook"
	"github.com/therealutkarshpriyadarshi/transcript/internal/worker"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		logging.NewWriterLogger(os.Stderr, "info").WithError(err).Fatal("Failed to load config")
	}

	logger, err := logging.NewLogger(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})
	if err != nil {
		logging.NewWriterLogger(os.Stderr, "info").WithError(err).Fatal("Failed to create logger")
	}

	closer, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer closer.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(cfg.Database)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to database")
	}
	defer db.Close()

	if err := db.Migrate(ctx); err != nil {
		logger.WithError(err).Fatal("Failed to migrate database")
	}
	repo := database.NewRepository(db)

	// Initialize storage
	stor, err := storage.New(cfg.Storage)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize storage")
	}

	// Initialize queue
	q, err := queue.New(cfg.Queue, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to connect to queue")
	}
	defer q.Close()

	p, err := app.NewPipeline(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build pipeline")
	}
	defer p.Close()

	notifier := webhook.NewService(webhook.NewMemoryRepository(cfg.Webhook.Endpoints), cfg.Webhook.Timeout, logger)

	// Synchronous requests run through the same pool semantics as queued jobs
	pool := worker.NewPool(worker.Options{
		WorkerID: "api",
		LockWait: cfg.Pipeline.LockWait,
		LockTTL:  cfg.Cache.LockTTL,
	}, worker.Deps{
		Pipeline:  p.Orchestrator,
		Locks:     p.Cache,
		Store:     repo,
		Archive:   stor,
		Publisher: q,
		Notifier:  notifier,
		Logger:    logger,
	})

	api := &API{
		repo:            repo,
		jobs:            q,
		cache:           p.Cache,
		archive:         stor,
		acquirer:        pool,
		breakers:        p.BreakerStates,
		defaultLanguage: cfg.Pipeline.DefaultLanguage,
		logger:          logger,
		health: map[string]func(context.Context) error{
			"database": db.Health,
			"cache":    p.Cache.Ping,
		},
	}

	limiter := middleware.NewRateLimiter(cfg.Server.RateLimitRPS, cfg.Server.RateLimitBurst)
	go limiter.RunCleanup(ctx, 10*time.Minute, 30*time.Minute)

	router := setupRouter(api, limiter, cfg.Server.JWTSecret)

	// Metrics endpoint
	metricsServer := metrics.NewServer(cfg.Metrics.Port)
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	// Create HTTP server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server in goroutine
	go func() {
		logger.Infof("Starting API server on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down server...")
	cancel()

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}
	_ = metricsServer.Shutdown(shutdownCtx)
	notifier.Wait()

	logger.Info("Server stopped")
}
