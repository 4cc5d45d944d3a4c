package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/transcript/internal/app"
	"github.com/therealutkarshpriyadarshi/transcript/internal/config"
	"github.com/therealutkarshpriyadarshi/transcript/internal/database"
	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
	"github.com/therealutkarshpriyadarshi/transcript/internal/queue"
	"github.com/therealutkarshpriyadarshi/transcript/internal/scheduler"
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

	workerID := workerName()
	logger = logger.WithWorkerID(workerID)

	closer, err := tracing.Init(cfg.Tracing)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize tracing")
	}
	defer closer.Close()

	// Create context with cancellation
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

	if err := q.SetupDeadLetterQueue(); err != nil {
		logger.WithError(err).Fatal("Failed to set up dead-letter queue")
	}

	p, err := app.NewPipeline(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to build pipeline")
	}
	defer p.Close()

	webhookRepo := webhook.NewMemoryRepository(cfg.Webhook.Endpoints)
	notifier := webhook.NewService(webhookRepo, cfg.Webhook.Timeout, logger)

	pool := worker.NewPool(worker.Options{
		WorkerID:    workerID,
		Concurrency: cfg.Pipeline.WorkerCount,
		LockWait:    cfg.Pipeline.LockWait,
		LockTTL:     cfg.Cache.LockTTL,
	}, worker.Deps{
		Pipeline:  p.Orchestrator,
		Locks:     p.Cache,
		Store:     repo,
		Archive:   stor,
		Publisher: q,
		Notifier:  notifier,
		Logger:    logger,
	})

	// Periodic maintenance
	sched := scheduler.New(time.Second, logger)
	tasks := append(p.MaintenanceTasks(),
		scheduler.Task{
			Name:     "webhook-retry",
			Interval: time.Minute,
			Run: func(ctx context.Context) error {
				notifier.RetryPending(ctx)
				return nil
			},
		},
		scheduler.Task{
			Name:     "queue-depth",
			Interval: 15 * time.Second,
			Run: func(ctx context.Context) error {
				depth, err := q.GetQueueDepth()
				if err != nil {
					return err
				}
				metrics.UpdateQueueDepth(queue.JobsQueueName, depth)

				dlq, err := q.GetDLQDepth()
				if err != nil {
					return err
				}
				metrics.UpdateQueueDepth(queue.DeadLetterQueueName, dlq)
				return nil
			},
		},
	)
	for _, task := range tasks {
		if err := sched.Add(task); err != nil {
			logger.WithError(err).Warnf("Skipping maintenance task %s", task.Name)
		}
	}
	go sched.Run(ctx)

	// Metrics endpoint
	metricsServer := metrics.NewServer(cfg.Metrics.Port)
	metricsServer.HandleJSON("/breakers", func() interface{} { return p.BreakerStates() })
	go func() {
		if err := metricsServer.Start(); err != nil {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()

	// Handle shutdown gracefully
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		logger.Info("Shutting down worker gracefully...")
		cancel()
	}()

	// Start consuming jobs
	if err := q.ConsumeJobs(ctx, 1, pool.ProcessJob); err != nil {
		logger.WithError(err).Fatal("Failed to consume jobs")
	}
	logger.Infof("Worker started with %d pipelines, waiting for jobs...", cfg.Pipeline.WorkerCount)

	// Wait for shutdown
	<-ctx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = metricsServer.Shutdown(shutdownCtx)
	notifier.Wait()

	logger.Info("Worker stopped")
}

func workerName() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + "-" + uuid.New().String()[:8]
}
