// Package worker runs queued jobs through the transcript pipeline and hands
// every result to persistence, archive, result exchange and webhooks.
package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/therealutkarshpriyadarshi/transcript/internal/cache"
	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// Acquirer produces a transcript result for one video
type Acquirer interface {
	Acquire(ctx context.Context, req *models.TranscriptRequest) models.TranscriptResult
}

// Locker serializes work on a video across workers
type Locker interface {
	WaitLock(ctx context.Context, videoID string, ttl time.Duration) (*cache.Lock, error)
}

// Store persists jobs and results
type Store interface {
	StartJob(ctx context.Context, job *models.Job, workerID string) error
	CompleteJob(ctx context.Context, jobID, status string) error
	SaveResult(ctx context.Context, jobID string, result *models.TranscriptResult) (string, error)
}

// Archive keeps a copy of every available transcript
type Archive interface {
	PutTranscript(ctx context.Context, result *models.TranscriptResult) (string, error)
}

// Publisher announces results on the message bus
type Publisher interface {
	PublishResult(ctx context.Context, result *models.TranscriptResult) error
	PublishJobResult(ctx context.Context, result *models.JobResult) error
}

// Notifier delivers results to webhook subscribers
type Notifier interface {
	NotifyResult(ctx context.Context, result *models.TranscriptResult) error
	NotifyJobCompleted(ctx context.Context, result *models.JobResult) error
}

// Options configures a pool
type Options struct {
	WorkerID    string
	Concurrency int
	LockWait    time.Duration
	LockTTL     time.Duration
}

// Deps are the collaborators of a pool. Everything except Pipeline may be nil.
type Deps struct {
	Pipeline  Acquirer
	Locks     Locker
	Store     Store
	Archive   Archive
	Publisher Publisher
	Notifier  Notifier
	Logger    *logging.Logger
}

// Pool executes the videos of a job with bounded parallelism
type Pool struct {
	opts Options
	deps Deps
	now  func() time.Time
}

// NewPool creates a pool
func NewPool(opts Options, deps Deps) *Pool {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 3
	}
	if opts.LockWait <= 0 {
		opts.LockWait = 60 * time.Second
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	if opts.WorkerID == "" {
		opts.WorkerID = "worker"
	}
	if deps.Logger == nil {
		deps.Logger = logging.Nop()
	}

	return &Pool{opts: opts, deps: deps, now: time.Now}
}

// ProcessJob runs every video of job and publishes the combined result. It
// returns an error only when the job should be retried: the job could not be
// started or ctx ended before all videos finished.
func (p *Pool) ProcessJob(ctx context.Context, job *models.Job) error {
	logger := p.deps.Logger.WithJobID(job.ID).WithWorkerID(p.opts.WorkerID)
	start := p.now()

	metrics.JobsInProgress.Inc()
	defer metrics.JobsInProgress.Dec()

	if p.deps.Store != nil {
		if err := p.deps.Store.StartJob(ctx, job, p.opts.WorkerID); err != nil {
			metrics.RecordDatabaseOperation("start_job", "error")
			return fmt.Errorf("failed to start job %s: %w", job.ID, err)
		}
		metrics.RecordDatabaseOperation("start_job", "success")
	}

	logger.LogJobEvent(job.ID, "started", models.JobStatusProcessing, map[string]interface{}{
		"videos": len(job.Videos),
	})

	results := make([]models.TranscriptResult, len(job.Videos))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.Concurrency)

	for i := range job.Videos {
		i := i
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			req := job.Videos[i]
			results[i] = p.ProcessVideo(gctx, job.ID, &req)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		metrics.RecordJobCompleted(models.JobStatusFailed)
		logger.LogJobEvent(job.ID, "interrupted", models.JobStatusFailed, map[string]interface{}{
			"error": err.Error(),
		})
		return err
	}

	jobResult := &models.JobResult{
		JobID:       job.ID,
		Results:     results,
		CompletedAt: p.now(),
	}
	p.completeJob(ctx, logger, jobResult)

	logger.LogJobEvent(job.ID, "completed", models.JobStatusCompleted, map[string]interface{}{
		"videos":      len(results),
		"available":   countAvailable(results),
		"duration_ms": p.now().Sub(start).Milliseconds(),
	})
	metrics.RecordJobCompleted(models.JobStatusCompleted)

	return nil
}

func (p *Pool) completeJob(ctx context.Context, logger *logging.Logger, result *models.JobResult) {
	ctx = context.WithoutCancel(ctx)

	if p.deps.Store != nil {
		if err := p.deps.Store.CompleteJob(ctx, result.JobID, models.JobStatusCompleted); err != nil {
			p.infraError(logger, "database", "complete_job", err)
		}
	}
	if p.deps.Publisher != nil {
		if err := p.deps.Publisher.PublishJobResult(ctx, result); err != nil {
			p.infraError(logger, "queue", "publish_job_result", err)
		}
	}
	if p.deps.Notifier != nil {
		if err := p.deps.Notifier.NotifyJobCompleted(ctx, result); err != nil {
			p.infraError(logger, "webhook", "notify_job", err)
		}
	}
}

// ProcessVideo acquires one transcript while holding the video's lock and
// delivers the result. jobID may be empty for synchronous requests.
func (p *Pool) ProcessVideo(ctx context.Context, jobID string, req *models.TranscriptRequest) models.TranscriptResult {
	logger := p.deps.Logger.WithVideoID(req.VideoID)
	if jobID != "" {
		logger = logger.WithJobID(jobID)
	}

	if p.deps.Locks != nil {
		lock, err := p.lock(ctx, req.VideoID)
		switch {
		case err == nil:
			defer func() {
				if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
					logger.WithError(err).Warn("Failed to release video lock")
				}
			}()
		case errors.Is(err, cache.ErrLockNotAcquired):
			// the other holder most likely filled the cache by now
			logger.Warn("Video lock wait exceeded, processing anyway")
		default:
			p.infraError(logger, "cache", "lock", err)
		}
	}

	metrics.VideosInProgress.Inc()
	result := p.deps.Pipeline.Acquire(ctx, req)
	metrics.VideosInProgress.Dec()
	logger.LogResult(result)

	if !result.FromCache {
		p.deliver(ctx, logger, jobID, &result)
	} else if p.deps.Notifier != nil {
		if err := p.deps.Notifier.NotifyResult(context.WithoutCancel(ctx), &result); err != nil {
			p.infraError(logger, "webhook", "notify", err)
		}
	}

	return result
}

func (p *Pool) lock(ctx context.Context, videoID string) (*cache.Lock, error) {
	waitCtx, cancel := context.WithTimeout(ctx, p.opts.LockWait)
	defer cancel()
	return p.deps.Locks.WaitLock(waitCtx, videoID, p.opts.LockTTL)
}

// deliver hands a fresh result to every sink. Sink failures never change the
// result.
func (p *Pool) deliver(ctx context.Context, logger *logging.Logger, jobID string, result *models.TranscriptResult) {
	ctx = context.WithoutCancel(ctx)

	if p.deps.Store != nil {
		start := p.now()
		_, err := p.deps.Store.SaveResult(ctx, jobID, result)
		logger.LogDatabaseOperation("save_result", p.now().Sub(start), err)
		if err != nil {
			metrics.RecordDatabaseOperation("save_result", "error")
			p.infraError(logger, "database", "save_result", err)
		} else {
			metrics.RecordDatabaseOperation("save_result", "success")
		}
	}

	if p.deps.Archive != nil && result.Available() {
		start := p.now()
		object, err := p.deps.Archive.PutTranscript(ctx, result)
		logger.LogStorageOperation("put_transcript", "", object, int64(len(result.Text)), p.now().Sub(start), err)
		if err != nil {
			metrics.RecordStorageOperation("put_transcript", "error")
			p.infraError(logger, "storage", "put_transcript", err)
		} else {
			metrics.RecordStorageOperation("put_transcript", "success")
		}
	}

	if p.deps.Publisher != nil {
		if err := p.deps.Publisher.PublishResult(ctx, result); err != nil {
			p.infraError(logger, "queue", "publish_result", err)
		}
	}

	if p.deps.Notifier != nil {
		if err := p.deps.Notifier.NotifyResult(ctx, result); err != nil {
			p.infraError(logger, "webhook", "notify", err)
		}
	}
}

func (p *Pool) infraError(logger *logging.Logger, component, op string, err error) {
	metrics.RecordError(component, op)
	logger.WithError(err).Errorf("%s %s failed", component, op)
}

func countAvailable(results []models.TranscriptResult) int {
	n := 0
	for i := range results {
		if results[i].Available() {
			n++
		}
	}
	return n
}
