package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

// ErrNotFound is returned when a lookup matches no row
var ErrNotFound = errors.New("not found")

// Repository provides database operations
type Repository struct {
	db *DB
}

// NewRepository creates a new repository
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Jobs

// CreateJob creates a new job record
func (r *Repository) CreateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		job.ID = uuid.New().String()
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	query := `
		INSERT INTO transcript_jobs (id, user_id, status, priority, videos, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`

	err := r.db.Pool.QueryRow(ctx, query,
		job.ID, job.UserID, job.Status, job.Priority, job.Videos, job.RetryCount,
	).Scan(&job.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create job: %w", err)
	}

	return nil
}

// GetJob retrieves a job by ID
func (r *Repository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var job models.Job

	query := `
		SELECT id, user_id, status, priority, videos, retry_count, worker_id,
		       started_at, completed_at, created_at
		FROM transcript_jobs
		WHERE id = $1
	`

	err := r.db.Pool.QueryRow(ctx, query, id).Scan(
		&job.ID, &job.UserID, &job.Status, &job.Priority, &job.Videos, &job.RetryCount,
		&job.WorkerID, &job.StartedAt, &job.CompletedAt, &job.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	return &job, nil
}

// StartJob marks a job as processing on a worker. Jobs that were never stored
// through the API are inserted.
func (r *Repository) StartJob(ctx context.Context, job *models.Job, workerID string) error {
	query := `
		INSERT INTO transcript_jobs (id, user_id, status, priority, videos, retry_count, worker_id, started_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW())
		ON CONFLICT (id) DO UPDATE
		SET status = EXCLUDED.status, retry_count = EXCLUDED.retry_count,
		    worker_id = EXCLUDED.worker_id, started_at = NOW()
	`

	_, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.UserID, models.JobStatusProcessing, job.Priority, job.Videos,
		job.RetryCount, workerID,
	)
	if err != nil {
		return fmt.Errorf("failed to start job: %w", err)
	}

	return nil
}

// CompleteJob records the final status of a job
func (r *Repository) CompleteJob(ctx context.Context, jobID, status string) error {
	query := `
		UPDATE transcript_jobs
		SET status = $2, completed_at = NOW()
		WHERE id = $1
	`

	_, err := r.db.Pool.Exec(ctx, query, jobID, status)
	if err != nil {
		return fmt.Errorf("failed to complete job: %w", err)
	}

	return nil
}

// Results

// SaveResult stores a transcript result and its attempt history in one
// transaction. jobID may be empty for synchronous requests.
func (r *Repository) SaveResult(ctx context.Context, jobID string, result *models.TranscriptResult) (string, error) {
	id := uuid.New().String()

	var job *string
	if jobID != "" {
		job = &jobID
	}

	tx, err := r.db.Pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO transcript_results (id, job_id, video_id, language, text, source, elapsed_ms, from_cache, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`,
		id, job, result.VideoID, result.Language, result.Text, string(result.Source),
		result.Elapsed.Milliseconds(), result.FromCache, createdAt(result),
	)
	if err != nil {
		return "", fmt.Errorf("failed to insert result: %w", err)
	}

	if len(result.Attempts) > 0 {
		batch := &pgx.Batch{}
		for _, a := range result.Attempts {
			batch.Queue(`
				INSERT INTO transcript_attempts (result_id, video_id, strategy, outcome, attempt_number, elapsed_ms, proxy_used, profile, error)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			`,
				id, a.VideoID, string(a.Strategy), string(a.Outcome), a.AttemptNumber,
				a.ElapsedMS, a.ProxyUsed, a.Profile, a.Error,
			)
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return "", fmt.Errorf("failed to insert attempts: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("failed to commit result: %w", err)
	}

	return id, nil
}

func createdAt(result *models.TranscriptResult) time.Time {
	if result.CreatedAt.IsZero() {
		return time.Now()
	}
	return result.CreatedAt
}

// GetLatestResult returns the most recent available transcript for a video
func (r *Repository) GetLatestResult(ctx context.Context, videoID, lang string) (*models.TranscriptResult, error) {
	var (
		resultID  string
		result    models.TranscriptResult
		source    string
		elapsedMS int64
	)

	query := `
		SELECT id, video_id, language, text, source, elapsed_ms, from_cache, created_at
		FROM transcript_results
		WHERE video_id = $1 AND language = $2 AND source <> $3
		ORDER BY created_at DESC
		LIMIT 1
	`

	err := r.db.Pool.QueryRow(ctx, query, videoID, lang, string(models.SourceNone)).Scan(
		&resultID, &result.VideoID, &result.Language, &result.Text, &source,
		&elapsedMS, &result.FromCache, &result.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("transcript %s/%s: %w", videoID, lang, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get result: %w", err)
	}

	result.Source = models.Source(source)
	result.Elapsed = time.Duration(elapsedMS) * time.Millisecond

	attempts, err := r.attemptsFor(ctx, resultID)
	if err != nil {
		return nil, err
	}
	result.Attempts = attempts

	return &result, nil
}

func (r *Repository) attemptsFor(ctx context.Context, resultID string) (models.Attempts, error) {
	query := `
		SELECT video_id, strategy, outcome, attempt_number, elapsed_ms, proxy_used, profile, error
		FROM transcript_attempts
		WHERE result_id = $1
		ORDER BY attempt_number
	`

	rows, err := r.db.Pool.Query(ctx, query, resultID)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts models.Attempts
	for rows.Next() {
		var (
			a                 models.Attempt
			strategy, outcome string
		)
		if err := rows.Scan(&a.VideoID, &strategy, &outcome, &a.AttemptNumber,
			&a.ElapsedMS, &a.ProxyUsed, &a.Profile, &a.Error); err != nil {
			return nil, fmt.Errorf("failed to scan attempt: %w", err)
		}
		a.Strategy = models.Source(strategy)
		a.Outcome = models.Outcome(outcome)
		attempts = append(attempts, a)
	}

	return attempts, rows.Err()
}

// OutcomeCount is the number of attempts of one strategy with one outcome
type OutcomeCount struct {
	Strategy models.Source  `json:"strategy"`
	Outcome  models.Outcome `json:"outcome"`
	Count    int64          `json:"count"`
}

// AttemptStats aggregates attempts recorded since the given time
func (r *Repository) AttemptStats(ctx context.Context, since time.Time) ([]OutcomeCount, error) {
	query := `
		SELECT strategy, outcome, COUNT(*)
		FROM transcript_attempts
		WHERE created_at >= $1
		GROUP BY strategy, outcome
		ORDER BY strategy, outcome
	`

	rows, err := r.db.Pool.Query(ctx, query, since)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate attempts: %w", err)
	}
	defer rows.Close()

	var stats []OutcomeCount
	for rows.Next() {
		var (
			c                 OutcomeCount
			strategy, outcome string
		)
		if err := rows.Scan(&strategy, &outcome, &c.Count); err != nil {
			return nil, fmt.Errorf("failed to scan stats: %w", err)
		}
		c.Strategy = models.Source(strategy)
		c.Outcome = models.Outcome(outcome)
		stats = append(stats, c)
	}

	return stats, rows.Err()
}
