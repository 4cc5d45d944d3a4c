package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/therealutkarshpriyadarshi/transcript/internal/config"
)

// DB wraps the database connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// DSN builds the pgx connection string for cfg
func DSN(cfg config.DatabaseConfig) string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s pool_max_conns=%d pool_min_conns=%d",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.DBName, cfg.SSLMode,
		cfg.MaxConns, cfg.MinConns,
	)
}

// New creates a new database connection
func New(cfg config.DatabaseConfig) (*DB, error) {
	return Connect(DSN(cfg))
}

// Connect opens a pool for a connection string and verifies it
func Connect(dsn string) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database config: %w", err)
	}

	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close closes the database connection pool
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Health checks if the database is healthy
func (db *DB) Health(ctx context.Context) error {
	return db.Pool.Ping(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS transcript_jobs (
	id           UUID PRIMARY KEY,
	user_id      TEXT NOT NULL DEFAULT '',
	status       TEXT NOT NULL,
	priority     INT NOT NULL DEFAULT 5,
	videos       JSONB NOT NULL,
	retry_count  INT NOT NULL DEFAULT 0,
	worker_id    TEXT NOT NULL DEFAULT '',
	started_at   TIMESTAMPTZ,
	completed_at TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS transcript_results (
	id         UUID PRIMARY KEY,
	job_id     UUID REFERENCES transcript_jobs(id) ON DELETE SET NULL,
	video_id   TEXT NOT NULL,
	language   TEXT NOT NULL,
	text       TEXT NOT NULL,
	source     TEXT NOT NULL,
	elapsed_ms BIGINT NOT NULL,
	from_cache BOOLEAN NOT NULL DEFAULT FALSE,
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS idx_transcript_results_video
	ON transcript_results (video_id, language, created_at DESC);

CREATE TABLE IF NOT EXISTS transcript_attempts (
	result_id      UUID NOT NULL REFERENCES transcript_results(id) ON DELETE CASCADE,
	video_id       TEXT NOT NULL,
	strategy       TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	attempt_number INT NOT NULL,
	elapsed_ms     BIGINT NOT NULL,
	proxy_used     BOOLEAN NOT NULL,
	profile        TEXT NOT NULL DEFAULT '',
	error          TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	PRIMARY KEY (result_id, attempt_number)
);

CREATE INDEX IF NOT EXISTS idx_transcript_attempts_strategy
	ON transcript_attempts (strategy, created_at DESC);
`

// Migrate creates the tables the repository uses
func (db *DB) Migrate(ctx context.Context) error {
	if _, err := db.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
