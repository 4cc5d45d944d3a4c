package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"
)

// Job is a batch of videos submitted through the front door
type Job struct {
	ID          string     `json:"id" db:"id"`
	UserID      string     `json:"user_id,omitempty" db:"user_id"`
	Status      string     `json:"status" db:"status"`
	Priority    int        `json:"priority" db:"priority"`
	Videos      JobVideos  `json:"videos" db:"videos"`
	RetryCount  int        `json:"retry_count" db:"retry_count"`
	WorkerID    string     `json:"worker_id,omitempty" db:"worker_id"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

// JobVideos holds the per-video requests of a job
type JobVideos []TranscriptRequest

// Value implements driver.Valuer for database storage
func (v JobVideos) Value() (driver.Value, error) {
	return json.Marshal(v)
}

// Scan implements sql.Scanner for database retrieval
func (v *JobVideos) Scan(value interface{}) error {
	if value == nil {
		return nil
	}

	switch data := value.(type) {
	case []byte:
		return json.Unmarshal(data, v)
	case string:
		return json.Unmarshal([]byte(data), v)
	default:
		return nil
	}
}

// JobResult is published once every video of a job has a result
type JobResult struct {
	JobID       string             `json:"job_id"`
	Results     []TranscriptResult `json:"results"`
	CompletedAt time.Time          `json:"completed_at"`
}

// JobStatus constants
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
)

// JobPriority constants
const (
	JobPriorityLow    = 0
	JobPriorityNormal = 5
	JobPriorityHigh   = 10
)
