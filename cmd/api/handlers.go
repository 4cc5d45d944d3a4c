package main

import (
	"context"
	"errors"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/therealutkarshpriyadarshi/transcript/internal/breaker"
	"github.com/therealutkarshpriyadarshi/transcript/internal/database"
	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/middleware"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

const maxVideosPerJob = 50

var videoIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{11}$`)

// Repository is the persistence the API reads and writes
type Repository interface {
	CreateJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	GetLatestResult(ctx context.Context, videoID, lang string) (*models.TranscriptResult, error)
	AttemptStats(ctx context.Context, since time.Time) ([]database.OutcomeCount, error)
}

// JobQueue accepts jobs for the workers
type JobQueue interface {
	PublishJob(ctx context.Context, job *models.Job) error
}

// TranscriptSource looks up a finished transcript
type TranscriptSource interface {
	Get(ctx context.Context, videoID, lang string) (*models.TranscriptResult, error)
}

// Archive reads archived transcripts
type Archive interface {
	GetTranscript(ctx context.Context, videoID, lang string) (*models.TranscriptResult, error)
}

// Acquirer runs one video through the pipeline and delivers the result
type Acquirer interface {
	ProcessVideo(ctx context.Context, jobID string, req *models.TranscriptRequest) models.TranscriptResult
}

// API serves the transcript HTTP surface
type API struct {
	repo            Repository
	jobs            JobQueue
	cache           TranscriptSource
	archive         Archive
	acquirer        Acquirer
	breakers        func() map[string]breaker.State
	health          map[string]func(context.Context) error
	defaultLanguage string
	logger          *logging.Logger
}

func setupRouter(api *API, limiter *middleware.RateLimiter, jwtSecret string) *gin.Engine {
	router := gin.New()
	router.Use(gin.Recovery(), middleware.Logger(api.logger))

	// Health check
	router.GET("/health", api.healthCheck)

	// API routes
	v1 := router.Group("/api/v1")
	v1.Use(middleware.TokenAuth(jwtSecret), middleware.RateLimit(limiter))
	{
		// Jobs
		v1.POST("/jobs", api.createJob)
		v1.GET("/jobs/:id", api.getJob)

		// Transcripts
		v1.POST("/transcripts", api.acquireTranscript)
		v1.GET("/transcripts/:videoID", api.getTranscript)

		// Pipeline state
		v1.GET("/breakers", api.getBreakers)
		v1.GET("/stats", api.getStats)
	}

	return router
}

// videoRequest is the wire form of one video in a request body
type videoRequest struct {
	VideoID         string          `json:"video_id" binding:"required"`
	Language        string          `json:"language"`
	Cookies         []models.Cookie `json:"cookies"`
	AllowProxy      *bool           `json:"allow_proxy"`
	AllowASR        bool            `json:"allow_asr"`
	DurationSeconds int             `json:"duration_seconds"`
}

func (api *API) toRequest(v videoRequest) (models.TranscriptRequest, error) {
	if !videoIDPattern.MatchString(v.VideoID) {
		return models.TranscriptRequest{}, errors.New("invalid video id: " + v.VideoID)
	}

	lang := strings.TrimSpace(v.Language)
	if lang == "" {
		lang = api.defaultLanguage
	}

	req := models.TranscriptRequest{
		VideoID:      v.VideoID,
		Language:     lang,
		Cookies:      v.Cookies,
		AllowProxy:   true,
		AllowASR:     v.AllowASR,
		DurationHint: time.Duration(v.DurationSeconds) * time.Second,
	}
	if v.AllowProxy != nil {
		req.AllowProxy = *v.AllowProxy
	}
	return req, nil
}

// Health check endpoint
func (api *API) healthCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 5*time.Second)
	defer cancel()

	checks := gin.H{}
	healthy := true
	for name, check := range api.health {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			healthy = false
			continue
		}
		checks[name] = "ok"
	}

	if !healthy {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unhealthy", "checks": checks})
		return
	}

	c.JSON(http.StatusOK, gin.H{"status": "healthy", "checks": checks})
}

// Create job endpoint
func (api *API) createJob(c *gin.Context) {
	var body struct {
		Videos   []videoRequest `json:"videos" binding:"required,min=1,dive"`
		Priority int            `json:"priority"`
	}

	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if len(body.Videos) > maxVideosPerJob {
		c.JSON(http.StatusBadRequest, gin.H{"error": "too many videos in one job"})
		return
	}

	job := &models.Job{
		ID:        uuid.New().String(),
		Status:    models.JobStatusPending,
		Priority:  body.Priority,
		CreatedAt: time.Now(),
	}
	if client, ok := middleware.GetClientID(c); ok {
		job.UserID = client
	}
	if job.Priority <= 0 {
		job.Priority = models.JobPriorityNormal
	}
	if job.Priority > models.JobPriorityHigh {
		job.Priority = models.JobPriorityHigh
	}

	for _, v := range body.Videos {
		req, err := api.toRequest(v)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		job.Videos = append(job.Videos, req)
	}

	// Save to database
	if err := api.repo.CreateJob(c.Request.Context(), job); err != nil {
		api.logger.WithError(err).Error("Failed to create job")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	// Publish to queue
	if err := api.jobs.PublishJob(c.Request.Context(), job); err != nil {
		api.logger.WithJobID(job.ID).WithError(err).Error("Failed to queue job")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Failed to queue job"})
		return
	}

	api.logger.LogJobEvent(job.ID, "queued", job.Status, map[string]interface{}{"videos": len(job.Videos)})
	c.JSON(http.StatusAccepted, job)
}

// Get job endpoint
func (api *API) getJob(c *gin.Context) {
	job, err := api.repo.GetJob(c.Request.Context(), c.Param("id"))
	if errors.Is(err, database.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, job)
}

// Synchronous transcript endpoint. The sentinel result is a normal 200 reply.
func (api *API) acquireTranscript(c *gin.Context) {
	var body videoRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	req, err := api.toRequest(body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	result := api.acquirer.ProcessVideo(c.Request.Context(), "", &req)
	c.JSON(http.StatusOK, result)
}

// Cached transcript endpoint: cache, then database, then archive
func (api *API) getTranscript(c *gin.Context) {
	videoID := c.Param("videoID")
	if !videoIDPattern.MatchString(videoID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid video id"})
		return
	}
	lang := c.DefaultQuery("lang", api.defaultLanguage)
	ctx := c.Request.Context()

	if result, err := api.cache.Get(ctx, videoID, lang); err == nil && result != nil {
		c.JSON(http.StatusOK, result)
		return
	}

	result, err := api.repo.GetLatestResult(ctx, videoID, lang)
	if err == nil {
		c.JSON(http.StatusOK, result)
		return
	}
	if !errors.Is(err, database.ErrNotFound) {
		api.logger.WithVideoID(videoID).WithError(err).Warn("Result lookup failed")
	}

	if api.archive != nil {
		if archived, err := api.archive.GetTranscript(ctx, videoID, lang); err == nil && archived.Available() {
			c.JSON(http.StatusOK, archived)
			return
		}
	}

	c.JSON(http.StatusNotFound, gin.H{"error": "Transcript not found"})
}

// Breaker state endpoint
func (api *API) getBreakers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"breakers": api.breakers()})
}

// Attempt statistics endpoint
func (api *API) getStats(c *gin.Context) {
	window, err := time.ParseDuration(c.DefaultQuery("since", "24h"))
	if err != nil || window <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since duration"})
		return
	}

	stats, err := api.repo.AttemptStats(c.Request.Context(), time.Now().Add(-window))
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}

	c.JSON(http.StatusOK, gin.H{"since": window.String(), "stats": stats})
}
