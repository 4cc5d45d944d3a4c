package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/transcript/internal/breaker"
	"github.com/therealutkarshpriyadarshi/transcript/internal/database"
	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/middleware"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

const videoID = "dQw4w9WgXcQ"

type mockRepository struct {
	mu      sync.Mutex
	jobs    map[string]*models.Job
	results map[string]*models.TranscriptResult
	stats   []database.OutcomeCount
	since   time.Time
	err     error
}

func newMockRepository() *mockRepository {
	return &mockRepository{
		jobs:    make(map[string]*models.Job),
		results: make(map[string]*models.TranscriptResult),
	}
}

func (m *mockRepository) CreateJob(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.jobs[job.ID] = job
	return nil
}

func (m *mockRepository) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, database.ErrNotFound)
	}
	return job, nil
}

func (m *mockRepository) GetLatestResult(ctx context.Context, videoID, lang string) (*models.TranscriptResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	result, ok := m.results[videoID+"/"+lang]
	if !ok {
		return nil, database.ErrNotFound
	}
	return result, nil
}

func (m *mockRepository) AttemptStats(ctx context.Context, since time.Time) ([]database.OutcomeCount, error) {
	m.since = since
	return m.stats, m.err
}

type mockQueue struct {
	published []*models.Job
	err       error
}

func (m *mockQueue) PublishJob(ctx context.Context, job *models.Job) error {
	if m.err != nil {
		return m.err
	}
	m.published = append(m.published, job)
	return nil
}

type mockCache struct {
	results map[string]*models.TranscriptResult
}

func (m *mockCache) Get(ctx context.Context, videoID, lang string) (*models.TranscriptResult, error) {
	return m.results[videoID+"/"+lang], nil
}

type mockArchive struct {
	result *models.TranscriptResult
}

func (m *mockArchive) GetTranscript(ctx context.Context, videoID, lang string) (*models.TranscriptResult, error) {
	if m.result == nil {
		return nil, errors.New("object not found")
	}
	return m.result, nil
}

type mockAcquirer struct {
	requests []models.TranscriptRequest
	result   models.TranscriptResult
}

func (m *mockAcquirer) ProcessVideo(ctx context.Context, jobID string, req *models.TranscriptRequest) models.TranscriptResult {
	m.requests = append(m.requests, *req)
	return m.result
}

type testAPI struct {
	repo     *mockRepository
	queue    *mockQueue
	cache    *mockCache
	archive  *mockArchive
	acquirer *mockAcquirer
	router   *gin.Engine
}

func newTestAPI(t *testing.T, secret string) *testAPI {
	t.Helper()
	gin.SetMode(gin.TestMode)

	ta := &testAPI{
		repo:     newMockRepository(),
		queue:    &mockQueue{},
		cache:    &mockCache{results: make(map[string]*models.TranscriptResult)},
		archive:  &mockArchive{},
		acquirer: &mockAcquirer{},
	}

	api := &API{
		repo:     ta.repo,
		jobs:     ta.queue,
		cache:    ta.cache,
		archive:  ta.archive,
		acquirer: ta.acquirer,
		breakers: func() map[string]breaker.State {
			return map[string]breaker.State{"captions_api": breaker.StateOpen}
		},
		health: map[string]func(context.Context) error{
			"database": func(context.Context) error { return nil },
		},
		defaultLanguage: "en",
		logger:          logging.Nop(),
	}

	ta.router = setupRouter(api, middleware.NewRateLimiter(1000, 1000), secret)
	return ta
}

func (ta *testAPI) do(method, path string, body interface{}, header ...string) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}

	w := httptest.NewRecorder()
	ta.router.ServeHTTP(w, req)
	return w
}

func TestHealthCheck(t *testing.T) {
	ta := newTestAPI(t, "")

	w := ta.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "healthy")
}

func TestCreateJob(t *testing.T) {
	ta := newTestAPI(t, "")

	w := ta.do("POST", "/api/v1/jobs", map[string]interface{}{
		"videos": []map[string]interface{}{
			{"video_id": videoID},
			{"video_id": "9bZkp7q19f0", "language": "ko", "allow_proxy": false, "allow_asr": true, "duration_seconds": 252},
		},
	})
	require.Equal(t, http.StatusAccepted, w.Code, w.Body.String())

	var job models.Job
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &job))
	assert.NotEmpty(t, job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, models.JobPriorityNormal, job.Priority)

	require.Len(t, job.Videos, 2)
	assert.Equal(t, "en", job.Videos[0].Language)
	assert.True(t, job.Videos[0].AllowProxy)
	assert.Equal(t, "ko", job.Videos[1].Language)
	assert.False(t, job.Videos[1].AllowProxy)
	assert.True(t, job.Videos[1].AllowASR)
	assert.Equal(t, 252*time.Second, job.Videos[1].DurationHint)

	require.Len(t, ta.queue.published, 1)
	assert.Equal(t, job.ID, ta.queue.published[0].ID)

	w = ta.do("GET", "/api/v1/jobs/"+job.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCreateJobValidation(t *testing.T) {
	ta := newTestAPI(t, "")

	tests := []struct {
		name string
		body interface{}
	}{
		{name: "no videos", body: map[string]interface{}{"videos": []interface{}{}}},
		{name: "missing id", body: map[string]interface{}{"videos": []map[string]string{{"language": "en"}}}},
		{name: "malformed id", body: map[string]interface{}{"videos": []map[string]string{{"video_id": "../etc"}}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := ta.do("POST", "/api/v1/jobs", tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
		})
	}
	assert.Empty(t, ta.queue.published)
}

func TestCreateJobQueueUnavailable(t *testing.T) {
	ta := newTestAPI(t, "")
	ta.queue.err = errors.New("channel closed")

	w := ta.do("POST", "/api/v1/jobs", map[string]interface{}{
		"videos": []map[string]string{{"video_id": videoID}},
	})
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestGetJobNotFound(t *testing.T) {
	ta := newTestAPI(t, "")

	w := ta.do("GET", "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAcquireTranscript(t *testing.T) {
	ta := newTestAPI(t, "")
	ta.acquirer.result = models.Unavailable(&models.TranscriptRequest{VideoID: videoID, Language: "en"}, nil, time.Second)

	w := ta.do("POST", "/api/v1/transcripts", map[string]interface{}{"video_id": videoID})
	require.Equal(t, http.StatusOK, w.Code)

	var result models.TranscriptResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &result))
	assert.Equal(t, models.NoTranscriptText, result.Text)
	assert.Equal(t, models.SourceNone, result.Source)

	require.Len(t, ta.acquirer.requests, 1)
	assert.Equal(t, "en", ta.acquirer.requests[0].Language)
}

func TestGetTranscriptLookupOrder(t *testing.T) {
	ta := newTestAPI(t, "")

	w := ta.do("GET", "/api/v1/transcripts/"+videoID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	ta.archive.result = &models.TranscriptResult{VideoID: videoID, Text: "from archive", Source: models.SourceDirectText}
	w = ta.do("GET", "/api/v1/transcripts/"+videoID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "from archive")

	ta.repo.results[videoID+"/en"] = &models.TranscriptResult{VideoID: videoID, Text: "from database", Source: models.SourceCaptionsAPI}
	w = ta.do("GET", "/api/v1/transcripts/"+videoID, nil)
	assert.Contains(t, w.Body.String(), "from database")

	ta.cache.results[videoID+"/de"] = &models.TranscriptResult{VideoID: videoID, Text: "aus dem cache", Source: models.SourceCaptionsAPI, FromCache: true}
	w = ta.do("GET", "/api/v1/transcripts/"+videoID+"?lang=de", nil)
	assert.Contains(t, w.Body.String(), "aus dem cache")

	w = ta.do("GET", "/api/v1/transcripts/short", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestArchivedSentinelIsNotServed(t *testing.T) {
	ta := newTestAPI(t, "")
	missing := models.Unavailable(&models.TranscriptRequest{VideoID: videoID}, nil, 0)
	ta.archive.result = &missing

	w := ta.do("GET", "/api/v1/transcripts/"+videoID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetBreakers(t *testing.T) {
	ta := newTestAPI(t, "")

	w := ta.do("GET", "/api/v1/breakers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.JSONEq(t, `{"breakers":{"captions_api":"open"}}`, w.Body.String())
}

func TestGetStats(t *testing.T) {
	ta := newTestAPI(t, "")
	ta.repo.stats = []database.OutcomeCount{{Strategy: models.SourceCaptionsAPI, Outcome: models.OutcomeSuccess, Count: 4}}

	w := ta.do("GET", "/api/v1/stats?since=1h", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"count":4`)
	assert.WithinDuration(t, time.Now().Add(-time.Hour), ta.repo.since, time.Minute)

	w = ta.do("GET", "/api/v1/stats?since=yesterday", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestTokenRequiredWhenConfigured(t *testing.T) {
	ta := newTestAPI(t, "secret")

	w := ta.do("GET", "/api/v1/breakers", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	token, err := middleware.GenerateToken("secret", "digest-service", time.Hour)
	require.NoError(t, err)

	w = ta.do("POST", "/api/v1/jobs", map[string]interface{}{
		"videos": []map[string]string{{"video_id": videoID}},
	}, "Authorization", "Bearer "+token)
	require.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "digest-service", ta.queue.published[0].UserID)

	// health stays open
	w = ta.do("GET", "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}
