package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/therealutkarshpriyadarshi/transcript/internal/cache"
	"github.com/therealutkarshpriyadarshi/transcript/pkg/models"
)

type fakeAcquirer struct {
	mu       sync.Mutex
	calls    []string
	inFlight int
	maxSeen  int
	delay    time.Duration
	result   func(req *models.TranscriptRequest) models.TranscriptResult
}

func (f *fakeAcquirer) Acquire(ctx context.Context, req *models.TranscriptRequest) models.TranscriptResult {
	f.mu.Lock()
	f.calls = append(f.calls, req.VideoID)
	f.inFlight++
	if f.inFlight > f.maxSeen {
		f.maxSeen = f.inFlight
	}
	f.mu.Unlock()

	if f.delay > 0 {
		time.Sleep(f.delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if f.result != nil {
		return f.result(req)
	}
	return models.TranscriptResult{
		VideoID:  req.VideoID,
		Language: req.Language,
		Text:     "text for " + req.VideoID,
		Source:   models.SourceCaptionsAPI,
	}
}

type fakeStore struct {
	mu        sync.Mutex
	started   []string
	completed map[string]string
	saved     []string
	startErr  error
	saveErr   error
}

func (f *fakeStore) StartJob(ctx context.Context, job *models.Job, workerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started = append(f.started, job.ID)
	return f.startErr
}

func (f *fakeStore) CompleteJob(ctx context.Context, jobID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.completed == nil {
		f.completed = make(map[string]string)
	}
	f.completed[jobID] = status
	return nil
}

func (f *fakeStore) SaveResult(ctx context.Context, jobID string, result *models.TranscriptResult) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, result.VideoID)
	return "result-" + result.VideoID, f.saveErr
}

type fakeArchive struct {
	mu       sync.Mutex
	archived []string
}

func (f *fakeArchive) PutTranscript(ctx context.Context, result *models.TranscriptResult) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, result.VideoID)
	return "transcripts/" + result.VideoID + "/en.json", nil
}

type fakePublisher struct {
	mu      sync.Mutex
	results []models.TranscriptResult
	jobs    []*models.JobResult
}

func (f *fakePublisher) PublishResult(ctx context.Context, result *models.TranscriptResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, *result)
	return nil
}

func (f *fakePublisher) PublishJobResult(ctx context.Context, result *models.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, result)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	videos []string
	jobs   []string
	err    error
}

func (f *fakeNotifier) NotifyResult(ctx context.Context, result *models.TranscriptResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.videos = append(f.videos, result.VideoID)
	return f.err
}

func (f *fakeNotifier) NotifyJobCompleted(ctx context.Context, result *models.JobResult) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs = append(f.jobs, result.JobID)
	return f.err
}

type fixture struct {
	acquirer  *fakeAcquirer
	store     *fakeStore
	archive   *fakeArchive
	publisher *fakePublisher
	notifier  *fakeNotifier
	pool      *Pool
}

func newFixture(opts Options, locks Locker) *fixture {
	f := &fixture{
		acquirer:  &fakeAcquirer{},
		store:     &fakeStore{},
		archive:   &fakeArchive{},
		publisher: &fakePublisher{},
		notifier:  &fakeNotifier{},
	}
	f.pool = NewPool(opts, Deps{
		Pipeline:  f.acquirer,
		Locks:     locks,
		Store:     f.store,
		Archive:   f.archive,
		Publisher: f.publisher,
		Notifier:  f.notifier,
	})
	return f
}

func testJob(ids ...string) *models.Job {
	job := &models.Job{ID: "job-1", Status: models.JobStatusPending}
	for _, id := range ids {
		job.Videos = append(job.Videos, models.TranscriptRequest{VideoID: id, Language: "en"})
	}
	return job
}

func TestProcessJobDeliversEveryResult(t *testing.T) {
	f := newFixture(Options{Concurrency: 2}, cache.New(nil, cache.Options{}))

	f.acquirer.result = func(req *models.TranscriptRequest) models.TranscriptResult {
		if req.VideoID == "missing" {
			return models.Unavailable(req, nil, time.Millisecond)
		}
		return models.TranscriptResult{VideoID: req.VideoID, Text: "hello", Source: models.SourceDirectText}
	}

	require.NoError(t, f.pool.ProcessJob(context.Background(), testJob("a", "missing", "c")))

	assert.Equal(t, []string{"job-1"}, f.store.started)
	assert.Equal(t, models.JobStatusCompleted, f.store.completed["job-1"])
	assert.ElementsMatch(t, []string{"a", "missing", "c"}, f.store.saved)

	// sentinels are persisted and announced but not archived
	assert.ElementsMatch(t, []string{"a", "c"}, f.archive.archived)
	assert.Len(t, f.publisher.results, 3)
	assert.ElementsMatch(t, []string{"a", "missing", "c"}, f.notifier.videos)

	require.Len(t, f.publisher.jobs, 1)
	jobResult := f.publisher.jobs[0]
	require.Len(t, jobResult.Results, 3)
	assert.Equal(t, "a", jobResult.Results[0].VideoID)
	assert.Equal(t, models.NoTranscriptText, jobResult.Results[1].Text)
	assert.Equal(t, "c", jobResult.Results[2].VideoID)
	assert.Equal(t, []string{"job-1"}, f.notifier.jobs)
}

func TestProcessJobBoundsConcurrency(t *testing.T) {
	f := newFixture(Options{Concurrency: 2}, nil)
	f.acquirer.delay = 20 * time.Millisecond

	require.NoError(t, f.pool.ProcessJob(context.Background(), testJob("a", "b", "c", "d", "e", "f")))

	assert.Len(t, f.acquirer.calls, 6)
	assert.LessOrEqual(t, f.acquirer.maxSeen, 2)
}

func TestProcessJobStartFailureIsRetryable(t *testing.T) {
	f := newFixture(Options{}, nil)
	f.store.startErr = errors.New("connection refused")

	err := f.pool.ProcessJob(context.Background(), testJob("a"))
	require.Error(t, err)
	assert.Empty(t, f.acquirer.calls)
	assert.Empty(t, f.publisher.jobs)
}

func TestProcessJobCanceled(t *testing.T) {
	f := newFixture(Options{}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := f.pool.ProcessJob(ctx, testJob("a", "b"))
	require.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, f.store.completed)
	assert.Empty(t, f.publisher.jobs)
}

func TestSinkFailuresDoNotChangeResult(t *testing.T) {
	f := newFixture(Options{}, nil)
	f.store.saveErr = errors.New("disk full")
	f.notifier.err = errors.New("no route")

	result := f.pool.ProcessVideo(context.Background(), "", &models.TranscriptRequest{VideoID: "a"})
	assert.True(t, result.Available())
	assert.Equal(t, []string{"a"}, f.archive.archived)
	assert.Len(t, f.publisher.results, 1)
}

func TestCachedResultIsOnlyAnnounced(t *testing.T) {
	f := newFixture(Options{}, nil)
	f.acquirer.result = func(req *models.TranscriptRequest) models.TranscriptResult {
		return models.TranscriptResult{VideoID: req.VideoID, Text: "cached", Source: models.SourceCaptionsAPI, FromCache: true}
	}

	result := f.pool.ProcessVideo(context.Background(), "", &models.TranscriptRequest{VideoID: "a"})
	assert.True(t, result.FromCache)
	assert.Empty(t, f.store.saved)
	assert.Empty(t, f.archive.archived)
	assert.Empty(t, f.publisher.results)
	assert.Equal(t, []string{"a"}, f.notifier.videos)
}

func setupRedisLocks(t *testing.T) *cache.Cache {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	c, err := cache.NewCache(mr.Host(), mr.Server().Addr().Port, "", 0, cache.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLockWaitExceededProcessesAnyway(t *testing.T) {
	locks := setupRedisLocks(t)
	held, err := locks.TryLock(context.Background(), "a", time.Minute)
	require.NoError(t, err)
	defer held.Release(context.Background())

	f := newFixture(Options{LockWait: 100 * time.Millisecond}, locks)

	start := time.Now()
	result := f.pool.ProcessVideo(context.Background(), "", &models.TranscriptRequest{VideoID: "a"})
	assert.True(t, result.Available())
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)
	assert.Equal(t, []string{"a"}, f.acquirer.calls)
}

func TestLockSerializesSameVideo(t *testing.T) {
	locks := setupRedisLocks(t)
	held, err := locks.TryLock(context.Background(), "a", time.Minute)
	require.NoError(t, err)

	f := newFixture(Options{LockWait: 5 * time.Second}, locks)

	go func() {
		time.Sleep(100 * time.Millisecond)
		_ = held.Release(context.Background())
	}()

	start := time.Now()
	f.pool.ProcessVideo(context.Background(), "", &models.TranscriptRequest{VideoID: "a"})
	assert.GreaterOrEqual(t, time.Since(start), 100*time.Millisecond)

	// the pool released its own lock afterwards
	again, err := locks.TryLock(context.Background(), "a", time.Minute)
	require.NoError(t, err)
	require.NoError(t, again.Release(context.Background()))
}
