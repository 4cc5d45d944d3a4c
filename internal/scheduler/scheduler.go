// Package scheduler runs periodic maintenance tasks in next-run order.
package scheduler

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/therealutkarshpriyadarshi/transcript/internal/logging"
	"github.com/therealutkarshpriyadarshi/transcript/internal/metrics"
)

// Task is a named unit of periodic work
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Scheduler runs registered tasks whenever their interval elapsed
type Scheduler struct {
	queue      *PriorityQueue
	mu         sync.Mutex
	resolution time.Duration
	logger     *logging.Logger
	now        func() time.Time
}

// New creates a scheduler that checks for due tasks every resolution
func New(resolution time.Duration, logger *logging.Logger) *Scheduler {
	if resolution <= 0 {
		resolution = time.Second
	}
	if logger == nil {
		logger = logging.Nop()
	}

	pq := &PriorityQueue{}
	heap.Init(pq)

	return &Scheduler{
		queue:      pq,
		resolution: resolution,
		logger:     logger,
		now:        time.Now,
	}
}

// Add registers a task. Its first run is one interval from now.
func (s *Scheduler) Add(task Task) error {
	if task.Interval <= 0 {
		return errors.New("task interval must be positive")
	}
	if task.Run == nil {
		return errors.New("task has no run function")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	heap.Push(s.queue, &QueueItem{Task: task, NextRun: s.now().Add(task.Interval)})
	return nil
}

// Run executes due tasks until ctx ends
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.resolution)
	defer ticker.Stop()

	s.logger.Infof("Scheduler started with %d tasks", s.Len())

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

// RunDue runs every task whose next run has passed and reschedules it.
// Returns the number of tasks run.
func (s *Scheduler) RunDue(ctx context.Context) int {
	due := s.popDue()

	for _, item := range due {
		if err := item.Task.Run(ctx); err != nil {
			metrics.RecordError("scheduler", item.Task.Name)
			s.logger.WithError(err).WithField("task", item.Task.Name).Warn("Scheduled task failed")
		}
	}

	s.mu.Lock()
	for _, item := range due {
		item.NextRun = s.now().Add(item.Task.Interval)
		heap.Push(s.queue, item)
	}
	s.mu.Unlock()

	return len(due)
}

func (s *Scheduler) popDue() []*QueueItem {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var due []*QueueItem
	for s.queue.Len() > 0 && !(*s.queue)[0].NextRun.After(now) {
		due = append(due, heap.Pop(s.queue).(*QueueItem))
	}
	return due
}

// Next returns the task that runs next and when
func (s *Scheduler) Next() (string, time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.queue.Len() == 0 {
		return "", time.Time{}, false
	}
	item := (*s.queue)[0]
	return item.Task.Name, item.NextRun, true
}

// Len returns the number of registered tasks
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// PriorityQueue orders tasks by next run
type PriorityQueue []*QueueItem

// QueueItem represents a task in the priority queue
type QueueItem struct {
	Task    Task
	NextRun time.Time
	Index   int
}

func (pq PriorityQueue) Len() int { return len(pq) }

func (pq PriorityQueue) Less(i, j int) bool {
	if !pq[i].NextRun.Equal(pq[j].NextRun) {
		return pq[i].NextRun.Before(pq[j].NextRun)
	}
	return pq[i].Task.Name < pq[j].Task.Name
}

func (pq PriorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].Index = i
	pq[j].Index = j
}

func (pq *PriorityQueue) Push(x interface{}) {
	n := len(*pq)
	item := x.(*QueueItem)
	item.Index = n
	*pq = append(*pq, item)
}

func (pq *PriorityQueue) Pop() interface{} {
	old := *pq
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.Index = -1
	*pq = old[0 : n-1]
	return item
}
