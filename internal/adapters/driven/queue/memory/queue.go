// Package memory implements a single-process job queue for tests and the
// all-in-one dev mode.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.JobQueue = (*Queue)(nil)

// Options tunes the in-memory queue.
type Options struct {
	// VisibilityTimeout after which a running job is handed out again as stalled
	VisibilityTimeout time.Duration

	// PollInterval is how often a blocked Dequeue rechecks delayed and stalled jobs
	PollInterval time.Duration

	// RetryBackoff is the base delay for Nack redelivery
	RetryBackoff time.Duration
}

// Queue keeps jobs in a map guarded by a mutex. Enqueue and Release wake
// blocked consumers through a notify channel.
type Queue struct {
	opts Options

	mu     sync.Mutex
	jobs   map[string]*domain.IngestionJob
	order  []string
	notify chan struct{}
	closed bool
}

// NewQueue creates an empty queue. Zero options take defaults.
func NewQueue(opts Options) *Queue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Queue{
		opts:   opts,
		jobs:   make(map[string]*domain.IngestionJob),
		notify: make(chan struct{}, 1),
	}
}

func (q *Queue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Enqueue stores a copy of the job.
func (q *Queue) Enqueue(ctx context.Context, job *domain.IngestionJob) error {
	if job == nil {
		return fmt.Errorf("%w: job is required", domain.ErrInvalidInput)
	}

	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return fmt.Errorf("%w: queue closed", domain.ErrServiceUnavailable)
	}
	cp := *job
	if _, exists := q.jobs[job.ID]; !exists {
		q.order = append(q.order, job.ID)
	}
	q.jobs[job.ID] = &cp
	q.mu.Unlock()

	q.wake()
	return nil
}

// Dequeue hands out the oldest ready job, or a running job whose
// visibility timeout expired, blocking until one exists or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*domain.IngestionJob, error) {
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()

	for {
		if job := q.claimNext(); job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
		case <-ticker.C:
		}
	}
}

func (q *Queue) claimNext() *domain.IngestionJob {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	for _, id := range q.order {
		job := q.jobs[id]
		switch {
		case job.IsReady():
			job.MarkRunning()
			job.Stalled = false
		case job.Status == domain.JobStatusRunning && job.StartedAt != nil &&
			now.Sub(*job.StartedAt) >= q.opts.VisibilityTimeout:
			job.MarkRunning()
			job.Stalled = true
		default:
			continue
		}
		cp := *job
		return &cp
	}
	return nil
}

// Ack marks the job succeeded.
func (q *Queue) Ack(ctx context.Context, claimed *domain.IngestionJob) error {
	return q.settle(claimed, func(job *domain.IngestionJob) {
		job.MarkSucceeded()
	})
}

// Nack retries with backoff or dead-letters the job.
func (q *Queue) Nack(ctx context.Context, claimed *domain.IngestionJob, reason string) error {
	return q.settle(claimed, func(job *domain.IngestionJob) {
		if job.CanRetry() {
			job.Retry(reason, q.opts.RetryBackoff)
		} else {
			job.MarkFailed(reason)
		}
	})
}

// Fail moves the job to failed without redelivery.
func (q *Queue) Fail(ctx context.Context, claimed *domain.IngestionJob, reason string) error {
	return q.settle(claimed, func(job *domain.IngestionJob) {
		job.MarkFailed(reason)
	})
}

// Release makes the job immediately deliverable again.
func (q *Queue) Release(ctx context.Context, claimed *domain.IngestionJob) error {
	err := q.settle(claimed, func(job *domain.IngestionJob) {
		job.Release()
	})
	if err == nil {
		q.wake()
	}
	return err
}

// settle applies fn if claimed still holds the job's current claim.
func (q *Queue) settle(claimed *domain.IngestionJob, fn func(*domain.IngestionJob)) error {
	if claimed == nil {
		return fmt.Errorf("%w: job is required", domain.ErrInvalidInput)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[claimed.ID]
	if !ok {
		return domain.ErrNotFound
	}
	if err := job.CheckClaim(claimed.Attempts); err != nil {
		return err
	}
	fn(job)
	return nil
}

// GetJob returns a copy of the job.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*domain.IngestionJob, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	job, ok := q.jobs[jobID]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

// ListJobs returns matching jobs, newest first.
func (q *Queue) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.IngestionJob, error) {
	q.mu.Lock()
	var jobs []*domain.IngestionJob
	for _, id := range q.order {
		job := q.jobs[id]
		if filter.Status != "" && job.Status != filter.Status {
			continue
		}
		cp := *job
		jobs = append(jobs, &cp)
	}
	q.mu.Unlock()

	sort.SliceStable(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return []*domain.IngestionJob{}, nil
		}
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && len(jobs) > filter.Limit {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// PurgeJobs drops terminal jobs last updated before now-olderThan.
func (q *Queue) PurgeJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)

	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.order[:0]
	purged := 0
	for _, id := range q.order {
		job := q.jobs[id]
		if job.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			delete(q.jobs, id)
			purged++
			continue
		}
		kept = append(kept, id)
	}
	q.order = kept
	return purged, nil
}

// Obliterate drops every job.
func (q *Queue) Obliterate(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.jobs = make(map[string]*domain.IngestionJob)
	q.order = nil
	return nil
}

// Stats counts jobs by status.
func (q *Queue) Stats(ctx context.Context) (*domain.QueueStats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	stats := &domain.QueueStats{}
	var oldest time.Time
	for _, job := range q.jobs {
		switch job.Status {
		case domain.JobStatusQueued:
			stats.QueuedCount++
			if oldest.IsZero() || job.CreatedAt.Before(oldest) {
				oldest = job.CreatedAt
			}
		case domain.JobStatusRunning:
			stats.RunningCount++
		case domain.JobStatusSucceeded:
			stats.SucceededCount++
		case domain.JobStatusFailed:
			stats.FailedCount++
		}
	}
	if !oldest.IsZero() {
		stats.OldestQueuedAge = time.Since(oldest)
	}
	return stats, nil
}

// Ping always succeeds unless the queue is closed.
func (q *Queue) Ping(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return fmt.Errorf("%w: queue closed", domain.ErrServiceUnavailable)
	}
	return nil
}

// Close rejects further enqueues.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
