package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/queue/memory"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// pipelineFunc adapts a function to Pipeline
type pipelineFunc func(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error)

func (f pipelineFunc) Run(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error) {
	return f(ctx, job)
}

func succeed(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error) {
	return &domain.IngestionResult{JobID: job.ID, DocumentsAdded: 1, SourceID: job.SourcePath}, nil
}

func newTestQueue() *memory.Queue {
	return memory.NewQueue(memory.Options{
		VisibilityTimeout: time.Minute,
		PollInterval:      5 * time.Millisecond,
		RetryBackoff:      time.Millisecond,
	})
}

func enqueue(t *testing.T, q *memory.Queue, path string, maxAttempts int) *domain.IngestionJob {
	t.Helper()
	job, err := domain.NewIngestionJob(domain.JobPayload{Path: path})
	require.NoError(t, err)
	if maxAttempts > 0 {
		job.MaxAttempts = maxAttempts
	}
	require.NoError(t, q.Enqueue(context.Background(), job))
	return job
}

func jobStatus(q *memory.Queue, id string) domain.JobStatus {
	job, err := q.GetJob(context.Background(), id)
	if err != nil {
		return ""
	}
	return job.Status
}

func startPool(t *testing.T, cfg Config) *Pool {
	t.Helper()
	if cfg.ErrorBackoff == 0 {
		cfg.ErrorBackoff = 5 * time.Millisecond
	}
	pool := NewPool(cfg)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(func() { _ = pool.Stop(context.Background()) })
	return pool
}

// collect drains events into a slice until the test ends
func collect(t *testing.T, events <-chan domain.JobEvent) func() []domain.JobEvent {
	t.Helper()
	var mu sync.Mutex
	var got []domain.JobEvent
	done := make(chan struct{})
	go func() {
		for {
			select {
			case ev := <-events:
				mu.Lock()
				got = append(got, ev)
				mu.Unlock()
			case <-done:
				return
			}
		}
	}()
	t.Cleanup(func() { close(done) })
	return func() []domain.JobEvent {
		mu.Lock()
		defer mu.Unlock()
		return append([]domain.JobEvent(nil), got...)
	}
}

func countEvents(events []domain.JobEvent, typ domain.JobEventType) int {
	n := 0
	for _, ev := range events {
		if ev.Type == typ {
			n++
		}
	}
	return n
}

func TestNewPool_Defaults(t *testing.T) {
	pool := NewPool(Config{Queue: newTestQueue(), Pipeline: pipelineFunc(succeed)})

	assert.Equal(t, 4, pool.concurrency)
	assert.Equal(t, 30*time.Second, pool.shutdownGrace)
	assert.Equal(t, time.Second, pool.errorBackoff)
	assert.NotNil(t, pool.logger)
}

func TestPool_ProcessesJobs(t *testing.T) {
	q := newTestQueue()
	events := make(chan domain.JobEvent, 64)
	seen := collect(t, events)

	jobs := []*domain.IngestionJob{
		enqueue(t, q, "uploads/a.pdf", 0),
		enqueue(t, q, "uploads/b.pdf", 0),
		enqueue(t, q, "uploads/c.pdf", 0),
	}
	startPool(t, Config{Queue: q, Pipeline: pipelineFunc(succeed), Events: events, Concurrency: 2})

	require.Eventually(t, func() bool {
		for _, j := range jobs {
			if jobStatus(q, j.ID) != domain.JobStatusSucceeded {
				return false
			}
		}
		return true
	}, 2*time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool {
		return countEvents(seen(), domain.EventSucceeded) == 3
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 3, countEvents(seen(), domain.EventReceived))

	for _, ev := range seen() {
		if ev.Type == domain.EventSucceeded {
			require.NotNil(t, ev.Result)
			assert.Equal(t, domain.StageIndexed, ev.Stage)
		}
	}
}

func TestPool_ConcurrencyBound(t *testing.T) {
	q := newTestQueue()
	const concurrency = 3

	var current, peak atomic.Int32
	pipeline := pipelineFunc(func(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error) {
		n := current.Add(1)
		for {
			old := peak.Load()
			if n <= old || peak.CompareAndSwap(old, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		current.Add(-1)
		return succeed(ctx, job)
	})

	var jobs []*domain.IngestionJob
	for i := 0; i < 12; i++ {
		jobs = append(jobs, enqueue(t, q, fmt.Sprintf("uploads/%d.pdf", i), 0))
	}
	pool := startPool(t, Config{Queue: q, Pipeline: pipeline, Concurrency: concurrency})

	require.Eventually(t, func() bool {
		assert.LessOrEqual(t, pool.Running(), concurrency)
		stats, _ := q.Stats(context.Background())
		assert.LessOrEqual(t, stats.RunningCount, int64(concurrency))
		return stats.SucceededCount == int64(len(jobs))
	}, 5*time.Second, 2*time.Millisecond)

	assert.LessOrEqual(t, int(peak.Load()), concurrency)
	assert.Equal(t, int32(concurrency), peak.Load(), "pool should saturate its executors")
}

func TestPool_TransientErrorsDeadLetterAfterMaxAttempts(t *testing.T) {
	q := newTestQueue()
	events := make(chan domain.JobEvent, 64)
	seen := collect(t, events)

	var runs atomic.Int32
	pipeline := pipelineFunc(func(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error) {
		runs.Add(1)
		return nil, domain.Transient(domain.StageChunked, domain.ErrServiceUnavailable)
	})

	job := enqueue(t, q, "uploads/a.pdf", 3)
	startPool(t, Config{Queue: q, Pipeline: pipeline, Events: events, Concurrency: 2})

	require.Eventually(t, func() bool {
		return jobStatus(q, job.ID) == domain.JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)

	// No further claims once failed
	time.Sleep(30 * time.Millisecond)
	assert.Equal(t, int32(3), runs.Load())

	stored, err := q.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, stored.Attempts)
	assert.Contains(t, stored.LastError, "service unavailable")

	require.Eventually(t, func() bool {
		return countEvents(seen(), domain.EventFailed) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, countEvents(seen(), domain.EventRetrying))
}

func TestPool_FatalErrorIsNotRetried(t *testing.T) {
	q := newTestQueue()
	events := make(chan domain.JobEvent, 16)
	seen := collect(t, events)

	var runs atomic.Int32
	pipeline := pipelineFunc(func(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error) {
		runs.Add(1)
		return nil, domain.Fatal(domain.StageReceived, domain.ErrEmptyDocument)
	})

	job := enqueue(t, q, "uploads/empty.pdf", 3)
	startPool(t, Config{Queue: q, Pipeline: pipeline, Events: events, Concurrency: 1})

	require.Eventually(t, func() bool {
		return jobStatus(q, job.ID) == domain.JobStatusFailed
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, int32(1), runs.Load())

	require.Eventually(t, func() bool {
		return countEvents(seen(), domain.EventFailed) == 1
	}, time.Second, 5*time.Millisecond)
	for _, ev := range seen() {
		if ev.Type == domain.EventFailed {
			assert.Equal(t, domain.ClassFatal, ev.Class)
			assert.Equal(t, domain.StageReceived, ev.Stage)
		}
	}
}

func TestPool_StalledJobIsSurfaced(t *testing.T) {
	q := memory.NewQueue(memory.Options{
		VisibilityTimeout: 20 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	})
	events := make(chan domain.JobEvent, 16)
	seen := collect(t, events)

	job := enqueue(t, q, "uploads/a.pdf", 3)

	// A consumer that claims the job and disappears
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	startPool(t, Config{Queue: q, Pipeline: pipelineFunc(succeed), Events: events, Concurrency: 1})

	require.Eventually(t, func() bool {
		return jobStatus(q, job.ID) == domain.JobStatusSucceeded
	}, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		return countEvents(seen(), domain.EventStalled) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_StalledOnLastAttemptIsDeadLettered(t *testing.T) {
	q := memory.NewQueue(memory.Options{
		VisibilityTimeout: 20 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	})
	events := make(chan domain.JobEvent, 16)
	seen := collect(t, events)

	var runs atomic.Int32
	pipeline := pipelineFunc(func(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error) {
		runs.Add(1)
		return succeed(ctx, job)
	})

	job := enqueue(t, q, "uploads/a.pdf", 1)
	_, err := q.Dequeue(context.Background())
	require.NoError(t, err)

	startPool(t, Config{Queue: q, Pipeline: pipeline, Events: events, Concurrency: 1})

	require.Eventually(t, func() bool {
		return jobStatus(q, job.ID) == domain.JobStatusFailed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, int32(0), runs.Load())

	require.Eventually(t, func() bool {
		evs := seen()
		return countEvents(evs, domain.EventStalled) == 1 && countEvents(evs, domain.EventFailed) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_LateSuccessKeepsDeadLetteredJobFailed(t *testing.T) {
	q := memory.NewQueue(memory.Options{
		VisibilityTimeout: 30 * time.Millisecond,
		PollInterval:      5 * time.Millisecond,
	})
	job := enqueue(t, q, "slow.pdf", 1)

	finished := make(chan struct{})
	var once sync.Once
	pipeline := pipelineFunc(func(ctx context.Context, j *domain.IngestionJob) (*domain.IngestionResult, error) {
		time.Sleep(100 * time.Millisecond)
		once.Do(func() { close(finished) })
		return succeed(ctx, j)
	})
	startPool(t, Config{Queue: q, Pipeline: pipeline, Concurrency: 2})

	require.Eventually(t, func() bool {
		return jobStatus(q, job.ID) == domain.JobStatusFailed
	}, time.Second, 5*time.Millisecond)

	<-finished
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, domain.JobStatusFailed, jobStatus(q, job.ID))
}

func TestPool_StopWaitsForInFlightJobs(t *testing.T) {
	q := newTestQueue()
	started := make(chan struct{})
	pipeline := pipelineFunc(func(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error) {
		close(started)
		time.Sleep(40 * time.Millisecond)
		return succeed(ctx, job)
	})

	job := enqueue(t, q, "uploads/a.pdf", 0)
	pool := NewPool(Config{Queue: q, Pipeline: pipeline, Concurrency: 1, ShutdownGrace: time.Second})
	require.NoError(t, pool.Start(context.Background()))

	<-started
	require.NoError(t, pool.Stop(context.Background()))

	assert.Equal(t, domain.JobStatusSucceeded, jobStatus(q, job.ID))
	assert.Equal(t, 0, pool.Running())
}

func TestPool_StopReleasesJobsAfterGrace(t *testing.T) {
	q := newTestQueue()
	events := make(chan domain.JobEvent, 16)
	seen := collect(t, events)

	started := make(chan struct{})
	pipeline := pipelineFunc(func(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, domain.Transient(domain.StageChunked, ctx.Err())
	})

	job := enqueue(t, q, "uploads/a.pdf", 0)
	pool := NewPool(Config{Queue: q, Pipeline: pipeline, Events: events, Concurrency: 1, ShutdownGrace: 20 * time.Millisecond})
	require.NoError(t, pool.Start(context.Background()))

	<-started
	require.NoError(t, pool.Stop(context.Background()))

	stored, err := q.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, stored.Status)
	assert.Equal(t, 0, stored.Attempts, "released claims do not consume an attempt")

	require.Eventually(t, func() bool {
		return countEvents(seen(), domain.EventReleased) == 1
	}, time.Second, 5*time.Millisecond)
}

func TestPool_StopContextCancelled(t *testing.T) {
	q := newTestQueue()
	started := make(chan struct{})
	pipeline := pipelineFunc(func(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error) {
		close(started)
		<-ctx.Done()
		return nil, domain.Transient(domain.StageEmbedded, ctx.Err())
	})

	enqueue(t, q, "uploads/a.pdf", 0)
	pool := NewPool(Config{Queue: q, Pipeline: pipeline, Concurrency: 1, ShutdownGrace: time.Hour})
	require.NoError(t, pool.Start(context.Background()))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Stop(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPool_DropsEventsWhenChannelFull(t *testing.T) {
	q := newTestQueue()
	events := make(chan domain.JobEvent) // nobody reads

	job := enqueue(t, q, "uploads/a.pdf", 0)
	startPool(t, Config{Queue: q, Pipeline: pipelineFunc(succeed), Events: events, Concurrency: 1})

	require.Eventually(t, func() bool {
		return jobStatus(q, job.ID) == domain.JobStatusSucceeded
	}, time.Second, 5*time.Millisecond)
}

func TestPool_StartTwice(t *testing.T) {
	pool := startPool(t, Config{Queue: newTestQueue(), Pipeline: pipelineFunc(succeed), Concurrency: 1})
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop(context.Background()))
	require.NoError(t, pool.Stop(context.Background()))
}

// failingQueue fails every Dequeue and Ping
type failingQueue struct {
	*memory.Queue
	dequeues atomic.Int32
}

func (q *failingQueue) Dequeue(ctx context.Context) (*domain.IngestionJob, error) {
	q.dequeues.Add(1)
	return nil, errors.New("redis: connection refused")
}

func (q *failingQueue) Ping(ctx context.Context) error {
	return errors.New("redis: connection refused")
}

func TestPool_BacksOffOnDequeueError(t *testing.T) {
	q := &failingQueue{Queue: newTestQueue()}
	pool := startPool(t, Config{Queue: q, Pipeline: pipelineFunc(succeed), Concurrency: 1, ErrorBackoff: 20 * time.Millisecond})

	time.Sleep(70 * time.Millisecond)
	assert.LessOrEqual(t, q.dequeues.Load(), int32(5))

	health := pool.Health(context.Background())
	assert.True(t, health.Running)
	assert.False(t, health.QueueHealth)
	assert.Contains(t, health.Error, "connection refused")
}

func TestPool_Health(t *testing.T) {
	q := newTestQueue()
	pool := NewPool(Config{Queue: q, Pipeline: pipelineFunc(succeed)})

	health := pool.Health(context.Background())
	assert.False(t, health.Running)
	assert.True(t, health.QueueHealth)

	require.NoError(t, pool.Start(context.Background()))
	assert.True(t, pool.Health(context.Background()).Running)
	require.NoError(t, pool.Stop(context.Background()))
	assert.False(t, pool.Health(context.Background()).Running)
}
