package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/services"
)

// settleTimeout bounds Ack/Nack/Fail/Release calls, which run on a
// context detached from the job so they survive shutdown.
const settleTimeout = 10 * time.Second

// Pipeline runs one ingestion job. Errors are classified *domain.PipelineError values.
type Pipeline interface {
	Run(ctx context.Context, job *domain.IngestionJob) (*domain.IngestionResult, error)
}

// Verify interface compliance
var _ Pipeline = (*services.IngestionPipeline)(nil)

// Pool runs a fixed number of executors, each pulling one job at a time
// from the queue and settling it according to the pipeline's verdict.
type Pool struct {
	queue     driven.JobQueue
	pipeline  Pipeline
	scheduler *services.Scheduler
	events    chan<- domain.JobEvent
	logger    *slog.Logger

	// Configuration
	concurrency   int
	shutdownGrace time.Duration
	errorBackoff  time.Duration

	// Internal state
	mu         sync.RWMutex
	running    bool
	doneCh     chan struct{}
	loopCancel context.CancelFunc
	jobCtx     context.Context
	jobCancel  context.CancelFunc
	active     atomic.Int32
}

// Config holds configuration for the pool.
type Config struct {
	Queue         driven.JobQueue
	Pipeline      Pipeline
	Scheduler     *services.Scheduler    // Optional: started and stopped with the pool
	Events        chan<- domain.JobEvent // Optional: receives job events, never blocks the pool
	Logger        *slog.Logger
	Concurrency   int           // Number of concurrent executors (default: 4)
	ShutdownGrace time.Duration // How long Stop lets in-flight jobs finish (default: 30s)
	ErrorBackoff  time.Duration // Pause after a failed Dequeue (default: 1s)
}

// NewPool creates a new worker pool.
func NewPool(cfg Config) *Pool {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	concurrency := cfg.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	backoff := cfg.ErrorBackoff
	if backoff <= 0 {
		backoff = time.Second
	}

	return &Pool{
		queue:         cfg.Queue,
		pipeline:      cfg.Pipeline,
		scheduler:     cfg.Scheduler,
		events:        cfg.Events,
		logger:        logger,
		concurrency:   concurrency,
		shutdownGrace: grace,
		errorBackoff:  backoff,
	}
}

// Start launches the executors. They stop claiming when ctx is cancelled
// or Stop is called; jobs already running are governed by Stop.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.running {
		p.mu.Unlock()
		return nil
	}
	p.running = true
	p.doneCh = make(chan struct{})

	loopCtx, loopCancel := context.WithCancel(ctx)
	p.loopCancel = loopCancel
	p.jobCtx, p.jobCancel = context.WithCancel(context.WithoutCancel(ctx))
	p.mu.Unlock()

	p.logger.Info("worker pool starting",
		"concurrency", p.concurrency,
		"shutdown_grace", p.shutdownGrace,
	)

	// Start the scheduler if provided
	if p.scheduler != nil {
		if err := p.scheduler.Start(loopCtx); err != nil {
			p.logger.Error("failed to start scheduler", "error", err)
		}
	}

	var wg sync.WaitGroup
	for i := 0; i < p.concurrency; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			p.processLoop(loopCtx, workerID)
		}(i)
	}

	go func() {
		wg.Wait()
		p.jobCancel()
		close(p.doneCh)
	}()

	return nil
}

// Stop stops claiming new jobs and waits for in-flight jobs. Jobs still
// running when the grace period (or ctx) ends are cancelled and released
// back to the queue. Stop returns once every executor has exited.
func (p *Pool) Stop(ctx context.Context) error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return nil
	}
	p.loopCancel()
	p.mu.Unlock()

	if p.scheduler != nil {
		p.scheduler.Stop()
	}

	grace := time.NewTimer(p.shutdownGrace)
	defer grace.Stop()

	var err error
	select {
	case <-p.doneCh:
	case <-grace.C:
		p.logger.Warn("shutdown grace expired, abandoning in-flight jobs", "running", p.Running())
		p.jobCancel()
		<-p.doneCh
	case <-ctx.Done():
		p.logger.Warn("shutdown interrupted, abandoning in-flight jobs", "running", p.Running())
		p.jobCancel()
		<-p.doneCh
		err = ctx.Err()
	}

	p.mu.Lock()
	p.running = false
	p.mu.Unlock()

	p.logger.Info("worker pool stopped")
	return err
}

// Wait blocks until every executor has exited.
func (p *Pool) Wait() {
	p.mu.RLock()
	done := p.doneCh
	p.mu.RUnlock()
	if done != nil {
		<-done
	}
}

// Running returns the number of jobs currently being processed.
func (p *Pool) Running() int {
	return int(p.active.Load())
}

// processLoop is the main processing loop for one executor.
func (p *Pool) processLoop(ctx context.Context, workerID int) {
	logger := p.logger.With("worker_id", workerID)
	logger.Debug("worker goroutine started")

	for {
		if ctx.Err() != nil {
			logger.Debug("worker stop signal received")
			return
		}

		job, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to dequeue job", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.errorBackoff):
			}
			continue
		}

		p.processJob(job, workerID, logger)
	}
}

// processJob runs the pipeline for one claimed job and settles it.
func (p *Pool) processJob(job *domain.IngestionJob, workerID int, logger *slog.Logger) {
	p.active.Add(1)
	defer p.active.Add(-1)

	logger = logger.With("job_id", job.ID, "attempt", job.Attempts)
	base := domain.JobEvent{JobID: job.ID, WorkerID: workerID, Attempt: job.Attempts}

	if job.Stalled {
		logger.Warn("job reclaimed after visibility timeout")
		p.emit(base, domain.EventStalled, func(e *domain.JobEvent) {
			e.Class = domain.ClassTransient
		})

		if job.Exhausted() {
			reason := "stalled: visibility timeout expired on the last attempt"
			p.settle(logger, "fail", func(ctx context.Context) error {
				return p.queue.Fail(ctx, job, reason)
			})
			logger.Error("job dead-lettered", "class", domain.ClassTransient, "error", reason)
			p.emit(base, domain.EventFailed, func(e *domain.JobEvent) {
				e.Class = domain.ClassTransient
				e.Error = reason
			})
			return
		}
	}

	logger.Info("processing job", "source", job.SourcePath)
	p.emit(base, domain.EventReceived, nil)

	start := time.Now()
	result, err := p.pipeline.Run(p.jobCtx, job)
	duration := time.Since(start)

	if err == nil {
		p.settle(logger, "ack", func(ctx context.Context) error {
			return p.queue.Ack(ctx, job)
		})
		logger.Info("job completed",
			"duration", duration,
			"documents_added", result.DocumentsAdded,
		)
		p.emit(base, domain.EventSucceeded, func(e *domain.JobEvent) {
			e.Stage = domain.StageIndexed
			e.Result = result
			e.Duration = duration
		})
		return
	}

	if p.jobCtx.Err() != nil {
		p.settle(logger, "release", func(ctx context.Context) error {
			return p.queue.Release(ctx, job)
		})
		logger.Warn("job abandoned at shutdown", "duration", duration)
		p.emit(base, domain.EventReleased, func(e *domain.JobEvent) {
			e.Stage = domain.StageOf(err)
			e.Duration = duration
		})
		return
	}

	stage := domain.StageOf(err)
	class := domain.ClassOf(err)
	reason := err.Error()
	failed := func(e *domain.JobEvent) {
		e.Stage = stage
		e.Class = class
		e.Error = reason
		e.Duration = duration
	}

	if class == domain.ClassFatal {
		p.settle(logger, "fail", func(ctx context.Context) error {
			return p.queue.Fail(ctx, job, reason)
		})
		logger.Error("job failed",
			"stage", stage,
			"class", class,
			"duration", duration,
			"error", err,
		)
		p.emit(base, domain.EventFailed, failed)
		return
	}

	p.settle(logger, "nack", func(ctx context.Context) error {
		return p.queue.Nack(ctx, job, reason)
	})
	if job.CanRetry() {
		logger.Warn("job failed, will retry",
			"stage", stage,
			"class", class,
			"duration", duration,
			"error", err,
		)
		p.emit(base, domain.EventRetrying, failed)
		return
	}
	logger.Error("job dead-lettered",
		"stage", stage,
		"class", class,
		"duration", duration,
		"error", err,
	)
	p.emit(base, domain.EventFailed, failed)
}

// settle runs a queue transition on a detached context.
func (p *Pool) settle(logger *slog.Logger, op string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	err := fn(ctx)
	switch {
	case err == nil:
	case errors.Is(err, domain.ErrClaimLost):
		logger.Warn("job reclaimed by another worker, dropping "+op, "error", err)
	default:
		logger.Error("failed to "+op+" job", "error", err)
	}
}

// emit sends an event without blocking. Full channels drop the event.
func (p *Pool) emit(base domain.JobEvent, typ domain.JobEventType, fill func(*domain.JobEvent)) {
	if p.events == nil {
		return
	}
	ev := base
	ev.Type = typ
	ev.At = time.Now()
	if fill != nil {
		fill(&ev)
	}

	select {
	case p.events <- ev:
	default:
		p.logger.Warn("event channel full, dropping event",
			"type", ev.Type,
			"job_id", ev.JobID,
		)
	}
}

// Health returns health status of the pool.
type Health struct {
	Running     bool   `json:"running"`
	ActiveJobs  int    `json:"active_jobs"`
	QueueHealth bool   `json:"queue_health"`
	Error       string `json:"error,omitempty"`
}

// Health returns the health status of the pool.
func (p *Pool) Health(ctx context.Context) Health {
	p.mu.RLock()
	running := p.running
	p.mu.RUnlock()

	health := Health{
		Running:    running,
		ActiveJobs: p.Running(),
	}

	// Check queue health
	if err := p.queue.Ping(ctx); err != nil {
		health.QueueHealth = false
		health.Error = err.Error()
	} else {
		health.QueueHealth = true
	}

	return health
}
