package services

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// purgeLockName guards the purge cycle across instances
const purgeLockName = "scheduler:purge"

// Scheduler periodically purges finished jobs from the queue.
//
// For multi-worker deployments, configure a DistributedLock so only one
// instance purges per cycle.
type Scheduler struct {
	queue  driven.JobQueue
	lock   driven.DistributedLock
	logger *slog.Logger

	// Internal state
	mu       sync.RWMutex
	running  bool
	stopCh   chan struct{}
	doneCh   chan struct{}
	interval time.Duration
	after    time.Duration

	// Lock configuration
	lockTTL      time.Duration
	lockRequired bool
}

// SchedulerConfig holds configuration for the scheduler.
type SchedulerConfig struct {
	Queue        driven.JobQueue
	Lock         driven.DistributedLock // Optional: distributed lock for multi-instance coordination
	Logger       *slog.Logger
	Interval     time.Duration // How often to purge (default: 1h)
	PurgeAfter   time.Duration // Age after which terminal jobs are dropped (default: 24h)
	LockTTL      time.Duration // TTL for the distributed lock (default: 5m)
	LockRequired bool          // If true, skip the cycle when the lock backend errors (default: true when Lock is set)
}

// NewScheduler creates a new scheduler.
func NewScheduler(cfg SchedulerConfig) *Scheduler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	interval := cfg.Interval
	if interval == 0 {
		interval = time.Hour
	}

	after := cfg.PurgeAfter
	if after == 0 {
		after = 24 * time.Hour
	}

	lockTTL := cfg.LockTTL
	if lockTTL == 0 {
		lockTTL = 5 * time.Minute
	}

	lockRequired := cfg.LockRequired
	if cfg.Lock != nil && !cfg.LockRequired {
		lockRequired = true
	}

	return &Scheduler{
		queue:        cfg.Queue,
		lock:         cfg.Lock,
		logger:       logger,
		interval:     interval,
		after:        after,
		lockTTL:      lockTTL,
		lockRequired: lockRequired,
	}
}

// Start begins the scheduler loop.
// It runs until Stop is called or context is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	s.logger.Info("scheduler starting",
		"interval", s.interval,
		"purge_after", s.after,
	)

	go s.run(ctx)

	return nil
}

// Stop gracefully stops the scheduler.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	s.mu.Unlock()

	// Wait for the scheduler to finish
	<-s.doneCh

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.logger.Info("scheduler stopped")
}

// run is the main scheduler loop.
func (s *Scheduler) run(ctx context.Context) {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.purge(ctx)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler context cancelled")
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.purge(ctx)
		}
	}
}

// purge drops terminal jobs older than the configured age. It returns the
// number of jobs removed, or -1 when the cycle was skipped.
func (s *Scheduler) purge(ctx context.Context) int {
	if s.lock != nil {
		acquired, err := s.lock.Acquire(ctx, purgeLockName, s.lockTTL)
		if err != nil {
			s.logger.Warn("failed to acquire scheduler lock", "error", err)
			if s.lockRequired {
				return -1
			}
		} else if !acquired {
			s.logger.Debug("scheduler lock held by another instance, skipping cycle")
			return -1
		} else {
			defer func() {
				if err := s.lock.Release(context.WithoutCancel(ctx), purgeLockName); err != nil {
					s.logger.Warn("failed to release scheduler lock", "error", err)
				}
			}()
		}
	}

	n, err := s.queue.PurgeJobs(ctx, s.after)
	if err != nil {
		s.logger.Error("failed to purge jobs", "error", err)
		return 0
	}
	if n > 0 {
		s.logger.Info("purged finished jobs", "count", n, "older_than", s.after)
	}
	return n
}

// PurgeNow runs one purge cycle outside the schedule.
func (s *Scheduler) PurgeNow(ctx context.Context) int {
	return s.purge(ctx)
}
