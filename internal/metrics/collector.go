// Package metrics consumes worker pool events and keeps running counters.
package metrics

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// Snapshot is a point-in-time copy of the counters.
type Snapshot struct {
	Received  int64 `json:"received"`
	Succeeded int64 `json:"succeeded"`
	Failed    int64 `json:"failed"`
	Retrying  int64 `json:"retrying"`
	Stalled   int64 `json:"stalled"`
	Released  int64 `json:"released"`

	FatalFailures     int64 `json:"fatal_failures"`
	TransientFailures int64 `json:"transient_failures"`

	// FailuresByStage counts failed and retrying events by the stage they left
	FailuresByStage map[domain.Stage]int64 `json:"failures_by_stage"`

	ChunksIndexed   int64         `json:"chunks_indexed"`
	AverageDuration time.Duration `json:"average_duration"`
	LastEventAt     *time.Time    `json:"last_event_at,omitempty"`
}

// Collector reads JobEvents from a channel until it is closed or the
// context ends.
type Collector struct {
	events <-chan domain.JobEvent
	logger *slog.Logger

	mu        sync.RWMutex
	counts    map[domain.JobEventType]int64
	classes   map[domain.ErrorClass]int64
	stages    map[domain.Stage]int64
	chunks    int64
	totalDur  time.Duration
	completed int64
	lastAt    time.Time

	doneCh chan struct{}
}

// NewCollector creates a collector for events.
func NewCollector(events <-chan domain.JobEvent, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		events:  events,
		logger:  logger,
		counts:  make(map[domain.JobEventType]int64),
		classes: make(map[domain.ErrorClass]int64),
		stages:  make(map[domain.Stage]int64),
		doneCh:  make(chan struct{}),
	}
}

// Run consumes events until the channel closes or ctx is done.
func (c *Collector) Run(ctx context.Context) {
	defer close(c.doneCh)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				return
			}
			c.Record(ev)
		}
	}
}

// Done is closed once Run returns.
func (c *Collector) Done() <-chan struct{} {
	return c.doneCh
}

// Record applies one event to the counters and logs it.
func (c *Collector) Record(ev domain.JobEvent) {
	c.mu.Lock()
	c.counts[ev.Type]++
	switch ev.Type {
	case domain.EventFailed, domain.EventRetrying:
		if ev.Class != "" {
			c.classes[ev.Class]++
		}
		if ev.Stage != "" {
			c.stages[ev.Stage]++
		}
	case domain.EventSucceeded:
		if ev.Result != nil {
			c.chunks += int64(ev.Result.DocumentsAdded)
		}
		c.totalDur += ev.Duration
		c.completed++
	}
	if ev.At.After(c.lastAt) {
		c.lastAt = ev.At
	}
	c.mu.Unlock()

	attrs := []any{
		"type", ev.Type,
		"job_id", ev.JobID,
		"worker_id", ev.WorkerID,
		"attempt", ev.Attempt,
	}
	if ev.Class != "" {
		attrs = append(attrs, "class", ev.Class)
	}
	if ev.Stage != "" {
		attrs = append(attrs, "stage", ev.Stage)
	}
	if ev.Error != "" {
		attrs = append(attrs, "error", ev.Error)
	}

	switch ev.Type {
	case domain.EventFailed:
		c.logger.Error("job event", attrs...)
	case domain.EventRetrying, domain.EventStalled, domain.EventReleased:
		c.logger.Warn("job event", attrs...)
	default:
		c.logger.Debug("job event", attrs...)
	}
}

// Snapshot returns a copy of the counters.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	s := Snapshot{
		Received:          c.counts[domain.EventReceived],
		Succeeded:         c.counts[domain.EventSucceeded],
		Failed:            c.counts[domain.EventFailed],
		Retrying:          c.counts[domain.EventRetrying],
		Stalled:           c.counts[domain.EventStalled],
		Released:          c.counts[domain.EventReleased],
		FatalFailures:     c.classes[domain.ClassFatal],
		TransientFailures: c.classes[domain.ClassTransient],
		FailuresByStage:   make(map[domain.Stage]int64, len(c.stages)),
		ChunksIndexed:     c.chunks,
	}
	for stage, n := range c.stages {
		s.FailuresByStage[stage] = n
	}
	if c.completed > 0 {
		s.AverageDuration = c.totalDur / time.Duration(c.completed)
	}
	if !c.lastAt.IsZero() {
		at := c.lastAt
		s.LastEventAt = &at
	}
	return s
}
