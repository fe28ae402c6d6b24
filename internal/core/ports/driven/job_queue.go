package driven

import (
	"context"
	"time"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// JobQueue hands ingestion jobs from the submission path to the worker pool.
// Delivery is at-least-once. Implementations: Redis Streams (preferred),
// Postgres (fallback) and in-memory (single process).
type JobQueue interface {
	// Enqueue adds a job to the queue.
	Enqueue(ctx context.Context, job *domain.IngestionJob) error

	// Dequeue blocks until a job is available or ctx is cancelled, in which
	// case it returns ctx.Err(). The returned job is running and owned by
	// the caller until Ack, Nack, Fail or Release, or until its visibility
	// timeout expires. A job reclaimed after such a timeout has Stalled set.
	Dequeue(ctx context.Context) (*domain.IngestionJob, error)

	// The settle calls below take the job as returned by Dequeue. Its
	// Attempts identify the claim: a claim superseded by a reclaim or a
	// release gets domain.ErrClaimLost, and a terminal job gets
	// domain.ErrInvalidInput. Neither changes the stored job.

	// Ack marks the job succeeded.
	Ack(ctx context.Context, job *domain.IngestionJob) error

	// Nack schedules a redelivery, or dead-letters the job when its
	// attempts are used up.
	Nack(ctx context.Context, job *domain.IngestionJob, reason string) error

	// Fail moves the job to failed without redelivery.
	Fail(ctx context.Context, job *domain.IngestionJob, reason string) error

	// Release gives up the claim without consuming an attempt, making the
	// job immediately redeliverable.
	Release(ctx context.Context, job *domain.IngestionJob) error

	// GetJob retrieves a job by ID (for status checking).
	GetJob(ctx context.Context, jobID string) (*domain.IngestionJob, error)

	// ListJobs retrieves jobs matching the filter, newest first.
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.IngestionJob, error)

	// PurgeJobs removes terminal jobs that finished more than olderThan ago.
	PurgeJobs(ctx context.Context, olderThan time.Duration) (int, error)

	// Obliterate drops every job, including running ones.
	Obliterate(ctx context.Context) error

	// Stats returns queue statistics.
	Stats(ctx context.Context) (*domain.QueueStats, error)

	// Ping checks if the queue backend is healthy.
	Ping(ctx context.Context) error

	// Close cleans up resources.
	Close() error
}
