package driving

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// IngestionService is the submission side of the ingestion pipeline
type IngestionService interface {
	// Submit enqueues one stored upload and returns the queued job
	Submit(ctx context.Context, payload domain.JobPayload) (*domain.IngestionJob, error)

	// GetJob returns a job's current state
	GetJob(ctx context.Context, jobID string) (*domain.IngestionJob, error)

	// ListJobs lists jobs, newest first
	ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.IngestionJob, error)

	// Stats returns queue statistics
	Stats(ctx context.Context) (*domain.QueueStats, error)
}
