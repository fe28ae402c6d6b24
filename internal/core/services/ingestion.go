package services

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
)

// Ensure ingestionService implements IngestionService
var _ driving.IngestionService = (*ingestionService)(nil)

// ingestionService implements the IngestionService interface
type ingestionService struct {
	queue       driven.JobQueue
	maxAttempts int
	logger      *slog.Logger
}

// NewIngestionService creates a new IngestionService.
// maxAttempts <= 0 keeps domain.DefaultMaxAttempts.
func NewIngestionService(queue driven.JobQueue, maxAttempts int, logger *slog.Logger) driving.IngestionService {
	if logger == nil {
		logger = slog.Default()
	}
	if maxAttempts <= 0 {
		maxAttempts = domain.DefaultMaxAttempts
	}
	return &ingestionService{
		queue:       queue,
		maxAttempts: maxAttempts,
		logger:      logger,
	}
}

// Submit enqueues one stored upload
func (s *ingestionService) Submit(ctx context.Context, payload domain.JobPayload) (*domain.IngestionJob, error) {
	if strings.TrimSpace(payload.Path) == "" {
		return nil, fmt.Errorf("%w: path is required", domain.ErrInvalidInput)
	}

	job, err := domain.NewIngestionJob(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to build job: %w", err)
	}
	job.MaxAttempts = s.maxAttempts

	if err := s.queue.Enqueue(ctx, job); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	s.logger.Info("ingestion job queued",
		"job_id", job.ID,
		"path", payload.Path,
		"filename", payload.OriginalName,
	)
	return job, nil
}

// GetJob returns a job's current state
func (s *ingestionService) GetJob(ctx context.Context, jobID string) (*domain.IngestionJob, error) {
	if jobID == "" {
		return nil, fmt.Errorf("%w: job id is required", domain.ErrInvalidInput)
	}
	return s.queue.GetJob(ctx, jobID)
}

// ListJobs lists jobs, newest first
func (s *ingestionService) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.IngestionJob, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}
	if filter.Limit > 1000 {
		filter.Limit = 1000
	}
	if filter.Offset < 0 {
		filter.Offset = 0
	}
	return s.queue.ListJobs(ctx, filter)
}

// Stats returns queue statistics
func (s *ingestionService) Stats(ctx context.Context) (*domain.QueueStats, error) {
	return s.queue.Stats(ctx)
}
