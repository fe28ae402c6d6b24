package domain

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// GenerateID creates a unique random ID.
func GenerateID() string {
	return uuid.New().String()
}

// JobStatus represents the current state of an ingestion job
type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusSucceeded JobStatus = "succeeded"
	JobStatusFailed    JobStatus = "failed"
)

// DefaultMaxAttempts is how many times a job may be claimed before it is dead-lettered.
const DefaultMaxAttempts = 3

// maxRetryBackoff caps the delay between redeliveries.
const maxRetryBackoff = 5 * time.Minute

// IngestionJob is one uploaded document waiting to be (or being) indexed.
type IngestionJob struct {
	// ID is assigned at enqueue time
	ID string `json:"id"`

	// SourcePath is the stored upload the worker will read
	SourcePath string `json:"source_path"`

	// DisplayName is the filename the user uploaded
	DisplayName string `json:"display_name"`

	// Payload is the raw queue message, decoded once by the worker
	Payload json.RawMessage `json:"payload"`

	Status JobStatus `json:"status"`

	// Attempts counts claims, including claims that ended in a stall
	Attempts int `json:"attempts"`

	MaxAttempts int `json:"max_attempts"`

	// LastError holds the most recent failure reason
	LastError string `json:"last_error,omitempty"`

	// Stalled is set by the queue when the job was reclaimed after its
	// visibility timeout expired. Not persisted.
	Stalled bool `json:"-"`

	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ScheduledFor time.Time  `json:"scheduled_for"`
}

// NewIngestionJob creates a queued job for the given payload.
func NewIngestionJob(payload JobPayload) (*IngestionJob, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	return &IngestionJob{
		ID:           GenerateID(),
		SourcePath:   payload.Path,
		DisplayName:  payload.OriginalName,
		Payload:      raw,
		Status:       JobStatusQueued,
		MaxAttempts:  DefaultMaxAttempts,
		CreatedAt:    now,
		UpdatedAt:    now,
		ScheduledFor: now,
	}, nil
}

// CanRetry returns true if the job may be claimed again
func (j *IngestionJob) CanRetry() bool {
	return j.Attempts < j.MaxAttempts
}

// Exhausted reports whether the current claim went past the attempt cap.
// Only a stalled job reclaimed on its last attempt can be in this state.
func (j *IngestionJob) Exhausted() bool {
	return j.Attempts > j.MaxAttempts
}

// IsTerminal returns true once the job succeeded or failed
func (j *IngestionJob) IsTerminal() bool {
	return j.Status == JobStatusSucceeded || j.Status == JobStatusFailed
}

// IsReady returns true if the job is queued and due
func (j *IngestionJob) IsReady() bool {
	return j.Status == JobStatusQueued && !time.Now().Before(j.ScheduledFor)
}

// CheckClaim reports whether a claim made on the given attempt may still
// settle the job. Terminal jobs accept no further transition, and a claim
// superseded by a release or a stall reclaim has lost ownership.
func (j *IngestionJob) CheckClaim(attempt int) error {
	if j.IsTerminal() {
		return fmt.Errorf("%w: job %s is %s", ErrInvalidInput, j.ID, j.Status)
	}
	if j.Status != JobStatusRunning || j.Attempts != attempt {
		return fmt.Errorf("%w: job %s attempt %d, current attempt %d (%s)",
			ErrClaimLost, j.ID, attempt, j.Attempts, j.Status)
	}
	return nil
}

// MarkRunning records a claim
func (j *IngestionJob) MarkRunning() {
	now := time.Now()
	j.Status = JobStatusRunning
	j.StartedAt = &now
	j.UpdatedAt = now
	j.Attempts++
}

// MarkSucceeded updates the job to succeeded state
func (j *IngestionJob) MarkSucceeded() {
	now := time.Now()
	j.Status = JobStatusSucceeded
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.LastError = ""
}

// MarkFailed moves the job to its terminal failed state
func (j *IngestionJob) MarkFailed(reason string) {
	now := time.Now()
	j.Status = JobStatusFailed
	j.CompletedAt = &now
	j.UpdatedAt = now
	j.LastError = reason
}

// Retry requeues the job with exponential backoff starting at base.
func (j *IngestionJob) Retry(reason string, base time.Duration) {
	now := time.Now()
	j.Status = JobStatusQueued
	j.UpdatedAt = now
	j.LastError = reason
	j.ScheduledFor = now.Add(RetryDelay(base, j.Attempts))
}

// Release returns a claimed job to the queue without consuming an attempt.
func (j *IngestionJob) Release() {
	now := time.Now()
	j.Status = JobStatusQueued
	j.UpdatedAt = now
	j.StartedAt = nil
	j.ScheduledFor = now
	if j.Attempts > 0 {
		j.Attempts--
	}
}

// RetryDelay returns base * 2^(attempts-1), capped at five minutes.
func RetryDelay(base time.Duration, attempts int) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempts < 1 {
		attempts = 1
	}
	if attempts > 16 {
		return maxRetryBackoff
	}
	d := base * time.Duration(1<<(attempts-1))
	if d > maxRetryBackoff {
		d = maxRetryBackoff
	}
	return d
}

// IngestionResult summarises a successful pipeline run.
type IngestionResult struct {
	JobID          string        `json:"job_id"`
	DocumentsAdded int           `json:"documents_added"`
	SourceID       string        `json:"source_id"`
	Duration       time.Duration `json:"duration"`
}

// JobFilter narrows ListJobs results
type JobFilter struct {
	Status JobStatus
	Limit  int
	Offset int
}

// QueueStats holds queue statistics
type QueueStats struct {
	QueuedCount     int64         `json:"queued_count"`
	RunningCount    int64         `json:"running_count"`
	SucceededCount  int64         `json:"succeeded_count"`
	FailedCount     int64         `json:"failed_count"`
	OldestQueuedAge time.Duration `json:"oldest_queued_age"`
}
