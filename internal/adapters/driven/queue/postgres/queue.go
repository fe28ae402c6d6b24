// Package postgres implements the ingestion job queue on PostgreSQL using
// SELECT ... FOR UPDATE SKIP LOCKED.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	pgdb "github.com/custodia-labs/sercha-rag/internal/adapters/driven/postgres"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure Queue implements JobQueue
var _ driven.JobQueue = (*Queue)(nil)

// Options tunes the Postgres queue.
type Options struct {
	// VisibilityTimeout after which a running job is reclaimed as stalled
	VisibilityTimeout time.Duration

	// PollInterval between claim attempts while the queue is empty
	PollInterval time.Duration

	// RetryBackoff is the base delay for Nack redelivery
	RetryBackoff time.Duration
}

// Queue implements JobQueue over the ingestion_jobs table.
// This is the fallback queue when Redis is not available.
type Queue struct {
	db   *sql.DB
	opts Options
}

// NewQueue creates a new PostgreSQL-backed job queue.
// Assumes the ingestion_jobs table exists (see postgres.DB.InitSchema).
func NewQueue(db *sql.DB, opts Options) *Queue {
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = 5 * time.Minute
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = time.Second
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = time.Second
	}
	return &Queue{db: db, opts: opts}
}

const jobColumns = `
	id, source_path, display_name, payload, status,
	attempts, max_attempts, last_error, created_at, updated_at,
	started_at, completed_at, scheduled_for`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.IngestionJob, error) {
	var job domain.IngestionJob
	var payload []byte
	var startedAt, completedAt sql.NullTime

	err := row.Scan(
		&job.ID,
		&job.SourcePath,
		&job.DisplayName,
		&payload,
		&job.Status,
		&job.Attempts,
		&job.MaxAttempts,
		&job.LastError,
		&job.CreatedAt,
		&job.UpdatedAt,
		&startedAt,
		&completedAt,
		&job.ScheduledFor,
	)
	if err != nil {
		return nil, err
	}

	job.Payload = payload
	job.StartedAt = pgdb.TimePtr(startedAt)
	job.CompletedAt = pgdb.TimePtr(completedAt)
	return &job, nil
}

// Enqueue inserts a queued job
func (q *Queue) Enqueue(ctx context.Context, job *domain.IngestionJob) error {
	if job == nil {
		return fmt.Errorf("%w: job is required", domain.ErrInvalidInput)
	}

	payload := []byte(job.Payload)
	if len(payload) == 0 {
		payload = []byte("{}")
	}

	query := `
		INSERT INTO ingestion_jobs (
			id, source_path, display_name, payload, status,
			attempts, max_attempts, last_error, created_at, updated_at, scheduled_for
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := q.db.ExecContext(ctx, query,
		job.ID,
		job.SourcePath,
		job.DisplayName,
		payload,
		job.Status,
		job.Attempts,
		job.MaxAttempts,
		job.LastError,
		job.CreatedAt,
		job.UpdatedAt,
		job.ScheduledFor,
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Dequeue polls until it claims a job or ctx is done.
func (q *Queue) Dequeue(ctx context.Context) (*domain.IngestionJob, error) {
	for {
		job, err := q.claim(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, err
		}
		if job != nil {
			return job, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.opts.PollInterval):
		}
	}
}

// claim atomically picks the next due job, or a running job whose
// visibility timeout expired, and marks it running.
func (q *Queue) claim(ctx context.Context) (*domain.IngestionJob, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now()
	stalledBefore := now.Add(-q.opts.VisibilityTimeout)

	selectQuery := `SELECT ` + jobColumns + `
		FROM ingestion_jobs
		WHERE (status = $1 AND scheduled_for <= $3)
		   OR (status = $2 AND started_at < $4)
		ORDER BY scheduled_for ASC, created_at ASC
		LIMIT 1
		FOR UPDATE SKIP LOCKED
	`
	job, err := scanJob(tx.QueryRowContext(ctx, selectQuery,
		domain.JobStatusQueued,
		domain.JobStatusRunning,
		now,
		stalledBefore,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select job: %w", err)
	}

	stalled := job.Status == domain.JobStatusRunning
	job.MarkRunning()
	job.Stalled = stalled

	updateQuery := `
		UPDATE ingestion_jobs
		SET status = $1, started_at = $2, updated_at = $3, attempts = $4
		WHERE id = $5
	`
	if _, err := tx.ExecContext(ctx, updateQuery,
		job.Status,
		pgdb.NullTime(job.StartedAt),
		job.UpdatedAt,
		job.Attempts,
		job.ID,
	); err != nil {
		return nil, fmt.Errorf("update job status: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}
	return job, nil
}

// Ack marks a job succeeded
func (q *Queue) Ack(ctx context.Context, claimed *domain.IngestionJob) error {
	return q.transition(ctx, claimed, func(job *domain.IngestionJob) {
		job.MarkSucceeded()
	})
}

// Nack schedules a retry with backoff, or dead-letters the job
func (q *Queue) Nack(ctx context.Context, claimed *domain.IngestionJob, reason string) error {
	return q.transition(ctx, claimed, func(job *domain.IngestionJob) {
		if job.CanRetry() {
			job.Retry(reason, q.opts.RetryBackoff)
		} else {
			job.MarkFailed(reason)
		}
	})
}

// Fail moves a job to failed without redelivery
func (q *Queue) Fail(ctx context.Context, claimed *domain.IngestionJob, reason string) error {
	return q.transition(ctx, claimed, func(job *domain.IngestionJob) {
		job.MarkFailed(reason)
	})
}

// Release requeues a job immediately without consuming an attempt
func (q *Queue) Release(ctx context.Context, claimed *domain.IngestionJob) error {
	return q.transition(ctx, claimed, func(job *domain.IngestionJob) {
		job.Release()
	})
}

// transition locks the row, checks that claimed still holds the current
// claim, applies fn and writes the result back.
func (q *Queue) transition(ctx context.Context, claimed *domain.IngestionJob, fn func(*domain.IngestionJob)) error {
	if claimed == nil {
		return fmt.Errorf("%w: job is required", domain.ErrInvalidInput)
	}

	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	job, err := scanJob(tx.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = $1 FOR UPDATE`, claimed.ID))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("select job: %w", err)
	}

	if err := job.CheckClaim(claimed.Attempts); err != nil {
		return err
	}
	fn(job)

	updateQuery := `
		UPDATE ingestion_jobs
		SET status = $1, attempts = $2, last_error = $3, updated_at = $4,
		    started_at = $5, completed_at = $6, scheduled_for = $7
		WHERE id = $8
	`
	if _, err := tx.ExecContext(ctx, updateQuery,
		job.Status,
		job.Attempts,
		job.LastError,
		job.UpdatedAt,
		pgdb.NullTime(job.StartedAt),
		pgdb.NullTime(job.CompletedAt),
		job.ScheduledFor,
		job.ID,
	); err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// GetJob retrieves a job by ID
func (q *Queue) GetJob(ctx context.Context, jobID string) (*domain.IngestionJob, error) {
	job, err := scanJob(q.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM ingestion_jobs WHERE id = $1`, jobID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query job: %w", err)
	}
	return job, nil
}

// ListJobs retrieves jobs matching the filter, newest first
func (q *Queue) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.IngestionJob, error) {
	query := `SELECT ` + jobColumns + ` FROM ingestion_jobs WHERE 1=1`
	args := []any{}
	argIndex := 1

	if filter.Status != "" {
		query += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, filter.Status)
		argIndex++
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIndex)
		args = append(args, filter.Limit)
		argIndex++
	}

	if filter.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIndex)
		args = append(args, filter.Offset)
	}

	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query jobs: %w", err)
	}
	defer rows.Close()

	jobs := []*domain.IngestionJob{}
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

// PurgeJobs removes succeeded/failed jobs older than the cutoff
func (q *Queue) PurgeJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	result, err := q.db.ExecContext(ctx, `
		DELETE FROM ingestion_jobs
		WHERE status IN ($1, $2)
		  AND updated_at < $3
	`,
		domain.JobStatusSucceeded,
		domain.JobStatusFailed,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("get rows affected: %w", err)
	}
	return int(rows), nil
}

// Obliterate removes every job
func (q *Queue) Obliterate(ctx context.Context) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM ingestion_jobs`); err != nil {
		return fmt.Errorf("delete jobs: %w", err)
	}
	return nil
}

// Stats returns queue statistics
func (q *Queue) Stats(ctx context.Context) (*domain.QueueStats, error) {
	stats := &domain.QueueStats{}

	rows, err := q.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM ingestion_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("query stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}

		switch domain.JobStatus(status) {
		case domain.JobStatusQueued:
			stats.QueuedCount = count
		case domain.JobStatusRunning:
			stats.RunningCount = count
		case domain.JobStatusSucceeded:
			stats.SucceededCount = count
		case domain.JobStatusFailed:
			stats.FailedCount = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stats: %w", err)
	}

	var oldest sql.NullTime
	err = q.db.QueryRowContext(ctx,
		`SELECT MIN(created_at) FROM ingestion_jobs WHERE status = $1`,
		domain.JobStatusQueued,
	).Scan(&oldest)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("query oldest age: %w", err)
	}
	if oldest.Valid {
		stats.OldestQueuedAge = time.Since(oldest.Time)
	}

	return stats, nil
}

// Ping checks database connectivity
func (q *Queue) Ping(ctx context.Context) error {
	return q.db.PingContext(ctx)
}

// Close is a no-op for the Postgres queue (db connection managed externally)
func (q *Queue) Close() error {
	return nil
}
