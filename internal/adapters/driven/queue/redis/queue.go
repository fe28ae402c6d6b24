// Package redis implements the ingestion job queue on Redis Streams.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

const (
	// DefaultPrefix namespaces every key the queue writes
	DefaultPrefix = "sercha-rag:"

	streamKey    = "jobs"
	groupName    = "workers"
	scheduledKey = "scheduled"
	jobKeyPrefix = "job:"
	msgSuffix    = ":msg"

	// Default consumer name prefix
	consumerPrefix = "worker-"
)

// Verify interface compliance
var _ driven.JobQueue = (*Queue)(nil)

// errJobFinished marks a delivered message whose job is already terminal
var errJobFinished = errors.New("job already finished")

// Options tunes the Redis queue.
type Options struct {
	// Prefix namespaces all keys (default "sercha-rag:")
	Prefix string

	// ConsumerName identifies this process in the consumer group.
	// Should be unique per instance (e.g., hostname + PID).
	ConsumerName string

	// VisibilityTimeout is how long a claimed job may stay unacknowledged
	// before another consumer reclaims it as stalled.
	VisibilityTimeout time.Duration

	// PollInterval bounds each blocking stream read, which is also how
	// often scheduled retries are promoted and stalled jobs are checked.
	PollInterval time.Duration

	// RetryBackoff is the base delay for Nack redelivery
	RetryBackoff time.Duration

	// JobTTL bounds how long job records are kept
	JobTTL time.Duration
}

// DefaultOptions returns sensible defaults
func DefaultOptions() Options {
	hostname, _ := os.Hostname()
	return Options{
		Prefix:            DefaultPrefix,
		ConsumerName:      fmt.Sprintf("%s%s-%d", consumerPrefix, hostname, os.Getpid()),
		VisibilityTimeout: 5 * time.Minute,
		PollInterval:      time.Second,
		RetryBackoff:      time.Second,
		JobTTL:            24 * time.Hour,
	}
}

// Queue implements JobQueue using a Redis Stream with one consumer group.
// Job records live in plain keys, delayed retries in a sorted set.
type Queue struct {
	client redis.UniversalClient
	opts   Options

	stream    string
	scheduled string
	jobPrefix string
}

// NewQueue creates a new Redis-backed job queue and its consumer group.
// Zero option fields take their defaults.
func NewQueue(ctx context.Context, client redis.UniversalClient, opts Options) (*Queue, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}

	defaults := DefaultOptions()
	if opts.Prefix == "" {
		opts.Prefix = defaults.Prefix
	}
	if opts.ConsumerName == "" {
		opts.ConsumerName = defaults.ConsumerName
	}
	if opts.VisibilityTimeout <= 0 {
		opts.VisibilityTimeout = defaults.VisibilityTimeout
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaults.PollInterval
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = defaults.RetryBackoff
	}
	if opts.JobTTL <= 0 {
		opts.JobTTL = defaults.JobTTL
	}

	q := &Queue{
		client:    client,
		opts:      opts,
		stream:    opts.Prefix + streamKey,
		scheduled: opts.Prefix + scheduledKey,
		jobPrefix: opts.Prefix + jobKeyPrefix,
	}
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) ensureGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.stream, q.opts.Prefix+groupName, "0").Err()
	if err != nil && !isGroupExistsError(err) {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	return nil
}

func (q *Queue) group() string {
	return q.opts.Prefix + groupName
}

func (q *Queue) jobKey(id string) string {
	return q.jobPrefix + id
}

// Enqueue stores the job record and publishes it, or parks it in the
// scheduled set if it is not yet due.
func (q *Queue) Enqueue(ctx context.Context, job *domain.IngestionJob) error {
	if job == nil {
		return fmt.Errorf("%w: job is required", domain.ErrInvalidInput)
	}

	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.TxPipeline()
	pipe.Set(ctx, q.jobKey(job.ID), data, q.opts.JobTTL)
	if job.ScheduledFor.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduled, redis.Z{
			Score:  float64(job.ScheduledFor.UnixMilli()),
			Member: job.ID,
		})
	} else {
		pipe.XAdd(ctx, q.publishArgs(job.ID))
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

func (q *Queue) publishArgs(jobID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		Values: map[string]interface{}{"job_id": jobID},
	}
}

// Dequeue blocks until a job is claimed or ctx is done. Every poll first
// promotes due retries and reclaims stalled jobs.
func (q *Queue) Dequeue(ctx context.Context) (*domain.IngestionJob, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// Best effort; a failure here must not stop fresh deliveries
		_ = q.promoteScheduled(ctx)

		if job, err := q.claimStalled(ctx); err == nil && job != nil {
			return job, nil
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group(),
			Consumer: q.opts.ConsumerName,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.opts.PollInterval,
		}).Result()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			if isNoGroupError(err) {
				// Stream was obliterated underneath us
				if gerr := q.ensureGroup(ctx); gerr != nil {
					return nil, gerr
				}
				continue
			}
			return nil, fmt.Errorf("failed to read from stream: %w", err)
		}

		for _, s := range streams {
			for _, msg := range s.Messages {
				job, err := q.claim(ctx, msg, false)
				if err != nil {
					return nil, err
				}
				if job != nil {
					return job, nil
				}
			}
		}
	}
}

// claim loads the job behind a delivered message and marks it running.
// Messages whose job is gone or already finished are dropped. The job key
// is watched so a concurrent settle by the previous holder wins cleanly.
func (q *Queue) claim(ctx context.Context, msg redis.XMessage, stalled bool) (*domain.IngestionJob, error) {
	jobID, _ := msg.Values["job_id"].(string)
	if jobID == "" {
		q.dropMessage(ctx, msg.ID)
		return nil, nil
	}

	key := q.jobKey(jobID)
	var job *domain.IngestionJob
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		var err error
		job, err = q.loadJob(ctx, tx, jobID)
		if err != nil {
			return err
		}
		if job.IsTerminal() {
			return errJobFinished
		}

		job.MarkRunning()
		job.Stalled = stalled

		data, err := json.Marshal(job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, q.opts.JobTTL)
			pipe.Set(ctx, key+msgSuffix, msg.ID, q.opts.JobTTL)
			return nil
		})
		return err
	}, key)

	switch {
	case err == nil:
		return job, nil
	case errors.Is(err, domain.ErrNotFound), errors.Is(err, errJobFinished):
		q.dropMessage(ctx, msg.ID)
		return nil, nil
	case errors.Is(err, redis.TxFailedErr):
		// Settled underneath us; any redelivery has its own message
		return nil, nil
	default:
		return nil, fmt.Errorf("failed to mark job running: %w", err)
	}
}

func (q *Queue) dropMessage(ctx context.Context, msgID string) {
	pipe := q.client.Pipeline()
	pipe.XAck(ctx, q.stream, q.group(), msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// Ack marks the job succeeded and removes its message.
func (q *Queue) Ack(ctx context.Context, claimed *domain.IngestionJob) error {
	return q.settle(ctx, claimed, func(job *domain.IngestionJob, pipe redis.Pipeliner) {
		job.MarkSucceeded()
	})
}

// Nack schedules a retry with exponential backoff, or dead-letters the job
// once its attempts are used up.
func (q *Queue) Nack(ctx context.Context, claimed *domain.IngestionJob, reason string) error {
	return q.settle(ctx, claimed, func(job *domain.IngestionJob, pipe redis.Pipeliner) {
		if !job.CanRetry() {
			job.MarkFailed(reason)
			return
		}
		job.Retry(reason, q.opts.RetryBackoff)
		pipe.ZAdd(ctx, q.scheduled, redis.Z{
			Score:  float64(job.ScheduledFor.UnixMilli()),
			Member: job.ID,
		})
	})
}

// Fail moves the job to failed without redelivery.
func (q *Queue) Fail(ctx context.Context, claimed *domain.IngestionJob, reason string) error {
	return q.settle(ctx, claimed, func(job *domain.IngestionJob, pipe redis.Pipeliner) {
		job.MarkFailed(reason)
		pipe.ZRem(ctx, q.scheduled, job.ID)
	})
}

// Release republishes the job immediately and gives back its attempt.
func (q *Queue) Release(ctx context.Context, claimed *domain.IngestionJob) error {
	return q.settle(ctx, claimed, func(job *domain.IngestionJob, pipe redis.Pipeliner) {
		job.Release()
		pipe.XAdd(ctx, q.publishArgs(job.ID))
	})
}

// settle applies a state transition for the holder of the current claim,
// acknowledging and deleting its stream message in the same transaction.
// A write to the job between the check and EXEC aborts with ErrClaimLost.
func (q *Queue) settle(ctx context.Context, claimed *domain.IngestionJob, apply func(*domain.IngestionJob, redis.Pipeliner)) error {
	if claimed == nil {
		return fmt.Errorf("%w: job is required", domain.ErrInvalidInput)
	}

	key := q.jobKey(claimed.ID)
	err := q.client.Watch(ctx, func(tx *redis.Tx) error {
		job, err := q.loadJob(ctx, tx, claimed.ID)
		if err != nil {
			return err
		}
		if err := job.CheckClaim(claimed.Attempts); err != nil {
			return err
		}

		msgID, err := tx.Get(ctx, key+msgSuffix).Result()
		if err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to get message ID: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			apply(job, pipe)
			if msgID != "" {
				pipe.XAck(ctx, q.stream, q.group(), msgID)
				pipe.XDel(ctx, q.stream, msgID)
			}
			data, err := json.Marshal(job)
			if err != nil {
				return fmt.Errorf("failed to marshal job: %w", err)
			}
			pipe.Set(ctx, key, data, q.opts.JobTTL)
			pipe.Del(ctx, key+msgSuffix)
			return nil
		})
		if err != nil && !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("failed to update job %s: %w", claimed.ID, err)
		}
		return err
	}, key)

	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("%w: job %s changed while settling", domain.ErrClaimLost, claimed.ID)
	}
	return err
}

// GetJob retrieves a job by ID.
func (q *Queue) GetJob(ctx context.Context, jobID string) (*domain.IngestionJob, error) {
	return q.loadJob(ctx, q.client, jobID)
}

// getter is satisfied by the client and by a watched transaction.
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func (q *Queue) loadJob(ctx context.Context, c getter, jobID string) (*domain.IngestionJob, error) {
	data, err := c.Get(ctx, q.jobKey(jobID)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, domain.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}

	var job domain.IngestionJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// ListJobs scans all job records, newest first. This is O(N); use sparingly.
func (q *Queue) ListJobs(ctx context.Context, filter domain.JobFilter) ([]*domain.IngestionJob, error) {
	var jobs []*domain.IngestionJob
	err := q.scanJobs(ctx, func(_ string, job *domain.IngestionJob) {
		if filter.Status != "" && job.Status != filter.Status {
			return
		}
		jobs = append(jobs, job)
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(jobs, func(i, j int) bool {
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

// PurgeJobs removes succeeded/failed jobs last updated before now-olderThan.
func (q *Queue) PurgeJobs(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().Add(-olderThan)
	var keys []string
	err := q.scanJobs(ctx, func(key string, job *domain.IngestionJob) {
		if job.IsTerminal() && job.UpdatedAt.Before(cutoff) {
			keys = append(keys, key)
		}
	})
	if err != nil {
		return 0, err
	}
	if len(keys) == 0 {
		return 0, nil
	}
	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return 0, fmt.Errorf("failed to purge jobs: %w", err)
	}
	return len(keys), nil
}

// Obliterate deletes the stream, the scheduled set and every job record,
// then recreates the consumer group.
func (q *Queue) Obliterate(ctx context.Context) error {
	var keys []string
	var cursor uint64
	for {
		batch, next, err := q.client.Scan(ctx, cursor, q.jobPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan jobs: %w", err)
		}
		keys = append(keys, batch...)
		cursor = next
		if cursor == 0 {
			break
		}
	}
	keys = append(keys, q.stream, q.scheduled)

	if err := q.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("failed to obliterate queue: %w", err)
	}
	return q.ensureGroup(ctx)
}

// Stats counts job records by status.
func (q *Queue) Stats(ctx context.Context) (*domain.QueueStats, error) {
	stats := &domain.QueueStats{}
	var oldest time.Time
	err := q.scanJobs(ctx, func(_ string, job *domain.IngestionJob) {
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
	})
	if err != nil {
		return nil, err
	}
	if !oldest.IsZero() {
		stats.OldestQueuedAge = time.Since(oldest)
	}
	return stats, nil
}

// Ping checks if the queue backend is healthy.
func (q *Queue) Ping(ctx context.Context) error {
	return q.client.Ping(ctx).Err()
}

// Close is a no-op; the Redis client is shared and closed by its owner.
func (q *Queue) Close() error {
	return nil
}

func (q *Queue) scanJobs(ctx context.Context, fn func(key string, job *domain.IngestionJob)) error {
	var cursor uint64
	for {
		keys, next, err := q.client.Scan(ctx, cursor, q.jobPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("failed to scan jobs: %w", err)
		}

		for _, key := range keys {
			if strings.HasSuffix(key, msgSuffix) {
				continue
			}
			data, err := q.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var job domain.IngestionJob
			if err := json.Unmarshal(data, &job); err != nil {
				continue
			}
			fn(key, &job)
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// promoteScheduled moves due retries onto the stream. ZREM decides which
// consumer publishes, so concurrent promoters never duplicate a job.
func (q *Queue) promoteScheduled(ctx context.Context) error {
	due, err := q.client.ZRangeByScore(ctx, q.scheduled, &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return err
	}

	for _, jobID := range due {
		removed, err := q.client.ZRem(ctx, q.scheduled, jobID).Result()
		if err != nil {
			return err
		}
		if removed == 0 {
			continue
		}
		if err := q.client.XAdd(ctx, q.publishArgs(jobID)).Err(); err != nil {
			return err
		}
	}
	return nil
}

// claimStalled takes over a message another consumer (or this one) left
// unacknowledged past the visibility timeout.
func (q *Queue) claimStalled(ctx context.Context) (*domain.IngestionJob, error) {
	pending, err := q.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: q.stream,
		Group:  q.group(),
		Start:  "-",
		End:    "+",
		Count:  10,
		Idle:   q.opts.VisibilityTimeout,
	}).Result()
	if err != nil {
		return nil, err
	}

	for _, p := range pending {
		claimed, err := q.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   q.stream,
			Group:    q.group(),
			Consumer: q.opts.ConsumerName,
			MinIdle:  q.opts.VisibilityTimeout,
			Messages: []string{p.ID},
		}).Result()
		if err != nil || len(claimed) == 0 {
			continue
		}

		job, err := q.claim(ctx, claimed[0], true)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
	}
	return nil, nil
}

// Helper functions

func isGroupExistsError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "BUSYGROUP")
}

func isNoGroupError(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}
