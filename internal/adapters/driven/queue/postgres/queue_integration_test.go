//go:build integration

package postgres

import (
	"context"
	"log"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pgdb "github.com/custodia-labs/sercha-rag/internal/adapters/driven/postgres"
	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/postgres/pgtest"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

var testDB *pgdb.DB

func TestMain(m *testing.M) {
	db, cleanup, err := pgtest.Start(context.Background())
	if err != nil {
		log.Fatalf("Failed to start PostgreSQL container: %v", err)
	}
	testDB = db

	code := m.Run()
	cleanup()
	os.Exit(code)
}

func newQueue(t *testing.T, opts Options) *Queue {
	t.Helper()
	q := NewQueue(testDB.DB, opts)
	require.NoError(t, q.Obliterate(context.Background()))
	return q
}

func newJob(t *testing.T, name string) *domain.IngestionJob {
	t.Helper()
	job, err := domain.NewIngestionJob(domain.JobPayload{
		Filename:     name,
		OriginalName: name,
		Destination:  "uploads",
		Path:         "uploads/" + name,
	})
	require.NoError(t, err)
	return job
}

func dequeue(t *testing.T, q *Queue) *domain.IngestionJob {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	job, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return job
}

func TestQueue_Lifecycle(t *testing.T) {
	q := newQueue(t, Options{PollInterval: 10 * time.Millisecond, RetryBackoff: 10 * time.Millisecond})
	ctx := context.Background()

	job := newJob(t, "a.pdf")
	require.NoError(t, q.Enqueue(ctx, job))

	got := dequeue(t, q)
	assert.Equal(t, job.ID, got.ID)
	assert.Equal(t, 1, got.Attempts)
	assert.JSONEq(t, string(job.Payload), string(got.Payload))

	require.NoError(t, q.Nack(ctx, got, "timeout"))
	got = dequeue(t, q)
	assert.Equal(t, 2, got.Attempts)

	require.NoError(t, q.Release(ctx, got))
	got = dequeue(t, q)
	assert.Equal(t, 2, got.Attempts)

	require.NoError(t, q.Ack(ctx, got))
	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusSucceeded, stored.Status)
	assert.NotNil(t, stored.CompletedAt)
	assert.ErrorIs(t, q.Nack(ctx, got, "late"), domain.ErrInvalidInput)
	assert.ErrorIs(t, q.Fail(ctx, got, "late"), domain.ErrInvalidInput)
	assert.ErrorIs(t, q.Ack(ctx, got), domain.ErrInvalidInput)
}

func TestQueue_DeadLetterAndStats(t *testing.T) {
	q := newQueue(t, Options{PollInterval: 10 * time.Millisecond, RetryBackoff: time.Millisecond})
	ctx := context.Background()

	job := newJob(t, "bad.pdf")
	require.NoError(t, q.Enqueue(ctx, job))
	for i := 0; i < domain.DefaultMaxAttempts; i++ {
		got := dequeue(t, q)
		require.NoError(t, q.Nack(ctx, got, "boom"))
	}
	require.NoError(t, q.Enqueue(ctx, newJob(t, "waiting.pdf")))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.FailedCount)
	assert.Equal(t, int64(1), stats.QueuedCount)

	failed, err := q.ListJobs(ctx, domain.JobFilter{Status: domain.JobStatusFailed})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].LastError)

	n, err := q.PurgeJobs(ctx, -time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestQueue_StalledReclaim(t *testing.T) {
	q := newQueue(t, Options{PollInterval: 10 * time.Millisecond, VisibilityTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, newJob(t, "slow.pdf")))
	first := dequeue(t, q)
	assert.False(t, first.Stalled)

	second := dequeue(t, q)
	assert.Equal(t, first.ID, second.ID)
	assert.True(t, second.Stalled)
	assert.Equal(t, 2, second.Attempts)

	assert.ErrorIs(t, q.Nack(ctx, first, "late timeout"), domain.ErrClaimLost)
	assert.ErrorIs(t, q.Release(ctx, first), domain.ErrClaimLost)

	stored, err := q.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusRunning, stored.Status)
	assert.Equal(t, 2, stored.Attempts)

	require.NoError(t, q.Ack(ctx, second))
}

func TestQueue_StaleClaimCannotFinishDeadLetteredJob(t *testing.T) {
	q := newQueue(t, Options{PollInterval: 10 * time.Millisecond, VisibilityTimeout: 50 * time.Millisecond})
	ctx := context.Background()

	job := newJob(t, "slow.pdf")
	job.MaxAttempts = 1
	require.NoError(t, q.Enqueue(ctx, job))

	stale := dequeue(t, q)
	reclaimed := dequeue(t, q)
	require.True(t, reclaimed.Exhausted())
	require.NoError(t, q.Fail(ctx, reclaimed, "stalled on last attempt"))

	assert.ErrorIs(t, q.Ack(ctx, stale), domain.ErrInvalidInput)

	stored, err := q.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusFailed, stored.Status)
}
