package app

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/adapters/driven/memory"
	redisqueue "github.com/custodia-labs/sercha-rag/internal/adapters/driven/queue/redis"
	redisadapter "github.com/custodia-labs/sercha-rag/internal/adapters/driven/redis"
	"github.com/custodia-labs/sercha-rag/internal/config"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven/mocks"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Queue.Backend = config.BackendMemory
	cfg.Queue.PollInterval = 10 * time.Millisecond
	cfg.Vector.Backend = config.BackendMemory
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.UploadDir = t.TempDir()
	cfg.Worker.ShutdownGrace = time.Second
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions(extra ...Option) []Option {
	return append([]Option{
		WithEmbedding(mocks.NewMockEmbeddingService()),
		WithCompletion(mocks.NewMockCompletionService("answer")),
	}, extra...)
}

func TestNew_NilConfig(t *testing.T) {
	_, err := New(context.Background(), nil, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestNew_InMemory(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discardLogger(), testOptions()...)
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.Lock)
	assert.NotNil(t, a.Queue)
	assert.NotNil(t, a.Pool)
	assert.NotNil(t, a.Server)
	assert.Equal(t, "pdf_documents", a.Index.Collection())
}

func TestNew_UnknownBackends(t *testing.T) {
	t.Run("queue", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Queue.Backend = "kafka"
		_, err := New(context.Background(), cfg, discardLogger(), testOptions()...)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})

	t.Run("vector", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Vector.Backend = "faiss"
		_, err := New(context.Background(), cfg, discardLogger(), testOptions()...)
		assert.ErrorIs(t, err, domain.ErrInvalidInput)
	})
}

func TestNew_ProvidersNotConfigured(t *testing.T) {
	t.Run("embedding", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.Embedding.APIKey = ""
		_, err := New(context.Background(), cfg, discardLogger(),
			WithCompletion(mocks.NewMockCompletionService("answer")))
		assert.ErrorIs(t, err, domain.ErrNotConfigured)
	})

	t.Run("completion", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.LLM.APIKey = ""
		_, err := New(context.Background(), cfg, discardLogger(),
			WithEmbedding(mocks.NewMockEmbeddingService()))
		assert.ErrorIs(t, err, domain.ErrNotConfigured)
	})
}

func TestNew_RefusesDimensionMismatch(t *testing.T) {
	index := memory.NewVectorIndex("pdf_documents")
	require.NoError(t, index.EnsureCollection(context.Background(), 8))

	_, err := New(context.Background(), testConfig(t), discardLogger(), testOptions(WithIndex(index))...)
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
}

func TestNew_MatchingCollectionStarts(t *testing.T) {
	index := memory.NewVectorIndex("pdf_documents")
	require.NoError(t, index.EnsureCollection(context.Background(), 64))

	a, err := New(context.Background(), testConfig(t), discardLogger(), testOptions(WithIndex(index))...)
	require.NoError(t, err)
	assert.NoError(t, a.Close())
}

func TestNew_RedisBackends(t *testing.T) {
	mr := miniredis.RunT(t)

	cfg := testConfig(t)
	cfg.Queue.Backend = config.BackendRedis
	cfg.Redis.URL = "redis://" + mr.Addr()

	a, err := New(context.Background(), cfg, discardLogger(), testOptions()...)
	require.NoError(t, err)
	defer a.Close()

	assert.IsType(t, &redisadapter.Lock{}, a.Lock)
	assert.IsType(t, &redisqueue.Queue{}, a.Queue)
	assert.NoError(t, a.Queue.Ping(context.Background()))
}

func TestNew_RedisUnavailable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Queue.Backend = config.BackendRedis
	cfg.Redis.URL = "redis://127.0.0.1:1"

	_, err := New(context.Background(), cfg, discardLogger(), testOptions()...)
	assert.ErrorIs(t, err, domain.ErrServiceUnavailable)
}

func TestApp_ReadyEndpoint(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discardLogger(), testOptions()...)
	require.NoError(t, err)
	defer a.Close()

	rr := httptest.NewRecorder()
	a.Server.Handler().ServeHTTP(rr, httptest.NewRequest("GET", "/ready", nil))
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"queue":"ok"`)
	assert.Contains(t, rr.Body.String(), `"index":"ok"`)
}

func TestApp_ServeStopsOnCancel(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discardLogger(), testOptions()...)
	require.NoError(t, err)
	defer a.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- a.Serve(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	assert.Equal(t, 0, a.Pool.Running())
}

func TestApp_CloseIsIdempotent(t *testing.T) {
	a, err := New(context.Background(), testConfig(t), discardLogger(), testOptions()...)
	require.NoError(t, err)

	assert.NoError(t, a.Close())
	assert.NoError(t, a.Close())
}

func TestNew_QueueOnly(t *testing.T) {
	cfg := testConfig(t)
	cfg.Vector.Backend = config.BackendPGVector // never connected

	a, err := New(context.Background(), cfg, discardLogger(), QueueOnly())
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.Ingestion)
	assert.NotNil(t, a.Scheduler)
	assert.Nil(t, a.Query)
	assert.Nil(t, a.Pool)

	job, err := a.Ingestion.Submit(context.Background(), domain.JobPayload{Path: "uploads/a.txt"})
	require.NoError(t, err)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
}
