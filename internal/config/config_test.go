package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// clearEnv blanks every key Load reads so the host environment cannot leak in
func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"CONFIG_FILE", "HOST", "PORT", "UPLOAD_DIR", "MAX_UPLOAD_BYTES", "CORS_ORIGINS",
		"QUEUE_BACKEND", "QUEUE_MAX_ATTEMPTS", "QUEUE_VISIBILITY_TIMEOUT", "QUEUE_POLL_INTERVAL",
		"QUEUE_RETRY_BACKOFF", "JOB_TTL", "REDIS_URL", "REDIS_HOST", "REDIS_PORT", "REDIS_PASSWORD",
		"DATABASE_URL", "DB_MAX_OPEN_CONNS", "DB_MAX_IDLE_CONNS",
		"VECTOR_BACKEND", "QDRANT_URL", "QDRANT_API_KEY", "COLLECTION_NAME",
		"EMBEDDING_PROVIDER", "EMBEDDING_API_KEY", "EMBEDDING_MODEL", "EMBEDDING_BASE_URL",
		"EMBEDDING_DIMENSIONS", "EMBEDDING_BATCH_SIZE", "EMBEDDING_RATE_LIMIT", "EMBEDDING_MAX_ATTEMPTS",
		"OPENAI_API_KEY", "LLM_PROVIDER", "LLM_API_KEY", "LLM_MODEL", "LLM_BASE_URL",
		"LLM_TEMPERATURE",
		"CHUNK_SIZE", "CHUNK_OVERLAP", "WORKER_CONCURRENCY", "WORKER_SHUTDOWN_GRACE",
		"TOP_K", "MAX_CONTEXT_CHARS", "PURGE_INTERVAL", "PURGE_AFTER", "LOG_LEVEL", "LOG_FILE",
		"PDFTOTEXT_PATH",
	} {
		t.Setenv(key, "")
	}
}

func TestLoad_Defaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8000, cfg.Server.Port)
	assert.Equal(t, BackendRedis, cfg.Queue.Backend)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, 5*time.Minute, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, BackendQdrant, cfg.Vector.Backend)
	assert.Equal(t, "pdf_documents", cfg.Vector.Collection)
	assert.Equal(t, 1000, cfg.Chunking.Size)
	assert.Equal(t, 200, cfg.Chunking.Overlap)
	assert.Equal(t, 4, cfg.Worker.Concurrency)
	assert.Equal(t, 4, cfg.Query.TopK)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel())
}

func TestLoad_EnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("QUEUE_BACKEND", "Postgres")
	t.Setenv("QUEUE_VISIBILITY_TIMEOUT", "90s")
	t.Setenv("VECTOR_BACKEND", "pgvector")
	t.Setenv("COLLECTION_NAME", "handbooks")
	t.Setenv("EMBEDDING_PROVIDER", "ollama")
	t.Setenv("EMBEDDING_MODEL", "nomic-embed-text")
	t.Setenv("EMBEDDING_RATE_LIMIT", "2.5")
	t.Setenv("OPENAI_API_KEY", "sk-shared")
	t.Setenv("LLM_TEMPERATURE", "0.2")
	t.Setenv("CHUNK_SIZE", "500")
	t.Setenv("CHUNK_OVERLAP", "50")
	t.Setenv("WORKER_CONCURRENCY", "8")
	t.Setenv("TOP_K", "2")
	t.Setenv("CORS_ORIGINS", "http://localhost:3000, https://app.example.com")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, BackendPostgres, cfg.Queue.Backend)
	assert.Equal(t, 90*time.Second, cfg.Queue.VisibilityTimeout)
	assert.Equal(t, BackendPGVector, cfg.Vector.Backend)
	assert.Equal(t, "handbooks", cfg.Vector.Collection)
	assert.Equal(t, domain.AIProviderOllama, cfg.Embedding.Provider)
	assert.Equal(t, "nomic-embed-text", cfg.Embedding.Model)
	assert.Equal(t, 2.5, cfg.Embedding.RateLimit)
	assert.Equal(t, "sk-shared", cfg.Embedding.APIKey)
	assert.Equal(t, "sk-shared", cfg.LLM.APIKey)
	assert.Equal(t, 0.2, cfg.LLM.Temperature)
	assert.Equal(t, 500, cfg.Chunking.Size)
	assert.Equal(t, 50, cfg.Chunking.Overlap)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 2, cfg.Query.TopK)
	assert.Equal(t, []string{"http://localhost:3000", "https://app.example.com"}, cfg.Server.CORSOrigins)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel())
}

func TestLoad_YAMLOverlay(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "sercha-rag.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
queue:
  backend: memory
  retry_backoff: 250ms
vector:
  backend: memory
  collection: notes
embedding:
  provider: openai
  model: text-embedding-3-large
  dimensions: 256
  batch_size: 16
chunking:
  size: 800
  overlap: 100
`), 0o644))

	// Environment wins over the file
	t.Setenv("CHUNK_OVERLAP", "120")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, BackendMemory, cfg.Queue.Backend)
	assert.Equal(t, 250*time.Millisecond, cfg.Queue.RetryBackoff)
	assert.Equal(t, "notes", cfg.Vector.Collection)
	assert.Equal(t, "text-embedding-3-large", cfg.Embedding.Model)
	assert.Equal(t, 256, cfg.Embedding.Dimensions)
	assert.Equal(t, 16, cfg.Embedding.BatchSize)
	assert.Equal(t, 800, cfg.Chunking.Size)
	assert.Equal(t, 120, cfg.Chunking.Overlap)
	// Untouched keys keep defaults
	assert.Equal(t, 4, cfg.Worker.Concurrency)
}

func TestLoad_ConfigFileFromEnv(t *testing.T) {
	clearEnv(t)
	path := filepath.Join(t.TempDir(), "c.yaml")
	require.NoError(t, os.WriteFile(path, []byte("worker:\n  concurrency: 7\n"), 0o644))
	t.Setenv("CONFIG_FILE", path)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Worker.Concurrency)
}

func TestLoad_MissingFile(t *testing.T) {
	clearEnv(t)
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestLoad_RedisURL(t *testing.T) {
	t.Run("url wins", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REDIS_URL", "redis://cache:6380/2")
		t.Setenv("REDIS_HOST", "ignored")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "redis://cache:6380/2", cfg.Redis.URL)
	})

	t.Run("host and port", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REDIS_HOST", "redis.internal")
		t.Setenv("REDIS_PORT", "6390")
		t.Setenv("REDIS_PASSWORD", "s3cret")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "redis://:s3cret@redis.internal:6390", cfg.Redis.URL)
	})

	t.Run("default port", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("REDIS_HOST", "redis.internal")
		cfg, err := Load("")
		require.NoError(t, err)
		assert.Equal(t, "redis://redis.internal:6379", cfg.Redis.URL)
	})
}

func TestLoad_InvalidValues(t *testing.T) {
	cases := map[string]map[string]string{
		"bad int":             {"PORT": "eighty"},
		"bad duration":        {"QUEUE_VISIBILITY_TIMEOUT": "5 minutes"},
		"unknown queue":       {"QUEUE_BACKEND": "kafka"},
		"unknown index":       {"VECTOR_BACKEND": "pinecone"},
		"overlap too large":   {"CHUNK_SIZE": "100", "CHUNK_OVERLAP": "100"},
		"no workers":          {"WORKER_CONCURRENCY": "0"},
		"zero top k":          {"TOP_K": "0"},
		"no embedding api":    {"EMBEDDING_PROVIDER": "anthropic"},
		"unknown llm":         {"LLM_PROVIDER": "parrot"},
		"zero attempts":       {"QUEUE_MAX_ATTEMPTS": "0"},
		"port out of range":   {"PORT": "70000"},
		"empty collection":    {"COLLECTION_NAME": " "},
		"negative overlap":    {"CHUNK_OVERLAP": "-1"},
		"bad rate limit":      {"EMBEDDING_RATE_LIMIT": "fast"},
		"bad shutdown grace":  {"WORKER_SHUTDOWN_GRACE": "soon"},
		"bad purge interval":  {"PURGE_INTERVAL": "hourly"},
		"bad max upload size": {"MAX_UPLOAD_BYTES": "32MB"},
		"temperature too hot": {"LLM_TEMPERATURE": "3"},
		"bad temperature":     {"LLM_TEMPERATURE": "warm"},
	}

	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			clearEnv(t)
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load("")
			assert.Error(t, err)
		})
	}
}

func TestValidate_ReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Worker.Concurrency = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "worker concurrency")
}

func TestParseLogLevel(t *testing.T) {
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		"warn":    slog.LevelWarn,
		"Warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"verbose": slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLogLevel(in); got != want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestSetupLoggerWithWriters(t *testing.T) {
	var stderr, file bytes.Buffer
	logger := SetupLoggerWithWriters(&stderr, &file, slog.LevelInfo)

	logger.Debug("hidden")
	logger.Info("job completed", "job_id", "j1")

	assert.Contains(t, stderr.String(), "job_id=j1")
	assert.NotContains(t, stderr.String(), "hidden")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(file.Bytes()), &entry))
	assert.Equal(t, "job completed", entry["msg"])
	assert.Equal(t, "j1", entry["job_id"])
}

func TestSetupLogger_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rag.log")
	logger, cleanup := SetupLogger(path, slog.LevelInfo)
	logger.Info("worker pool starting", "concurrency", 4)
	require.NoError(t, cleanup())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), `"concurrency":4`))
}

func TestSetupLogger_NoFile(t *testing.T) {
	logger, cleanup := SetupLogger("", slog.LevelWarn)
	require.NotNil(t, logger)
	assert.NoError(t, cleanup())
}
