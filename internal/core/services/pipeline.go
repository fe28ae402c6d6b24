package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// PipelineConfig holds the collaborators and tuning of the ingestion pipeline.
type PipelineConfig struct {
	Loader    driven.DocumentLoader
	Chunker   driven.Chunker
	Embedding driven.EmbeddingService
	Index     driven.VectorIndex
	Lock      driven.DistributedLock // Optional: serialises collection bootstrap across processes
	Logger    *slog.Logger

	BatchSize         int           // Chunks per Embed call (default: 64)
	EmbedMaxAttempts  int           // In-job attempts per batch on transient errors (default: 3)
	EmbedRetryBackoff time.Duration // Base delay between batch attempts (default: 500ms)
	BootstrapLockTTL  time.Duration // TTL of the bootstrap lock (default: 30s)
	BootstrapLockPoll time.Duration // Wait between lock attempts (default: 100ms)
}

// IngestionPipeline drives one job through
// received -> loaded -> chunked -> embedded -> indexed.
// Every error it returns is a *domain.PipelineError.
type IngestionPipeline struct {
	loader    driven.DocumentLoader
	chunker   driven.Chunker
	embedding driven.EmbeddingService
	index     driven.VectorIndex
	lock      driven.DistributedLock
	logger    *slog.Logger

	batchSize         int
	embedMaxAttempts  int
	embedRetryBackoff time.Duration
	lockTTL           time.Duration
	lockPoll          time.Duration

	bootstrap singleflight.Group
}

// NewIngestionPipeline creates a pipeline. Zero tuning fields take defaults.
func NewIngestionPipeline(cfg PipelineConfig) *IngestionPipeline {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	p := &IngestionPipeline{
		loader:            cfg.Loader,
		chunker:           cfg.Chunker,
		embedding:         cfg.Embedding,
		index:             cfg.Index,
		lock:              cfg.Lock,
		logger:            logger,
		batchSize:         cfg.BatchSize,
		embedMaxAttempts:  cfg.EmbedMaxAttempts,
		embedRetryBackoff: cfg.EmbedRetryBackoff,
		lockTTL:           cfg.BootstrapLockTTL,
		lockPoll:          cfg.BootstrapLockPoll,
	}
	if p.batchSize <= 0 {
		p.batchSize = 64
	}
	if p.embedMaxAttempts <= 0 {
		p.embedMaxAttempts = 3
	}
	if p.embedRetryBackoff <= 0 {
		p.embedRetryBackoff = 500 * time.Millisecond
	}
	if p.lockTTL <= 0 {
		p.lockTTL = 30 * time.Second
	}
	if p.lockPoll <= 0 {
		p.lockPoll = 100 * time.Millisecond
	}
	return p
}

// Run ingests the document behind job. It never panics: a panic in any
// collaborator is recovered and reported as a fatal error.
func (p *IngestionPipeline) Run(ctx context.Context, job *domain.IngestionJob) (result *domain.IngestionResult, err error) {
	start := time.Now()
	stage := domain.StageReceived

	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = domain.Fatal(stage, fmt.Errorf("panic: %v", r))
		}
	}()

	payload, err := domain.DecodePayload(job.Payload)
	if err != nil {
		return nil, domain.Fatal(stage, err)
	}
	sourceID := payload.Path
	logger := p.logger.With("job_id", job.ID, "source", sourceID)

	units, err := p.loader.Load(ctx, payload.Path, sourceID)
	if err != nil {
		return nil, domain.Classify(stage, err)
	}
	if len(units) == 0 {
		return nil, domain.Fatal(stage, fmt.Errorf("%w: no text extracted from %s", domain.ErrEmptyDocument, displayName(payload)))
	}
	stage = domain.StageLoaded
	logger.Debug("document loaded", "pages", len(units))

	chunks := p.chunker.Chunk(units)
	if len(chunks) == 0 {
		return nil, domain.Fatal(stage, fmt.Errorf("%w: %s produced no chunks", domain.ErrEmptyDocument, displayName(payload)))
	}
	stage = domain.StageChunked
	logger.Debug("document chunked", "chunks", len(chunks))

	vectors, err := p.embed(ctx, chunks, logger)
	if err != nil {
		return nil, domain.Classify(stage, err)
	}
	stage = domain.StageEmbedded

	if err := p.upsert(ctx, vectors, logger); err != nil {
		return nil, domain.Classify(stage, err)
	}

	return &domain.IngestionResult{
		JobID:          job.ID,
		DocumentsAdded: len(chunks),
		SourceID:       sourceID,
		Duration:       time.Since(start),
	}, nil
}

func displayName(payload domain.JobPayload) string {
	if payload.OriginalName != "" {
		return payload.OriginalName
	}
	return payload.Path
}

// embed turns chunks into vectors batch by batch. All vectors must share
// one dimension.
func (p *IngestionPipeline) embed(ctx context.Context, chunks []domain.Chunk, logger *slog.Logger) ([]domain.IndexedVector, error) {
	vectors := make([]domain.IndexedVector, 0, len(chunks))
	dim := 0

	for start := 0; start < len(chunks); start += p.batchSize {
		end := start + p.batchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		batch := chunks[start:end]

		texts := make([]string, len(batch))
		for i, c := range batch {
			texts[i] = c.Text
		}

		embeddings, err := p.embedBatch(ctx, texts, logger)
		if err != nil {
			return nil, err
		}
		if len(embeddings) != len(batch) {
			return nil, fmt.Errorf("embedding service returned %d vectors for %d chunks", len(embeddings), len(batch))
		}

		for i, vec := range embeddings {
			if dim == 0 {
				dim = len(vec)
			}
			if len(vec) == 0 || len(vec) != dim {
				return nil, fmt.Errorf("%w: chunk %d has %d dimensions, expected %d",
					domain.ErrDimensionMismatch, batch[i].Metadata.ChunkIndex, len(vec), dim)
			}
			vectors = append(vectors, domain.IndexedVector{
				Vector:   vec,
				Metadata: batch[i].Metadata,
				Text:     batch[i].Text,
			})
		}
	}
	return vectors, nil
}

// embedBatch retries transient failures with exponential backoff. Fatal
// errors and the last failure are returned as is.
func (p *IngestionPipeline) embedBatch(ctx context.Context, texts []string, logger *slog.Logger) ([][]float32, error) {
	for attempt := 1; ; attempt++ {
		embeddings, err := p.embedding.Embed(ctx, texts)
		if err == nil {
			return embeddings, nil
		}
		if domain.IsFatal(err) || attempt >= p.embedMaxAttempts || ctx.Err() != nil {
			return nil, err
		}

		delay := domain.RetryDelay(p.embedRetryBackoff, attempt)
		logger.Warn("embedding batch failed, retrying",
			"attempt", attempt,
			"delay", delay,
			"error", err,
		)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// upsert writes the vectors, creating the collection first if it is missing.
func (p *IngestionPipeline) upsert(ctx context.Context, vectors []domain.IndexedVector, logger *slog.Logger) error {
	err := p.index.Upsert(ctx, vectors)
	if !errors.Is(err, domain.ErrCollectionNotFound) {
		return err
	}

	dim := len(vectors[0].Vector)
	_, err, shared := p.bootstrap.Do(p.index.Collection(), func() (any, error) {
		return nil, p.createCollection(ctx, dim, logger)
	})
	if err != nil {
		return fmt.Errorf("bootstrap collection %s: %w", p.index.Collection(), err)
	}
	logger.Debug("collection bootstrap finished", "shared", shared)

	return p.index.Upsert(ctx, vectors)
}

// createCollection runs EnsureCollection, holding the distributed lock
// when one is configured. If another process holds the lock, it waits
// until the collection appears or the lock frees up.
func (p *IngestionPipeline) createCollection(ctx context.Context, dim int, logger *slog.Logger) error {
	if p.lock != nil {
		name := "collection:" + p.index.Collection()
		for {
			acquired, err := p.lock.Acquire(ctx, name, p.lockTTL)
			if err != nil {
				// EnsureCollection tolerates a concurrent create on its own
				logger.Warn("failed to acquire bootstrap lock", "error", err)
				break
			}
			if acquired {
				defer func() {
					if err := p.lock.Release(context.WithoutCancel(ctx), name); err != nil {
						logger.Warn("failed to release bootstrap lock", "error", err)
					}
				}()
				break
			}
			if existing, err := p.index.Dimension(ctx); err == nil && existing > 0 {
				break
			}

			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(p.lockPoll):
			}
		}
	}

	logger.Info("creating vector collection",
		"collection", p.index.Collection(),
		"dimension", dim,
	)
	return p.index.EnsureCollection(ctx, dim)
}
