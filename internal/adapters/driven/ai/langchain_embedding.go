package ai

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure LangchainEmbedding implements EmbeddingService
var _ driven.EmbeddingService = (*LangchainEmbedding)(nil)

// LangchainEmbedding adapts a langchaingo embedder. When no dimension is
// configured it is learned from the first response and enforced afterwards.
type LangchainEmbedding struct {
	embedder   embeddings.Embedder
	model      string
	dimensions atomic.Int64
}

// NewLangchainEmbedding wraps an existing langchaingo embedder
func NewLangchainEmbedding(embedder embeddings.Embedder, model string, dimensions int) *LangchainEmbedding {
	e := &LangchainEmbedding{embedder: embedder, model: model}
	e.dimensions.Store(int64(dimensions))
	return e
}

// NewOllamaEmbedding creates an embedding service backed by a local Ollama server
func NewOllamaEmbedding(baseURL, model string, dimensions int) (driven.EmbeddingService, error) {
	if model == "" {
		model = "nomic-embed-text"
	}
	opts := []ollama.Option{ollama.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}

	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create ollama embedder: %w", err)
	}
	return NewLangchainEmbedding(embedder, model, dimensions), nil
}

// NewOpenAICompatibleEmbedding uses langchaingo's OpenAI client, for
// OpenAI-compatible gateways the raw adapter does not cover.
func NewOpenAICompatibleEmbedding(apiKey, model, baseURL string, dimensions int) (driven.EmbeddingService, error) {
	opts := []openai.Option{openai.WithToken(apiKey), openai.WithEmbeddingModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("create openai embedder: %w", err)
	}
	return NewLangchainEmbedding(embedder, model, dimensions), nil
}

// Embed generates embeddings for multiple texts
func (e *LangchainEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	vectors, err := e.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embed batch: %w", err)
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("count mismatch: got %d, want %d", len(vectors), len(texts))
	}
	for i, v := range vectors {
		if err := e.check(len(v)); err != nil {
			return nil, fmt.Errorf("embedding %d: %w", i, err)
		}
	}
	return vectors, nil
}

// EmbedQuery generates an embedding for a search query
func (e *LangchainEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	v, err := e.embedder.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	if err := e.check(len(v)); err != nil {
		return nil, err
	}
	return v, nil
}

// check enforces a single vector size, learning it on first use
func (e *LangchainEmbedding) check(n int) error {
	if n == 0 {
		return fmt.Errorf("empty embedding returned")
	}
	if e.dimensions.CompareAndSwap(0, int64(n)) {
		return nil
	}
	if want := e.dimensions.Load(); int64(n) != want {
		return fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, n, want)
	}
	return nil
}

// Dimensions returns the vector size, or 0 until it is known
func (e *LangchainEmbedding) Dimensions() int {
	return int(e.dimensions.Load())
}

// Model returns the model name being used
func (e *LangchainEmbedding) Model() string {
	return e.model
}

// HealthCheck verifies the embedding service is available
func (e *LangchainEmbedding) HealthCheck(ctx context.Context) error {
	_, err := e.EmbedQuery(ctx, "health check")
	return err
}

// Close releases resources held by the embedding service
func (e *LangchainEmbedding) Close() error {
	return nil
}
