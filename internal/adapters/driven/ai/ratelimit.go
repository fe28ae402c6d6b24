package ai

import (
	"context"

	"golang.org/x/time/rate"

	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure RateLimitedEmbedding implements EmbeddingService
var _ driven.EmbeddingService = (*RateLimitedEmbedding)(nil)

// RateLimitedEmbedding throttles calls to an embedding service with a
// token bucket. Each request costs one token regardless of batch size.
type RateLimitedEmbedding struct {
	driven.EmbeddingService
	limiter *rate.Limiter
}

// NewRateLimitedEmbedding wraps svc. A non-positive rps returns svc unchanged.
func NewRateLimitedEmbedding(svc driven.EmbeddingService, rps float64, burst int) driven.EmbeddingService {
	if rps <= 0 {
		return svc
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimitedEmbedding{
		EmbeddingService: svc,
		limiter:          rate.NewLimiter(rate.Limit(rps), burst),
	}
}

func (r *RateLimitedEmbedding) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.EmbeddingService.Embed(ctx, texts)
}

func (r *RateLimitedEmbedding) EmbedQuery(ctx context.Context, query string) ([]float32, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	return r.EmbeddingService.EmbedQuery(ctx, query)
}
