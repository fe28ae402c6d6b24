package driven

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// VectorIndex stores chunk vectors in one named collection and searches them.
type VectorIndex interface {
	// EnsureCollection creates the collection with the given dimension.
	// It is a no-op if the collection already exists, including when
	// another caller created it concurrently.
	EnsureCollection(ctx context.Context, dimension int) error

	// Upsert writes vectors keyed by (sourceId, chunkIndex). Writing the
	// same key twice overwrites. Returns domain.ErrCollectionNotFound when
	// the collection does not exist.
	Upsert(ctx context.Context, vectors []domain.IndexedVector) error

	// Search returns up to k results ordered by descending similarity.
	// A missing or empty collection yields no results.
	Search(ctx context.Context, vector []float32, k int) ([]domain.QueryResult, error)

	// Dimension returns the collection's vector size, or 0 if the
	// collection does not exist.
	Dimension(ctx context.Context) (int, error)

	// Collection returns the configured collection name
	Collection() string

	// HealthCheck verifies the index backend is reachable
	HealthCheck(ctx context.Context) error
}
