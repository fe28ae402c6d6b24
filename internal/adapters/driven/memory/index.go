// Package memory provides an in-process vector index for tests and
// single-binary development.
package memory

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorIndex = (*VectorIndex)(nil)

type entry struct {
	vector   []float32
	norm     float64
	text     string
	metadata domain.ChunkMetadata
}

// VectorIndex does exact cosine search over all stored vectors.
type VectorIndex struct {
	collection string

	mu        sync.RWMutex
	dimension int
	points    map[string]entry
}

// NewVectorIndex creates an index whose collection does not exist yet.
func NewVectorIndex(collection string) *VectorIndex {
	return &VectorIndex{collection: collection}
}

// EnsureCollection creates the collection on first call.
func (v *VectorIndex) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", domain.ErrInvalidInput, dimension)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	if v.points == nil {
		v.points = make(map[string]entry)
		v.dimension = dimension
		return nil
	}
	if v.dimension != dimension {
		return fmt.Errorf("%w: collection %s has size %d, embeddings have %d",
			domain.ErrDimensionMismatch, v.collection, v.dimension, dimension)
	}
	return nil
}

// Upsert stores vectors keyed by point id.
func (v *VectorIndex) Upsert(ctx context.Context, vectors []domain.IndexedVector) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.points == nil {
		return fmt.Errorf("%w: %s", domain.ErrCollectionNotFound, v.collection)
	}
	for _, vec := range vectors {
		if len(vec.Vector) != v.dimension {
			return fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vec.Vector), v.dimension)
		}
	}

	for _, vec := range vectors {
		cp := make([]float32, len(vec.Vector))
		copy(cp, vec.Vector)
		v.points[vec.Metadata.PointID()] = entry{
			vector:   cp,
			norm:     norm(cp),
			text:     vec.Text,
			metadata: vec.Metadata,
		}
	}
	return nil
}

// Search ranks every point by cosine similarity. Ties break on
// (source, chunk index) so results are deterministic.
func (v *VectorIndex) Search(ctx context.Context, vector []float32, k int) ([]domain.QueryResult, error) {
	if k <= 0 {
		k = 4
	}

	v.mu.RLock()
	defer v.mu.RUnlock()

	if len(v.points) == 0 {
		return nil, nil
	}
	if len(vector) != v.dimension {
		return nil, fmt.Errorf("%w: got %d, want %d", domain.ErrDimensionMismatch, len(vector), v.dimension)
	}

	qnorm := norm(vector)
	results := make([]domain.QueryResult, 0, len(v.points))
	for _, e := range v.points {
		results = append(results, domain.QueryResult{
			Text:     e.text,
			Metadata: e.metadata,
			Score:    cosine(vector, qnorm, e.vector, e.norm),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		if results[i].Metadata.SourceID != results[j].Metadata.SourceID {
			return results[i].Metadata.SourceID < results[j].Metadata.SourceID
		}
		return results[i].Metadata.ChunkIndex < results[j].Metadata.ChunkIndex
	})

	if len(results) > k {
		results = results[:k]
	}
	return results, nil
}

// Dimension returns the collection size, 0 before EnsureCollection.
func (v *VectorIndex) Dimension(ctx context.Context) (int, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.dimension, nil
}

// Collection returns the configured collection name
func (v *VectorIndex) Collection() string {
	return v.collection
}

// HealthCheck always succeeds
func (v *VectorIndex) HealthCheck(ctx context.Context) error {
	return nil
}

// Count returns the number of stored points
func (v *VectorIndex) Count() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.points)
}

func norm(v []float32) float64 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	return math.Sqrt(sum)
}

func cosine(a []float32, an float64, b []float32, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
	}
	return dot / (an * bn)
}
