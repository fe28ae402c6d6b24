package memory

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

func indexed(source string, idx int, text string, v ...float32) domain.IndexedVector {
	return domain.IndexedVector{
		Vector:   v,
		Text:     text,
		Metadata: domain.ChunkMetadata{SourceID: source, PageNumber: idx + 1, ChunkIndex: idx},
	}
}

func TestVectorIndex_MissingCollection(t *testing.T) {
	ctx := context.Background()
	index := NewVectorIndex("pdf_documents")

	dim, err := index.Dimension(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, dim)

	results, err := index.Search(ctx, []float32{1, 0}, 4)
	require.NoError(t, err)
	assert.Empty(t, results)

	err = index.Upsert(ctx, []domain.IndexedVector{indexed("a.pdf", 0, "x", 1, 0)})
	assert.ErrorIs(t, err, domain.ErrCollectionNotFound)
	assert.Equal(t, "pdf_documents", index.Collection())
}

func TestVectorIndex_EnsureCollection(t *testing.T) {
	ctx := context.Background()
	index := NewVectorIndex("c")

	assert.ErrorIs(t, index.EnsureCollection(ctx, 0), domain.ErrInvalidInput)
	require.NoError(t, index.EnsureCollection(ctx, 2))
	require.NoError(t, index.EnsureCollection(ctx, 2))
	assert.ErrorIs(t, index.EnsureCollection(ctx, 3), domain.ErrDimensionMismatch)
}

func TestVectorIndex_ConcurrentEnsureCreatesOnce(t *testing.T) {
	ctx := context.Background()
	index := NewVectorIndex("c")

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.NoError(t, index.EnsureCollection(ctx, 4))
		}()
	}
	wg.Wait()

	dim, _ := index.Dimension(ctx)
	assert.Equal(t, 4, dim)
}

func TestVectorIndex_UpsertAndSearch(t *testing.T) {
	ctx := context.Background()
	index := NewVectorIndex("c")
	require.NoError(t, index.EnsureCollection(ctx, 3))

	require.NoError(t, index.Upsert(ctx, []domain.IndexedVector{
		indexed("a.pdf", 0, "apples", 1, 0, 0),
		indexed("a.pdf", 1, "volcano", 0, 1, 0),
		indexed("a.pdf", 2, "river", 0, 0, 1),
	}))
	assert.Equal(t, 3, index.Count())

	results, err := index.Search(ctx, []float32{0.1, 0.9, 0}, 2)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "volcano", results[0].Text)
	assert.Equal(t, "apples", results[1].Text)
	assert.Greater(t, results[0].Score, results[1].Score)

	// Same (source, chunk index) overwrites
	require.NoError(t, index.Upsert(ctx, []domain.IndexedVector{indexed("a.pdf", 1, "volcano v2", 0, 1, 0)}))
	assert.Equal(t, 3, index.Count())

	results, err = index.Search(ctx, []float32{0, 1, 0}, 10)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, "volcano v2", results[0].Text)
}

func TestVectorIndex_DimensionMismatch(t *testing.T) {
	ctx := context.Background()
	index := NewVectorIndex("c")
	require.NoError(t, index.EnsureCollection(ctx, 3))

	err := index.Upsert(ctx, []domain.IndexedVector{indexed("a.pdf", 0, "x", 1, 0)})
	assert.ErrorIs(t, err, domain.ErrDimensionMismatch)
	assert.Equal(t, 0, index.Count(), "a rejected batch writes nothing")
}
