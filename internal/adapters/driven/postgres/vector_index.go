package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"
	"github.com/pgvector/pgvector-go"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Verify interface compliance
var _ driven.VectorIndex = (*VectorIndex)(nil)

// PostgreSQL error codes the index cares about
const (
	codeUndefinedTable  = "42P01"
	codeDuplicateTable  = "42P07"
	codeUniqueViolation = "23505"
	codeDataException   = "22000"
)

// VectorIndex implements VectorIndex on a pgvector table named after the
// collection. The table is created lazily once the embedding dimension is
// known.
type VectorIndex struct {
	db         *DB
	collection string
	table      string
}

// NewVectorIndex creates a pgvector-backed index for the collection.
func NewVectorIndex(db *DB, collection string) *VectorIndex {
	return &VectorIndex{
		db:         db,
		collection: collection,
		table:      pq.QuoteIdentifier(collection),
	}
}

// EnsureCollection creates the chunk table with a vector column of the
// given dimension. Racing creators are tolerated.
func (v *VectorIndex) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return fmt.Errorf("%w: dimension must be positive, got %d", domain.ErrInvalidInput, dimension)
	}

	existing, err := v.Dimension(ctx)
	if err != nil {
		return err
	}
	if existing == 0 {
		ddl := fmt.Sprintf(`
			CREATE TABLE IF NOT EXISTS %s (
				id          UUID PRIMARY KEY,
				source_id   TEXT NOT NULL,
				page_number INTEGER NOT NULL,
				chunk_index INTEGER NOT NULL,
				content     TEXT NOT NULL,
				embedding   vector(%d) NOT NULL,
				updated_at  TIMESTAMP WITH TIME ZONE NOT NULL DEFAULT NOW()
			)`, v.table, dimension)
		if _, err := v.db.ExecContext(ctx, ddl); err != nil && !isPQCode(err, codeDuplicateTable, codeUniqueViolation) {
			return fmt.Errorf("create vector table: %w", err)
		}
		if existing, err = v.Dimension(ctx); err != nil {
			return err
		}
	}

	if existing != dimension {
		return fmt.Errorf("%w: collection %s has size %d, embeddings have %d",
			domain.ErrDimensionMismatch, v.collection, existing, dimension)
	}
	return nil
}

// Upsert writes all vectors in one transaction, overwriting rows with the
// same point id.
func (v *VectorIndex) Upsert(ctx context.Context, vectors []domain.IndexedVector) error {
	if len(vectors) == 0 {
		return nil
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, source_id, page_number, chunk_index, content, embedding, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (id) DO UPDATE SET
			source_id = EXCLUDED.source_id,
			page_number = EXCLUDED.page_number,
			chunk_index = EXCLUDED.chunk_index,
			content = EXCLUDED.content,
			embedding = EXCLUDED.embedding,
			updated_at = NOW()
	`, v.table)

	err := v.db.Transaction(ctx, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, query)
		if err != nil {
			return err
		}
		defer stmt.Close()

		for _, vec := range vectors {
			_, err := stmt.ExecContext(ctx,
				vec.Metadata.PointID(),
				vec.Metadata.SourceID,
				vec.Metadata.PageNumber,
				vec.Metadata.ChunkIndex,
				vec.Text,
				pgvector.NewVector(vec.Vector),
			)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("pgvector upsert failed: %w", mapError(err))
	}
	return nil
}

// Search returns the k nearest chunks by cosine distance.
func (v *VectorIndex) Search(ctx context.Context, vector []float32, k int) ([]domain.QueryResult, error) {
	if k <= 0 {
		k = 4
	}

	query := fmt.Sprintf(`
		SELECT content, source_id, page_number, chunk_index, 1 - (embedding <=> $1) AS score
		FROM %s
		ORDER BY embedding <=> $1
		LIMIT $2
	`, v.table)

	rows, err := v.db.QueryContext(ctx, query, pgvector.NewVector(vector), k)
	if err != nil {
		if isPQCode(err, codeUndefinedTable) {
			return nil, nil
		}
		return nil, fmt.Errorf("pgvector search failed: %w", mapError(err))
	}
	defer rows.Close()

	var results []domain.QueryResult
	for rows.Next() {
		var r domain.QueryResult
		if err := rows.Scan(
			&r.Text,
			&r.Metadata.SourceID,
			&r.Metadata.PageNumber,
			&r.Metadata.ChunkIndex,
			&r.Score,
		); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return results, nil
}

// Dimension reads the vector column's type modifier, which pgvector sets to
// the declared dimension. A missing table yields 0.
func (v *VectorIndex) Dimension(ctx context.Context) (int, error) {
	query := `
		SELECT a.atttypmod
		FROM pg_attribute a
		WHERE a.attrelid = to_regclass($1)
		  AND a.attname = 'embedding'
		  AND NOT a.attisdropped
	`
	var dim int
	err := v.db.QueryRowContext(ctx, query, v.table).Scan(&dim)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read vector dimension: %w", err)
	}
	if dim < 0 {
		return 0, nil
	}
	return dim, nil
}

// Collection returns the configured collection name
func (v *VectorIndex) Collection() string {
	return v.collection
}

// HealthCheck verifies PostgreSQL is reachable
func (v *VectorIndex) HealthCheck(ctx context.Context) error {
	return v.db.PingContext(ctx)
}

// mapError translates pq errors into domain errors.
func mapError(err error) error {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return err
	}
	switch {
	case pqErr.Code == codeUndefinedTable:
		return fmt.Errorf("%w: %s", domain.ErrCollectionNotFound, pqErr.Message)
	case pqErr.Code == codeDataException && strings.Contains(pqErr.Message, "dimensions"):
		return fmt.Errorf("%w: %s", domain.ErrDimensionMismatch, pqErr.Message)
	default:
		return err
	}
}

func isPQCode(err error, codes ...string) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	for _, c := range codes {
		if string(pqErr.Code) == c {
			return true
		}
	}
	return false
}
