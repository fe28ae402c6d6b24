package driving

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// QueryService answers questions from indexed content
type QueryService interface {
	// Answer embeds the query, retrieves the top matches and generates a
	// grounded answer. Empty queries fail with domain.ErrInvalidInput; any
	// upstream failure is reported as domain.ErrRetrievalFailed.
	Answer(ctx context.Context, query string) (*domain.Answer, error)
}
