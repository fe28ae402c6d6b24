package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
)

// Ensure queryService implements QueryService
var _ driving.QueryService = (*queryService)(nil)

const (
	// NoContentMessage is returned when the index has nothing relevant
	NoContentMessage = "I couldn't find any relevant content in the uploaded documents."

	// FallbackMessage replaces an empty completion
	FallbackMessage = "I'm sorry, I couldn't generate an answer from the available documents."

	// PreviewLength is the number of runes kept from each supporting chunk
	PreviewLength = 200

	DefaultTopK            = 4
	DefaultMaxContextChars = 8000
)

const systemPromptTemplate = `You are a helpful assistant answering questions about the user's uploaded documents.
Answer using only the context below. If the context does not contain the answer, say that the documents do not cover it instead of guessing.

Context:
%s`

// QueryConfig holds the collaborators of the query service.
// Embedding must be the same model the pipeline indexes with.
type QueryConfig struct {
	Embedding  driven.EmbeddingService
	Index      driven.VectorIndex
	Completion driven.CompletionService
	Logger     *slog.Logger

	TopK            int // Results retrieved per query (default: 4)
	MaxContextChars int // Upper bound on the context block (default: 8000)
}

// queryService implements the QueryService interface
type queryService struct {
	embedding       driven.EmbeddingService
	index           driven.VectorIndex
	completion      driven.CompletionService
	logger          *slog.Logger
	topK            int
	maxContextChars int
}

// NewQueryService creates a new QueryService
func NewQueryService(cfg QueryConfig) driving.QueryService {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	topK := cfg.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}
	maxContext := cfg.MaxContextChars
	if maxContext <= 0 {
		maxContext = DefaultMaxContextChars
	}

	return &queryService{
		embedding:       cfg.Embedding,
		index:           cfg.Index,
		completion:      cfg.Completion,
		logger:          logger,
		topK:            topK,
		maxContextChars: maxContext,
	}
}

// Answer runs one retrieval-augmented completion. It is not retried.
func (s *queryService) Answer(ctx context.Context, query string) (*domain.Answer, error) {
	if strings.TrimSpace(query) == "" {
		return nil, fmt.Errorf("%w: message is required", domain.ErrInvalidInput)
	}

	vector, err := s.embedding.EmbedQuery(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %w", domain.ErrRetrievalFailed, err)
	}

	results, err := s.index.Search(ctx, vector, s.topK)
	if errors.Is(err, domain.ErrCollectionNotFound) {
		// Nothing has been ingested yet
		results, err = nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: search %s: %w", domain.ErrRetrievalFailed, s.index.Collection(), err)
	}
	if len(results) == 0 {
		return &domain.Answer{Message: NoContentMessage, Docs: []domain.SupportingChunk{}}, nil
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})

	block := s.contextBlock(results)
	message, err := s.completion.Complete(ctx, fmt.Sprintf(systemPromptTemplate, block), query)
	if err != nil {
		return nil, fmt.Errorf("%w: completion: %w", domain.ErrRetrievalFailed, err)
	}
	if strings.TrimSpace(message) == "" {
		message = FallbackMessage
	}

	s.logger.Debug("query answered",
		"results", len(results),
		"context_chars", utf8.RuneCountInString(block),
	)

	docs := make([]domain.SupportingChunk, len(results))
	for i, r := range results {
		docs[i] = domain.SupportingChunk{
			Content: preview(r.Text),
			Metadata: domain.SourceRef{
				Source:     r.Metadata.SourceID,
				PageNumber: r.Metadata.PageNumber,
			},
		}
	}

	return &domain.Answer{Message: message, Docs: docs}, nil
}

// contextBlock joins whole chunks in score order until the next one would
// exceed the bound. The first chunk is always included, cut to the bound
// when it is longer on its own.
func (s *queryService) contextBlock(results []domain.QueryResult) string {
	var b strings.Builder
	used := 0
	for i, r := range results {
		n := utf8.RuneCountInString(r.Text)
		if i == 0 && n > s.maxContextChars {
			return string([]rune(r.Text)[:s.maxContextChars])
		}
		if i > 0 && used+n > s.maxContextChars {
			break
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(r.Text)
		used += n
	}
	return b.String()
}

func preview(text string) string {
	if utf8.RuneCountInString(text) <= PreviewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:PreviewLength])
}
