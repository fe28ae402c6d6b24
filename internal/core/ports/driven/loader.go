package driven

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// DocumentLoader extracts ordered, page-tagged text from a stored document.
type DocumentLoader interface {
	// Load returns one TextUnit per non-blank page, in page order.
	// A missing or unreadable file is reported as domain.ErrSourceMissing.
	Load(ctx context.Context, path string, sourceID string) ([]domain.TextUnit, error)
}

// PageExtractor turns one document format into raw page text.
type PageExtractor interface {
	// Extract returns the document text with pages separated by form feeds.
	Extract(ctx context.Context, path string) (string, error)

	// SupportedTypes returns MIME types this extractor handles
	SupportedTypes() []string

	// Priority returns selection priority (higher = preferred)
	Priority() int
}

// ExtractorRegistry selects a PageExtractor by MIME type
type ExtractorRegistry interface {
	// Register adds an extractor
	Register(extractor PageExtractor)

	// Get returns the highest priority extractor for the MIME type, or nil
	Get(mimeType string) PageExtractor

	// List returns all registered MIME types
	List() []string
}

// CommandRunner abstracts external command execution.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Chunker splits text units into bounded overlapping chunks.
type Chunker interface {
	Chunk(units []domain.TextUnit) []domain.Chunk
}
