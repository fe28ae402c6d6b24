package loader

import (
	"context"
	"fmt"
	"os"
	"unicode/utf8"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

// TextExtractor reads UTF-8 text files. Form feeds mark page breaks.
type TextExtractor struct{}

func (e *TextExtractor) Extract(ctx context.Context, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(data) {
		return "", fmt.Errorf("%w: %s is not valid UTF-8 text", domain.ErrSourceMissing, path)
	}
	return string(data), nil
}

func (e *TextExtractor) SupportedTypes() []string {
	return []string{"text/*", "application/octet-stream", "*/*"} // Fallback for any type
}

func (e *TextExtractor) Priority() int {
	return 0
}
