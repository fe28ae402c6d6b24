package mocks

import (
	"context"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

var _ driven.DocumentLoader = (*MockDocumentLoader)(nil)

// MockDocumentLoader serves pages from memory keyed by path
type MockDocumentLoader struct {
	Pages map[string][]string
	Err   error
}

// NewMockDocumentLoader creates an empty loader
func NewMockDocumentLoader() *MockDocumentLoader {
	return &MockDocumentLoader{Pages: make(map[string][]string)}
}

func (m *MockDocumentLoader) Load(ctx context.Context, path string, sourceID string) ([]domain.TextUnit, error) {
	if m.Err != nil {
		return nil, m.Err
	}
	pages, ok := m.Pages[path]
	if !ok {
		return nil, domain.ErrSourceMissing
	}
	units := make([]domain.TextUnit, 0, len(pages))
	for i, p := range pages {
		if p == "" {
			continue
		}
		units = append(units, domain.TextUnit{Text: p, PageNumber: i + 1, SourceID: sourceID})
	}
	return units, nil
}
