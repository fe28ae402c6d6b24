package ai

import (
	"fmt"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure Factory implements AIServiceFactory
var _ driven.AIServiceFactory = (*Factory)(nil)

// Factory creates AI services based on configuration
type Factory struct{}

// NewFactory creates a new AI service factory
func NewFactory() *Factory {
	return &Factory{}
}

// CreateEmbeddingService creates an embedding service from settings
func (f *Factory) CreateEmbeddingService(settings *domain.EmbeddingSettings) (driven.EmbeddingService, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}

	switch settings.Provider {
	case domain.AIProviderOpenAI:
		return NewOpenAIEmbedding(settings.APIKey, settings.Model, settings.BaseURL, settings.Dimensions)
	case domain.AIProviderOllama:
		return NewOllamaEmbedding(settings.BaseURL, settings.Model, settings.Dimensions)
	default:
		return nil, fmt.Errorf("%w: %s has no embedding API", domain.ErrInvalidProvider, settings.Provider)
	}
}

// CreateCompletionService creates a completion service from settings
func (f *Factory) CreateCompletionService(settings *domain.LLMSettings) (driven.CompletionService, error) {
	if settings == nil || !settings.IsConfigured() {
		return nil, nil
	}

	switch settings.Provider {
	case domain.AIProviderOpenAI:
		return NewOpenAICompletion(settings.APIKey, settings.Model, settings.BaseURL, settings.Temperature)
	case domain.AIProviderAnthropic:
		return NewAnthropicCompletion(settings.APIKey, settings.Model, settings.BaseURL, settings.Temperature)
	case domain.AIProviderOllama:
		return NewOllamaCompletion(settings.BaseURL, settings.Model, settings.Temperature)
	default:
		return nil, fmt.Errorf("%w: %s", domain.ErrInvalidProvider, settings.Provider)
	}
}
