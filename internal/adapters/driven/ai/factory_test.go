package ai

import (
	"errors"
	"testing"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

func TestFactory_CreateEmbeddingService_NilSettings(t *testing.T) {
	factory := NewFactory()

	svc, err := factory.CreateEmbeddingService(nil)
	if err != nil {
		t.Errorf("expected no error for nil settings, got %v", err)
	}
	if svc != nil {
		t.Error("expected nil service for nil settings")
	}
}

func TestFactory_CreateEmbeddingService_NotConfigured(t *testing.T) {
	factory := NewFactory()

	svc, err := factory.CreateEmbeddingService(&domain.EmbeddingSettings{Provider: domain.AIProviderOpenAI})
	if err != nil {
		t.Errorf("expected no error for unconfigured settings, got %v", err)
	}
	if svc != nil {
		t.Error("expected nil service for unconfigured settings")
	}
}

func TestFactory_CreateEmbeddingService_OpenAI(t *testing.T) {
	factory := NewFactory()

	svc, err := factory.CreateEmbeddingService(&domain.EmbeddingSettings{
		Provider: domain.AIProviderOpenAI,
		Model:    "text-embedding-3-small",
		APIKey:   "sk-test",
	})
	if err != nil {
		t.Fatalf("expected no error for OpenAI, got %v", err)
	}
	if _, ok := svc.(*OpenAIEmbedding); !ok {
		t.Errorf("expected *OpenAIEmbedding, got %T", svc)
	}
}

func TestFactory_CreateEmbeddingService_Ollama(t *testing.T) {
	factory := NewFactory()

	svc, err := factory.CreateEmbeddingService(&domain.EmbeddingSettings{
		Provider:   domain.AIProviderOllama,
		Model:      "nomic-embed-text",
		BaseURL:    "http://localhost:11434",
		Dimensions: 768,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if svc.Dimensions() != 768 {
		t.Errorf("expected configured dimensions 768, got %d", svc.Dimensions())
	}
	if svc.Model() != "nomic-embed-text" {
		t.Errorf("expected model nomic-embed-text, got %s", svc.Model())
	}
}

func TestFactory_CreateEmbeddingService_Anthropic(t *testing.T) {
	factory := NewFactory()

	_, err := factory.CreateEmbeddingService(&domain.EmbeddingSettings{
		Provider: domain.AIProviderAnthropic,
		APIKey:   "key",
	})
	if !errors.Is(err, domain.ErrInvalidProvider) {
		t.Errorf("expected ErrInvalidProvider, got %v", err)
	}
}

func TestFactory_CreateCompletionService(t *testing.T) {
	factory := NewFactory()

	testCases := []struct {
		name     string
		settings *domain.LLMSettings
		model    string
	}{
		{"openai", &domain.LLMSettings{Provider: domain.AIProviderOpenAI, APIKey: "sk-test"}, "gpt-4o-mini"},
		{"anthropic", &domain.LLMSettings{Provider: domain.AIProviderAnthropic, APIKey: "key", Model: "claude-x"}, "claude-x"},
		{"ollama", &domain.LLMSettings{Provider: domain.AIProviderOllama, BaseURL: "http://localhost:11434"}, "llama3.2"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			svc, err := factory.CreateCompletionService(tc.settings)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if svc.Model() != tc.model {
				t.Errorf("expected model %s, got %s", tc.model, svc.Model())
			}
		})
	}
}

func TestFactory_CreateCompletionService_InvalidProvider(t *testing.T) {
	factory := NewFactory()

	_, err := factory.CreateCompletionService(&domain.LLMSettings{Provider: "cohere", APIKey: "k"})
	if !errors.Is(err, domain.ErrInvalidProvider) {
		t.Errorf("expected ErrInvalidProvider, got %v", err)
	}
}
