package ai

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/anthropic"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

// Ensure LangchainCompletion implements CompletionService
var _ driven.CompletionService = (*LangchainCompletion)(nil)

// LangchainCompletion runs two-turn prompts through a langchaingo model
type LangchainCompletion struct {
	llm         llms.Model
	model       string
	temperature float64
}

// NewLangchainCompletion wraps an existing langchaingo model
func NewLangchainCompletion(llm llms.Model, model string) *LangchainCompletion {
	return &LangchainCompletion{llm: llm, model: model}
}

// WithTemperature sets the sampling temperature sent with every prompt
func (c *LangchainCompletion) WithTemperature(temperature float64) *LangchainCompletion {
	c.temperature = temperature
	return c
}

// NewOpenAICompletion creates a completion service using OpenAI chat models
func NewOpenAICompletion(apiKey, model, baseURL string, temperature float64) (driven.CompletionService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: OpenAI API key required", domain.ErrNotConfigured)
	}
	if model == "" {
		model = "gpt-4o-mini"
	}
	opts := []openai.Option{openai.WithToken(apiKey), openai.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, openai.WithBaseURL(baseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create openai model: %w", err)
	}
	return NewLangchainCompletion(llm, model).WithTemperature(temperature), nil
}

// NewAnthropicCompletion creates a completion service using Anthropic models
func NewAnthropicCompletion(apiKey, model, baseURL string, temperature float64) (driven.CompletionService, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: Anthropic API key required", domain.ErrNotConfigured)
	}
	if model == "" {
		model = "claude-3-5-haiku-latest"
	}
	opts := []anthropic.Option{anthropic.WithToken(apiKey), anthropic.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(baseURL))
	}

	llm, err := anthropic.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create anthropic model: %w", err)
	}
	return NewLangchainCompletion(llm, model).WithTemperature(temperature), nil
}

// NewOllamaCompletion creates a completion service using a local Ollama server
func NewOllamaCompletion(baseURL, model string, temperature float64) (driven.CompletionService, error) {
	if model == "" {
		model = "llama3.2"
	}
	opts := []ollama.Option{ollama.WithModel(model)}
	if baseURL != "" {
		opts = append(opts, ollama.WithServerURL(baseURL))
	}

	llm, err := ollama.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create ollama model: %w", err)
	}
	return NewLangchainCompletion(llm, model).WithTemperature(temperature), nil
}

// Complete sends the system instruction and the user turn. A response with
// no choices is returned as empty content, not as an error.
func (c *LangchainCompletion) Complete(ctx context.Context, system string, user string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, system),
		llms.TextParts(llms.ChatMessageTypeHuman, user),
	}

	response, err := c.llm.GenerateContent(ctx, messages, llms.WithTemperature(c.temperature))
	if err != nil {
		return "", fmt.Errorf("generate with system: %w", err)
	}
	if len(response.Choices) == 0 {
		return "", nil
	}
	return response.Choices[0].Content, nil
}

// Model returns the model name being used
func (c *LangchainCompletion) Model() string {
	return c.model
}

// Ping verifies the completion service is configured
func (c *LangchainCompletion) Ping(ctx context.Context) error {
	if c.llm == nil {
		return domain.ErrNotConfigured
	}
	return nil
}

// Close releases resources held by the completion service
func (c *LangchainCompletion) Close() error {
	return nil
}
