package domain

// AIProvider identifies the AI/embedding provider
type AIProvider string

const (
	AIProviderOpenAI    AIProvider = "openai"
	AIProviderAnthropic AIProvider = "anthropic"
	AIProviderOllama    AIProvider = "ollama"
)

// EmbeddingSettings configures the embedding service
type EmbeddingSettings struct {
	Provider   AIProvider `json:"provider" yaml:"provider"`
	Model      string     `json:"model" yaml:"model"`
	APIKey     string     `json:"-" yaml:"api_key"` // Never serialize to JSON
	BaseURL    string     `json:"base_url,omitempty" yaml:"base_url"`
	Dimensions int        `json:"dimensions,omitempty" yaml:"dimensions"`
}

// IsConfigured returns true if embedding settings are properly configured
func (e *EmbeddingSettings) IsConfigured() bool {
	if e.Provider == "" {
		return false
	}
	if e.Provider.RequiresAPIKey() && e.APIKey == "" {
		return false
	}
	return true
}

// LLMSettings configures the completion service
type LLMSettings struct {
	Provider AIProvider `json:"provider" yaml:"provider"`
	Model    string     `json:"model" yaml:"model"`
	APIKey   string     `json:"-" yaml:"api_key"` // Never serialize to JSON
	BaseURL  string     `json:"base_url,omitempty" yaml:"base_url"`

	// Temperature is the sampling temperature, 0 for the most deterministic answers
	Temperature float64 `json:"temperature" yaml:"temperature"`
}

// IsConfigured returns true if LLM settings are properly configured
func (l *LLMSettings) IsConfigured() bool {
	if l.Provider == "" {
		return false
	}
	if l.Provider.RequiresAPIKey() && l.APIKey == "" {
		return false
	}
	return true
}

// RequiresAPIKey returns true if this provider requires an API key
func (p AIProvider) RequiresAPIKey() bool {
	switch p {
	case AIProviderOllama:
		return false // Self-hosted, no API key needed
	default:
		return true
	}
}

// IsValid returns true if this is a known provider
func (p AIProvider) IsValid() bool {
	switch p {
	case AIProviderOpenAI, AIProviderAnthropic, AIProviderOllama:
		return true
	default:
		return false
	}
}

// SupportsEmbeddings returns true if the provider exposes an embedding API
func (p AIProvider) SupportsEmbeddings() bool {
	return p == AIProviderOpenAI || p == AIProviderOllama
}
