package mocks

import (
	"context"
	"sync"

	"github.com/custodia-labs/sercha-rag/internal/core/ports/driven"
)

var _ driven.CompletionService = (*MockCompletionService)(nil)

// MockCompletionService records prompts and returns a canned reply
type MockCompletionService struct {
	mu         sync.Mutex
	Response   string
	Err        error
	lastSystem string
	lastUser   string
	calls      int

	// CompleteFn overrides the canned reply when set
	CompleteFn func(system, user string) (string, error)
}

// NewMockCompletionService creates a mock that answers with response
func NewMockCompletionService(response string) *MockCompletionService {
	return &MockCompletionService{Response: response}
}

func (m *MockCompletionService) Complete(ctx context.Context, system string, user string) (string, error) {
	m.mu.Lock()
	m.calls++
	m.lastSystem = system
	m.lastUser = user
	fn, resp, err := m.CompleteFn, m.Response, m.Err
	m.mu.Unlock()

	if fn != nil {
		return fn(system, user)
	}
	return resp, err
}

func (m *MockCompletionService) Model() string {
	return "mock-llm"
}

func (m *MockCompletionService) Ping(ctx context.Context) error {
	return nil
}

func (m *MockCompletionService) Close() error {
	return nil
}

// LastPrompt returns the most recent system and user turns
func (m *MockCompletionService) LastPrompt() (string, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSystem, m.lastUser
}

// Calls returns how many completions were requested
func (m *MockCompletionService) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}
