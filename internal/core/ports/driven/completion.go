package driven

import (
	"context"
)

// CompletionService generates text from a system + user prompt
type CompletionService interface {
	// Complete runs one two-turn completion and returns the generated text.
	// An empty string is a valid result.
	Complete(ctx context.Context, system string, user string) (string, error)

	// Model returns the model name being used
	Model() string

	// Ping verifies the completion service is available
	Ping(ctx context.Context) error

	// Close releases resources held by the completion service
	Close() error
}
