package mock

import (
	"context"
	"sync"

	"github.com/markdave123-py/ragbot/internal/core"
)

// MockLLM is a test double for core.LLMProvider. Without GenerateFunc it
// echoes the user prompt.
type MockLLM struct {
	GenerateFunc func(ctx context.Context, systemPrompt, userPrompt string) (string, error)

	mu      sync.Mutex
	prompts []string
}

var _ core.LLMProvider = (*MockLLM)(nil)

func (m *MockLLM) Generate(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	m.mu.Lock()
	m.prompts = append(m.prompts, userPrompt)
	m.mu.Unlock()

	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, systemPrompt, userPrompt)
	}
	return userPrompt, nil
}

// Prompts returns the user prompts received so far.
func (m *MockLLM) Prompts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.prompts...)
}
