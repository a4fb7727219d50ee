package llms

import (
	"context"
	"fmt"
	"sync"
)

// MockProvider is a scripted provider for tests and dry runs. Each call
// consumes the next scripted response; an empty script returns an error.
type MockProvider struct {
	Model string

	mu        sync.Mutex
	responses []string
	errs      []error
	Calls     []string // prompts received, in order
}

// NewMockProvider creates a mock that replays the given responses.
func NewMockProvider(model string, responses ...string) *MockProvider {
	return &MockProvider{Model: model, responses: responses}
}

// FailWith queues an error before the remaining scripted responses.
func (m *MockProvider) FailWith(err error) *MockProvider {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, err)
	return m
}

func (m *MockProvider) next(prompt string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, prompt)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return "", err
	}
	if len(m.responses) == 0 {
		return "", fmt.Errorf("mock %s: no scripted responses left", m.Model)
	}
	resp := m.responses[0]
	m.responses = m.responses[1:]
	return resp, nil
}

func (m *MockProvider) Generate(_ context.Context, prompt string) (Completion, error) {
	text, err := m.next(prompt)
	if err != nil {
		return Completion{}, err
	}
	usage := Usage{
		PromptTokens:     int64(len(prompt) / 4),
		CompletionTokens: int64(len(text) / 4),
	}
	usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	return Completion{Text: text, Usage: usage}, nil
}

func (m *MockProvider) GenerateStreaming(ctx context.Context, prompt string) (<-chan Chunk, error) {
	completion, err := m.Generate(ctx, prompt)
	if err != nil {
		return nil, err
	}
	out := make(chan Chunk, 2)
	out <- Chunk{Text: completion.Text}
	out <- Chunk{Usage: &completion.Usage}
	close(out)
	return out, nil
}

func (m *MockProvider) ModelName() string { return m.Model }
func (m *MockProvider) Close() error      { return nil }
