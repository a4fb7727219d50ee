// Package llms provides the LLM provider abstraction: an
// OpenAI-compatible HTTP adapter, a provider registry keyed by agent,
// and a resilient caller that layers retries, failover, and a circuit
// breaker on top of any provider.
package llms

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/cleoai/cleo/config"
)

// ============================================================================
// LLM REGISTRY
// ============================================================================

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// Completion is a full non-streaming response.
type Completion struct {
	Text  string
	Usage Usage
}

// Chunk is one streaming increment. Usage arrives on the final chunk
// when the backend reports it; Err terminates the stream.
type Chunk struct {
	Text  string
	Usage *Usage
	Err   error
}

// Provider is the interface all LLM backends implement.
type Provider interface {
	// Generate produces a complete response for a pre-built prompt
	Generate(ctx context.Context, prompt string) (Completion, error)

	// GenerateStreaming produces incremental chunks; the channel closes
	// when the response is complete
	GenerateStreaming(ctx context.Context, prompt string) (<-chan Chunk, error)

	// ModelName returns the model identifier
	ModelName() string

	// Close releases provider resources
	Close() error
}

// Registry manages provider instances keyed by model name.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

// NewRegistry creates an empty provider registry.
func NewRegistry() *Registry {
	return &Registry{providers: make(map[string]Provider)}
}

// Register adds a provider under a name.
func (r *Registry) Register(name string, p Provider) error {
	if name == "" {
		return fmt.Errorf("provider name cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("provider cannot be nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.providers[name]; exists {
		return fmt.Errorf("provider %q already registered", name)
	}
	r.providers[name] = p
	return nil
}

// Get retrieves a provider by name.
func (r *Registry) Get(name string) (Provider, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.providers[name]
	return p, ok
}

// List returns all registered provider names.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.providers))
	for name := range r.providers {
		names = append(names, name)
	}
	return names
}

// Close shuts down every registered provider.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, p := range r.providers {
		_ = p.Close()
	}
	r.providers = make(map[string]Provider)
}

// ForModel returns the provider registered for model, creating an
// OpenAI-compatible one from the agent's llm config if absent. The
// agent config points at env vars for credentials so keys stay out of
// agents.yaml.
func (r *Registry) ForModel(model string, agentCfg *config.AgentConfig) (Provider, error) {
	if p, ok := r.Get(model); ok {
		return p, nil
	}

	opts := Options{Model: model}
	if agentCfg != nil {
		if agentCfg.LLM.APIKeyEnv != "" {
			opts.APIKey = os.Getenv(agentCfg.LLM.APIKeyEnv)
		}
		if agentCfg.LLM.BaseURLEnv != "" {
			opts.BaseURL = os.Getenv(agentCfg.LLM.BaseURLEnv)
		}
	}
	if opts.APIKey == "" {
		opts.APIKey = os.Getenv("LLM_API_KEY")
	}
	if opts.BaseURL == "" {
		opts.BaseURL = os.Getenv("LLM_BASE_URL")
	}
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("no base URL configured for model %q", model)
	}

	p := NewOpenAICompatible(opts)
	if err := r.Register(model, p); err != nil {
		return nil, err
	}
	return p, nil
}
