package llms

import (
	"fmt"

	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/registry"
)

// New creates a provider of the configured type bound to the given model.
// An empty model falls back to cfg.Model.
func New(cfg *config.LLMProviderConfig, model string) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("LLM config cannot be nil")
	}

	var provider Provider
	var err error
	switch cfg.Type {
	case "openai":
		provider, err = NewOpenAIProvider(cfg, model)
	case "anthropic":
		provider, err = NewAnthropicProvider(cfg, model)
	case "gemini":
		provider, err = NewGeminiProvider(cfg, model)
	default:
		return nil, fmt.Errorf("unsupported LLM type: %s", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return instrument(provider), nil
}

// Registry manages named provider instances. The assistant registers two:
// "chat" for conversational turns and "parsing" for structured parses.
type Registry struct {
	*registry.BaseRegistry[Provider]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Provider]()}
}

// CreateFromConfig builds, registers and returns a provider.
func (r *Registry) CreateFromConfig(name string, cfg *config.LLMProviderConfig, model string) (Provider, error) {
	if name == "" {
		return nil, fmt.Errorf("LLM name cannot be empty")
	}

	provider, err := New(cfg, model)
	if err != nil {
		return nil, fmt.Errorf("failed to create LLM provider: %w", err)
	}

	if err := r.Register(name, provider); err != nil {
		_ = provider.Close()
		return nil, fmt.Errorf("failed to register LLM: %w", err)
	}

	return provider, nil
}

// GetProvider retrieves a provider by name.
func (r *Registry) GetProvider(name string) (Provider, error) {
	provider, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("LLM provider '%s' not found", name)
	}
	return provider, nil
}

// Close closes every registered provider, keeping the first error.
func (r *Registry) Close() error {
	var firstErr error
	for _, provider := range r.List() {
		if err := provider.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
