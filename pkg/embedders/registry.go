package embedders

import (
	"fmt"

	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/registry"
)

// Registry manages named embedder instances, one per document store.
type Registry struct {
	*registry.BaseRegistry[Embedder]
}

func NewRegistry() *Registry {
	return &Registry{BaseRegistry: registry.NewBaseRegistry[Embedder]()}
}

// CreateFromConfig builds, registers and returns an embedder.
func (r *Registry) CreateFromConfig(name string, cfg *config.EmbedderConfig) (Embedder, error) {
	if name == "" {
		return nil, fmt.Errorf("embedder name cannot be empty")
	}

	embedder, err := New(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create embedder: %w", err)
	}

	if err := r.Register(name, embedder); err != nil {
		_ = embedder.Close()
		return nil, fmt.Errorf("failed to register embedder: %w", err)
	}

	return embedder, nil
}

// GetEmbedder retrieves an embedder by name.
func (r *Registry) GetEmbedder(name string) (Embedder, error) {
	embedder, exists := r.Get(name)
	if !exists {
		return nil, fmt.Errorf("embedder '%s' not found", name)
	}
	return embedder, nil
}

// Close closes every registered embedder, keeping the first error.
func (r *Registry) Close() error {
	var firstErr error
	for _, embedder := range r.List() {
		if err := embedder.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
