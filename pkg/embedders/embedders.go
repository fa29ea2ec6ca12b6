// Package embedders turns text into vectors for the document stores.
package embedders

import (
	"context"
	"fmt"

	"github.com/kadirpekel/geoassist/pkg/config"
)

// Embedder produces fixed-dimension embeddings.
type Embedder interface {
	// Embed embeds a single query text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// EmbedBatch embeds document texts in API-sized batches, preserving order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Dimension returns the embedding dimension.
	Dimension() int
	// ModelName returns the embedding model identifier.
	ModelName() string
	Close() error
}

// New creates an embedder of the configured type.
func New(cfg *config.EmbedderConfig) (Embedder, error) {
	if cfg == nil {
		return nil, fmt.Errorf("embedder config cannot be nil")
	}

	switch cfg.Type {
	case "openai":
		return NewOpenAIEmbedder(cfg)
	case "ollama":
		return NewOllamaEmbedder(cfg)
	case "cohere":
		return NewCohereEmbedder(cfg)
	default:
		return nil, fmt.Errorf("unsupported embedder type: %s", cfg.Type)
	}
}
