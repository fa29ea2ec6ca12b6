// Package vectordb abstracts the vector index backends behind the document
// stores: chromem (embedded, zero-config), qdrant and pinecone.
package vectordb

import (
	"context"
	"fmt"
	"math"

	"github.com/kadirpekel/geoassist/pkg/config"
)

// Result is one similarity hit.
type Result struct {
	ID       string         `json:"id"`
	Score    float32        `json:"score"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Provider stores and searches pre-computed vectors. Embedding happens in
// the embedders package; providers never see raw text beyond metadata.
type Provider interface {
	// Upsert inserts or replaces one vector. Creating the collection on
	// first write is the provider's job.
	Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error
	// Search returns up to topK nearest vectors by cosine similarity.
	Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error)
	// Count reports how many vectors the collection holds. Missing
	// collections count as zero.
	Count(ctx context.Context, collection string) (int, error)
	// DeleteCollection removes the collection and all its vectors.
	DeleteCollection(ctx context.Context, collection string) error
	Close() error
}

// New creates a provider of the configured type. persistPath is only used
// by chromem, which stores its files there.
func New(cfg *config.VectorStoreConfig, persistPath string) (Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("vector store config cannot be nil")
	}

	switch cfg.Type {
	case "chromem":
		return NewChromemProvider(persistPath, cfg.Compress)
	case "qdrant":
		return NewQdrantProvider(cfg)
	case "pinecone":
		return NewPineconeProvider(cfg)
	default:
		return nil, fmt.Errorf("unsupported vector store type: %s", cfg.Type)
	}
}

// Normalize returns the L2-normalised copy of v. Zero vectors pass through
// unchanged so cosine backends don't divide by zero.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}
	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
