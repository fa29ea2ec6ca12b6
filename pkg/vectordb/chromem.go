package vectordb

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/philippgille/chromem-go"
)

// ChromemProvider is the embedded backend. It keeps vectors in memory and,
// when a persist path is set, mirrors them to disk so a store survives
// restarts without any external service.
type ChromemProvider struct {
	db          *chromem.DB
	persistPath string

	mu          sync.Mutex
	collections map[string]*chromem.Collection

	embeddingFunc chromem.EmbeddingFunc
}

func NewChromemProvider(persistPath string, compress bool) (*ChromemProvider, error) {
	var db *chromem.DB
	var err error

	if persistPath != "" {
		if err := os.MkdirAll(persistPath, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create persist directory: %w", err)
		}
		db, err = chromem.NewPersistentDB(persistPath, compress)
		if err != nil {
			return nil, fmt.Errorf("failed to open vector database: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	// Vectors arrive pre-computed; the embedding function must never run.
	identityEmbed := func(ctx context.Context, text string) ([]float32, error) {
		return nil, fmt.Errorf("embedding function called but vectors are pre-computed")
	}

	return &ChromemProvider{
		db:            db,
		persistPath:   persistPath,
		collections:   make(map[string]*chromem.Collection),
		embeddingFunc: identityEmbed,
	}, nil
}

func (p *ChromemProvider) getCollection(name string) (*chromem.Collection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if col, ok := p.collections[name]; ok {
		return col, nil
	}

	col, err := p.db.GetOrCreateCollection(name, nil, p.embeddingFunc)
	if err != nil {
		return nil, fmt.Errorf("failed to get/create collection %q: %w", name, err)
	}
	p.collections[name] = col
	return col, nil
}

func (p *ChromemProvider) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	col, err := p.getCollection(collection)
	if err != nil {
		return err
	}

	// chromem stores string metadata only.
	strMetadata := make(map[string]string, len(metadata))
	for k, v := range metadata {
		strMetadata[k] = fmt.Sprint(v)
	}

	content := ""
	if c, ok := metadata["content"].(string); ok {
		content = c
	}

	doc := chromem.Document{
		ID:        id,
		Content:   content,
		Metadata:  strMetadata,
		Embedding: vector,
	}
	if err := col.AddDocuments(ctx, []chromem.Document{doc}, runtime.NumCPU()); err != nil {
		return fmt.Errorf("failed to upsert document: %w", err)
	}
	return nil
}

func (p *ChromemProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return nil, err
	}

	// chromem rejects nResults above the collection size.
	if count := col.Count(); topK > count {
		topK = count
	}
	if topK <= 0 {
		return nil, nil
	}

	results, err := col.QueryEmbedding(ctx, vector, topK, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(results))
	for _, r := range results {
		metadata := make(map[string]any, len(r.Metadata))
		for k, v := range r.Metadata {
			metadata[k] = v
		}
		out = append(out, Result{
			ID:       r.ID,
			Score:    r.Similarity,
			Metadata: metadata,
		})
	}
	return out, nil
}

func (p *ChromemProvider) Count(ctx context.Context, collection string) (int, error) {
	col, err := p.getCollection(collection)
	if err != nil {
		return 0, err
	}
	return col.Count(), nil
}

func (p *ChromemProvider) DeleteCollection(ctx context.Context, collection string) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.db.DeleteCollection(collection); err != nil {
		return fmt.Errorf("failed to delete collection: %w", err)
	}
	delete(p.collections, collection)
	return nil
}

func (p *ChromemProvider) Close() error {
	return nil
}

var _ Provider = (*ChromemProvider)(nil)
