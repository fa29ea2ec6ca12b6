package vectordb

import (
	"context"
	"fmt"
	"sync"

	"github.com/pinecone-io/go-pinecone/pinecone"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/kadirpekel/geoassist/pkg/config"
)

// PineconeProvider maps collections to namespaces inside one pinecone index.
// The index itself must exist; pinecone indexes are provisioned out of band.
type PineconeProvider struct {
	client    *pinecone.Client
	indexName string

	mu        sync.Mutex
	indexHost string
	conns     map[string]*pinecone.IndexConnection
}

func NewPineconeProvider(cfg *config.VectorStoreConfig) (*PineconeProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("pinecone API key is required")
	}
	if cfg.Index == "" {
		return nil, fmt.Errorf("pinecone index name is required")
	}

	client, err := pinecone.NewClient(pinecone.NewClientParams{ApiKey: cfg.APIKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create pinecone client: %w", err)
	}

	return &PineconeProvider{
		client:    client,
		indexName: cfg.Index,
		conns:     make(map[string]*pinecone.IndexConnection),
	}, nil
}

// connection returns a cached per-namespace index connection.
func (p *PineconeProvider) connection(ctx context.Context, namespace string) (*pinecone.IndexConnection, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if conn, ok := p.conns[namespace]; ok {
		return conn, nil
	}

	if p.indexHost == "" {
		idx, err := p.client.DescribeIndex(ctx, p.indexName)
		if err != nil {
			return nil, fmt.Errorf("failed to describe index %q: %w", p.indexName, err)
		}
		p.indexHost = idx.Host
	}

	conn, err := p.client.Index(pinecone.NewIndexConnParams{
		Host:      p.indexHost,
		Namespace: namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to index: %w", err)
	}
	p.conns[namespace] = conn
	return conn, nil
}

func (p *PineconeProvider) Upsert(ctx context.Context, collection, id string, vector []float32, metadata map[string]any) error {
	conn, err := p.connection(ctx, collection)
	if err != nil {
		return err
	}

	var pcMetadata *pinecone.Metadata
	if len(metadata) > 0 {
		pcMetadata, err = structpb.NewStruct(metadata)
		if err != nil {
			return fmt.Errorf("failed to convert metadata: %w", err)
		}
	}

	_, err = conn.UpsertVectors(ctx, []*pinecone.Vector{{
		Id:       id,
		Values:   vector,
		Metadata: pcMetadata,
	}})
	if err != nil {
		return fmt.Errorf("failed to upsert vector: %w", err)
	}
	return nil
}

func (p *PineconeProvider) Search(ctx context.Context, collection string, vector []float32, topK int) ([]Result, error) {
	conn, err := p.connection(ctx, collection)
	if err != nil {
		return nil, err
	}

	resp, err := conn.QueryByVectorValues(ctx, &pinecone.QueryByVectorValuesRequest{
		Vector:          vector,
		TopK:            uint32(topK),
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	out := make([]Result, 0, len(resp.Matches))
	for _, match := range resp.Matches {
		if match == nil || match.Vector == nil {
			continue
		}
		var metadata map[string]any
		if match.Vector.Metadata != nil {
			metadata = match.Vector.Metadata.AsMap()
		}
		out = append(out, Result{
			ID:       match.Vector.Id,
			Score:    match.Score,
			Metadata: metadata,
		})
	}
	return out, nil
}

func (p *PineconeProvider) Count(ctx context.Context, collection string) (int, error) {
	conn, err := p.connection(ctx, collection)
	if err != nil {
		return 0, err
	}

	stats, err := conn.DescribeIndexStats(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to describe index stats: %w", err)
	}
	if summary, ok := stats.Namespaces[collection]; ok && summary != nil {
		return int(summary.VectorCount), nil
	}
	return 0, nil
}

// DeleteCollection clears the namespace. Pinecone keeps empty namespaces
// around; that's indistinguishable from a fresh one for our purposes.
func (p *PineconeProvider) DeleteCollection(ctx context.Context, collection string) error {
	conn, err := p.connection(ctx, collection)
	if err != nil {
		return err
	}
	if err := conn.DeleteAllVectorsInNamespace(ctx); err != nil {
		return fmt.Errorf("failed to clear namespace: %w", err)
	}
	return nil
}

func (p *PineconeProvider) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	var firstErr error
	for _, conn := range p.conns {
		if err := conn.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	p.conns = make(map[string]*pinecone.IndexConnection)
	return firstErr
}

var _ Provider = (*PineconeProvider)(nil)
