package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/httpclient"
)

const (
	defaultCohereHost = "https://api.cohere.ai/v1"
	// Cohere caps embed requests at 96 texts.
	cohereMaxBatch = 96
)

// CohereEmbedder calls the Cohere embed API.
type CohereEmbedder struct {
	config     *config.EmbedderConfig
	httpClient *httpclient.Client
}

type cohereEmbedRequest struct {
	Texts []string `json:"texts"`
	Model string   `json:"model,omitempty"`
	// InputType distinguishes stored documents from search queries; v3
	// models require it.
	InputType string `json:"input_type,omitempty"`
}

type cohereEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
	Message    string      `json:"message,omitempty"`
}

func NewCohereEmbedder(cfg *config.EmbedderConfig) (*CohereEmbedder, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Cohere API key is required for embedder")
	}

	return &CohereEmbedder{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (e *CohereEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.embed(ctx, []string{text}, "search_query")
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

func (e *CohereEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	batchSize := e.config.BatchSize
	if batchSize <= 0 || batchSize > cohereMaxBatch {
		batchSize = cohereMaxBatch
	}

	out := make([][]float32, 0, len(texts))
	for start := 0; start < len(texts); start += batchSize {
		end := start + batchSize
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embed(ctx, texts[start:end], "search_document")
		if err != nil {
			return nil, fmt.Errorf("embedding batch %d-%d: %w", start, end, err)
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *CohereEmbedder) Dimension() int {
	return e.config.Dimension
}

func (e *CohereEmbedder) ModelName() string {
	return e.config.Model
}

func (e *CohereEmbedder) Close() error {
	return nil
}

func (e *CohereEmbedder) embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	requestBody, err := json.Marshal(cohereEmbedRequest{
		Texts:     texts,
		Model:     e.config.Model,
		InputType: inputType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.host()+"/embed", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.config.APIKey)

	resp, err := e.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("cohere request failed: %w", err)
	}

	var response cohereEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Message != "" {
		return nil, fmt.Errorf("cohere API error: %s", response.Message)
	}
	if len(response.Embeddings) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(response.Embeddings))
	}
	return response.Embeddings, nil
}

func (e *CohereEmbedder) host() string {
	if e.config.Host != "" {
		return e.config.Host
	}
	return defaultCohereHost
}
