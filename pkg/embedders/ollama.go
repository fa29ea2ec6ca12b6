package embedders

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/httpclient"
)

const defaultOllamaHost = "http://localhost:11434"

// Ollama's llama runner crashes on concurrent embedding requests, so all
// requests are serialized process-wide.
var ollamaEmbedMu sync.Mutex

// OllamaEmbedder calls a local Ollama instance.
type OllamaEmbedder struct {
	config     *config.EmbedderConfig
	httpClient *httpclient.Client
}

type ollamaEmbedRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
	Error     string    `json:"error,omitempty"`
}

func NewOllamaEmbedder(cfg *config.EmbedderConfig) (*OllamaEmbedder, error) {
	return &OllamaEmbedder{
		config: cfg,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
		),
	}, nil
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	ollamaEmbedMu.Lock()
	defer ollamaEmbedMu.Unlock()

	requestBody, err := json.Marshal(ollamaEmbedRequest{
		Model:  e.config.Model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		e.host()+"/api/embeddings", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("ollama request failed: %w", err)
	}

	var response ollamaEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&response); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if response.Error != "" {
		return nil, fmt.Errorf("ollama API error: %s", response.Error)
	}
	if len(response.Embedding) == 0 {
		return nil, fmt.Errorf("received empty embedding from ollama")
	}
	return response.Embedding, nil
}

// EmbedBatch embeds one text at a time; the embeddings endpoint takes a
// single prompt.
func (e *OllamaEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vector, err := e.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vector)
	}
	return out, nil
}

func (e *OllamaEmbedder) Dimension() int {
	return e.config.Dimension
}

func (e *OllamaEmbedder) ModelName() string {
	return e.config.Model
}

func (e *OllamaEmbedder) Close() error {
	return nil
}

func (e *OllamaEmbedder) host() string {
	if e.config.Host != "" {
		return e.config.Host
	}
	return defaultOllamaHost
}
