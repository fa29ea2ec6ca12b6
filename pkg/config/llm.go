package config

import (
	"fmt"
	"os"
)

// LLMProviderConfig selects and tunes the chat/parse model provider.
type LLMProviderConfig struct {
	// Type selects the provider implementation: openai | anthropic | gemini.
	Type string `yaml:"type,omitempty"`
	// Model handles conversational turns.
	Model string `yaml:"model,omitempty"`
	// ParsingModel handles structured parses (analysis plans, smart-query
	// term expansion). Falls back to Model when empty.
	ParsingModel string `yaml:"parsing_model,omitempty"`
	APIKey       string `yaml:"api_key,omitempty"`
	// Host overrides the provider's default API endpoint.
	Host        string   `yaml:"host,omitempty"`
	Temperature *float64 `yaml:"temperature,omitempty"`
	MaxTokens   int      `yaml:"max_tokens,omitempty"`
	Timeout     Duration `yaml:"timeout,omitempty"`
	MaxRetries  int      `yaml:"max_retries,omitempty"`
}

func (c *LLMProviderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		c.Model = "gpt-4o"
	}
	if c.ParsingModel == "" {
		c.ParsingModel = "o4-mini"
	}
	if c.APIKey == "" {
		c.APIKey = providerAPIKeyFromEnv(c.Type)
	}
	if c.Timeout == 0 {
		c.Timeout = Seconds(120)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.MaxTokens == 0 {
		c.MaxTokens = 4096
	}
}

func (c *LLMProviderConfig) Validate() error {
	switch c.Type {
	case "openai", "anthropic", "gemini":
	default:
		return fmt.Errorf("unsupported llm type %q (supported: openai, anthropic, gemini)", c.Type)
	}
	if c.Temperature != nil && (*c.Temperature < 0 || *c.Temperature > 2) {
		return fmt.Errorf("temperature must be within [0, 2]")
	}
	return nil
}

// ParsingModelName returns the structured-parse model, defaulting to Model.
func (c *LLMProviderConfig) ParsingModelName() string {
	if c.ParsingModel != "" {
		return c.ParsingModel
	}
	return c.Model
}

func providerAPIKeyFromEnv(providerType string) string {
	switch providerType {
	case "openai":
		return os.Getenv("OPENAI_API_KEY")
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "gemini":
		return os.Getenv("GEMINI_API_KEY")
	default:
		return ""
	}
}

// EmbedderConfig tunes the embedding provider used by the document stores.
type EmbedderConfig struct {
	Type      string   `yaml:"type,omitempty"`
	Model     string   `yaml:"model,omitempty"`
	APIKey    string   `yaml:"api_key,omitempty"`
	Host      string   `yaml:"host,omitempty"`
	Dimension int      `yaml:"dimension,omitempty"`
	BatchSize int      `yaml:"batch_size,omitempty"`
	Timeout   Duration `yaml:"timeout,omitempty"`
	// MaxRetries bounds retry attempts per embedding request.
	MaxRetries int `yaml:"max_retries,omitempty"`
}

func (c *EmbedderConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "openai"
	}
	if c.Model == "" {
		c.Model = "text-embedding-3-small"
	}
	if c.APIKey == "" {
		c.APIKey = providerAPIKeyFromEnv(c.Type)
	}
	if c.Dimension == 0 {
		switch c.Model {
		case "text-embedding-3-large":
			c.Dimension = 3072
		default:
			c.Dimension = 1536
		}
	}
	if c.BatchSize == 0 {
		c.BatchSize = 100
	}
	if c.Timeout == 0 {
		c.Timeout = Seconds(30)
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
}

func (c *EmbedderConfig) Validate() error {
	if c.Type != "openai" {
		return fmt.Errorf("unsupported embedder type %q (supported: openai)", c.Type)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("dimension must be positive")
	}
	return nil
}

// VectorStoreConfig selects the vector index backend behind the document
// stores. chromem persists inside each store's version directory; qdrant
// and pinecone map a store version to a remote collection/index.
type VectorStoreConfig struct {
	Type string `yaml:"type,omitempty"` // chromem | qdrant | pinecone
	// Host/Port address a qdrant instance.
	Host string `yaml:"host,omitempty"`
	Port int    `yaml:"port,omitempty"`
	// APIKey authenticates qdrant cloud or pinecone.
	APIKey string `yaml:"api_key,omitempty"`
	UseTLS bool   `yaml:"use_tls,omitempty"`
	// Index names the pinecone index; store collections map to namespaces
	// inside it.
	Index string `yaml:"index,omitempty"`
	// Compress gzips chromem persistence files.
	Compress bool `yaml:"compress,omitempty"`
}

func (c *VectorStoreConfig) SetDefaults() {
	if c.Type == "" {
		c.Type = "chromem"
	}
	if c.Host == "" {
		c.Host = "localhost"
	}
	if c.Port == 0 {
		c.Port = 6334
	}
}

func (c *VectorStoreConfig) Validate() error {
	switch c.Type {
	case "chromem", "qdrant", "pinecone":
	default:
		return fmt.Errorf("unsupported vector store type %q (supported: chromem, qdrant, pinecone)", c.Type)
	}
	if c.Type == "pinecone" {
		if c.APIKey == "" {
			return fmt.Errorf("pinecone requires api_key")
		}
		if c.Index == "" {
			return fmt.Errorf("pinecone requires index")
		}
	}
	return nil
}
