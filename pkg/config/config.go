// Package config defines the YAML configuration surface and its loading
// rules: file -> env expansion -> defaults -> validation.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of the geoassist configuration file.
type Config struct {
	Server        ServerConfig        `yaml:"server,omitempty"`
	Database      DatabaseConfig      `yaml:"database,omitempty"`
	Tileserv      TileservConfig      `yaml:"tileserv,omitempty"`
	Map           MapConfig           `yaml:"map,omitempty"`
	LLM           LLMProviderConfig   `yaml:"llm,omitempty"`
	Embedder      EmbedderConfig      `yaml:"embedder,omitempty"`
	VectorStore   VectorStoreConfig   `yaml:"vector_store,omitempty"`
	Stores        StoresConfig        `yaml:"stores,omitempty"`
	SQL           SQLConfig           `yaml:"sql,omitempty"`
	Agent         AgentConfig         `yaml:"agent,omitempty"`
	Tools         ToolsConfig         `yaml:"tools,omitempty"`
	Logging       LoggingConfig       `yaml:"logging,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// Load reads, expands, defaults, and validates a configuration file.
// An empty path yields the built-in defaults.
func Load(path string) (*Config, error) {
	if err := LoadEnvFiles(); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}

		var raw map[string]interface{}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
		}
		expanded := ExpandEnvVarsInData(raw)

		// Round-trip through YAML so expanded values land in typed fields.
		buf, err := yaml.Marshal(expanded)
		if err != nil {
			return nil, fmt.Errorf("failed to re-encode config: %w", err)
		}
		if err := yaml.Unmarshal(buf, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config %s: %w", path, err)
		}
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) SetDefaults() {
	c.Server.SetDefaults()
	c.Database.SetDefaults()
	c.Tileserv.SetDefaults()
	c.Map.SetDefaults()
	c.LLM.SetDefaults()
	c.Embedder.SetDefaults()
	c.VectorStore.SetDefaults()
	c.Stores.SetDefaults()
	c.SQL.SetDefaults()
	c.Agent.SetDefaults()
	c.Logging.SetDefaults()
	c.Observability.SetDefaults()
}

func (c *Config) Validate() error {
	validators := []struct {
		name string
		fn   func() error
	}{
		{"server", c.Server.Validate},
		{"database", c.Database.Validate},
		{"tileserv", c.Tileserv.Validate},
		{"map", c.Map.Validate},
		{"llm", c.LLM.Validate},
		{"embedder", c.Embedder.Validate},
		{"vector_store", c.VectorStore.Validate},
		{"stores", c.Stores.Validate},
		{"agent", c.Agent.Validate},
		{"tools", c.Tools.Validate},
	}
	for _, v := range validators {
		if err := v.fn(); err != nil {
			return fmt.Errorf("config section %q: %w", v.name, err)
		}
	}
	return nil
}

// ServerConfig configures the HTTP/WebSocket front end.
type ServerConfig struct {
	Host         string     `yaml:"host,omitempty"`
	Port         int        `yaml:"port,omitempty"`
	CORSOrigins  []string   `yaml:"cors_origins,omitempty"`
	WriteTimeout Duration   `yaml:"write_timeout,omitempty"`
	Auth         AuthConfig `yaml:"auth,omitempty"`
}

func (c *ServerConfig) SetDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8000
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = Seconds(10)
	}
}

func (c *ServerConfig) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	return c.Auth.Validate()
}

// Address returns the host:port to bind.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// AuthConfig enables bearer-token validation on the API.
type AuthConfig struct {
	Enabled  bool   `yaml:"enabled,omitempty"`
	JWKSURL  string `yaml:"jwks_url,omitempty"`
	Issuer   string `yaml:"issuer,omitempty"`
	Audience string `yaml:"audience,omitempty"`
}

func (c *AuthConfig) Validate() error {
	if c.Enabled && c.JWKSURL == "" {
		return fmt.Errorf("auth enabled but jwks_url is empty")
	}
	return nil
}

// TileservConfig points at the vector-tile server the registry discovers
// tables from.
type TileservConfig struct {
	URL     string   `yaml:"url,omitempty"`
	Timeout Duration `yaml:"timeout,omitempty"`
}

func (c *TileservConfig) SetDefaults() {
	if c.URL == "" {
		c.URL = "http://127.0.0.1:7800"
	}
	if c.Timeout == 0 {
		c.Timeout = Seconds(15)
	}
}

func (c *TileservConfig) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("url is required")
	}
	return nil
}

// MapConfig fixes the spatial conventions every SQL template assumes.
type MapConfig struct {
	SRID           int    `yaml:"srid,omitempty"`
	GeometryColumn string `yaml:"geometry_column,omitempty"`
	DefaultTable   string `yaml:"default_table,omitempty"`
}

func (c *MapConfig) SetDefaults() {
	if c.SRID == 0 {
		c.SRID = 3857
	}
	if c.GeometryColumn == "" {
		c.GeometryColumn = "geometry"
	}
}

func (c *MapConfig) Validate() error {
	if c.SRID <= 0 {
		return fmt.Errorf("srid must be positive")
	}
	return nil
}

// StoresConfig locates the versioned document stores.
type StoresConfig struct {
	Root              string `yaml:"root,omitempty"`
	FieldDefsVersion  string `yaml:"field_defs_version,omitempty"`
	InfoVersion       string `yaml:"info_version,omitempty"`
	SmartSearch       bool   `yaml:"smart_search,omitempty"`
	FieldTopK         int    `yaml:"field_top_k,omitempty"`
	AnalysisFieldTopK int    `yaml:"analysis_field_top_k,omitempty"`
	InfoTopK          int    `yaml:"info_top_k,omitempty"`
	AnalysisInfoTopK  int    `yaml:"analysis_info_top_k,omitempty"`
}

func (c *StoresConfig) SetDefaults() {
	if c.Root == "" {
		c.Root = "./stores"
	}
	if c.FieldDefsVersion == "" {
		c.FieldDefsVersion = "v1"
	}
	if c.InfoVersion == "" {
		c.InfoVersion = "v1"
	}
	if c.FieldTopK == 0 {
		c.FieldTopK = 5
	}
	if c.AnalysisFieldTopK == 0 {
		c.AnalysisFieldTopK = 15
	}
	if c.InfoTopK == 0 {
		c.InfoTopK = 3
	}
	if c.AnalysisInfoTopK == 0 {
		c.AnalysisInfoTopK = 10
	}
}

func (c *StoresConfig) Validate() error {
	if c.Root == "" {
		return fmt.Errorf("root is required")
	}
	return nil
}

// SQLConfig controls the template SQL runner.
type SQLConfig struct {
	// TemplatesDir overlays the embedded templates; templates found here
	// shadow same-named embedded ones.
	TemplatesDir string `yaml:"templates_dir,omitempty"`
	// Watch reloads the overlay directory on file changes.
	Watch bool `yaml:"watch,omitempty"`
}

func (c *SQLConfig) SetDefaults() {}

// AgentConfig tunes the conversational kernel.
type AgentConfig struct {
	// HistoryTokenBudget bounds the transcript window handed to the LLM.
	// Negative is invalid; zero selects the default.
	HistoryTokenBudget int `yaml:"history_token_budget,omitempty"`
	// PromptsDir overlays the embedded prompt templates.
	PromptsDir string `yaml:"prompts_dir,omitempty"`
}

func (c *AgentConfig) SetDefaults() {
	if c.HistoryTokenBudget == 0 {
		c.HistoryTokenBudget = 24000
	}
}

func (c *AgentConfig) Validate() error {
	if c.HistoryTokenBudget < 0 {
		return fmt.Errorf("history_token_budget cannot be negative")
	}
	return nil
}

// ToolsConfig attaches external MCP toolsets to the agent.
type ToolsConfig struct {
	MCPServers []MCPServerConfig `yaml:"mcp_servers,omitempty"`
}

func (c *ToolsConfig) Validate() error {
	seen := map[string]bool{}
	for i := range c.MCPServers {
		s := &c.MCPServers[i]
		if err := s.Validate(); err != nil {
			return fmt.Errorf("mcp_servers[%d]: %w", i, err)
		}
		if seen[s.Name] {
			return fmt.Errorf("duplicate mcp server name %q", s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// MCPServerConfig describes one MCP server connection. A URL selects the
// streamable-HTTP transport; a command selects stdio.
type MCPServerConfig struct {
	Name string `yaml:"name"`
	// URL of a streamable-HTTP MCP endpoint.
	URL     string            `yaml:"url,omitempty"`
	Headers map[string]string `yaml:"headers,omitempty"`
	// Command starts a stdio MCP server as a subprocess.
	Command string            `yaml:"command,omitempty"`
	Args    []string          `yaml:"args,omitempty"`
	Env     map[string]string `yaml:"env,omitempty"`
	// IncludeTools whitelists tool names; empty means all.
	IncludeTools []string `yaml:"include_tools,omitempty"`
}

func (c *MCPServerConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name is required")
	}
	if c.URL == "" && c.Command == "" {
		return fmt.Errorf("either url or command is required")
	}
	return nil
}

// LoggingConfig selects level and output format.
type LoggingConfig struct {
	Level  string `yaml:"level,omitempty"`
	Format string `yaml:"format,omitempty"`
}

func (c *LoggingConfig) SetDefaults() {
	if c.Level == "" {
		c.Level = "info"
	}
	if c.Format == "" {
		c.Format = "auto"
	}
}

// ObservabilityConfig wires tracing and metrics.
type ObservabilityConfig struct {
	Tracing TracingConfig `yaml:"tracing,omitempty"`
	Metrics MetricsConfig `yaml:"metrics,omitempty"`
}

func (c *ObservabilityConfig) SetDefaults() {
	c.Tracing.SetDefaults()
	c.Metrics.SetDefaults()
}

// TracingConfig configures the OpenTelemetry exporter.
type TracingConfig struct {
	Enabled      bool    `yaml:"enabled,omitempty"`
	Exporter     string  `yaml:"exporter,omitempty"` // otlp | stdout
	Endpoint     string  `yaml:"endpoint,omitempty"`
	SamplingRate float64 `yaml:"sampling_rate,omitempty"`
	Insecure     *bool   `yaml:"insecure,omitempty"`
	ServiceName  string  `yaml:"service_name,omitempty"`
}

func (c *TracingConfig) SetDefaults() {
	if c.Exporter == "" {
		c.Exporter = "otlp"
	}
	if c.Endpoint == "" {
		c.Endpoint = "localhost:4317"
	}
	if c.SamplingRate == 0 {
		c.SamplingRate = 1.0
	}
	if c.ServiceName == "" {
		c.ServiceName = "geoassist"
	}
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Path    string `yaml:"path,omitempty"`
}

func (c *MetricsConfig) SetDefaults() {
	if c.Enabled == nil {
		c.Enabled = BoolPtr(true)
	}
	if c.Path == "" {
		c.Path = "/metrics"
	}
}
