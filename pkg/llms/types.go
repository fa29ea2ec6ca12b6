// Package llms provides the LLM provider abstraction and implementations
// for OpenAI, Anthropic, and Gemini.
package llms

import "context"

// Role identifies who authored a message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// Message is a single turn in a conversation. Tool result messages carry
// the ToolCallID they answer; assistant messages may carry proposed calls.
type Message struct {
	Role       Role        `json:"role"`
	Content    string      `json:"content"`
	ToolCalls  []*ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string      `json:"tool_call_id,omitempty"`
	ToolName   string      `json:"tool_name,omitempty"`
}

// ToolCall is a provider-proposed invocation of a registered tool.
type ToolCall struct {
	ID   string                 `json:"id"`
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// ToolDefinition describes a callable tool in provider-neutral form.
// Parameters holds a JSON schema object.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

// StructuredOutputConfig constrains a generation to a schema. Schema holds
// a JSON schema object; Prefill seeds the assistant turn for providers
// that steer by prefilling.
type StructuredOutputConfig struct {
	Name    string                 `json:"name,omitempty"`
	Schema  map[string]interface{} `json:"schema,omitempty"`
	Prefill string                 `json:"prefill,omitempty"`
}

// Usage reports token consumption for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Provider is a chat completion backend. Generate runs a free-form turn
// with optional tools; GenerateStructured constrains the reply to a JSON
// schema and returns the raw JSON text.
type Provider interface {
	Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []*ToolCall, int, error)
	GenerateStructured(ctx context.Context, messages []Message, structConfig *StructuredOutputConfig) (string, int, error)
	ModelName() string
	Close() error
}
