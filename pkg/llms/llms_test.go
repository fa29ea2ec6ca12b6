package llms

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/geoassist/pkg/config"
)

func testLLMConfig(host string) *config.LLMProviderConfig {
	return &config.LLMProviderConfig{
		Type:       "openai",
		Model:      "gpt-4o",
		APIKey:     "test-key",
		Host:       host,
		MaxTokens:  256,
		Timeout:    config.Seconds(5),
		MaxRetries: 1,
	}
}

func TestOpenAIProvider_Generate(t *testing.T) {
	var captured openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		resp := openAIResponse{
			Choices: []openAIChoice{{
				Message: openAIMessage{
					Role:    "assistant",
					Content: "checking the parcels now",
					ToolCalls: []openAIToolCall{{
						ID:   "call_1",
						Type: "function",
						Function: openAIFunctionCall{
							Name:      "add_map_layer",
							Arguments: `{"table":"parcels"}`,
						},
					}},
				},
			}},
			Usage: Usage{TotalTokens: 42},
		}
		w.Header().Set("Content-Type", "application/json")
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(testLLMConfig(server.URL), "")
	require.NoError(t, err)

	tools := []ToolDefinition{{
		Name:        "add_map_layer",
		Description: "Add a layer to the map",
		Parameters:  map[string]interface{}{"type": "object"},
	}}
	messages := []Message{
		{Role: RoleSystem, Content: "You are a GIS assistant."},
		{Role: RoleUser, Content: "show parcels"},
	}

	text, toolCalls, tokens, err := provider.Generate(context.Background(), messages, tools)
	require.NoError(t, err)
	assert.Equal(t, "checking the parcels now", text)
	assert.Equal(t, 42, tokens)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "add_map_layer", toolCalls[0].Name)
	assert.Equal(t, "parcels", toolCalls[0].Args["table"])

	assert.Equal(t, "gpt-4o", captured.Model)
	assert.Equal(t, "auto", captured.ToolChoice)
	require.Len(t, captured.Messages, 2)
	assert.Equal(t, "system", captured.Messages[0].Role)
	require.NotNil(t, captured.MaxTokens)
	assert.Equal(t, 256, *captured.MaxTokens)
	assert.Nil(t, captured.MaxCompletionTokens)
}

func TestOpenAIProvider_ReasoningModelUsesCompletionTokens(t *testing.T) {
	var captured openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		resp := openAIResponse{
			Choices: []openAIChoice{{Message: openAIMessage{Role: "assistant", Content: "ok"}}},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(testLLMConfig(server.URL), "o4-mini")
	require.NoError(t, err)

	_, _, _, err = provider.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.NoError(t, err)

	assert.Nil(t, captured.MaxTokens)
	require.NotNil(t, captured.MaxCompletionTokens)
	assert.Equal(t, 256, *captured.MaxCompletionTokens)
	assert.Equal(t, 1.0, captured.Temperature)
}

func TestOpenAIProvider_GenerateStructured(t *testing.T) {
	var captured openAIRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		resp := openAIResponse{
			Choices: []openAIChoice{{Message: openAIMessage{Role: "assistant", Content: `{"steps":[]}`}}},
			Usage:   Usage{TotalTokens: 7},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	provider, err := NewOpenAIProvider(testLLMConfig(server.URL), "")
	require.NoError(t, err)

	schema := map[string]interface{}{
		"type":       "object",
		"properties": map[string]interface{}{"steps": map[string]interface{}{"type": "array"}},
	}
	text, tokens, err := provider.GenerateStructured(context.Background(),
		[]Message{{Role: RoleUser, Content: "plan"}},
		&StructuredOutputConfig{Name: "analysis_plan", Schema: schema})
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":[]}`, text)
	assert.Equal(t, 7, tokens)

	require.NotNil(t, captured.ResponseFormat)
	assert.Equal(t, "json_schema", captured.ResponseFormat.Type)
	require.NotNil(t, captured.ResponseFormat.JSONSchema)
	assert.Equal(t, "analysis_plan", captured.ResponseFormat.JSONSchema.Name)
	assert.True(t, captured.ResponseFormat.JSONSchema.Strict)
}

func TestIsReasoningModel(t *testing.T) {
	tests := []struct {
		model string
		want  bool
	}{
		{"o1", true},
		{"o3-mini", true},
		{"o4-mini", true},
		{"gpt-5", true},
		{"gpt-5-turbo", true},
		{"gpt-4o", false},
		{"gpt-4o-mini", false},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.Equal(t, tt.want, isReasoningModel(tt.model))
		})
	}
}

func TestAnthropicProvider_Generate(t *testing.T) {
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "test-key", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicAPIVersion, r.Header.Get("anthropic-version"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		resp := anthropicResponse{
			Content: []anthropicBlock{
				{Type: "text", Text: "looking that up"},
				{Type: "tool_use", ID: "toolu_1", Name: "run_analysis", Input: map[string]interface{}{"query": "buffer wetlands"}},
			},
			StopReason: "tool_use",
			Usage:      anthropicUsage{InputTokens: 10, OutputTokens: 5},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	cfg := testLLMConfig(server.URL)
	cfg.Type = "anthropic"
	provider, err := NewAnthropicProvider(cfg, "claude-sonnet-4-20250514")
	require.NoError(t, err)

	messages := []Message{
		{Role: RoleSystem, Content: "You are a GIS assistant."},
		{Role: RoleUser, Content: "buffer the wetlands"},
		{Role: RoleAssistant, Content: "", ToolCalls: []*ToolCall{{ID: "toolu_0", Name: "lookup", Args: map[string]interface{}{"q": "wetlands"}}}},
		{Role: RoleTool, ToolCallID: "toolu_0", ToolName: "lookup", Content: "found 3 tables"},
	}
	text, toolCalls, tokens, err := provider.Generate(context.Background(), messages,
		[]ToolDefinition{{Name: "run_analysis", Parameters: map[string]interface{}{"type": "object"}}})
	require.NoError(t, err)
	assert.Equal(t, "looking that up", text)
	assert.Equal(t, 15, tokens)
	require.Len(t, toolCalls, 1)
	assert.Equal(t, "run_analysis", toolCalls[0].Name)
	assert.Equal(t, "buffer wetlands", toolCalls[0].Args["query"])

	// System prompt moves to the top-level field.
	assert.Equal(t, "You are a GIS assistant.", captured.System)
	require.Len(t, captured.Messages, 3)
	assert.Equal(t, "user", captured.Messages[0].Role)
	assert.Equal(t, "assistant", captured.Messages[1].Role)
	require.Len(t, captured.Messages[1].Content, 1)
	assert.Equal(t, "tool_use", captured.Messages[1].Content[0].Type)
	// Tool results ride back as user-role tool_result blocks.
	assert.Equal(t, "user", captured.Messages[2].Role)
	require.Len(t, captured.Messages[2].Content, 1)
	assert.Equal(t, "tool_result", captured.Messages[2].Content[0].Type)
	assert.Equal(t, "toolu_0", captured.Messages[2].Content[0].ToolUseID)
}

func TestAnthropicProvider_GenerateStructuredForcesTool(t *testing.T) {
	var captured anthropicRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		resp := anthropicResponse{
			Content: []anthropicBlock{{
				Type:  "tool_use",
				ID:    "toolu_9",
				Name:  "analysis_plan",
				Input: map[string]interface{}{"steps": []interface{}{}},
			}},
			StopReason: "tool_use",
			Usage:      anthropicUsage{InputTokens: 3, OutputTokens: 4},
		}
		require.NoError(t, json.NewEncoder(w).Encode(resp))
	}))
	defer server.Close()

	cfg := testLLMConfig(server.URL)
	cfg.Type = "anthropic"
	provider, err := NewAnthropicProvider(cfg, "claude-sonnet-4-20250514")
	require.NoError(t, err)

	text, tokens, err := provider.GenerateStructured(context.Background(),
		[]Message{{Role: RoleUser, Content: "plan"}},
		&StructuredOutputConfig{
			Name:   "analysis_plan",
			Schema: map[string]interface{}{"type": "object"},
		})
	require.NoError(t, err)
	assert.JSONEq(t, `{"steps":[]}`, text)
	assert.Equal(t, 7, tokens)

	require.Len(t, captured.Tools, 1)
	assert.Equal(t, "analysis_plan", captured.Tools[0].Name)
	require.NotNil(t, captured.ToolChoice)
	assert.Equal(t, "tool", captured.ToolChoice.Type)
	assert.Equal(t, "analysis_plan", captured.ToolChoice.Name)
}

func TestAnthropicProvider_APIError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"type":"error","error":{"type":"invalid_request_error","message":"max_tokens required"}}`))
	}))
	defer server.Close()

	cfg := testLLMConfig(server.URL)
	cfg.Type = "anthropic"
	provider, err := NewAnthropicProvider(cfg, "")
	require.NoError(t, err)

	_, _, _, err = provider.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_tokens required")
}

func TestToGenaiSchema(t *testing.T) {
	schema := map[string]interface{}{
		"type":        "object",
		"description": "one analysis step",
		"properties": map[string]interface{}{
			"step": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"filter", "buffer"},
			},
			"distance": map[string]interface{}{"type": "number"},
			"sources": map[string]interface{}{
				"type":  "array",
				"items": map[string]interface{}{"type": "integer"},
			},
		},
		"required": []interface{}{"step"},
	}

	got := toGenaiSchema(schema)
	require.NotNil(t, got)
	assert.Equal(t, "OBJECT", string(got.Type))
	assert.Equal(t, "one analysis step", got.Description)
	assert.Equal(t, []string{"step"}, got.Required)
	require.Contains(t, got.Properties, "step")
	assert.Equal(t, "STRING", string(got.Properties["step"].Type))
	assert.Equal(t, []string{"filter", "buffer"}, got.Properties["step"].Enum)
	require.Contains(t, got.Properties, "sources")
	require.NotNil(t, got.Properties["sources"].Items)
	assert.Equal(t, "INTEGER", string(got.Properties["sources"].Items.Type))

	assert.Nil(t, toGenaiSchema(nil))
}

func TestNew_UnsupportedType(t *testing.T) {
	_, err := New(&config.LLMProviderConfig{Type: "llama-local"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported LLM type")
}

func TestRegistry_CreateAndGet(t *testing.T) {
	r := NewRegistry()

	cfg := testLLMConfig("http://localhost:0")
	chat, err := r.CreateFromConfig("chat", cfg, cfg.Model)
	require.NoError(t, err)
	require.NotNil(t, chat)
	assert.Equal(t, "gpt-4o", chat.ModelName())

	parsing, err := r.CreateFromConfig("parsing", cfg, "o4-mini")
	require.NoError(t, err)
	assert.Equal(t, "o4-mini", parsing.ModelName())

	got, err := r.GetProvider("chat")
	require.NoError(t, err)
	assert.Same(t, chat, got)

	_, err = r.GetProvider("missing")
	assert.Error(t, err)

	// Duplicate names are rejected.
	_, err = r.CreateFromConfig("chat", cfg, "")
	assert.Error(t, err)

	assert.NoError(t, r.Close())
}
