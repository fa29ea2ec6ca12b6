package llms

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
	defaultAnthropicHost    = "https://api.anthropic.com"
	anthropicAPIVersion     = "2023-06-01"
	anthropicMessagesPath   = "/v1/messages"
	anthropicStructuredTool = "record_response"
)

// AnthropicProvider talks to the Anthropic messages API.
//
// Anthropic has no response_format parameter, so GenerateStructured forces a
// single tool whose input schema is the target schema and returns the tool
// input as the structured payload.
type AnthropicProvider struct {
	config     *config.LLMProviderConfig
	model      string
	httpClient *httpclient.Client
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature *float64           `json:"temperature,omitempty"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
	ToolChoice  *anthropicToolPick `json:"tool_choice,omitempty"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

// anthropicBlock is one content block. Type is text, tool_use or tool_result.
type anthropicBlock struct {
	Type      string                 `json:"type"`
	Text      string                 `json:"text,omitempty"`
	ID        string                 `json:"id,omitempty"`
	Name      string                 `json:"name,omitempty"`
	Input     map[string]interface{} `json:"input,omitempty"`
	ToolUseID string                 `json:"tool_use_id,omitempty"`
	Content   string                 `json:"content,omitempty"`
	IsError   bool                   `json:"is_error,omitempty"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicToolPick struct {
	Type string `json:"type"`
	Name string `json:"name,omitempty"`
}

type anthropicResponse struct {
	Content    []anthropicBlock `json:"content"`
	StopReason string           `json:"stop_reason"`
	Usage      anthropicUsage   `json:"usage"`
	Error      *anthropicError  `json:"error,omitempty"`
}

type anthropicUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

type anthropicError struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// NewAnthropicProvider builds a provider bound to one model name.
func NewAnthropicProvider(cfg *config.LLMProviderConfig, model string) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Anthropic API key is required")
	}
	if model == "" {
		model = cfg.Model
	}

	return &AnthropicProvider{
		config: cfg,
		model:  model,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.AnthropicRateLimitParser),
		),
	}, nil
}

func (p *AnthropicProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []*ToolCall, int, error) {
	request := p.buildRequest(messages)

	if len(tools) > 0 {
		request.Tools = make([]anthropicTool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = anthropicTool{
				Name:        tool.Name,
				Description: tool.Description,
				InputSchema: tool.Parameters,
			}
		}
		request.ToolChoice = &anthropicToolPick{Type: "auto"}
	}

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", nil, 0, err
	}
	return p.parseResponse(response)
}

func (p *AnthropicProvider) GenerateStructured(ctx context.Context, messages []Message, structConfig *StructuredOutputConfig) (string, int, error) {
	if structConfig == nil || structConfig.Schema == nil {
		text, _, tokens, err := p.Generate(ctx, messages, nil)
		return text, tokens, err
	}

	name := structConfig.Name
	if name == "" {
		name = anthropicStructuredTool
	}

	request := p.buildRequest(messages)
	request.Tools = []anthropicTool{{
		Name:        name,
		Description: "Record the response in the required format.",
		InputSchema: structConfig.Schema,
	}}
	request.ToolChoice = &anthropicToolPick{Type: "tool", Name: name}

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", 0, err
	}

	tokens := response.Usage.InputTokens + response.Usage.OutputTokens
	for _, block := range response.Content {
		if block.Type != "tool_use" {
			continue
		}
		payload, err := json.Marshal(block.Input)
		if err != nil {
			return "", tokens, fmt.Errorf("failed to encode structured output: %w", err)
		}
		return string(payload), tokens, nil
	}
	return "", tokens, fmt.Errorf("model returned no structured output (stop_reason %s)", response.StopReason)
}

func (p *AnthropicProvider) ModelName() string {
	return p.model
}

func (p *AnthropicProvider) Close() error {
	return nil
}

// buildRequest converts neutral messages to the Anthropic block format. The
// system prompt moves to a top-level field, assistant tool calls become
// tool_use blocks and tool results become user-role tool_result blocks.
func (p *AnthropicProvider) buildRequest(messages []Message) anthropicRequest {
	anthropicMessages := make([]anthropicMessage, 0, len(messages))
	system := ""

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if system != "" {
				system += "\n\n"
			}
			system += msg.Content

		case RoleAssistant:
			blocks := make([]anthropicBlock, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				input := tc.Args
				if input == nil {
					input = map[string]interface{}{}
				}
				blocks = append(blocks, anthropicBlock{
					Type:  "tool_use",
					ID:    tc.ID,
					Name:  tc.Name,
					Input: input,
				})
			}
			if len(blocks) == 0 {
				blocks = append(blocks, anthropicBlock{Type: "text", Text: ""})
			}
			anthropicMessages = append(anthropicMessages, anthropicMessage{Role: "assistant", Content: blocks})

		case RoleTool:
			anthropicMessages = append(anthropicMessages, anthropicMessage{
				Role: "user",
				Content: []anthropicBlock{{
					Type:      "tool_result",
					ToolUseID: msg.ToolCallID,
					Content:   msg.Content,
				}},
			})

		default:
			anthropicMessages = append(anthropicMessages, anthropicMessage{
				Role:    "user",
				Content: []anthropicBlock{{Type: "text", Text: msg.Content}},
			})
		}
	}

	maxTokens := p.config.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}

	return anthropicRequest{
		Model:       p.model,
		Messages:    anthropicMessages,
		System:      system,
		MaxTokens:   maxTokens,
		Temperature: p.config.Temperature,
	}
}

func (p *AnthropicProvider) parseResponse(response *anthropicResponse) (string, []*ToolCall, int, error) {
	if response.Error != nil {
		return "", nil, 0, fmt.Errorf("Anthropic API error: %s", response.Error.Message)
	}

	tokens := response.Usage.InputTokens + response.Usage.OutputTokens

	var text string
	var toolCalls []*ToolCall
	for _, block := range response.Content {
		switch block.Type {
		case "text":
			text += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, &ToolCall{
				ID:   block.ID,
				Name: block.Name,
				Args: block.Input,
			})
		}
	}

	return text, toolCalls, tokens, nil
}

func (p *AnthropicProvider) host() string {
	if p.config.Host != "" {
		return p.config.Host
	}
	return defaultAnthropicHost
}

func (p *AnthropicProvider) makeRequest(ctx context.Context, request anthropicRequest) (*anthropicResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.host()+anthropicMessagesPath, bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", p.config.APIKey)
	req.Header.Set("anthropic-version", anthropicAPIVersion)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		if resp != nil {
			if body, readErr := io.ReadAll(resp.Body); readErr == nil {
				if apiErr := parseAnthropicError(body); apiErr != nil {
					return nil, fmt.Errorf("Anthropic API error (HTTP %d): %s", resp.StatusCode, apiErr.Message)
				}
			}
		}
		return nil, fmt.Errorf("Anthropic API request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response anthropicResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse Anthropic response: %w", err)
	}

	return &response, nil
}

func parseAnthropicError(body []byte) *anthropicError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error anthropicError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}
