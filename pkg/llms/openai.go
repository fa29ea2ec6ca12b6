package llms

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/httpclient"
)

const defaultOpenAIHost = "https://api.openai.com/v1"

// OpenAIProvider talks to the OpenAI chat completions API.
type OpenAIProvider struct {
	config     *config.LLMProviderConfig
	model      string
	httpClient *httpclient.Client
}

type openAIRequest struct {
	Model               string                `json:"model"`
	Messages            []openAIMessage       `json:"messages"`
	MaxTokens           *int                  `json:"max_tokens,omitempty"`
	MaxCompletionTokens *int                  `json:"max_completion_tokens,omitempty"`
	Temperature         float64               `json:"temperature"`
	Tools               []openAITool          `json:"tools,omitempty"`
	ToolChoice          string                `json:"tool_choice,omitempty"`
	ResponseFormat      *openAIResponseFormat `json:"response_format,omitempty"`
}

type openAIMessage struct {
	Role       string           `json:"role"`
	Content    string           `json:"content"`
	ToolCalls  []openAIToolCall `json:"tool_calls,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
}

type openAIResponse struct {
	Choices []openAIChoice `json:"choices"`
	Usage   Usage          `json:"usage"`
	Error   *openAIError   `json:"error,omitempty"`
}

type openAIChoice struct {
	Message      openAIMessage `json:"message"`
	FinishReason string        `json:"finish_reason"`
}

type openAIError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
	Code    string `json:"code"`
}

type openAIResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *openAIJSONSchema `json:"json_schema,omitempty"`
}

type openAIJSONSchema struct {
	Name   string                 `json:"name"`
	Schema map[string]interface{} `json:"schema"`
	Strict bool                   `json:"strict,omitempty"`
}

type openAITool struct {
	Type     string             `json:"type"`
	Function openAIToolFunction `json:"function"`
}

type openAIToolFunction struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	Parameters  map[string]interface{} `json:"parameters"`
}

type openAIToolCall struct {
	ID       string             `json:"id"`
	Type     string             `json:"type"`
	Function openAIFunctionCall `json:"function"`
}

type openAIFunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// NewOpenAIProvider builds a provider bound to one model name. Callers pass
// cfg.Model for the inference provider and cfg.ParsingModelName() for the
// structured-parse provider.
func NewOpenAIProvider(cfg *config.LLMProviderConfig, model string) (*OpenAIProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}
	if model == "" {
		model = cfg.Model
	}

	return &OpenAIProvider{
		config: cfg,
		model:  model,
		httpClient: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: cfg.Timeout.Duration()}),
			httpclient.WithMaxRetries(cfg.MaxRetries),
			httpclient.WithHeaderParser(httpclient.OpenAIRateLimitParser),
		),
	}, nil
}

func (p *OpenAIProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []*ToolCall, int, error) {
	request := p.buildRequest(messages, tools)
	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", nil, 0, err
	}
	return p.parseResponse(response)
}

func (p *OpenAIProvider) GenerateStructured(ctx context.Context, messages []Message, structConfig *StructuredOutputConfig) (string, int, error) {
	request := p.buildRequest(messages, nil)

	if structConfig != nil && structConfig.Schema != nil {
		name := structConfig.Name
		if name == "" {
			name = "response"
		}
		request.ResponseFormat = &openAIResponseFormat{
			Type: "json_schema",
			JSONSchema: &openAIJSONSchema{
				Name:   name,
				Schema: structConfig.Schema,
				Strict: true,
			},
		}
	} else {
		request.ResponseFormat = &openAIResponseFormat{Type: "json_object"}
	}

	response, err := p.makeRequest(ctx, request)
	if err != nil {
		return "", 0, err
	}

	text, _, tokens, err := p.parseResponse(response)
	return text, tokens, err
}

func (p *OpenAIProvider) ModelName() string {
	return p.model
}

func (p *OpenAIProvider) Close() error {
	return nil
}

func (p *OpenAIProvider) buildRequest(messages []Message, tools []ToolDefinition) openAIRequest {
	openaiMessages := make([]openAIMessage, 0, len(messages))
	for _, msg := range messages {
		openaiMsg := openAIMessage{
			Role:       string(msg.Role),
			Content:    msg.Content,
			ToolCallID: msg.ToolCallID,
		}
		if len(msg.ToolCalls) > 0 {
			openaiMsg.ToolCalls = make([]openAIToolCall, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				argsJSON, _ := json.Marshal(tc.Args)
				openaiMsg.ToolCalls[j] = openAIToolCall{
					ID:   tc.ID,
					Type: "function",
					Function: openAIFunctionCall{
						Name:      tc.Name,
						Arguments: string(argsJSON),
					},
				}
			}
		}
		openaiMessages = append(openaiMessages, openaiMsg)
	}

	// Reasoning models reject max_tokens and pin temperature to 1.0.
	// See: https://platform.openai.com/docs/guides/reasoning
	isReasoning := isReasoningModel(p.model)

	temperature := 1.0
	if !isReasoning {
		temperature = 0.7
		if p.config.Temperature != nil {
			temperature = *p.config.Temperature
		}
	}

	request := openAIRequest{
		Model:       p.model,
		Messages:    openaiMessages,
		Temperature: temperature,
	}

	if p.config.MaxTokens > 0 {
		maxTokens := p.config.MaxTokens
		if isReasoning {
			request.MaxCompletionTokens = &maxTokens
		} else {
			request.MaxTokens = &maxTokens
		}
	}

	if len(tools) > 0 {
		request.Tools = make([]openAITool, len(tools))
		for i, tool := range tools {
			request.Tools[i] = openAITool{
				Type:     "function",
				Function: openAIToolFunction(tool),
			}
		}
		request.ToolChoice = "auto"
	}

	return request
}

func isReasoningModel(model string) bool {
	lower := strings.ToLower(model)
	if lower == "o1" || lower == "o3" || lower == "o4" || lower == "gpt-5" {
		return true
	}
	for _, prefix := range []string{"o1-", "o3-", "o4-", "gpt-5-"} {
		if strings.HasPrefix(lower, prefix) {
			return true
		}
	}
	return false
}

func (p *OpenAIProvider) parseResponse(response *openAIResponse) (string, []*ToolCall, int, error) {
	if response.Error != nil {
		return "", nil, 0, fmt.Errorf("OpenAI API error: %s", response.Error.Message)
	}
	if len(response.Choices) == 0 {
		return "", nil, 0, fmt.Errorf("no response choices returned")
	}

	choice := response.Choices[0]
	tokensUsed := response.Usage.TotalTokens

	var toolCalls []*ToolCall
	if len(choice.Message.ToolCalls) > 0 {
		toolCalls = make([]*ToolCall, len(choice.Message.ToolCalls))
		for i, tc := range choice.Message.ToolCalls {
			var args map[string]interface{}
			if err := json.Unmarshal([]byte(tc.Function.Arguments), &args); err != nil {
				return choice.Message.Content, nil, tokensUsed,
					fmt.Errorf("failed to parse tool arguments: %w", err)
			}
			toolCalls[i] = &ToolCall{ID: tc.ID, Name: tc.Function.Name, Args: args}
		}
	}

	return choice.Message.Content, toolCalls, tokensUsed, nil
}

func (p *OpenAIProvider) host() string {
	if p.config.Host != "" {
		return p.config.Host
	}
	return defaultOpenAIHost
}

func (p *OpenAIProvider) makeRequest(ctx context.Context, request openAIRequest) (*openAIResponse, error) {
	requestBody, err := json.Marshal(request)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		p.host()+"/chat/completions", bytes.NewReader(requestBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(requestBody)), nil
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.httpClient.Do(req)
	if resp != nil {
		defer resp.Body.Close()
	}
	if err != nil {
		// Non-2xx responses may still carry a structured error body.
		if resp != nil {
			if body, readErr := io.ReadAll(resp.Body); readErr == nil {
				if apiErr := parseOpenAIError(body); apiErr != nil {
					return nil, fmt.Errorf("OpenAI API error (HTTP %d): %s", resp.StatusCode, apiErr.Message)
				}
			}
		}
		return nil, fmt.Errorf("OpenAI API request failed: %w", err)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var response openAIResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("failed to parse OpenAI response: %w", err)
	}

	return &response, nil
}

func parseOpenAIError(body []byte) *openAIError {
	if len(body) == 0 {
		return nil
	}
	var errorResp struct {
		Error openAIError `json:"error"`
	}
	if err := json.Unmarshal(body, &errorResp); err == nil && errorResp.Error.Message != "" {
		return &errorResp.Error
	}
	return nil
}
