package llms

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/kadirpekel/geoassist/pkg/config"
)

// GeminiProvider talks to Google Gemini through the official genai SDK.
type GeminiProvider struct {
	client *genai.Client
	config *config.LLMProviderConfig
	model  string
}

// NewGeminiProvider builds a provider bound to one model name.
func NewGeminiProvider(cfg *config.LLMProviderConfig, model string) (*GeminiProvider, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("Gemini API key is required")
	}
	if model == "" {
		model = cfg.Model
	}

	clientConfig := &genai.ClientConfig{APIKey: cfg.APIKey}
	if cfg.Host != "" {
		clientConfig.HTTPOptions.BaseURL = cfg.Host
	}

	// Constructors shouldn't require context; the SDK only uses it for
	// credential discovery here.
	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create Gemini client: %w", err)
	}

	return &GeminiProvider{
		client: client,
		config: cfg,
		model:  model,
	}, nil
}

func (p *GeminiProvider) Generate(ctx context.Context, messages []Message, tools []ToolDefinition) (string, []*ToolCall, int, error) {
	contents, systemInstruction := p.buildContents(messages)
	genConfig := p.buildConfig(systemInstruction)

	if len(tools) > 0 {
		genConfig.Tools = make([]*genai.Tool, len(tools))
		for i, tool := range tools {
			genConfig.Tools[i] = &genai.Tool{
				FunctionDeclarations: []*genai.FunctionDeclaration{{
					Name:        tool.Name,
					Description: tool.Description,
					Parameters:  toGenaiSchema(tool.Parameters),
				}},
			}
		}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, genConfig)
	if err != nil {
		return "", nil, 0, fmt.Errorf("Gemini generation failed: %w", err)
	}

	return p.parseResponse(resp)
}

func (p *GeminiProvider) GenerateStructured(ctx context.Context, messages []Message, structConfig *StructuredOutputConfig) (string, int, error) {
	contents, systemInstruction := p.buildContents(messages)
	genConfig := p.buildConfig(systemInstruction)
	genConfig.ResponseMIMEType = "application/json"
	if structConfig != nil && structConfig.Schema != nil {
		genConfig.ResponseSchema = toGenaiSchema(structConfig.Schema)
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, genConfig)
	if err != nil {
		return "", 0, fmt.Errorf("Gemini generation failed: %w", err)
	}

	text, _, tokens, err := p.parseResponse(resp)
	return text, tokens, err
}

func (p *GeminiProvider) ModelName() string {
	return p.model
}

func (p *GeminiProvider) Close() error {
	return nil
}

// buildContents converts neutral messages to Gemini contents. The system
// prompt becomes a separate system instruction, tool results become
// FunctionResponse parts and assistant tool calls become FunctionCall parts.
func (p *GeminiProvider) buildContents(messages []Message) ([]*genai.Content, *genai.Content) {
	var contents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		switch msg.Role {
		case RoleSystem:
			if systemInstruction == nil {
				systemInstruction = &genai.Content{
					Role:  "user",
					Parts: []*genai.Part{{Text: msg.Content}},
				}
			} else {
				systemInstruction.Parts = append(systemInstruction.Parts, &genai.Part{Text: msg.Content})
			}

		case RoleAssistant:
			parts := make([]*genai.Part, 0, 1+len(msg.ToolCalls))
			if msg.Content != "" {
				parts = append(parts, &genai.Part{Text: msg.Content})
			}
			for _, tc := range msg.ToolCalls {
				parts = append(parts, &genai.Part{
					FunctionCall: &genai.FunctionCall{
						ID:   tc.ID,
						Name: tc.Name,
						Args: tc.Args,
					},
				})
			}
			if len(parts) > 0 {
				contents = append(contents, &genai.Content{Role: "model", Parts: parts})
			}

		case RoleTool:
			contents = append(contents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						ID:       msg.ToolCallID,
						Name:     msg.ToolName,
						Response: map[string]any{"result": msg.Content},
					},
				}},
			})

		default:
			contents = append(contents, &genai.Content{
				Role:  "user",
				Parts: []*genai.Part{{Text: msg.Content}},
			})
		}
	}

	return contents, systemInstruction
}

func (p *GeminiProvider) buildConfig(systemInstruction *genai.Content) *genai.GenerateContentConfig {
	genConfig := &genai.GenerateContentConfig{
		SystemInstruction: systemInstruction,
	}
	if p.config.Temperature != nil {
		genConfig.Temperature = genai.Ptr(float32(*p.config.Temperature))
	}
	if p.config.MaxTokens > 0 {
		genConfig.MaxOutputTokens = int32(p.config.MaxTokens)
	}
	return genConfig
}

func (p *GeminiProvider) parseResponse(resp *genai.GenerateContentResponse) (string, []*ToolCall, int, error) {
	if len(resp.Candidates) == 0 {
		return "", nil, 0, fmt.Errorf("empty response from Gemini")
	}

	tokens := 0
	if resp.UsageMetadata != nil {
		tokens = int(resp.UsageMetadata.TotalTokenCount)
	}

	candidate := resp.Candidates[0]
	if candidate.Content == nil {
		return "", nil, tokens, nil
	}

	var text string
	var toolCalls []*ToolCall
	for _, part := range candidate.Content.Parts {
		if part.Text != "" && !part.Thought {
			text += part.Text
		}
		if part.FunctionCall != nil {
			id := part.FunctionCall.ID
			if id == "" {
				// Gemini frequently omits call IDs; synthesize a stable one
				// so tool results can still be correlated.
				id = stableCallID(part.FunctionCall.Name, part.FunctionCall.Args)
			}
			toolCalls = append(toolCalls, &ToolCall{
				ID:   id,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		}
	}

	return text, toolCalls, tokens, nil
}

func stableCallID(name string, args map[string]any) string {
	payload, _ := json.Marshal(map[string]any{"name": name, "args": args})
	sum := sha256.Sum256(payload)
	return fmt.Sprintf("call-%x", sum[:8])
}

// toGenaiSchema converts a JSON schema object to the Gemini schema type.
// Gemini's enum expects uppercase type names.
func toGenaiSchema(schema map[string]interface{}) *genai.Schema {
	if schema == nil {
		return nil
	}

	s := &genai.Schema{}

	if t, ok := schema["type"].(string); ok {
		s.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schema["description"].(string); ok {
		s.Description = desc
	}
	if props, ok := schema["properties"].(map[string]interface{}); ok {
		s.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]interface{}); ok {
				s.Properties[name] = toGenaiSchema(propMap)
			}
		}
	}
	if required, ok := schema["required"].([]interface{}); ok {
		for _, r := range required {
			if rs, ok := r.(string); ok {
				s.Required = append(s.Required, rs)
			}
		}
	}
	if items, ok := schema["items"].(map[string]interface{}); ok {
		s.Items = toGenaiSchema(items)
	}
	if enum, ok := schema["enum"].([]interface{}); ok {
		for _, e := range enum {
			if es, ok := e.(string); ok {
				s.Enum = append(s.Enum, es)
			}
		}
	}

	return s
}
