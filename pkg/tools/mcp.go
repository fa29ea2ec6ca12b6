// Package tools connects external MCP (Model Context Protocol) servers and
// exposes their tools as agent tool specs. Connections are lazy: nothing is
// dialed until the first Specs call.
//
// Transport support:
//   - streamable-http: JSON-RPC over the retrying httpclient, with
//     mcp-session-id session tracking and SSE response parsing
//   - stdio: subprocess communication via the mcp-go client
package tools

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/kadirpekel/geoassist/pkg/agent"
	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/httpclient"
	"github.com/kadirpekel/geoassist/pkg/logger"
)

const (
	protocolVersion = "2024-11-05"
	clientName      = "geoassist"
	clientVersion   = "1.0.0"

	// sseResponseTimeout bounds how long a tools/call may stream before
	// the response is abandoned.
	sseResponseTimeout = 5 * time.Minute
)

// Toolset is one MCP server connection with lazy initialization.
type Toolset struct {
	cfg config.MCPServerConfig
	log *slog.Logger

	mu         sync.Mutex
	stdio      *client.Client
	httpClient *httpclient.Client
	connected  bool
	specs      []agent.ToolSpec

	sessionMu sync.RWMutex
	sessionID string

	include map[string]bool
}

// NewToolset prepares a toolset from config without connecting.
func NewToolset(cfg config.MCPServerConfig) (*Toolset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mcp server %q: %w", cfg.Name, err)
	}

	var include map[string]bool
	if len(cfg.IncludeTools) > 0 {
		include = make(map[string]bool, len(cfg.IncludeTools))
		for _, name := range cfg.IncludeTools {
			include[name] = true
		}
	}

	return &Toolset{
		cfg:     cfg,
		log:     logger.With("mcp"),
		include: include,
	}, nil
}

// FromConfig builds every configured toolset.
func FromConfig(cfg config.ToolsConfig) ([]*Toolset, error) {
	toolsets := make([]*Toolset, 0, len(cfg.MCPServers))
	for _, server := range cfg.MCPServers {
		ts, err := NewToolset(server)
		if err != nil {
			return nil, err
		}
		toolsets = append(toolsets, ts)
	}
	return toolsets, nil
}

// Name returns the configured toolset name.
func (t *Toolset) Name() string {
	return t.cfg.Name
}

// Specs returns the server's tools as agent tool specs, connecting on first
// use. The IncludeTools whitelist is applied here.
func (t *Toolset) Specs(ctx context.Context) ([]agent.ToolSpec, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if !t.connected {
		if err := t.connect(ctx); err != nil {
			return nil, fmt.Errorf("failed to connect to MCP server %q: %w", t.cfg.Name, err)
		}
	}

	return t.specs, nil
}

// Close shuts down the connection. Safe to call before Specs.
func (t *Toolset) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if t.stdio != nil {
		err = t.stdio.Close()
		t.stdio = nil
	}
	t.httpClient = nil
	t.connected = false
	t.specs = nil
	return err
}

func (t *Toolset) connect(ctx context.Context) error {
	if t.cfg.Command != "" {
		return t.connectStdio(ctx)
	}
	return t.connectHTTP(ctx)
}

// connectStdio starts the configured subprocess and lists its tools via the
// mcp-go client.
func (t *Toolset) connectStdio(ctx context.Context) error {
	env := make([]string, 0, len(t.cfg.Env))
	for k, v := range t.cfg.Env {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}

	mcpClient, err := client.NewStdioMCPClient(t.cfg.Command, env, t.cfg.Args...)
	if err != nil {
		return fmt.Errorf("failed to create MCP client: %w", err)
	}

	if err := mcpClient.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP client: %w", err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = mcp.Implementation{Name: clientName, Version: clientVersion}
	initReq.Params.ProtocolVersion = protocolVersion

	if _, err := mcpClient.Initialize(ctx, initReq); err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}

	listResp, err := mcpClient.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		mcpClient.Close()
		return fmt.Errorf("failed to list tools: %w", err)
	}

	specs := make([]agent.ToolSpec, 0, len(listResp.Tools))
	for _, mcpTool := range listResp.Tools {
		if t.include != nil && !t.include[mcpTool.Name] {
			continue
		}
		specs = append(specs, t.specFromSchema(mcpTool.Name, mcpTool.Description, schemaToMap(mcpTool.InputSchema)))
	}

	t.stdio = mcpClient
	t.specs = specs
	t.connected = true

	t.log.Info("Connected to MCP server",
		"name", t.cfg.Name,
		"transport", "stdio",
		"command", t.cfg.Command,
		"tools", len(specs))
	return nil
}

// connectHTTP initializes the streamable-HTTP session and lists its tools.
func (t *Toolset) connectHTTP(ctx context.Context) error {
	t.httpClient = httpclient.New(
		httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
		httpclient.WithMaxRetries(3),
		httpclient.WithBaseDelay(2*time.Second),
	)

	initResp, err := t.rpc(ctx, "initialize", map[string]interface{}{
		"protocolVersion": protocolVersion,
		"clientInfo": map[string]interface{}{
			"name":    clientName,
			"version": clientVersion,
		},
		"capabilities": map[string]interface{}{},
	})
	if err != nil {
		return fmt.Errorf("failed to initialize MCP: %w", err)
	}
	if initResp.Error != nil {
		return fmt.Errorf("MCP init error: %s", initResp.Error.Message)
	}

	listResp, err := t.rpc(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("failed to list tools: %w", err)
	}
	if listResp.Error != nil {
		return fmt.Errorf("MCP list error: %s", listResp.Error.Message)
	}

	resultMap, ok := listResp.Result.(map[string]interface{})
	if !ok {
		return fmt.Errorf("unexpected result type from tools/list")
	}
	toolsList, ok := resultMap["tools"].([]interface{})
	if !ok {
		return fmt.Errorf("missing tools in tools/list response")
	}

	var specs []agent.ToolSpec
	for _, raw := range toolsList {
		toolMap, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		name, _ := toolMap["name"].(string)
		desc, _ := toolMap["description"].(string)
		if t.include != nil && !t.include[name] {
			continue
		}
		schema, _ := toolMap["inputSchema"].(map[string]interface{})
		specs = append(specs, t.specFromSchema(name, desc, schema))
	}

	t.specs = specs
	t.connected = true

	t.log.Info("Connected to MCP server",
		"name", t.cfg.Name,
		"transport", "streamable-http",
		"url", t.cfg.URL,
		"tools", len(specs))
	return nil
}

// specFromSchema maps one MCP tool into an agent tool spec whose handler
// forwards to the server. Parameter schemas are flattened best-effort:
// nested objects surface as plain object parameters.
func (t *Toolset) specFromSchema(name, description string, schema map[string]interface{}) agent.ToolSpec {
	params := map[string]agent.ParamSpec{}
	var required []string

	if schema != nil {
		if props, ok := schema["properties"].(map[string]interface{}); ok {
			for pname, praw := range props {
				pmap, ok := praw.(map[string]interface{})
				if !ok {
					continue
				}
				params[pname] = paramFromSchema(pmap)
			}
		}
		if reqs, ok := schema["required"].([]interface{}); ok {
			for _, r := range reqs {
				if s, ok := r.(string); ok {
					required = append(required, s)
				}
			}
		}
	}

	return agent.ToolSpec{
		Name:        name,
		Description: description,
		Params:      params,
		Required:    required,
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return t.call(ctx, name, args)
		},
	}
}

func paramFromSchema(pmap map[string]interface{}) agent.ParamSpec {
	spec := agent.ParamSpec{Type: "string"}
	if typ, ok := pmap["type"].(string); ok {
		spec.Type = typ
	}
	if desc, ok := pmap["description"].(string); ok {
		spec.Description = desc
	}
	if enumRaw, ok := pmap["enum"].([]interface{}); ok {
		for _, e := range enumRaw {
			spec.Enum = append(spec.Enum, fmt.Sprint(e))
		}
	}
	if spec.Type == "array" {
		if itemsRaw, ok := pmap["items"].(map[string]interface{}); ok {
			items := paramFromSchema(itemsRaw)
			spec.Items = &items
		}
	}
	return spec
}

// call invokes one tool over the active transport and flattens the MCP
// content blocks into text. A server-reported tool error is returned as an
// error so the kernel records the failure as the tool output.
func (t *Toolset) call(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	t.mu.Lock()
	stdio := t.stdio
	t.mu.Unlock()

	if stdio != nil {
		req := mcp.CallToolRequest{}
		req.Params.Name = name
		req.Params.Arguments = args

		resp, err := stdio.CallTool(ctx, req)
		if err != nil {
			return "", fmt.Errorf("MCP call failed: %w", err)
		}
		text := textFromContents(resp.Content)
		if resp.IsError {
			if text == "" {
				text = "unknown error"
			}
			return "", fmt.Errorf("%s", text)
		}
		return text, nil
	}

	resp, err := t.rpc(ctx, "tools/call", map[string]interface{}{
		"name":      name,
		"arguments": args,
	})
	if err != nil {
		return "", fmt.Errorf("MCP call failed: %w", err)
	}
	if resp.Error != nil {
		return "", fmt.Errorf("%s", resp.Error.Message)
	}

	resultMap, ok := resp.Result.(map[string]interface{})
	if !ok {
		data, _ := json.Marshal(resp.Result)
		return string(data), nil
	}

	var texts []string
	if content, ok := resultMap["content"].([]interface{}); ok {
		for _, c := range content {
			cm, ok := c.(map[string]interface{})
			if !ok {
				continue
			}
			if cm["type"] == "text" {
				if text, ok := cm["text"].(string); ok {
					texts = append(texts, text)
				}
			}
		}
	}
	text := strings.Join(texts, "\n")

	if isError, _ := resultMap["isError"].(bool); isError {
		if text == "" {
			text = "unknown error"
		}
		return "", fmt.Errorf("%s", text)
	}
	return text, nil
}

func textFromContents(contents []mcp.Content) string {
	var texts []string
	for _, content := range contents {
		if textContent, ok := content.(mcp.TextContent); ok {
			texts = append(texts, textContent.Text)
		}
	}
	return strings.Join(texts, "\n")
}

type jsonRPCRequest struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int         `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

type jsonRPCResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Result  interface{}   `json:"result,omitempty"`
	Error   *jsonRPCError `json:"error,omitempty"`
}

type jsonRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// rpc sends one JSON-RPC request over the streamable-HTTP transport,
// propagating the session id and handling SSE-framed responses.
func (t *Toolset) rpc(ctx context.Context, method string, params interface{}) (*jsonRPCResponse, error) {
	payload, err := json.Marshal(jsonRPCRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.cfg.URL, strings.NewReader(string(payload)))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")
	for k, v := range t.cfg.Headers {
		req.Header.Set(k, v)
	}

	t.sessionMu.RLock()
	sessionID := t.sessionID
	t.sessionMu.RUnlock()
	if sessionID != "" {
		req.Header.Set("mcp-session-id", sessionID)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if newSessionID := resp.Header.Get("mcp-session-id"); newSessionID != "" {
		t.sessionMu.Lock()
		t.sessionID = newSessionID
		t.sessionMu.Unlock()
	}

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	if strings.Contains(resp.Header.Get("Content-Type"), "text/event-stream") {
		return t.readSSEResponse(resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var rpcResp jsonRPCResponse
	if err := json.Unmarshal(body, &rpcResp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &rpcResp, nil
}

// readSSEResponse extracts the first complete JSON-RPC message from an SSE
// stream. Events are data lines terminated by a blank line.
func (t *Toolset) readSSEResponse(resp *http.Response) (*jsonRPCResponse, error) {
	type result struct {
		response *jsonRPCResponse
		err      error
	}
	resultCh := make(chan result, 1)

	go func() {
		reader := bufio.NewReader(resp.Body)
		var data strings.Builder

		flush := func() *jsonRPCResponse {
			if data.Len() == 0 {
				return nil
			}
			var rpcResp jsonRPCResponse
			if err := json.Unmarshal([]byte(data.String()), &rpcResp); err != nil {
				data.Reset()
				return nil
			}
			return &rpcResp
		}

		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				if err != io.EOF {
					t.log.Debug("SSE read error", "server", t.cfg.Name, "error", err)
				}
				break
			}
			line = strings.TrimSpace(line)

			if line == "" {
				if rpcResp := flush(); rpcResp != nil {
					resultCh <- result{response: rpcResp}
					return
				}
				continue
			}
			if strings.HasPrefix(line, "data:") {
				data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
			}
		}

		if rpcResp := flush(); rpcResp != nil {
			resultCh <- result{response: rpcResp}
			return
		}
		resultCh <- result{err: fmt.Errorf("SSE stream ended without complete message")}
	}()

	select {
	case res := <-resultCh:
		return res.response, res.err
	case <-time.After(sseResponseTimeout):
		return nil, fmt.Errorf("timeout reading SSE response after %v", sseResponseTimeout)
	}
}

// schemaToMap converts the mcp-go typed input schema to a plain map.
func schemaToMap(schema mcp.ToolInputSchema) map[string]interface{} {
	data, err := json.Marshal(schema)
	if err != nil {
		return nil
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return nil
	}
	return out
}
