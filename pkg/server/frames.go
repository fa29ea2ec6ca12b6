package server

import (
	"github.com/kadirpekel/geoassist/pkg/agent"
	"github.com/kadirpekel/geoassist/pkg/analysis"
	"github.com/kadirpekel/geoassist/pkg/maps"
)

// Frame type tags. Inbound traffic only carries "user"; anything else is
// skipped. Outbound traffic is one of the five tagged variants below.
const (
	frameUser         = "user"
	frameUserMessage  = "user_message"
	frameAIResponse   = "ai_response"
	frameTool         = "tool"
	frameAnalysis     = "analysis"
	frameFigureUpdate = "figure_update"
)

// turnFailedReply matches the kernel's canned failure message, for turn
// setup errors that never reach the provider.
const turnFailedReply = "Failed to generate a response"

type inboundFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// messageFrame carries both the user_message echo and the ai_response.
type messageFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

type toolFrame struct {
	Type     string                 `json:"type"`
	ToolCall string                 `json:"tool_call"`
	ToolArgs map[string]interface{} `json:"tool_args,omitempty"`
	Status   agent.Status           `json:"status"`
}

type analysisFrame struct {
	Type string `json:"type"`
	analysis.Event
}

type figureFrame struct {
	Type   string      `json:"type"`
	Figure maps.Figure `json:"figure"`
}
