package agent

// Status of a turn phase as reported to subscribers.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusError      Status = "error"
)

// Event is one status update from the turn loop. Tool dispatch events carry
// the tool name and arguments; the final succeeded event carries the
// assistant reply.
type Event struct {
	Status   Status                 `json:"status"`
	ToolCall string                 `json:"tool_call,omitempty"`
	ToolArgs map[string]interface{} `json:"tool_args,omitempty"`
	Message  string                 `json:"message,omitempty"`
}

// Emitter receives turn events. Implementations must not block; a slow
// subscriber stalls the turn.
type Emitter func(Event)
