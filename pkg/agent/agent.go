package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kadirpekel/geoassist/pkg/llms"
	"github.com/kadirpekel/geoassist/pkg/logger"
	"github.com/kadirpekel/geoassist/pkg/observability"
	"github.com/kadirpekel/geoassist/pkg/utils"
)

// failedReply is appended to the transcript when the provider errors, so
// the conversation stays coherent for the next turn.
const failedReply = "Failed to generate a response"

// Agent runs the per-turn loop for one conversation. It owns the ordered
// transcript: message 0 is the system message and is rebuilt every turn;
// everything else is append-only. Turns within one agent are serialised.
type Agent struct {
	spec     Spec
	provider llms.Provider
	emitter  Emitter
	counter  *utils.TokenCounter
	budget   int
	log      *slog.Logger

	mu       sync.Mutex
	messages []llms.Message
	tools    map[string]*ToolSpec
}

// Option customises agent construction.
type Option func(*Agent)

// WithEmitter subscribes an emitter to turn events.
func WithEmitter(emitter Emitter) Option {
	return func(a *Agent) { a.emitter = emitter }
}

// WithHistoryBudget bounds the token count of the history window sent to
// the provider. The stored transcript is never truncated; eviction only
// shapes the per-call view, oldest messages first, system message retained.
func WithHistoryBudget(counter *utils.TokenCounter, maxTokens int) Option {
	return func(a *Agent) {
		a.counter = counter
		a.budget = maxTokens
	}
}

// New builds an agent from a validated spec.
func New(spec Spec, provider llms.Provider, opts ...Option) (*Agent, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	if provider == nil {
		return nil, ErrNoProvider
	}

	name := spec.Name
	if name == "" {
		name = "agent"
	}

	a := &Agent{
		spec:     spec,
		provider: provider,
		log:      logger.With(name),
		tools:    make(map[string]*ToolSpec, len(spec.Tools)),
	}
	for i := range spec.Tools {
		a.tools[spec.Tools[i].Name] = &spec.Tools[i]
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Chat runs one user turn: prechat, system message install, tool synthesis,
// LLM call, tool dispatch, follow-up LLM call, postchat. It returns the
// assistant reply. On provider failure the canned reply is recorded and
// returned together with the error; the agent remains usable.
func (a *Agent) Chat(ctx context.Context, userMessage string) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.spec.PreChat != nil {
		transformed, err := a.spec.PreChat(ctx, userMessage)
		if err != nil {
			return "", fmt.Errorf("prechat transform failed: %w", err)
		}
		userMessage = transformed
	}

	system, err := a.spec.SystemMessage(ctx, userMessage)
	if err != nil {
		return "", fmt.Errorf("failed to build system message: %w", err)
	}
	a.installSystem(system)
	a.messages = append(a.messages, llms.Message{Role: llms.RoleUser, Content: userMessage})

	tools, err := a.synthesizeTools(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to synthesize tools: %w", err)
	}

	a.emit(Event{Status: StatusGenerating})

	reply, calls, _, err := a.provider.Generate(ctx, a.window(), tools)
	if err != nil {
		a.log.Error("Generation failed", "error", err)
		a.emit(Event{Status: StatusError})
		a.messages = append(a.messages, llms.Message{Role: llms.RoleAssistant, Content: failedReply})
		return failedReply, fmt.Errorf("llm failed to generate a response: %w", err)
	}

	if len(calls) > 0 {
		a.messages = append(a.messages, llms.Message{
			Role:      llms.RoleAssistant,
			Content:   reply,
			ToolCalls: calls,
		})

		for _, call := range calls {
			output := a.dispatch(ctx, call)
			a.messages = append(a.messages, llms.Message{
				Role:       llms.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
				ToolName:   call.Name,
			})
		}

		reply, _, _, err = a.provider.Generate(ctx, a.window(), nil)
		if err != nil {
			a.log.Error("Follow-up generation failed", "error", err)
			a.emit(Event{Status: StatusError, Message: "Generation failed"})
			a.messages = append(a.messages, llms.Message{Role: llms.RoleAssistant, Content: failedReply})
			return failedReply, fmt.Errorf("llm failed to generate a response: %w", err)
		}
	}

	if a.spec.PostChat != nil {
		transformed, perr := a.spec.PostChat(ctx, reply)
		if perr != nil {
			return "", fmt.Errorf("postchat transform failed: %w", perr)
		}
		reply = transformed
	}

	a.messages = append(a.messages, llms.Message{Role: llms.RoleAssistant, Content: reply})
	a.emit(Event{Status: StatusSucceeded, Message: reply})
	return reply, nil
}

// dispatch runs one tool call and returns the text to record as its
// output. Failures never abort the turn: the failure explanation becomes
// the tool output so the model can recover.
func (a *Agent) dispatch(ctx context.Context, call *llms.ToolCall) string {
	tool, ok := a.tools[call.Name]
	if !ok {
		a.emit(Event{Status: StatusError, ToolCall: call.Name, ToolArgs: call.Args})
		observability.RecordToolCall(call.Name, errors.New("unknown tool"))
		return fmt.Sprintf("Tool call: %s failed, raised: unknown tool", call.Name)
	}

	args := call.Args
	if args == nil {
		args = map[string]interface{}{}
	}
	if tool.PreProcess != nil {
		transformed, err := tool.PreProcess(ctx, args)
		if err != nil {
			a.log.Error("Tool preprocess failed", "tool", call.Name, "error", err)
			a.emit(Event{Status: StatusError, ToolCall: call.Name, ToolArgs: args})
			observability.RecordToolCall(call.Name, err)
			return fmt.Sprintf("Tool call: %s failed, raised: %v", call.Name, err)
		}
		args = transformed
	}

	a.log.Info("Calling tool", "tool", call.Name, "args", args)
	a.emit(Event{Status: StatusProcessing, ToolCall: call.Name, ToolArgs: args})

	output, err := tool.Handler(ctx, args)
	if err != nil {
		a.log.Error("Tool call failed", "tool", call.Name, "error", err)
		a.emit(Event{Status: StatusError, ToolCall: call.Name, ToolArgs: args})
		observability.RecordToolCall(call.Name, err)
		return fmt.Sprintf("Tool call: %s failed, raised: %v", call.Name, err)
	}

	if tool.PostProcess != nil {
		transformed, perr := tool.PostProcess(ctx, output)
		if perr != nil {
			a.log.Error("Tool postprocess failed", "tool", call.Name, "error", perr)
			a.emit(Event{Status: StatusError, ToolCall: call.Name, ToolArgs: args})
			observability.RecordToolCall(call.Name, perr)
			return fmt.Sprintf("Tool call: %s failed, raised: %v", call.Name, perr)
		}
		output = transformed
	}

	observability.RecordToolCall(call.Name, nil)
	return output
}

// installSystem rebuilds message 0. The system message is the only
// transcript entry ever mutated.
func (a *Agent) installSystem(content string) {
	system := llms.Message{Role: llms.RoleSystem, Content: content}
	if len(a.messages) > 0 {
		a.messages[0] = system
		return
	}
	a.messages = append(a.messages, system)
}

// window returns the provider view of the transcript: the system message
// plus the most recent messages that fit the token budget. Without a
// budget the whole transcript is sent.
func (a *Agent) window() []llms.Message {
	if a.counter == nil || a.budget <= 0 || len(a.messages) <= 1 {
		return a.messages
	}

	system := a.messages[0]
	rest := a.messages[1:]

	budget := a.budget - a.counter.CountMessages([]utils.CountableMessage{
		{Role: string(system.Role), Content: system.Content},
	})
	if budget <= 0 {
		return []llms.Message{system}
	}

	countable := make([]utils.CountableMessage, len(rest))
	for i, msg := range rest {
		countable[i] = utils.CountableMessage{Role: string(msg.Role), Content: msg.Content}
	}
	fitted := a.counter.FitWithinLimit(countable, budget)

	start := len(rest) - len(fitted)
	// Never lead the window with an orphaned tool result.
	for start < len(rest) && rest[start].Role == llms.RoleTool {
		start++
	}

	out := make([]llms.Message, 0, len(rest)-start+1)
	out = append(out, system)
	out = append(out, rest[start:]...)
	return out
}

// Messages returns a copy of the full transcript, untruncated.
func (a *Agent) Messages() []llms.Message {
	a.mu.Lock()
	defer a.mu.Unlock()

	out := make([]llms.Message, len(a.messages))
	copy(out, a.messages)
	return out
}

// Reset clears the transcript. The next turn starts a fresh conversation.
func (a *Agent) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messages = nil
}

func (a *Agent) emit(event Event) {
	if a.emitter == nil {
		return
	}
	a.emitter(event)
}
