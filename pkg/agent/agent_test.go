package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/geoassist/pkg/llms"
	"github.com/kadirpekel/geoassist/pkg/utils"
)

// fakeProvider replays scripted responses and records every call it sees.
type fakeProvider struct {
	responses []fakeResponse
	calls     []providerCall
}

type fakeResponse struct {
	text      string
	toolCalls []*llms.ToolCall
	err       error
}

type providerCall struct {
	messages []llms.Message
	tools    []llms.ToolDefinition
}

func (f *fakeProvider) Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (string, []*llms.ToolCall, int, error) {
	snapshot := make([]llms.Message, len(messages))
	copy(snapshot, messages)
	f.calls = append(f.calls, providerCall{messages: snapshot, tools: tools})

	if len(f.responses) == 0 {
		return "", nil, 0, errors.New("no scripted response")
	}
	next := f.responses[0]
	f.responses = f.responses[1:]
	return next.text, next.toolCalls, 0, next.err
}

func (f *fakeProvider) GenerateStructured(ctx context.Context, messages []llms.Message, structConfig *llms.StructuredOutputConfig) (string, int, error) {
	return "", 0, errors.New("not scripted")
}

func (f *fakeProvider) ModelName() string { return "fake" }
func (f *fakeProvider) Close() error      { return nil }

func collectEvents(events *[]Event) Emitter {
	return func(e Event) { *events = append(*events, e) }
}

func TestChatPlainReply(t *testing.T) {
	provider := &fakeProvider{responses: []fakeResponse{{text: "hello there"}}}

	var events []Event
	a, err := New(Spec{
		SystemMessage: func(ctx context.Context, userMessage string) (string, error) {
			return "you are helpful, user said: " + userMessage, nil
		},
	}, provider, WithEmitter(collectEvents(&events)))
	require.NoError(t, err)

	reply, err := a.Chat(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello there", reply)

	msgs := a.Messages()
	require.Len(t, msgs, 3)
	assert.Equal(t, llms.RoleSystem, msgs[0].Role)
	assert.Equal(t, "you are helpful, user said: hi", msgs[0].Content)
	assert.Equal(t, llms.RoleUser, msgs[1].Role)
	assert.Equal(t, llms.RoleAssistant, msgs[2].Role)

	require.Len(t, events, 2)
	assert.Equal(t, StatusGenerating, events[0].Status)
	assert.Equal(t, StatusSucceeded, events[1].Status)
	assert.Equal(t, "hello there", events[1].Message)
}

func TestChatSystemMessageReplacedNotDuplicated(t *testing.T) {
	provider := &fakeProvider{responses: []fakeResponse{{text: "one"}, {text: "two"}}}

	turn := 0
	a, err := New(Spec{
		SystemMessage: func(ctx context.Context, userMessage string) (string, error) {
			turn++
			return fmt.Sprintf("system v%d", turn), nil
		},
	}, provider)
	require.NoError(t, err)

	_, err = a.Chat(context.Background(), "first")
	require.NoError(t, err)
	_, err = a.Chat(context.Background(), "second")
	require.NoError(t, err)

	msgs := a.Messages()
	assert.Equal(t, "system v2", msgs[0].Content)

	systemCount := 0
	for _, m := range msgs {
		if m.Role == llms.RoleSystem {
			systemCount++
		}
	}
	assert.Equal(t, 1, systemCount)
}

func TestChatToolDispatch(t *testing.T) {
	provider := &fakeProvider{responses: []fakeResponse{
		{toolCalls: []*llms.ToolCall{{
			ID:   "call-1",
			Name: "add_map_layer",
			Args: map[string]interface{}{"layer_id": "parks"},
		}}},
		{text: "added the parks layer"},
	}}

	var gotArgs map[string]interface{}
	var events []Event
	a, err := New(Spec{
		SystemMessage: staticSystem,
		Tools: []ToolSpec{
			{
				Name:   "add_map_layer",
				Params: map[string]ParamSpec{"layer_id": {Type: "string"}},
				Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
					gotArgs = args
					return "12 parcels found", nil
				},
			},
		},
	}, provider, WithEmitter(collectEvents(&events)))
	require.NoError(t, err)

	reply, err := a.Chat(context.Background(), "show parks")
	require.NoError(t, err)
	assert.Equal(t, "added the parks layer", reply)
	assert.Equal(t, map[string]interface{}{"layer_id": "parks"}, gotArgs)

	// First call carries tool definitions, follow-up call carries none.
	require.Len(t, provider.calls, 2)
	assert.Len(t, provider.calls[0].tools, 1)
	assert.Empty(t, provider.calls[1].tools)

	// The follow-up call sees the call and its output in order.
	followUp := provider.calls[1].messages
	var toolMsg *llms.Message
	for i := range followUp {
		if followUp[i].Role == llms.RoleTool {
			toolMsg = &followUp[i]
		}
	}
	require.NotNil(t, toolMsg)
	assert.Equal(t, "12 parcels found", toolMsg.Content)
	assert.Equal(t, "call-1", toolMsg.ToolCallID)

	statuses := make([]Status, 0, len(events))
	for _, e := range events {
		statuses = append(statuses, e.Status)
	}
	assert.Equal(t, []Status{StatusGenerating, StatusProcessing, StatusSucceeded}, statuses)
	assert.Equal(t, "add_map_layer", events[1].ToolCall)
}

func TestChatHandlerFailureBecomesToolOutput(t *testing.T) {
	provider := &fakeProvider{responses: []fakeResponse{
		{toolCalls: []*llms.ToolCall{{
			ID:   "call-1",
			Name: "remove_map_layer",
			Args: map[string]interface{}{"layer_id": "nope"},
		}}},
		{text: "that layer does not exist"},
	}}

	var events []Event
	a, err := New(Spec{
		SystemMessage: staticSystem,
		Tools: []ToolSpec{
			{
				Name: "remove_map_layer",
				Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
					return "", errors.New("no layer with id nope")
				},
			},
		},
	}, provider, WithEmitter(collectEvents(&events)))
	require.NoError(t, err)

	reply, err := a.Chat(context.Background(), "remove nope")
	require.NoError(t, err)
	assert.Equal(t, "that layer does not exist", reply)

	var toolOutput string
	for _, m := range a.Messages() {
		if m.Role == llms.RoleTool {
			toolOutput = m.Content
		}
	}
	assert.Equal(t, "Tool call: remove_map_layer failed, raised: no layer with id nope", toolOutput)

	var sawError bool
	for _, e := range events {
		if e.Status == StatusError && e.ToolCall == "remove_map_layer" {
			sawError = true
		}
	}
	assert.True(t, sawError)
}

func TestChatUnknownToolFailureBecomesToolOutput(t *testing.T) {
	provider := &fakeProvider{responses: []fakeResponse{
		{toolCalls: []*llms.ToolCall{{ID: "call-1", Name: "no_such_tool"}}},
		{text: "sorry"},
	}}

	a, err := New(Spec{SystemMessage: staticSystem}, provider)
	require.NoError(t, err)

	_, err = a.Chat(context.Background(), "do something")
	require.NoError(t, err)

	var toolOutput string
	for _, m := range a.Messages() {
		if m.Role == llms.RoleTool {
			toolOutput = m.Content
		}
	}
	assert.Equal(t, "Tool call: no_such_tool failed, raised: unknown tool", toolOutput)
}

func TestChatLLMFailureAppendsCannedReply(t *testing.T) {
	provider := &fakeProvider{responses: []fakeResponse{{err: errors.New("rate limited")}}}

	var events []Event
	a, err := New(Spec{SystemMessage: staticSystem}, provider, WithEmitter(collectEvents(&events)))
	require.NoError(t, err)

	reply, err := a.Chat(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, failedReply, reply)

	msgs := a.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, llms.RoleAssistant, last.Role)
	assert.Equal(t, failedReply, last.Content)

	require.Len(t, events, 2)
	assert.Equal(t, StatusError, events[1].Status)

	// The session survives: the next turn works.
	provider.responses = []fakeResponse{{text: "recovered"}}
	reply, err = a.Chat(context.Background(), "try again")
	require.NoError(t, err)
	assert.Equal(t, "recovered", reply)
}

func TestChatSecondCallFailureAppendsCannedReply(t *testing.T) {
	provider := &fakeProvider{responses: []fakeResponse{
		{toolCalls: []*llms.ToolCall{{ID: "call-1", Name: "noop"}}},
		{err: errors.New("overloaded")},
	}}

	a, err := New(Spec{
		SystemMessage: staticSystem,
		Tools:         []ToolSpec{{Name: "noop", Handler: noopHandler}},
	}, provider)
	require.NoError(t, err)

	reply, err := a.Chat(context.Background(), "hi")
	require.Error(t, err)
	assert.Equal(t, failedReply, reply)
}

func TestChatPreAndPostChatTransforms(t *testing.T) {
	provider := &fakeProvider{responses: []fakeResponse{{text: "reply"}}}

	a, err := New(Spec{
		SystemMessage: staticSystem,
		PreChat: func(ctx context.Context, userMessage string) (string, error) {
			return strings.ToUpper(userMessage), nil
		},
		PostChat: func(ctx context.Context, reply string) (string, error) {
			return reply + "!", nil
		},
	}, provider)
	require.NoError(t, err)

	reply, err := a.Chat(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "reply!", reply)

	msgs := a.Messages()
	assert.Equal(t, "HI", msgs[1].Content)
	assert.Equal(t, "reply!", msgs[2].Content)
}

func TestChatToolPreAndPostProcess(t *testing.T) {
	provider := &fakeProvider{responses: []fakeResponse{
		{toolCalls: []*llms.ToolCall{{
			ID:   "call-1",
			Name: "lookup",
			Args: map[string]interface{}{"q": "parks"},
		}}},
		{text: "done"},
	}}

	a, err := New(Spec{
		SystemMessage: staticSystem,
		Tools: []ToolSpec{
			{
				Name: "lookup",
				PreProcess: func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error) {
					args["q"] = args["q"].(string) + " near water"
					return args, nil
				},
				PostProcess: func(ctx context.Context, output string) (string, error) {
					return "[" + output + "]", nil
				},
				Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
					return args["q"].(string), nil
				},
			},
		},
	}, provider)
	require.NoError(t, err)

	_, err = a.Chat(context.Background(), "hi")
	require.NoError(t, err)

	var toolOutput string
	for _, m := range a.Messages() {
		if m.Role == llms.RoleTool {
			toolOutput = m.Content
		}
	}
	assert.Equal(t, "[parks near water]", toolOutput)
}

func TestWindowEvictsOldestButKeepsSystem(t *testing.T) {
	counter, err := utils.NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	provider := &fakeProvider{}
	a, err := New(Spec{SystemMessage: staticSystem}, provider, WithHistoryBudget(counter, 60))
	require.NoError(t, err)

	a.installSystem("system prompt")
	for i := 0; i < 20; i++ {
		a.messages = append(a.messages,
			llms.Message{Role: llms.RoleUser, Content: fmt.Sprintf("user message number %d with some padding text", i)},
			llms.Message{Role: llms.RoleAssistant, Content: fmt.Sprintf("assistant reply number %d with some padding text", i)},
		)
	}

	window := a.window()
	require.NotEmpty(t, window)
	assert.Equal(t, llms.RoleSystem, window[0].Role)
	assert.Less(t, len(window), len(a.messages))

	// The window keeps the most recent suffix.
	assert.Equal(t, a.messages[len(a.messages)-1].Content, window[len(window)-1].Content)

	// The stored transcript is untouched.
	assert.Len(t, a.Messages(), 41)
}

func TestWindowNeverLeadsWithToolResult(t *testing.T) {
	counter, err := utils.NewTokenCounter("gpt-4o")
	require.NoError(t, err)

	provider := &fakeProvider{}
	a, err := New(Spec{SystemMessage: staticSystem}, provider, WithHistoryBudget(counter, 55))
	require.NoError(t, err)

	a.installSystem("sys")
	a.messages = append(a.messages,
		llms.Message{Role: llms.RoleUser, Content: strings.Repeat("old padding ", 30)},
		llms.Message{
			Role:      llms.RoleAssistant,
			Content:   strings.Repeat("call reasoning ", 30),
			ToolCalls: []*llms.ToolCall{{ID: "c1", Name: "t"}},
		},
		llms.Message{Role: llms.RoleTool, Content: "output", ToolCallID: "c1"},
		llms.Message{Role: llms.RoleUser, Content: "latest question"},
	)

	window := a.window()
	require.GreaterOrEqual(t, len(window), 2)
	for _, msg := range window {
		assert.NotEqual(t, llms.RoleTool, msg.Role)
	}
	assert.Equal(t, "latest question", window[len(window)-1].Content)
}

func TestResetClearsTranscript(t *testing.T) {
	provider := &fakeProvider{responses: []fakeResponse{{text: "one"}, {text: "two"}}}

	a, err := New(Spec{SystemMessage: staticSystem}, provider)
	require.NoError(t, err)

	_, err = a.Chat(context.Background(), "hi")
	require.NoError(t, err)
	require.NotEmpty(t, a.Messages())

	a.Reset()
	assert.Empty(t, a.Messages())

	_, err = a.Chat(context.Background(), "again")
	require.NoError(t, err)
	assert.Len(t, a.Messages(), 3)
}
