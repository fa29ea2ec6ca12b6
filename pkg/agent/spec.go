// Package agent provides the declarative agent kernel. An agent is defined
// by a Spec: one system-message builder, optional pre/post-chat transforms,
// a set of tools, and a set of reusable tool subtypes. The kernel owns the
// conversation transcript and runs the per-turn loop against an LLM
// provider, emitting status events as it goes.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

var (
	// ErrNoSystemMessage is returned when a Spec declares no system-message
	// builder. Every agent must have exactly one.
	ErrNoSystemMessage = errors.New("agent spec declares no system message builder")

	// ErrNoProvider is returned when the agent is constructed without an
	// LLM provider.
	ErrNoProvider = errors.New("agent requires an LLM provider")
)

// SubtypeRef marks a parameter type as a reference to a registered subtype.
// A ParamSpec with Type "#filter" resolves to "$ref": "#/definitions/filter"
// at synthesis time.
const SubtypeRef = "#"

// ParamSpec describes one tool parameter as a fragment of JSON schema.
// Type names a JSON type ("string", "number", "integer", "boolean",
// "array", "object") or references a subtype as "#name". Enum fixes the
// allowed values; EnumFunc computes them against live state at synthesis
// time and wins over Enum when both are set.
type ParamSpec struct {
	Type        string
	Description string
	Enum        []string
	EnumFunc    func(ctx context.Context) []string
	Items       *ParamSpec
}

// ToolSpec declares one callable tool. Handler receives the decoded
// argument map and returns the text recorded as the tool output. PreProcess
// may rewrite arguments before the handler runs; PostProcess may rewrite
// the output before it is recorded.
type ToolSpec struct {
	Name        string
	Description string
	Params      map[string]ParamSpec
	Required    []string
	PreProcess  func(ctx context.Context, args map[string]interface{}) (map[string]interface{}, error)
	PostProcess func(ctx context.Context, output string) (string, error)
	Handler     func(ctx context.Context, args map[string]interface{}) (string, error)
}

// SubtypeSpec declares a reusable object type that tool parameters may
// reference via "#name". Build returns the JSON-schema property map of the
// object; it runs at synthesis time so the schema reflects current state.
type SubtypeSpec struct {
	Name        string
	Description string
	Build       func(ctx context.Context) (map[string]interface{}, error)
}

// Spec is the full declarative definition of an agent.
type Spec struct {
	// Name identifies the agent in logs.
	Name string

	// SystemMessage builds the system prompt for the coming turn. It is
	// re-evaluated on every turn and installed as message 0.
	SystemMessage func(ctx context.Context, userMessage string) (string, error)

	// PreChat transforms the user message before the turn begins.
	PreChat func(ctx context.Context, userMessage string) (string, error)

	// PostChat transforms the assistant reply before it is recorded.
	PostChat func(ctx context.Context, reply string) (string, error)

	Tools    []ToolSpec
	Subtypes []SubtypeSpec
}

// Validate checks the spec for structural problems: a missing system
// message builder, duplicate or handler-less tools, duplicate subtypes, or
// required parameter names that are not declared.
func (s *Spec) Validate() error {
	if s.SystemMessage == nil {
		return ErrNoSystemMessage
	}

	toolNames := make(map[string]bool, len(s.Tools))
	for _, tool := range s.Tools {
		if tool.Name == "" {
			return errors.New("tool with empty name")
		}
		if toolNames[tool.Name] {
			return fmt.Errorf("duplicate tool %q", tool.Name)
		}
		toolNames[tool.Name] = true
		if tool.Handler == nil {
			return fmt.Errorf("tool %q has no handler", tool.Name)
		}
		for _, req := range tool.Required {
			if _, ok := tool.Params[req]; !ok {
				return fmt.Errorf("tool %q requires undeclared parameter %q", tool.Name, req)
			}
		}
	}

	subtypeNames := make(map[string]bool, len(s.Subtypes))
	for _, st := range s.Subtypes {
		if st.Name == "" {
			return errors.New("subtype with empty name")
		}
		if subtypeNames[st.Name] {
			return fmt.Errorf("duplicate subtype %q", st.Name)
		}
		subtypeNames[st.Name] = true
		if st.Build == nil {
			return fmt.Errorf("subtype %q has no builder", st.Name)
		}
	}

	return nil
}

// subtypeName extracts the referenced subtype name from a "#name" type, or
// returns false when the type is not a reference.
func subtypeName(typ string) (string, bool) {
	if strings.HasPrefix(typ, SubtypeRef) && len(typ) > len(SubtypeRef) {
		return strings.TrimPrefix(typ, SubtypeRef), true
	}
	return "", false
}

// DecodeArgs decodes a raw tool-argument map into a typed struct using the
// struct's json tags. Handlers use it to turn schema-validated maps into
// domain values.
func DecodeArgs(args interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		TagName:          "json",
		WeaklyTypedInput: true,
	})
	if err != nil {
		return fmt.Errorf("failed to build argument decoder: %w", err)
	}
	if err := decoder.Decode(args); err != nil {
		return fmt.Errorf("failed to decode tool arguments: %w", err)
	}
	return nil
}
