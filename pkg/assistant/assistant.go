// Package assistant assembles the geo assistant on top of the agent kernel:
// the retrieval-backed system prompt, the map tools, the analysis tool and
// the per-turn context they share.
package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/geoassist/pkg/agent"
	"github.com/kadirpekel/geoassist/pkg/analysis"
	"github.com/kadirpekel/geoassist/pkg/docstore"
	"github.com/kadirpekel/geoassist/pkg/llms"
	"github.com/kadirpekel/geoassist/pkg/logger"
	"github.com/kadirpekel/geoassist/pkg/maps"
	"github.com/kadirpekel/geoassist/pkg/observability"
	"github.com/kadirpekel/geoassist/pkg/sqltemplate"
	"github.com/kadirpekel/geoassist/pkg/tables"
	"github.com/kadirpekel/geoassist/pkg/tools"
	"github.com/kadirpekel/geoassist/pkg/utils"
)

// agentName identifies the assistant in logs and spans.
const agentName = "geoassist"

// Config carries the retrieval and prompt knobs of one assistant.
type Config struct {
	// BaseSchema holds the tile-served base tables.
	BaseSchema string
	// SmartSearch expands the field lookup through the LLM before querying.
	SmartSearch bool
	// Retrieval depths for the chat turn and for the analysis tool.
	FieldTopK         int
	InfoTopK          int
	AnalysisFieldTopK int
	AnalysisInfoTopK  int
	// PromptsDir shadows the embedded prompt templates.
	PromptsDir string
}

func (c *Config) setDefaults() {
	if c.BaseSchema == "" {
		c.BaseSchema = "public"
	}
	if c.FieldTopK <= 0 {
		c.FieldTopK = 5
	}
	if c.InfoTopK <= 0 {
		c.InfoTopK = 3
	}
	if c.AnalysisFieldTopK <= 0 {
		c.AnalysisFieldTopK = 15
	}
	if c.AnalysisInfoTopK <= 0 {
		c.AnalysisInfoTopK = 10
	}
}

// Deps are the services one assistant runs against. Provider answers the
// chat turns; the planner carries its own, possibly different, model.
type Deps struct {
	Provider llms.Provider
	Planner  *analysis.Planner
	Executor *analysis.Executor
	Runner   *sqltemplate.Runner
	Registry *tables.Registry
	Fields   *docstore.FieldDefinitionStore
	Info     *docstore.SupplementalInfoStore
	Map      *maps.Handler
	Toolsets []*tools.Toolset
}

func (d Deps) validate() error {
	switch {
	case d.Provider == nil:
		return errors.New("assistant requires an LLM provider")
	case d.Planner == nil:
		return errors.New("assistant requires an analysis planner")
	case d.Executor == nil:
		return errors.New("assistant requires an analysis executor")
	case d.Runner == nil:
		return errors.New("assistant requires a sql runner")
	case d.Registry == nil:
		return errors.New("assistant requires a table registry")
	case d.Fields == nil:
		return errors.New("assistant requires a field definition store")
	case d.Info == nil:
		return errors.New("assistant requires a supplemental info store")
	case d.Map == nil:
		return errors.New("assistant requires a map handler")
	}
	return nil
}

// turnState is the retrieval context of the turn in flight. The system
// message builder writes it and tool synthesis reads it later in the same
// turn, all under the kernel's turn lock.
type turnState struct {
	supplement string
	fields     []docstore.FieldDefinition
	tables     []tables.Table
}

// exchange is one completed user/assistant round, kept for transcript
// export.
type exchange struct {
	user  string
	reply string
}

// Assistant is one conversation's geo assistant.
type Assistant struct {
	kernel   *agent.Agent
	provider llms.Provider
	planner  *analysis.Planner
	executor *analysis.Executor
	runner   *sqltemplate.Runner
	registry *tables.Registry
	fields   *docstore.FieldDefinitionStore
	info     *docstore.SupplementalInfoStore
	mapState *maps.Handler
	prompts  *promptSet
	cfg      Config
	log      *slog.Logger

	analysisEmit analysis.Emitter
	kernelOpts   []agent.Option

	turn turnState

	histMu  sync.Mutex
	history []exchange
}

// Option tweaks assistant construction.
type Option func(*Assistant)

// WithEmitter subscribes an emitter to kernel turn events.
func WithEmitter(emitter agent.Emitter) Option {
	return func(a *Assistant) {
		a.kernelOpts = append(a.kernelOpts, agent.WithEmitter(emitter))
	}
}

// WithAnalysisEmitter subscribes an emitter to analysis progress events.
func WithAnalysisEmitter(emitter analysis.Emitter) Option {
	return func(a *Assistant) { a.analysisEmit = emitter }
}

// WithHistoryBudget bounds the token window sent to the LLM.
func WithHistoryBudget(counter *utils.TokenCounter, maxTokens int) Option {
	return func(a *Assistant) {
		a.kernelOpts = append(a.kernelOpts, agent.WithHistoryBudget(counter, maxTokens))
	}
}

// New wires an assistant. MCP toolsets connect here; a server that cannot
// be reached is skipped with a warning instead of failing the boot.
func New(ctx context.Context, deps Deps, cfg Config, opts ...Option) (*Assistant, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	cfg.setDefaults()

	prompts, err := loadPrompts(cfg.PromptsDir)
	if err != nil {
		return nil, err
	}

	a := &Assistant{
		provider: deps.Provider,
		planner:  deps.Planner,
		executor: deps.Executor,
		runner:   deps.Runner,
		registry: deps.Registry,
		fields:   deps.Fields,
		info:     deps.Info,
		mapState: deps.Map,
		prompts:  prompts,
		cfg:      cfg,
		log:      logger.With("assistant"),
	}
	for _, opt := range opts {
		opt(a)
	}

	spec := agent.Spec{
		Name:          agentName,
		SystemMessage: a.systemMessage,
		PreChat:       a.preChat,
		Tools:         a.toolSpecs(),
		Subtypes:      []agent.SubtypeSpec{a.filterSubtype()},
	}
	for _, ts := range deps.Toolsets {
		specs, err := ts.Specs(ctx)
		if err != nil {
			a.log.Warn("Skipping MCP toolset", "toolset", ts.Name(), "error", err)
			continue
		}
		spec.Tools = append(spec.Tools, specs...)
	}

	kernel, err := agent.New(spec, deps.Provider, a.kernelOpts...)
	if err != nil {
		return nil, err
	}
	a.kernel = kernel
	return a, nil
}

// Chat runs one full turn and records the exchange for transcript export.
// On failure the reply is the kernel's canned message; the session survives.
func (a *Assistant) Chat(ctx context.Context, userMessage string) (reply string, err error) {
	ctx, span := observability.GetTracer("geoassist.assistant").Start(ctx, observability.SpanAgentChat,
		trace.WithAttributes(attribute.String(observability.AttrAgentName, agentName)))
	defer func() {
		observability.RecordTurn(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		} else {
			span.SetStatus(codes.Ok, "")
		}
		span.End()
	}()

	reply, err = a.kernel.Chat(ctx, userMessage)

	a.histMu.Lock()
	a.history = append(a.history, exchange{user: userMessage, reply: reply})
	a.histMu.Unlock()
	return reply, err
}

// Messages returns the conversation transcript.
func (a *Assistant) Messages() []llms.Message { return a.kernel.Messages() }

// Reset clears the conversation. Map state and registered tables survive.
func (a *Assistant) Reset() {
	a.kernel.Reset()
	a.histMu.Lock()
	a.history = nil
	a.histMu.Unlock()
}

// preChat refreshes the table catalog so tool enums and field verification
// see what the tile server is serving right now. A failed refresh keeps the
// previous catalog.
func (a *Assistant) preChat(ctx context.Context, userMessage string) (string, error) {
	a.turn = turnState{}
	if err := a.registry.Sync(ctx); err != nil {
		a.log.Warn("Registry refresh failed", "error", err)
	}
	return userMessage, nil
}

// systemMessage assembles the prompt for the coming turn: current map
// state, supplemental context and the verified field definitions backing
// this turn's tool schemas. Retrieval failures degrade to an emptier prompt
// rather than failing the turn.
func (a *Assistant) systemMessage(ctx context.Context, userMessage string) (string, error) {
	supplement, err := a.lookupSupplement(ctx, userMessage, a.cfg.InfoTopK)
	if err != nil {
		a.log.Warn("Supplemental lookup failed", "error", err)
	}
	fields, err := a.lookupFields(ctx, userMessage, supplement)
	if err != nil {
		a.log.Warn("Field lookup failed", "error", err)
	}
	a.turn = turnState{
		supplement: supplement,
		fields:     fields,
		tables:     a.candidateTables(fields),
	}

	status, err := json.MarshalIndent(a.mapState.Status(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode map status: %w", err)
	}
	return a.prompts.Render(PromptChatSystem, chatPromptData{
		MapStatus:  string(status),
		Supplement: supplement,
	})
}

// lookupSupplement joins the top matching documentation sections into one
// markdown block.
func (a *Assistant) lookupSupplement(ctx context.Context, query string, k int) (string, error) {
	results, err := a.info.Query(ctx, query, k)
	if err != nil {
		return "", err
	}
	sections, err := docstore.DecodeInfoSections(results)
	if err != nil {
		return "", err
	}

	parts := make([]string, 0, len(sections))
	for _, section := range sections {
		parts = append(parts, section.Markdown)
	}
	return strings.Join(parts, "\n"), nil
}

// lookupFields retrieves the data-dictionary entries relevant to the user
// message and narrows them to columns the registry actually serves.
func (a *Assistant) lookupFields(ctx context.Context, query, supplement string) ([]docstore.FieldDefinition, error) {
	var results []map[string]any
	var err error
	if a.cfg.SmartSearch {
		results, err = a.fields.SmartQuery(ctx, a.provider, query, a.transcript(), supplement, a.cfg.FieldTopK)
	} else {
		results, err = a.fields.Query(ctx, query, a.cfg.FieldTopK)
	}
	if err != nil {
		return nil, err
	}
	return docstore.DecodeFieldDefinitions(a.registry.VerifyFields(results))
}

// candidateTables lists the base tables carrying at least one of the
// turn's fields. With no verified fields the whole base catalog stays
// eligible, keeping the map tools usable.
func (a *Assistant) candidateTables(fields []docstore.FieldDefinition) []tables.Table {
	criteria := []tables.Criterion{tables.BySchema(a.cfg.BaseSchema)}
	if names := fieldNames(fields); len(names) > 0 {
		criteria = append(criteria, tables.ByFields(names...))
	}
	return a.registry.Select(criteria...)
}

// transcript exports the completed user/assistant rounds for LLM term
// expansion. Tool traffic is skipped.
func (a *Assistant) transcript() string {
	a.histMu.Lock()
	defer a.histMu.Unlock()

	var sb strings.Builder
	for _, ex := range a.history {
		sb.WriteString("\n User: " + ex.user)
		sb.WriteString("\n GeoAssist: " + ex.reply)
	}
	return sb.String()
}

func fieldNames(defs []docstore.FieldDefinition) []string {
	names := make([]string, 0, len(defs))
	for _, def := range defs {
		names = append(names, def.Name)
	}
	return names
}
