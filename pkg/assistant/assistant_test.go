package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/geoassist/pkg/analysis"
	"github.com/kadirpekel/geoassist/pkg/config"
	"github.com/kadirpekel/geoassist/pkg/docstore"
	"github.com/kadirpekel/geoassist/pkg/llms"
	"github.com/kadirpekel/geoassist/pkg/maps"
	"github.com/kadirpekel/geoassist/pkg/sqltemplate"
	"github.com/kadirpekel/geoassist/pkg/tables"
	"github.com/kadirpekel/geoassist/pkg/tools"
	"github.com/kadirpekel/geoassist/pkg/vectordb"
)

// scriptedProvider replays queued chat and structured responses and records
// every call it sees.
type scriptedProvider struct {
	chat       []chatResponse
	structured []structuredResponse

	chatCalls       []chatCall
	structuredCalls []structuredCall
}

type chatResponse struct {
	text      string
	toolCalls []*llms.ToolCall
	err       error
}

type chatCall struct {
	messages []llms.Message
	tools    []llms.ToolDefinition
}

type structuredResponse struct {
	text string
	err  error
}

type structuredCall struct {
	messages []llms.Message
	config   *llms.StructuredOutputConfig
}

func (p *scriptedProvider) Generate(ctx context.Context, messages []llms.Message, tools []llms.ToolDefinition) (string, []*llms.ToolCall, int, error) {
	snapshot := make([]llms.Message, len(messages))
	copy(snapshot, messages)
	p.chatCalls = append(p.chatCalls, chatCall{messages: snapshot, tools: tools})

	if len(p.chat) == 0 {
		return "", nil, 0, fmt.Errorf("no scripted chat response")
	}
	next := p.chat[0]
	p.chat = p.chat[1:]
	return next.text, next.toolCalls, 0, next.err
}

func (p *scriptedProvider) GenerateStructured(ctx context.Context, messages []llms.Message, cfg *llms.StructuredOutputConfig) (string, int, error) {
	snapshot := make([]llms.Message, len(messages))
	copy(snapshot, messages)
	p.structuredCalls = append(p.structuredCalls, structuredCall{messages: snapshot, config: cfg})

	if len(p.structured) == 0 {
		return "", 0, fmt.Errorf("no scripted structured response")
	}
	next := p.structured[0]
	p.structured = p.structured[1:]
	return next.text, 0, next.err
}

func (p *scriptedProvider) ModelName() string { return "scripted" }
func (p *scriptedProvider) Close() error      { return nil }

// fakeEmbedder maps text to a deterministic vector, so identical texts are
// always each other's nearest neighbour.
type fakeEmbedder struct{}

func (fakeEmbedder) Embed(_ context.Context, text string) ([]float32, error) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	sum := h.Sum64()

	vec := make([]float32, 8)
	for i := range vec {
		vec[i] = float32((sum>>(i*8))&0xff) + 1
	}
	return vec, nil
}

func (f fakeEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := f.Embed(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (fakeEmbedder) Dimension() int    { return 8 }
func (fakeEmbedder) ModelName() string { return "fake-embed" }
func (fakeEmbedder) Close() error      { return nil }

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

type servedTable struct {
	schema  string
	name    string
	columns []map[string]any
}

func baseTables() []servedTable {
	return []servedTable{
		{schema: "public", name: "parcels", columns: []map[string]any{
			{"name": "parcel_id", "type": "int4"},
			{"name": "Acres", "type": "numeric"},
			{"name": "zone", "type": "text"},
		}},
		{schema: "public", name: "wetlands", columns: []map[string]any{
			{"name": "wetland_id", "type": "int4"},
			{"name": "name", "type": "text"},
		}},
	}
}

func tileservHandler(served ...servedTable) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/index.json", func(w http.ResponseWriter, req *http.Request) {
		base := "http://" + req.Host
		index := make(map[string]any, len(served))
		for _, s := range served {
			id := s.schema + "." + s.name
			index[id] = map[string]any{
				"id": id, "schema": s.schema, "name": s.name,
				"detailurl": base + "/" + id + ".json",
			}
		}
		writeJSON(w, index)
	})
	for _, s := range served {
		id := s.schema + "." + s.name
		columns := s.columns
		mux.HandleFunc("/"+id+".json", func(w http.ResponseWriter, req *http.Request) {
			writeJSON(w, map[string]any{
				"tileurl":    "http://tiles/" + id + "/{z}/{x}/{y}.pbf",
				"bounds":     []float64{-74.3, 40.4, -73.7, 40.9},
				"properties": columns,
			})
		})
	}
	return mux
}

func expectProbe(mock sqlmock.Sqlmock, schema, table, gtype string) {
	qm := regexp.QuoteMeta
	mock.ExpectBegin()
	mock.ExpectQuery(qm(`SELECT DISTINCT ST_GeometryType("geometry") AS geometry_type
FROM "` + schema + `"."` + table + `"
WHERE "geometry" IS NOT NULL
LIMIT 1;`)).
		WillReturnRows(sqlmock.NewRows([]string{"geometry_type"}).AddRow(gtype))
	mock.ExpectCommit()
}

// expectTurnSync queues the probes one registry refresh runs against the
// base fixture.
func expectTurnSync(mock sqlmock.Sqlmock) {
	expectProbe(mock, "public", "parcels", "ST_Polygon")
	expectProbe(mock, "public", "wetlands", "ST_MultiPolygon")
}

type testAssistant struct {
	assistant *Assistant
	provider  *scriptedProvider
	mock      sqlmock.Sqlmock
	mapState  *maps.Handler
	registry  *tables.Registry
}

func newTestAssistant(t *testing.T, cfg Config, handler http.Handler, toolsets []*tools.Toolset, opts ...Option) *testAssistant {
	t.Helper()
	ctx := context.Background()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	mock.MatchExpectationsInOrder(false)

	runner, err := sqltemplate.NewRunner(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = runner.Close() })

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	registry := tables.NewRegistry(runner, tables.Config{TileservURL: srv.URL})

	root := t.TempDir()
	fieldIndex, err := vectordb.NewChromemProvider(docstore.Config{Root: root, Name: docstore.FieldDefinitionsName, Version: "v1"}.Path(), false)
	require.NoError(t, err)
	fields, err := docstore.NewFieldDefinitionStore(ctx, root, "v1", fieldIndex, fakeEmbedder{})
	require.NoError(t, err)
	require.NoError(t, fields.AddDefinitions(ctx, "parcels", "dictionary.pdf", []docstore.FieldDefinition{
		{Name: "acres", PrettyName: "Acres", Description: "Parcel size in acres", Format: "number"},
		{Name: "zone", PrettyName: "Zoning District", Description: "Land use zoning code", Format: "string", Enum: []string{"R1", "C2"}},
	}))

	infoIndex, err := vectordb.NewChromemProvider(docstore.Config{Root: root, Name: docstore.SupplementalInfoName, Version: "v1"}.Path(), false)
	require.NoError(t, err)
	info, err := docstore.NewSupplementalInfoStore(ctx, root, "v1", infoIndex, fakeEmbedder{})
	require.NoError(t, err)
	require.NoError(t, info.AddSections(ctx, "metadata.pdf", []docstore.InfoSection{
		{Title: "Zoning Codes", Markdown: "R1 means residential, C2 means commercial."},
	}))

	provider := &scriptedProvider{}
	mapState := maps.NewHandler()

	a, err := New(ctx, Deps{
		Provider: provider,
		Planner:  analysis.NewPlanner(provider),
		Executor: analysis.NewExecutor(runner, analysis.ExecutorConfig{}),
		Runner:   runner,
		Registry: registry,
		Fields:   fields,
		Info:     info,
		Map:      mapState,
		Toolsets: toolsets,
	}, cfg, opts...)
	require.NoError(t, err)

	return &testAssistant{
		assistant: a,
		provider:  provider,
		mock:      mock,
		mapState:  mapState,
		registry:  registry,
	}
}

func toolOutput(t *testing.T, a *Assistant) string {
	t.Helper()
	var out string
	for _, m := range a.Messages() {
		if m.Role == llms.RoleTool {
			out = m.Content
		}
	}
	return out
}

func TestChatAddLayerCountsFilteredRows(t *testing.T) {
	ta := newTestAssistant(t, Config{}, tileservHandler(baseTables()...), nil)
	qm := regexp.QuoteMeta

	ta.provider.chat = []chatResponse{
		{toolCalls: []*llms.ToolCall{{
			ID:   "call-1",
			Name: "add_map_layer",
			Args: map[string]interface{}{
				"table":    "parcels",
				"layer_id": "zoning",
				"color":    "#ff0000",
				"style":    "fill",
				"filters": []interface{}{
					map[string]interface{}{"field": "zone", "operator": "equal", "value": "R1"},
				},
			},
		}}},
		{text: "Residential parcels are on the map."},
	}

	expectTurnSync(ta.mock)
	ta.mock.ExpectBegin()
	ta.mock.ExpectQuery(qm(`SELECT count(*) AS count
FROM "public"."parcels"
WHERE "zone" = 'R1';`)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))
	ta.mock.ExpectCommit()

	reply, err := ta.assistant.Chat(context.Background(), "show residential parcels")
	require.NoError(t, err)
	assert.Equal(t, "Residential parcels are on the map.", reply)

	assert.Equal(t, "12 parcels found", toolOutput(t, ta.assistant))
	assert.Equal(t, []string{"zoning"}, ta.mapState.LayerIDs())

	// The first turn starts from a blank map.
	require.Len(t, ta.provider.chatCalls, 2)
	system := ta.provider.chatCalls[0].messages[0]
	assert.Equal(t, llms.RoleSystem, system.Role)
	assert.Contains(t, system.Content, "the current status of the map:\n\n[]")
	assert.Contains(t, system.Content, "R1 means residential")

	// Tool schemas reflect the turn's retrieval: only tables carrying the
	// matched fields are offered, and filter fields are pinned to them.
	defs := ta.provider.chatCalls[0].tools
	require.Len(t, defs, 4)
	var addDef llms.ToolDefinition
	for _, def := range defs {
		if def.Name == "add_map_layer" {
			addDef = def
		}
	}
	require.NotEmpty(t, addDef.Name)

	props, ok := addDef.Parameters["properties"].(map[string]interface{})
	require.True(t, ok)
	tableSchema := props["table"].(map[string]interface{})
	assert.Equal(t, []string{"parcels"}, tableSchema["enum"])
	itemSchema := props["filters"].(map[string]interface{})["items"].(map[string]interface{})
	assert.Equal(t, "#/definitions/filter", itemSchema["$ref"])

	subtype := addDef.Parameters["definitions"].(map[string]interface{})["filter"].(map[string]interface{})
	filterProps := subtype["properties"].(map[string]interface{})
	fieldSchema := filterProps["field"].(map[string]interface{})
	assert.ElementsMatch(t, []string{"Acres", "zone"}, fieldSchema["enum"])
	opSchema := filterProps["operator"].(map[string]interface{})
	assert.Contains(t, opSchema["enum"], "greaterThan")

	assert.NoError(t, ta.mock.ExpectationsWereMet())
}

func TestChatRemoveAndResetLayers(t *testing.T) {
	ta := newTestAssistant(t, Config{}, tileservHandler(baseTables()...), nil)

	parcels := tables.Table{Schema: "public", Name: "parcels", Columns: []string{"parcel_id"}}
	_, err := ta.mapState.AddLayer(parcels, "zoning", "#ff0000", nil, "")
	require.NoError(t, err)

	ta.provider.chat = []chatResponse{
		{toolCalls: []*llms.ToolCall{{
			ID:   "call-1",
			Name: "remove_map_layer",
			Args: map[string]interface{}{"layer_id": "zoning"},
		}}},
		{text: "Removed the zoning layer."},
		{toolCalls: []*llms.ToolCall{{ID: "call-2", Name: "reset_map"}}},
		{text: "The map is blank again."},
	}
	expectTurnSync(ta.mock)
	expectTurnSync(ta.mock)

	reply, err := ta.assistant.Chat(context.Background(), "remove the zoning layer")
	require.NoError(t, err)
	assert.Equal(t, "Removed the zoning layer.", reply)
	assert.Equal(t, "Layer zoning removed from the map", toolOutput(t, ta.assistant))
	assert.Empty(t, ta.mapState.LayerIDs())

	// The layer enum tracked the live map state when the turn started.
	var layerEnum any
	for _, def := range ta.provider.chatCalls[0].tools {
		if def.Name == "remove_map_layer" {
			props := def.Parameters["properties"].(map[string]interface{})
			layerEnum = props["layer_id"].(map[string]interface{})["enum"]
		}
	}
	assert.Equal(t, []string{"zoning"}, layerEnum)

	_, err = ta.mapState.AddLayer(parcels, "rezoned", "#00ff00", nil, maps.StyleFill)
	require.NoError(t, err)

	reply, err = ta.assistant.Chat(context.Background(), "clear the map")
	require.NoError(t, err)
	assert.Equal(t, "The map is blank again.", reply)
	assert.Equal(t, "All layers removed, blank map initialized", toolOutput(t, ta.assistant))
	assert.Empty(t, ta.mapState.LayerIDs())

	// The second turn's prompt carried the layer added in between.
	system := ta.provider.chatCalls[2].messages[0]
	assert.Contains(t, system.Content, `"rezoned"`)

	assert.NoError(t, ta.mock.ExpectationsWereMet())
}

func TestRunAnalysisPublishesResults(t *testing.T) {
	served := append(baseTables(), servedTable{
		schema: "parcel_analysis", name: "big_parcels",
		columns: []map[string]any{{"name": "parcel_id", "type": "int4"}},
	})

	var events []analysis.Event
	ta := newTestAssistant(t, Config{}, tileservHandler(served...), nil,
		WithAnalysisEmitter(func(e analysis.Event) { events = append(events, e) }))
	qm := regexp.QuoteMeta

	ta.provider.chat = []chatResponse{
		{toolCalls: []*llms.ToolCall{{
			ID:   "call-1",
			Name: "run_analysis",
			Args: map[string]interface{}{"query": "show parcels bigger than five acres"},
		}}},
		{text: "Big parcels are on the map."},
	}
	ta.provider.structured = []structuredResponse{{text: `{
  "name": "parcel_analysis",
  "steps": [
    {
      "step": "filter",
      "name": "Filter big parcels",
      "reasoning": "Keep parcels over five acres",
      "select": [{"column": "parcel_id"}],
      "from_table": "parcels",
      "where_clause": [{"column": "Acres", "operator": ">", "value": 5}],
      "output_table": "big_parcels"
    },
    {
      "step": "addLayer",
      "name": "Show big parcels",
      "reasoning": "Put the result on the map",
      "source_table": 0,
      "layer_id": "big_parcels_layer",
      "color": "#00ff00"
    }
  ]
}`}}

	// The sync at turn start discovers the fixture's analysis table too, and
	// publication re-discovers it after the run.
	expectTurnSync(ta.mock)
	expectProbe(ta.mock, "parcel_analysis", "big_parcels", "ST_MultiPolygon")
	expectProbe(ta.mock, "parcel_analysis", "big_parcels", "ST_MultiPolygon")

	ta.mock.ExpectBegin()
	ta.mock.ExpectExec(qm(`CREATE SCHEMA IF NOT EXISTS "parcel_analysis";
GRANT USAGE ON SCHEMA "parcel_analysis" TO "tileserv";`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ta.mock.ExpectCommit()

	ta.mock.ExpectBegin()
	ta.mock.ExpectQuery(qm(`SELECT DISTINCT ST_GeometryType("geometry") AS geometry_type
FROM "public"."parcels"
WHERE "geometry" IS NOT NULL;`)).
		WillReturnRows(sqlmock.NewRows([]string{"geometry_type"}).AddRow("ST_Polygon"))
	ta.mock.ExpectCommit()

	ta.mock.ExpectBegin()
	ta.mock.ExpectExec(qm(`CREATE TABLE "parcel_analysis"."big_parcels" AS
SELECT
    "parcel_id",
    ST_Multi("geometry")::geometry(MultiPolygon, 3857) AS "geometry"
FROM "public"."parcels"
WHERE "Acres" > 5;`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ta.mock.ExpectCommit()

	ta.mock.ExpectBegin()
	ta.mock.ExpectExec(qm(`SELECT Populate_Geometry_Columns('"parcel_analysis"."big_parcels"'::regclass);
GRANT SELECT ON "parcel_analysis"."big_parcels" TO "tileserv";
CREATE INDEX IF NOT EXISTS "big_parcels_geometry_idx"
    ON "parcel_analysis"."big_parcels" USING GIST ("geometry");
ANALYZE "parcel_analysis"."big_parcels";`)).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ta.mock.ExpectCommit()

	reply, err := ta.assistant.Chat(context.Background(), "which parcels are bigger than five acres?")
	require.NoError(t, err)
	assert.Equal(t, "Big parcels are on the map.", reply)

	output := toolOutput(t, ta.assistant)
	assert.Contains(t, output, "GIS Analysis complete. Report description: ")
	assert.Contains(t, output, `"big_parcels"`)

	// The final table ends up tile-served and on the map.
	assert.Equal(t, []string{"big_parcels_layer"}, ta.mapState.LayerIDs())
	registered := ta.registry.Select(tables.ByAnalysis("parcel_analysis"))
	require.Len(t, registered, 1)
	assert.True(t, registered[0].Temporary)

	// The planner saw the turn's tables, fields and context.
	require.Len(t, ta.provider.structuredCalls, 1)
	planCall := ta.provider.structuredCalls[0]
	assert.Equal(t, "gis_analysis", planCall.config.Name)
	require.Len(t, planCall.messages, 2)
	assert.Equal(t, llms.RoleSystem, planCall.messages[0].Role)
	assert.Contains(t, planCall.messages[0].Content, "- parcels (Polygon): ")
	assert.Contains(t, planCall.messages[0].Content, "one of: R1, C2")
	assert.Contains(t, planCall.messages[0].Content, "R1 means residential")
	assert.Equal(t, "show parcels bigger than five acres", planCall.messages[1].Content)

	require.NotEmpty(t, events)
	for _, e := range events {
		assert.NotEmpty(t, e.ID)
		assert.Equal(t, "show parcels bigger than five acres", e.Query)
	}
	assert.Equal(t, analysis.StatusSucceeded, events[len(events)-1].Status)

	assert.NoError(t, ta.mock.ExpectationsWereMet())
}

func TestRunAnalysisRejectedPlan(t *testing.T) {
	ta := newTestAssistant(t, Config{}, tileservHandler(baseTables()...), nil)

	ta.provider.chat = []chatResponse{
		{toolCalls: []*llms.ToolCall{{
			ID:   "call-1",
			Name: "run_analysis",
			Args: map[string]interface{}{"query": "do something impossible"},
		}}},
		{text: "I could not run that analysis."},
	}
	ta.provider.structured = []structuredResponse{{text: `{"name": "bad_plan", "steps": []}`}}
	expectTurnSync(ta.mock)

	reply, err := ta.assistant.Chat(context.Background(), "do something impossible")
	require.NoError(t, err)
	assert.Equal(t, "I could not run that analysis.", reply)

	output := toolOutput(t, ta.assistant)
	assert.Contains(t, output, "Tool call: run_analysis failed, raised:")
	assert.Contains(t, output, "plan has no steps")
	assert.Empty(t, ta.mapState.LayerIDs())

	assert.NoError(t, ta.mock.ExpectationsWereMet())
}

func TestSmartSearchCarriesTranscript(t *testing.T) {
	ta := newTestAssistant(t, Config{SmartSearch: true}, tileservHandler(baseTables()...), nil)

	ta.provider.chat = []chatResponse{
		{text: "You have parcels and wetlands."},
		{text: "Zones are R1 and C2."},
	}
	ta.provider.structured = []structuredResponse{
		{text: `{"terms":["parcel size"]}`},
		{text: `{"terms":["zoning"]}`},
	}
	expectTurnSync(ta.mock)
	expectTurnSync(ta.mock)

	_, err := ta.assistant.Chat(context.Background(), "what data do you have")
	require.NoError(t, err)
	_, err = ta.assistant.Chat(context.Background(), "what zones exist")
	require.NoError(t, err)

	require.Len(t, ta.provider.structuredCalls, 2)
	first := ta.provider.structuredCalls[0]
	assert.Equal(t, "search_terms", first.config.Name)
	assert.Contains(t, first.messages[1].Content, "what data do you have")
	assert.Contains(t, first.messages[1].Content, "R1 means residential")

	// The second expansion sees the completed first round.
	second := ta.provider.structuredCalls[1]
	assert.Contains(t, second.messages[1].Content, "\n User: what data do you have")
	assert.Contains(t, second.messages[1].Content, "\n GeoAssist: You have parcels and wetlands.")

	assert.NoError(t, ta.mock.ExpectationsWereMet())
}

func TestSkipsUnreachableToolset(t *testing.T) {
	broken := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	t.Cleanup(broken.Close)

	toolset, err := tools.NewToolset(config.MCPServerConfig{Name: "broken", URL: broken.URL})
	require.NoError(t, err)
	t.Cleanup(func() { _ = toolset.Close() })

	ta := newTestAssistant(t, Config{}, tileservHandler(baseTables()...), []*tools.Toolset{toolset})

	ta.provider.chat = []chatResponse{{text: "hello"}}
	expectTurnSync(ta.mock)

	reply, err := ta.assistant.Chat(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "hello", reply)

	// Only the built-in tools survive the failed connect.
	assert.Len(t, ta.provider.chatCalls[0].tools, 4)
	assert.NoError(t, ta.mock.ExpectationsWereMet())
}

func TestPromptOverrides(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "chat_system.tmpl"), []byte("CUSTOM: {{ .MapStatus }}"), 0o644))

	prompts, err := loadPrompts(dir)
	require.NoError(t, err)

	rendered, err := prompts.Render(PromptChatSystem, chatPromptData{MapStatus: "[]"})
	require.NoError(t, err)
	assert.Equal(t, "CUSTOM: []", rendered)

	// Prompts without an override stay built in.
	rendered, err = prompts.Render(PromptPlannerSystem, plannerPromptData{
		Tables:           "- parcels",
		FieldDefinitions: "- acres",
		ContextInfo:      "",
	})
	require.NoError(t, err)
	assert.Contains(t, rendered, "GIS analyst")
	assert.Contains(t, rendered, "- parcels")

	_, err = prompts.Render("no_such_prompt", nil)
	require.Error(t, err)
}

func TestNewValidatesDeps(t *testing.T) {
	_, err := New(context.Background(), Deps{}, Config{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM provider")
}
