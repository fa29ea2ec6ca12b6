package assistant

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/kadirpekel/geoassist/pkg/agent"
	"github.com/kadirpekel/geoassist/pkg/analysis"
	"github.com/kadirpekel/geoassist/pkg/docstore"
	"github.com/kadirpekel/geoassist/pkg/llms"
	"github.com/kadirpekel/geoassist/pkg/tables"
)

func (a *Assistant) runAnalysisSpec() agent.ToolSpec {
	return agent.ToolSpec{
		Name: "run_analysis",
		Description: "Plan and run a multi-step GIS analysis against the database: filter, merge, " +
			"buffer and aggregate tables, then publish the results as map layers or saved tables. " +
			"Use this when a request cannot be answered by drawing existing tables.",
		Params: map[string]agent.ParamSpec{
			"query": {
				Type:        "string",
				Description: "The analysis to run, in plain language, carrying every constraint the user stated.",
			},
		},
		Required: []string{"query"},
		Handler:  a.runAnalysis,
	}
}

func (a *Assistant) runAnalysis(ctx context.Context, args map[string]interface{}) (string, error) {
	var req struct {
		Query string `json:"query"`
	}
	if err := agent.DecodeArgs(args, &req); err != nil {
		return "", err
	}

	fields, supplement, candidates, err := a.analysisContext(ctx, req.Query)
	if err != nil {
		return "", err
	}
	names := fieldNames(fields)
	tableNames := make([]string, 0, len(candidates))
	for _, t := range candidates {
		tableNames = append(tableNames, t.Name)
	}

	system, err := a.prompts.Render(PromptPlannerSystem, plannerPromptData{
		Tables:           describeTables(candidates),
		FieldDefinitions: describeFields(fields),
		ContextInfo:      supplement,
	})
	if err != nil {
		return "", err
	}

	plan, err := a.planner.Plan(ctx, []llms.Message{
		{Role: llms.RoleSystem, Content: system},
		{Role: llms.RoleUser, Content: req.Query},
	}, names, tableNames)
	if err != nil {
		return "", err
	}

	run := analysis.RunInfo{ID: uuid.NewString(), Query: req.Query}
	report, err := a.executor.Execute(ctx, plan, run, a.analysisEmit)
	if err != nil {
		return "", err
	}

	if err := a.publishReport(ctx, plan, report); err != nil {
		return "", err
	}

	data, err := json.Marshal(report)
	if err != nil {
		return "", fmt.Errorf("failed to encode analysis report: %w", err)
	}
	return "GIS Analysis complete. Report description: " + string(data), nil
}

// analysisContext retrieves the deeper context an analysis plan needs.
// Unlike the chat turn it refuses to proceed without verified fields; a
// plan written against invented columns only fails later and slower.
func (a *Assistant) analysisContext(ctx context.Context, query string) ([]docstore.FieldDefinition, string, []tables.Table, error) {
	results, err := a.fields.Query(ctx, query, a.cfg.AnalysisFieldTopK)
	if err != nil {
		return nil, "", nil, fmt.Errorf("field lookup failed: %w", err)
	}
	fields, err := docstore.DecodeFieldDefinitions(a.registry.VerifyFields(results))
	if err != nil {
		return nil, "", nil, err
	}
	if len(fields) == 0 {
		return nil, "", nil, fmt.Errorf("no known fields match the analysis query")
	}

	supplement, err := a.lookupSupplement(ctx, query, a.cfg.AnalysisInfoTopK)
	if err != nil {
		a.log.Warn("Supplemental lookup failed", "error", err)
	}

	candidates := a.registry.Select(tables.BySchema(a.cfg.BaseSchema), tables.ByFields(fieldNames(fields)...))
	if len(candidates) == 0 {
		return nil, "", nil, fmt.Errorf("no tables carry the retrieved fields")
	}
	return fields, supplement, candidates, nil
}

// publishReport lands the run's artifacts: final tables get registered
// with the tile server, saved tables are promoted past cleanup, and layer
// publications go onto the map. Intermediate tables were already dropped
// by the executor and are skipped.
func (a *Assistant) publishReport(ctx context.Context, plan *analysis.Plan, report *analysis.Report) error {
	finals := plan.FinalTables()
	for _, item := range report.Items {
		switch artifact := item.(type) {
		case analysis.TableCreated:
			if !finals[artifact.Table] {
				continue
			}
			if _, err := a.registry.Register(ctx, artifact.Table); err != nil {
				return err
			}
		case analysis.TableSaved:
			a.registry.Promote(artifact.SchemaName, artifact.Table)
		case analysis.MapLayerArguments:
			selected := a.registry.Select(tables.BySchema(artifact.Schema), tables.ByTable(artifact.Table))
			if len(selected) == 0 {
				return fmt.Errorf("analysis table %s.%s is not tile-served", artifact.Schema, artifact.Table)
			}
			if _, err := a.mapState.AddLayer(selected[0], artifact.LayerID, artifact.Color, nil, ""); err != nil {
				return err
			}
		}
	}
	return nil
}

func describeTables(tbls []tables.Table) string {
	lines := make([]string, 0, len(tbls))
	for _, t := range tbls {
		lines = append(lines, fmt.Sprintf("- %s (%s): %s", t.Name, t.GeometryType, strings.Join(t.Columns, ", ")))
	}
	return strings.Join(lines, "\n")
}

func describeFields(defs []docstore.FieldDefinition) string {
	lines := make([]string, 0, len(defs))
	for _, def := range defs {
		line := fmt.Sprintf("- %s: %s", def.Name, def.Description)
		if len(def.Enum) > 0 {
			line += fmt.Sprintf(" (one of: %s)", strings.Join(def.Enum, ", "))
		}
		lines = append(lines, line)
	}
	return strings.Join(lines, "\n")
}
