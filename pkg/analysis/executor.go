package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/kadirpekel/geoassist/pkg/gisdsl"
	"github.com/kadirpekel/geoassist/pkg/logger"
	"github.com/kadirpekel/geoassist/pkg/observability"
	"github.com/kadirpekel/geoassist/pkg/sqltemplate"
)

// Status of an analysis run as reported to subscribers.
type Status string

const (
	StatusGenerating Status = "generating"
	StatusProcessing Status = "processing"
	StatusSucceeded  Status = "succeeded"
	StatusError      Status = "error"
)

// Event is one progress update of an analysis run.
type Event struct {
	ID       string  `json:"id"`
	Query    string  `json:"query"`
	Step     string  `json:"step"`
	Status   Status  `json:"status"`
	Progress float64 `json:"progress"`
}

// Emitter receives progress events. Implementations must not block.
type Emitter func(Event)

// RunInfo identifies the run the emitted events belong to.
type RunInfo struct {
	ID    string
	Query string
}

// StepError reports which step of which analysis failed.
type StepError struct {
	Analysis string
	Step     string
	Err      error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("analysis %q failed at step %q: %v", e.Analysis, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// ExecutorConfig carries the database conventions the executor applies to
// every plan.
type ExecutorConfig struct {
	// BaseSchema holds source tables referenced by name.
	BaseSchema string
	// TileservRole is granted read access to every created table.
	TileservRole string
	// GeometryColumn is the uniform geometry column name across tables.
	GeometryColumn string
	// SRID of every geometry column.
	SRID int
}

// Executor runs validated plans against PostGIS. Each plan gets its own
// schema; intermediate tables are dropped once the run finishes.
type Executor struct {
	runner *sqltemplate.Runner
	cfg    ExecutorConfig
	log    *slog.Logger
}

func NewExecutor(runner *sqltemplate.Runner, cfg ExecutorConfig) *Executor {
	if cfg.BaseSchema == "" {
		cfg.BaseSchema = "public"
	}
	if cfg.TileservRole == "" {
		cfg.TileservRole = "tileserv"
	}
	if cfg.GeometryColumn == "" {
		cfg.GeometryColumn = "geometry"
	}
	if cfg.SRID == 0 {
		cfg.SRID = 3857
	}
	return &Executor{
		runner: runner,
		cfg:    cfg,
		log:    logger.With("analysis"),
	}
}

// Execute runs the plan step by step, emitting progress around each one.
// Tables not consumed by a reporting step are dropped before returning, even
// when the run fails or the context is cancelled.
func (e *Executor) Execute(ctx context.Context, plan *Plan, run RunInfo, emit Emitter) (report *Report, err error) {
	defer func() { observability.RecordAnalysisRun(err) }()

	event := func(step string, status Status, progress float64) {
		if emit == nil {
			return
		}
		emit(Event{ID: run.ID, Query: run.Query, Step: step, Status: status, Progress: progress})
	}

	if _, err := e.runner.Exec(ctx, sqltemplate.TemplateCreateSchema, sqltemplate.CreateSchemaArgs{
		Schema: plan.Name,
		Role:   e.cfg.TileservRole,
	}); err != nil {
		event("Creating analysis schema", StatusError, 0)
		return nil, &StepError{Analysis: plan.Name, Step: "create schema", Err: err}
	}

	report = &Report{}
	var outputs []string
	finals := map[string]bool{}

	defer func() {
		// Cleanup must run even when ctx is already cancelled.
		cleanupCtx := context.WithoutCancel(ctx)
		for _, table := range outputs {
			if finals[table] {
				continue
			}
			if _, err := e.runner.Exec(cleanupCtx, sqltemplate.TemplateDrop, sqltemplate.DropArgs{
				Schema: plan.Name,
				Table:  table,
			}); err != nil {
				e.log.Warn("Failed to drop intermediate table",
					"analysis", plan.Name,
					"table", table,
					"error", err)
			}
		}
	}()

	total := float64(len(plan.Steps))
	for i, step := range plan.Steps {
		name := step.Common().Name
		before := float64(i) / total
		event(name, StatusProcessing, before)

		stepCtx, span := observability.GetTracer("geoassist.analysis").Start(ctx, observability.SpanAnalysisStep,
			trace.WithAttributes(
				attribute.String(observability.AttrAnalysisID, run.ID),
				attribute.String(observability.AttrStepName, name),
			))
		item, output, err := e.runStep(stepCtx, plan.Name, step, outputs, finals)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			span.End()
			event(name, StatusError, before)
			e.log.Error("Analysis step failed",
				"analysis", plan.Name,
				"step", name,
				"error", err)
			return nil, &StepError{Analysis: plan.Name, Step: name, Err: err}
		}
		span.End()
		if output != "" {
			outputs = append(outputs, output)
		}
		if item != nil {
			report.Items = append(report.Items, item)
		}
		event(name, StatusProcessing, float64(i+1)/total)
	}

	event("Analysis complete", StatusSucceeded, 1)
	e.log.Info("Analysis complete",
		"analysis", plan.Name,
		"steps", len(plan.Steps),
		"tables", len(outputs))
	return report, nil
}

func (e *Executor) runStep(ctx context.Context, analysis string, step Step, outputs []string, finals map[string]bool) (ReportItem, string, error) {
	sources, err := e.resolveSources(analysis, step, outputs)
	if err != nil {
		return nil, "", err
	}

	switch s := step.(type) {
	case SQLStep:
		item, err := e.runSQLStep(ctx, analysis, s, sources)
		if err != nil {
			return nil, "", err
		}
		return item, s.OutputTable(), nil
	case ReportingStep:
		if len(sources) == 0 {
			return nil, "", fmt.Errorf("step %q has no source table", step.Common().Name)
		}
		source := sources[0]
		if source.Schema == analysis {
			finals[source.Table] = true
		}
		return s.Export(source), "", nil
	default:
		return nil, "", fmt.Errorf("step kind %q has no executor", step.Kind())
	}
}

func (e *Executor) resolveSources(analysis string, step Step, outputs []string) ([]ResolvedSource, error) {
	refs := step.Sources()
	sources := make([]ResolvedSource, 0, len(refs))
	for _, ref := range refs {
		if idx, ok := ref.Index(); ok {
			if idx < 0 || idx >= len(outputs) {
				return nil, fmt.Errorf("source %s references a table that does not exist yet", ref)
			}
			sources = append(sources, ResolvedSource{Schema: analysis, Table: outputs[idx]})
			continue
		}
		name, _ := ref.Name()
		if name == "" {
			return nil, fmt.Errorf("step %q has an empty source table", step.Common().Name)
		}
		sources = append(sources, ResolvedSource{Schema: e.cfg.BaseSchema, Table: name})
	}
	return sources, nil
}

func (e *Executor) runSQLStep(ctx context.Context, analysis string, step SQLStep, sources []ResolvedSource) (ReportItem, error) {
	gtype, ok := step.TargetGeometry()
	if !ok {
		probed, err := e.probeGeometryTypes(ctx, sources)
		if err != nil {
			return nil, err
		}
		gtype = probed
	}

	args, err := step.TemplateArgs(TemplateInputs{
		Schema:         analysis,
		GeometryColumn: e.cfg.GeometryColumn,
		SRID:           e.cfg.SRID,
		GeometryType:   gtype,
		Sources:        sources,
	})
	if err != nil {
		return nil, err
	}
	if _, err := e.runner.Exec(ctx, step.Template(), args); err != nil {
		return nil, err
	}

	if _, err := e.runner.Exec(ctx, sqltemplate.TemplatePostprocess, sqltemplate.PostprocessArgs{
		Schema:         analysis,
		Table:          step.OutputTable(),
		Role:           e.cfg.TileservRole,
		GeometryColumn: e.cfg.GeometryColumn,
		HasGeometry:    step.KeepsGeometry(),
	}); err != nil {
		return nil, err
	}

	common := step.Common()
	return TableCreated{
		Step:    common.Name,
		Reason:  common.Reasoning,
		Table:   step.OutputTable(),
		Columns: step.OutputColumns(),
	}, nil
}

// probeGeometryTypes inspects the distinct geometry types of every source and
// picks the widest typmod that can hold them all.
func (e *Executor) probeGeometryTypes(ctx context.Context, sources []ResolvedSource) (gisdsl.GeometryType, error) {
	var types []string
	for _, src := range sources {
		rows, err := e.runner.Exec(ctx, sqltemplate.TemplateGeometryType, sqltemplate.GeometryTypeArgs{
			Schema:         src.Schema,
			Table:          src.Table,
			GeometryColumn: e.cfg.GeometryColumn,
		})
		if err != nil {
			return "", fmt.Errorf("failed to probe geometry type of %s: %w", src, err)
		}
		for _, row := range rows {
			if t, ok := row["geometry_type"].(string); ok {
				types = append(types, t)
			}
		}
	}
	return gisdsl.TargetGeometryType(types), nil
}
