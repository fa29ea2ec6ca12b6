// Package analysis implements the constrained plan DSL an LLM emits to run
// multi-step spatial analyses: step types, plan parsing and validation, schema
// synthesis for structured output, and execution against PostGIS.
package analysis

import (
	"encoding/json"
	"errors"
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// ErrPlanValidation wraps every rejection of a generated plan so callers can
// tell malformed plans apart from infrastructure failures.
var ErrPlanValidation = errors.New("analysis plan validation failed")

// nameRE matches the snake_case identifiers accepted for the analysis name
// and for output tables. Everything is lowercased in SQL anyway, so the plan
// schema asks for lowercase up front.
var nameRE = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

// Plan is a parsed, validated analysis. Name doubles as the database schema
// holding every table the plan creates.
type Plan struct {
	Name  string
	Steps []Step
}

type planWire struct {
	Name  string            `json:"name"`
	Steps []json.RawMessage `json:"steps"`
}

// ParsePlan decodes and validates raw plan JSON as produced by the model.
func ParsePlan(data []byte) (*Plan, error) {
	var wire planWire
	if err := json.Unmarshal(data, &wire); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPlanValidation, err)
	}

	plan := &Plan{Name: wire.Name, Steps: make([]Step, 0, len(wire.Steps))}
	for i, raw := range wire.Steps {
		step, err := decodeStep(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: steps[%d]: %v", ErrPlanValidation, i, err)
		}
		plan.Steps = append(plan.Steps, step)
	}

	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

func decodeStep(raw json.RawMessage) (Step, error) {
	var head struct {
		Kind string `json:"step"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, err
	}
	factory, ok := stepFactories[head.Kind]
	if !ok {
		return nil, fmt.Errorf("unknown step kind: %q", head.Kind)
	}
	step := factory()
	if err := json.Unmarshal(raw, step); err != nil {
		return nil, err
	}
	step.Common().ID = uuid.NewString()
	return step, nil
}

// Validate checks the plan as a whole: naming, per-step validity, and that
// every step index reference points at an output created by an earlier step.
func (p *Plan) Validate() error {
	if !nameRE.MatchString(p.Name) {
		return fmt.Errorf("%w: analysis name %q must be snake_case", ErrPlanValidation, p.Name)
	}
	if len(p.Steps) == 0 {
		return fmt.Errorf("%w: plan has no steps", ErrPlanValidation)
	}

	outputs := 0
	seen := map[string]bool{}
	for i, step := range p.Steps {
		if err := step.Validate(); err != nil {
			return fmt.Errorf("%w: steps[%d] (%s): %v", ErrPlanValidation, i, step.Kind(), err)
		}
		for _, src := range step.Sources() {
			if idx, ok := src.Index(); ok && idx >= outputs {
				return fmt.Errorf("%w: steps[%d] (%s): references output %d before it exists", ErrPlanValidation, i, step.Kind(), idx)
			}
		}
		if sql, ok := step.(SQLStep); ok {
			table := sql.OutputTable()
			if !nameRE.MatchString(table) {
				return fmt.Errorf("%w: steps[%d] (%s): output table %q must be snake_case", ErrPlanValidation, i, step.Kind(), table)
			}
			if seen[table] {
				return fmt.Errorf("%w: steps[%d] (%s): output table %q already created", ErrPlanValidation, i, step.Kind(), table)
			}
			seen[table] = true
			outputs++
		}
	}
	return nil
}

// OutputTables lists the tables the plan creates, in creation order. Step
// index references resolve against this list.
func (p *Plan) OutputTables() []string {
	var tables []string
	for _, step := range p.Steps {
		if sql, ok := step.(SQLStep); ok {
			tables = append(tables, sql.OutputTable())
		}
	}
	return tables
}

// FinalTables reports which created tables are consumed by a reporting step
// and must therefore survive cleanup.
func (p *Plan) FinalTables() map[string]bool {
	outputs := p.OutputTables()
	finals := map[string]bool{}
	for _, step := range p.Steps {
		if _, ok := step.(ReportingStep); !ok {
			continue
		}
		for _, src := range step.Sources() {
			if idx, ok := src.Index(); ok && idx < len(outputs) {
				finals[outputs[idx]] = true
			}
		}
	}
	return finals
}
