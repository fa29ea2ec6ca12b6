package analysis

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kadirpekel/geoassist/pkg/llms"
	"github.com/kadirpekel/geoassist/pkg/logger"
)

// Planner turns a conversation into a validated analysis plan via structured
// output.
type Planner struct {
	provider llms.Provider
	log      *slog.Logger
}

func NewPlanner(provider llms.Provider) *Planner {
	return &Planner{
		provider: provider,
		log:      logger.With("analysis"),
	}
}

// Plan asks the model for a plan constrained to the given field and table
// whitelists, then parses and validates the result.
func (p *Planner) Plan(ctx context.Context, messages []llms.Message, fields, tables []string) (*Plan, error) {
	schema, err := PlanSchema(fields, tables)
	if err != nil {
		return nil, err
	}

	raw, tokens, err := p.provider.GenerateStructured(ctx, messages, &llms.StructuredOutputConfig{
		Name:   "gis_analysis",
		Schema: schema,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate analysis plan: %w", err)
	}

	plan, err := ParsePlan([]byte(raw))
	if err != nil {
		p.log.Warn("Rejected analysis plan",
			"model", p.provider.ModelName(),
			"error", err)
		return nil, err
	}

	p.log.Info("Parsed analysis plan",
		"analysis", plan.Name,
		"steps", len(plan.Steps),
		"tokens", tokens)
	return plan, nil
}
