package assistant

import (
	"context"
	"fmt"

	"github.com/kadirpekel/geoassist/pkg/agent"
	"github.com/kadirpekel/geoassist/pkg/maps"
	"github.com/kadirpekel/geoassist/pkg/sqltemplate"
	"github.com/kadirpekel/geoassist/pkg/tables"
)

func (a *Assistant) toolSpecs() []agent.ToolSpec {
	return []agent.ToolSpec{
		a.addMapLayerSpec(),
		a.removeMapLayerSpec(),
		a.resetMapSpec(),
		a.runAnalysisSpec(),
	}
}

type addLayerArgs struct {
	Table   string        `json:"table"`
	LayerID string        `json:"layer_id"`
	Color   string        `json:"color"`
	Style   string        `json:"style"`
	Filters []maps.Filter `json:"filters"`
}

func (a *Assistant) addMapLayerSpec() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "add_map_layer",
		Description: "Add a layer for a table to the map, optionally restricted by attribute filters. Reusing a layer id replaces that layer.",
		Params: map[string]agent.ParamSpec{
			"table": {
				Type:        "string",
				Description: "Table to draw. Only listed tables are on the tile server.",
				EnumFunc:    a.turnTableNames,
			},
			"layer_id": {
				Type:        "string",
				Description: "Identifier for the layer, short and descriptive.",
			},
			"color": {
				Type:        "string",
				Description: "Hex color for the layer, e.g. #ff0000.",
			},
			"style": {
				Type:        "string",
				Description: "How to draw the features.",
				Enum:        []string{maps.StyleLine, maps.StyleFill},
			},
			"filters": {
				Type:        "array",
				Description: "Predicates a feature must satisfy to be drawn. Omit to draw the whole table.",
				Items:       &agent.ParamSpec{Type: agent.SubtypeRef + "filter"},
			},
		},
		Required: []string{"table", "layer_id", "color", "style"},
		Handler:  a.addMapLayer,
	}
}

func (a *Assistant) addMapLayer(ctx context.Context, args map[string]interface{}) (string, error) {
	var req addLayerArgs
	if err := agent.DecodeArgs(args, &req); err != nil {
		return "", err
	}

	selected := a.registry.Select(tables.BySchema(a.cfg.BaseSchema), tables.ByTable(req.Table))
	if len(selected) == 0 {
		return "", fmt.Errorf("unknown table: %s", req.Table)
	}
	table := selected[0]

	reply, err := a.mapState.AddLayer(table, req.LayerID, req.Color, req.Filters, req.Style)
	if err != nil {
		return "", err
	}

	// The count is a nicety. The layer is already placed, so a failed
	// count keeps the plain confirmation.
	if count, err := a.filterCount(ctx, table, req.Filters); err == nil {
		reply = count
	} else {
		a.log.Warn("Row count failed", "table", table.Name, "error", err)
	}
	return reply, nil
}

func (a *Assistant) filterCount(ctx context.Context, table tables.Table, filters []maps.Filter) (string, error) {
	where := make([]string, 0, len(filters))
	for _, f := range filters {
		where = append(where, f.ToSQL())
	}
	rows, err := a.runner.Exec(ctx, sqltemplate.TemplateCount, sqltemplate.CountArgs{
		Schema: table.Schema,
		Table:  table.Name,
		Where:  where,
	})
	if err != nil {
		return "", err
	}
	if len(rows) == 0 {
		return "", fmt.Errorf("count returned no rows")
	}
	return fmt.Sprintf("%v parcels found", rows[0]["count"]), nil
}

func (a *Assistant) removeMapLayerSpec() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "remove_map_layer",
		Description: "Remove a single layer from the map.",
		Params: map[string]agent.ParamSpec{
			"layer_id": {
				Type:        "string",
				Description: "Layer to remove.",
				EnumFunc: func(ctx context.Context) []string {
					return a.mapState.LayerIDs()
				},
			},
		},
		Required: []string{"layer_id"},
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			var req struct {
				LayerID string `json:"layer_id"`
			}
			if err := agent.DecodeArgs(args, &req); err != nil {
				return "", err
			}
			return a.mapState.RemoveLayer(req.LayerID)
		},
	}
}

func (a *Assistant) resetMapSpec() agent.ToolSpec {
	return agent.ToolSpec{
		Name:        "reset_map",
		Description: "Remove every layer and return to a blank map.",
		Handler: func(ctx context.Context, args map[string]interface{}) (string, error) {
			return a.mapState.Reset(), nil
		},
	}
}

// turnTableNames enumerates the tables eligible this turn, set by the
// system message builder.
func (a *Assistant) turnTableNames(ctx context.Context) []string {
	names := make([]string, 0, len(a.turn.tables))
	for _, t := range a.turn.tables {
		names = append(names, t.Name)
	}
	return names
}

// filterSubtype describes one attribute predicate. Field names are pinned
// to this turn's verified definitions so the model cannot invent columns.
func (a *Assistant) filterSubtype() agent.SubtypeSpec {
	return agent.SubtypeSpec{
		Name:        "filter",
		Description: "One attribute predicate restricting the drawn features.",
		Build: func(ctx context.Context) (map[string]interface{}, error) {
			ops := maps.FilterOps()
			opNames := make([]string, 0, len(ops))
			for _, op := range ops {
				opNames = append(opNames, string(op))
			}

			field := map[string]interface{}{
				"type":        "string",
				"description": "Column the predicate applies to.",
			}
			if names := fieldNames(a.turn.fields); len(names) > 0 {
				field["enum"] = names
			}

			return map[string]interface{}{
				"field": field,
				"operator": map[string]interface{}{
					"type": "string",
					"enum": opNames,
				},
				"value": map[string]interface{}{
					"description": "Literal to compare against.",
				},
			}, nil
		},
	}
}
