package agent

import (
	"context"
	"fmt"

	"github.com/kadirpekel/geoassist/pkg/llms"
)

// synthesizeTools turns the declared tools into provider-ready definitions.
// Subtype builders and dynamic enums run here, so schemas reflect live
// state (current tables, current layers) at the moment the turn starts.
// Each tool's definitions block contains only the subtypes it references.
func (a *Agent) synthesizeTools(ctx context.Context) ([]llms.ToolDefinition, error) {
	definitions := make(map[string]map[string]interface{}, len(a.spec.Subtypes))
	for _, st := range a.spec.Subtypes {
		props, err := st.Build(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to build subtype %q: %w", st.Name, err)
		}
		definitions[st.Name] = map[string]interface{}{
			"type":        "object",
			"description": st.Description,
			"properties":  props,
			"required":    []string{},
		}
	}

	tools := make([]llms.ToolDefinition, 0, len(a.spec.Tools))
	for _, tool := range a.spec.Tools {
		used := make(map[string]bool)
		properties := make(map[string]interface{}, len(tool.Params))
		for name, param := range tool.Params {
			schema, err := paramSchema(ctx, param, used)
			if err != nil {
				return nil, fmt.Errorf("tool %q parameter %q: %w", tool.Name, name, err)
			}
			properties[name] = schema
		}

		required := tool.Required
		if required == nil {
			required = []string{}
		}
		parameters := map[string]interface{}{
			"type":       "object",
			"properties": properties,
			"required":   required,
		}

		if len(used) > 0 {
			scoped := make(map[string]interface{}, len(used))
			for name := range used {
				def, ok := definitions[name]
				if !ok {
					return nil, fmt.Errorf("tool %q references unknown subtype %q", tool.Name, name)
				}
				scoped[name] = def
			}
			parameters["definitions"] = scoped
		}

		tools = append(tools, llms.ToolDefinition{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  parameters,
		})
	}

	return tools, nil
}

// paramSchema renders one parameter to JSON schema, recording subtype
// references in used. A "#name" type collapses the whole parameter to a
// $ref; array items may reference subtypes the same way.
func paramSchema(ctx context.Context, param ParamSpec, used map[string]bool) (map[string]interface{}, error) {
	if name, ok := subtypeName(param.Type); ok {
		used[name] = true
		return map[string]interface{}{"$ref": "#/definitions/" + name}, nil
	}

	schema := map[string]interface{}{"type": param.Type}
	if param.Description != "" {
		schema["description"] = param.Description
	}

	enum := param.Enum
	if param.EnumFunc != nil {
		enum = param.EnumFunc(ctx)
	}
	if len(enum) > 0 {
		schema["enum"] = enum
	}

	if param.Type == "array" && param.Items != nil {
		items, err := paramSchema(ctx, *param.Items, used)
		if err != nil {
			return nil, err
		}
		schema["items"] = items
	}

	return schema, nil
}
