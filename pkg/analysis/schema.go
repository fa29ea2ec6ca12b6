package analysis

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/invopop/jsonschema"
)

// PlanSchema builds the JSON schema handed to the model for structured plan
// output. The step variants are reflected from the step structs, the source
// slots are rewritten to accept a step index or a whitelisted table name, and
// column slots are constrained to the fields known for the selected tables.
// The whole schema is then tightened to the strict subset OpenAI enforces.
func PlanSchema(fields, tables []string) (map[string]any, error) {
	variants := make([]any, 0, len(stepKinds))
	for _, kind := range stepKinds {
		variant, err := stepSchema(kind, tables)
		if err != nil {
			return nil, err
		}
		variants = append(variants, variant)
	}

	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"name": map[string]any{
				"type":        "string",
				"description": "Snake case name for the analysis. It becomes the database schema holding the outputs.",
			},
			"steps": map[string]any{
				"type":        "array",
				"items":       map[string]any{"anyOf": variants},
				"description": "Ordered list of analysis steps.",
			},
		},
		"required": []any{"name", "steps"},
	}

	rewriteColumns(schema, enumValues(fields))
	strictify(schema)
	return schema, nil
}

// stepSchema reflects one step variant and grafts in the discriminator and
// the source-table schema.
func stepSchema(kind string, tables []string) (map[string]any, error) {
	factory, ok := stepFactories[kind]
	if !ok {
		return nil, fmt.Errorf("unknown step kind: %q", kind)
	}

	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		DoNotReference:             true,
	}
	reflected := reflector.Reflect(factory())

	data, err := json.Marshal(reflected)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal schema for step %q: %w", kind, err)
	}
	var schema map[string]any
	if err := json.Unmarshal(data, &schema); err != nil {
		return nil, fmt.Errorf("failed to process schema for step %q: %w", kind, err)
	}
	delete(schema, "$schema")
	delete(schema, "$id")

	props, _ := schema["properties"].(map[string]any)
	if props == nil {
		return nil, fmt.Errorf("schema for step %q has no properties", kind)
	}
	props["step"] = map[string]any{
		"type":        "string",
		"enum":        []any{kind},
		"description": "Step type",
	}
	required, _ := schema["required"].([]any)
	schema["required"] = append(required, "step")

	for _, slot := range []string{"from_table", "from_left_table", "join_right_table", "source_table"} {
		if _, ok := props[slot]; ok {
			props[slot] = sourceSchema(tables)
		}
	}
	return schema, nil
}

// sourceSchema is the per-turn replacement for the reflected Source schema.
// The name branch enumerates the registered tables when any are known.
func sourceSchema(tables []string) map[string]any {
	name := map[string]any{
		"type":        "string",
		"description": "The name of the source table to pull data from",
	}
	if len(tables) > 0 {
		name["enum"] = enumValues(tables)
	}
	return map[string]any{
		"anyOf": []any{
			map[string]any{
				"type":        "integer",
				"description": "Index of an earlier step whose output table to use",
			},
			name,
		},
	}
}

func enumValues(values []string) []any {
	if len(values) == 0 {
		return nil
	}
	enum := make([]any, len(values))
	for i, v := range values {
		enum[i] = v
	}
	return enum
}

// rewriteColumns walks the schema and pins down the open-ended slots the
// reflector cannot know about: column names get the field whitelist, and the
// untyped comparison values get an explicit scalar union.
func rewriteColumns(node any, fields []any) {
	switch n := node.(type) {
	case map[string]any:
		if props, ok := n["properties"].(map[string]any); ok {
			if col, ok := props["column"].(map[string]any); ok && col["type"] == "string" && len(fields) > 0 {
				col["enum"] = fields
			}
			if _, ok := props["value"]; ok {
				props["value"] = scalarSchema("Value to compare against")
			}
			if _, ok := props["value_list"]; ok {
				props["value_list"] = map[string]any{
					"type":        "array",
					"items":       scalarSchema(""),
					"description": "Values for IN and NOT IN",
				}
			}
			if _, ok := props["lower"]; ok {
				props["lower"] = scalarSchema("Lower bound for BETWEEN")
			}
			if _, ok := props["upper"]; ok {
				props["upper"] = scalarSchema("Upper bound for BETWEEN")
			}
		}
		for _, v := range n {
			rewriteColumns(v, fields)
		}
	case []any:
		for _, v := range n {
			rewriteColumns(v, fields)
		}
	}
}

func scalarSchema(description string) map[string]any {
	schema := map[string]any{
		"anyOf": []any{
			map[string]any{"type": "string"},
			map[string]any{"type": "number"},
			map[string]any{"type": "boolean"},
		},
	}
	if description != "" {
		schema["description"] = description
	}
	return schema
}

// strictify rewrites every object schema into the strict structured-output
// subset: all properties listed in required, optional ones made nullable, and
// additionalProperties pinned to false.
func strictify(node any) {
	switch n := node.(type) {
	case map[string]any:
		if props, ok := n["properties"].(map[string]any); ok && n["type"] == "object" {
			requiredSet := map[string]bool{}
			if required, ok := n["required"].([]any); ok {
				for _, r := range required {
					if name, ok := r.(string); ok {
						requiredSet[name] = true
					}
				}
			}
			names := make([]string, 0, len(props))
			for name := range props {
				names = append(names, name)
			}
			sort.Strings(names)
			required := make([]any, 0, len(names))
			for _, name := range names {
				if !requiredSet[name] {
					props[name] = nullable(props[name])
				}
				required = append(required, name)
			}
			n["required"] = required
			n["additionalProperties"] = false
		}
		for _, v := range n {
			strictify(v)
		}
	case []any:
		for _, v := range n {
			strictify(v)
		}
	}
}

// nullable wraps a property schema so null is accepted alongside its original
// shape. Strict mode requires every property; the model opts out of one by
// sending null.
func nullable(prop any) any {
	m, ok := prop.(map[string]any)
	if !ok {
		return prop
	}
	if branches, ok := m["anyOf"].([]any); ok {
		for _, b := range branches {
			if bm, ok := b.(map[string]any); ok && bm["type"] == "null" {
				return m
			}
		}
		m["anyOf"] = append(branches, map[string]any{"type": "null"})
		return m
	}
	if m["type"] == "null" {
		return m
	}
	return map[string]any{"anyOf": []any{m, map[string]any{"type": "null"}}}
}
