package main

import (
	"encoding/json"
	"os"

	"github.com/kadirpekel/geoassist/pkg/analysis"
)

// SchemaCmd prints the JSON Schema that analysis plans must satisfy,
// optionally narrowed to known field and table names.
type SchemaCmd struct {
	Compact bool     `short:"c" help:"Output compact JSON instead of pretty-printed."`
	Tables  []string `help:"Table names to allow in the schema."`
	Fields  []string `help:"Field names to allow in the schema."`
}

func (c *SchemaCmd) Run() error {
	schema, err := analysis.PlanSchema(c.Fields, c.Tables)
	if err != nil {
		return err
	}

	encoder := json.NewEncoder(os.Stdout)
	if !c.Compact {
		encoder.SetIndent("", "  ")
	}
	return encoder.Encode(schema)
}
