package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/geoassist/pkg/gisdsl"
)

// Source points a step at its input table: either the output of an earlier
// SQL step in the same plan, referenced by index, or a registered table by
// name. On the wire it is a bare integer or a string.
type Source struct {
	index   int
	name    string
	byIndex bool
}

// ByIndex references the output table of the plan's i-th SQL step.
func ByIndex(i int) Source {
	return Source{index: i, byIndex: true}
}

// ByName references a registered table in the base schema.
func ByName(name string) Source {
	return Source{name: name}
}

// Index returns the back-reference index when this is an index reference.
func (s Source) Index() (int, bool) {
	return s.index, s.byIndex
}

// Name returns the table name when this is a name reference.
func (s Source) Name() (string, bool) {
	if s.byIndex {
		return "", false
	}
	return s.name, s.name != ""
}

func (s Source) Validate() error {
	if s.byIndex {
		if s.index < 0 {
			return fmt.Errorf("source index %d is negative", s.index)
		}
		return nil
	}
	if s.name == "" {
		return errors.New("source table reference is empty")
	}
	return nil
}

func (s Source) String() string {
	if s.byIndex {
		return "#" + strconv.Itoa(s.index)
	}
	return s.name
}

func (s Source) MarshalJSON() ([]byte, error) {
	if s.byIndex {
		return json.Marshal(s.index)
	}
	return json.Marshal(s.name)
}

func (s *Source) UnmarshalJSON(data []byte) error {
	if string(bytes.TrimSpace(data)) == "null" {
		return errors.New("source table reference is null")
	}
	var number json.Number
	if err := json.Unmarshal(data, &number); err == nil {
		idx, err := strconv.Atoi(number.String())
		if err != nil {
			return fmt.Errorf("source index must be an integer, got %s", number)
		}
		*s = ByIndex(idx)
		return nil
	}
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		*s = ByName(name)
		return nil
	}
	return fmt.Errorf("source table must be a step index or a table name, got %s", data)
}

// JSONSchema documents the wire form. PlanSchema swaps in the per-turn
// table whitelist before the schema reaches the model.
func (Source) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		AnyOf: []*jsonschema.Schema{
			{Type: "integer", Description: "Index of an earlier step whose output table to use"},
			{Type: "string", Description: "The name of the source table to pull data from"},
		},
	}
}

// ResolvedSource is the fully qualified table a source resolved to.
type ResolvedSource struct {
	Schema string
	Table  string
}

// Qualified renders the quoted schema.table reference.
func (r ResolvedSource) Qualified() string {
	return gisdsl.QuoteIdent(r.Schema) + "." + gisdsl.QuoteIdent(r.Table)
}

func (r ResolvedSource) String() string {
	return r.Schema + "." + r.Table
}
