package gisdsl

import "github.com/invopop/jsonschema"

// CompareOps lists every comparison operator across all filter variants.
func CompareOps() []CompareOp {
	ops := ValueOps()
	ops = append(ops, ListOps()...)
	ops = append(ops, OpBetween)
	ops = append(ops, NullOps()...)
	return ops
}

// JSONSchema constrains plan output to the known comparison operators.
func (CompareOp) JSONSchema() *jsonschema.Schema {
	vals := CompareOps()
	enum := make([]any, len(vals))
	for i, v := range vals {
		enum[i] = string(v)
	}
	return &jsonschema.Schema{
		Type:        "string",
		Enum:        enum,
		Description: "Comparison operator",
	}
}

// JSONSchema constrains plan output to the known aggregate functions.
func (AggregateOp) JSONSchema() *jsonschema.Schema {
	vals := AggregateOps()
	enum := make([]any, len(vals))
	for i, v := range vals {
		enum[i] = string(v)
	}
	return &jsonschema.Schema{
		Type:        "string",
		Enum:        enum,
		Description: "Aggregate function",
	}
}

// JSONSchema constrains plan output to the known spatial aggregates.
func (SpatialOp) JSONSchema() *jsonschema.Schema {
	vals := SpatialOps()
	enum := make([]any, len(vals))
	for i, v := range vals {
		enum[i] = string(v)
	}
	return &jsonschema.Schema{
		Type:        "string",
		Enum:        enum,
		Description: "Spatial aggregation applied to the geometry column",
	}
}

// JSONSchema constrains plan output to the known geometry typmods.
func (GeometryType) JSONSchema() *jsonschema.Schema {
	vals := GeometryTypes()
	enum := make([]any, len(vals))
	for i, v := range vals {
		enum[i] = string(v)
	}
	return &jsonschema.Schema{
		Type:        "string",
		Enum:        enum,
		Description: "PostGIS geometry type of the created table",
	}
}
