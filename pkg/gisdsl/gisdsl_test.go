package gisdsl

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestQuote(t *testing.T) {
	assert.Equal(t, "'AG'", Quote("AG"))
	assert.Equal(t, "'O''Brien'", Quote("O'Brien"))
	assert.Equal(t, "''", Quote(""))
}

func TestLiteral(t *testing.T) {
	tests := []struct {
		name  string
		value any
		want  string
	}{
		{"string", "wetland", "'wetland'"},
		{"string with quote", "it's", "'it''s'"},
		{"nil", nil, "NULL"},
		{"true", true, "TRUE"},
		{"false", false, "FALSE"},
		{"int", 42, "42"},
		{"float", 2.5, "2.5"},
		{"whole float", float64(10), "10"},
		{"json number", json.Number("3.14"), "3.14"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Literal(tt.value))
		})
	}
}

func TestColumn_Fragment(t *testing.T) {
	assert.Equal(t, `"acres"`, Column{Column: "acres"}.Fragment(""))
	assert.Equal(t, `"acres" AS "parcel_acres"`, Column{Column: "acres", Alias: "parcel_acres"}.Fragment(""))
	assert.Equal(t, `l."acres" AS "parcel_acres"`, Column{Column: "acres", Alias: "parcel_acres"}.Fragment("l"))
	assert.Equal(t, "acres", Column{Column: "acres"}.OutputName())
	assert.Equal(t, "parcel_acres", Column{Column: "acres", Alias: "parcel_acres"}.OutputName())
}

func TestValueFilter(t *testing.T) {
	frag, err := ValueFilter{Column: "acres", Op: OpGreater, Value: 5}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, `"acres" > 5`, frag)

	frag, err = ValueFilter{Column: "zone", Op: OpEqual, Value: "AG"}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, `"zone" = 'AG'`, frag)

	frag, err = ValueFilter{Column: "owner", Op: OpILike, Value: "%smith%"}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, `"owner" ILIKE '%smith%'`, frag)

	_, err = ValueFilter{Column: "zone", Op: OpIn, Value: "AG"}.Fragment()
	assert.Error(t, err)

	_, err = ValueFilter{Column: "zone", Op: OpEqual}.Fragment()
	assert.Error(t, err)

	_, err = ValueFilter{Op: OpEqual, Value: "AG"}.Fragment()
	assert.Error(t, err)
}

func TestListFilter(t *testing.T) {
	frag, err := ListFilter{Column: "zone", Op: OpIn, Values: []any{"AG", "RES", 3}}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, `"zone" IN ('AG', 'RES', 3)`, frag)

	frag, err = ListFilter{Column: "zone", Op: OpNotIn, Values: []any{"AG"}}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, `"zone" NOT IN ('AG')`, frag)

	// Empty lists stay executable.
	frag, err = ListFilter{Column: "zone", Op: OpIn}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, "1 = 0", frag)

	frag, err = ListFilter{Column: "zone", Op: OpNotIn}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, "1 = 1", frag)

	_, err = ListFilter{Column: "zone", Op: OpEqual, Values: []any{"AG"}}.Fragment()
	assert.Error(t, err)
}

func TestRangeFilter(t *testing.T) {
	frag, err := RangeFilter{Column: "acres", Lower: 5, Upper: 10}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, `"acres" BETWEEN 5 AND 10`, frag)

	frag, err = RangeFilter{Column: "sold_at", Lower: "2020-01-01", Upper: "2020-12-31"}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, `"sold_at" BETWEEN '2020-01-01' AND '2020-12-31'`, frag)

	_, err = RangeFilter{Column: "acres", Lower: 5}.Fragment()
	assert.Error(t, err)
}

func TestNullFilter(t *testing.T) {
	frag, err := NullFilter{Column: "owner", Op: OpIsNull}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, `"owner" IS NULL`, frag)

	frag, err = NullFilter{Column: "owner", Op: OpIsNotNull}.Fragment()
	require.NoError(t, err)
	assert.Equal(t, `"owner" IS NOT NULL`, frag)

	_, err = NullFilter{Column: "owner", Op: OpEqual}.Fragment()
	assert.Error(t, err)
}

func TestCondition_Decode(t *testing.T) {
	tests := []struct {
		name      string
		condition Condition
		want      Filter
	}{
		{
			"value",
			Condition{Column: "acres", Operator: OpGreater, Value: 5},
			ValueFilter{Column: "acres", Op: OpGreater, Value: 5},
		},
		{
			"list",
			Condition{Column: "zone", Operator: OpNotIn, ValueList: []any{"AG"}},
			ListFilter{Column: "zone", Op: OpNotIn, Values: []any{"AG"}},
		},
		{
			"range",
			Condition{Column: "acres", Operator: OpBetween, Lower: 1, Upper: 2},
			RangeFilter{Column: "acres", Lower: 1, Upper: 2},
		},
		{
			"null",
			Condition{Column: "owner", Operator: OpIsNull},
			NullFilter{Column: "owner", Op: OpIsNull},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.condition.Decode()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := Condition{Column: "x", Operator: "REGEXP"}.Decode()
	assert.Error(t, err)
}

func TestCondition_FragmentFromJSON(t *testing.T) {
	raw := `{"column": "zone", "operator": "IN", "value_list": ["AG", "RES"]}`
	var cond Condition
	require.NoError(t, json.Unmarshal([]byte(raw), &cond))

	frag, err := cond.Fragment()
	require.NoError(t, err)
	assert.Equal(t, `"zone" IN ('AG', 'RES')`, frag)
}

func TestAggregator_Fragment(t *testing.T) {
	tests := []struct {
		name string
		agg  Aggregator
		want string
	}{
		{"count star", Aggregator{Op: AggCount}, `count(*) AS "count"`},
		{"count star explicit", Aggregator{Op: AggCount, Column: "*"}, `count(*) AS "count"`},
		{"count column", Aggregator{Op: AggCount, Column: "zone"}, `count("zone") AS "count_zone"`},
		{"count distinct", Aggregator{Op: AggCount, Column: "zone", Distinct: true}, `count(DISTINCT "zone") AS "count_zone"`},
		{"sum with alias", Aggregator{Op: AggSum, Column: "acres", Alias: "total_acres"}, `sum("acres") AS "total_acres"`},
		{"avg", Aggregator{Op: AggAvg, Column: "acres"}, `avg("acres") AS "avg_acres"`},
		{"min", Aggregator{Op: AggMin, Column: "acres"}, `min("acres") AS "min_acres"`},
		{"max", Aggregator{Op: AggMax, Column: "acres"}, `max("acres") AS "max_acres"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.agg.Fragment()
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAggregator_Validate(t *testing.T) {
	assert.Error(t, Aggregator{Op: AggSum}.Validate())
	assert.Error(t, Aggregator{Op: AggSum, Column: "*"}.Validate())
	assert.Error(t, Aggregator{Op: AggSum, Column: "acres", Distinct: true}.Validate())
	assert.Error(t, Aggregator{Op: AggCount, Distinct: true}.Validate())
	assert.Error(t, Aggregator{Op: "MEDIAN", Column: "acres"}.Validate())
	assert.NoError(t, Aggregator{Op: AggCount}.Validate())
}

func TestSpatialOp_Fragment(t *testing.T) {
	expr := `"geometry"`
	tests := []struct {
		op   SpatialOp
		want string
	}{
		{SpatialCollect, `ST_Collect("geometry")`},
		{SpatialUnion, `ST_Union("geometry")`},
		{SpatialCentroid, `ST_Centroid(ST_Collect("geometry"))`},
		{SpatialExtent, `ST_Extent("geometry")::geometry`},
		{SpatialEnvelope, `ST_Envelope(ST_Collect("geometry"))`},
		{SpatialConvexHull, `ST_ConvexHull(ST_Collect("geometry"))`},
		{SpatialConcaveHull, `ST_ConcaveHull(ST_Collect("geometry"), 0.8)`},
	}
	for _, tt := range tests {
		t.Run(string(tt.op), func(t *testing.T) {
			got, err := tt.op.Fragment(expr)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	_, err := SpatialOp("DISSOLVE").Fragment(expr)
	assert.Error(t, err)
}

func TestTargetGeometryType(t *testing.T) {
	tests := []struct {
		name   string
		inputs []string
		want   GeometryType
	}{
		{"polygons", []string{"POLYGON", "MULTIPOLYGON"}, GeometryMultiPolygon},
		{"single polygon", []string{"POLYGON"}, GeometryMultiPolygon},
		{"lines", []string{"LINESTRING", "MULTILINESTRING"}, GeometryMultiLineString},
		{"points", []string{"POINT"}, GeometryMultiPoint},
		{"mixed", []string{"POINT", "POLYGON"}, GeometryCollection},
		{"collection input", []string{"GEOMETRYCOLLECTION"}, GeometryCollection},
		{"st prefix", []string{"ST_Polygon", "ST_MultiPolygon"}, GeometryMultiPolygon},
		{"case variance", []string{"Point", "multipoint"}, GeometryMultiPoint},
		{"empty probe", nil, GeometryMultiPolygon},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, TargetGeometryType(tt.inputs))
		})
	}
}
