package sqltemplate

// Template names shipped in the embedded set.
const (
	TemplateFilter       = "filter"
	TemplateMerge        = "merge"
	TemplateBuffer       = "buffer"
	TemplateAggregate    = "aggregate"
	TemplateDrop         = "drop"
	TemplatePostprocess  = "postprocess"
	TemplateLatLong      = "lat_long"
	TemplateCreateSchema = "create_schema"
	TemplateDropSchema   = "drop_schema"
	TemplateCount        = "count"
	TemplateGeometryType = "geometry_type"
)

// FilterArgs materialises one filter step. Select and Where carry rendered
// SQL fragments; FromTable is already schema-qualified.
type FilterArgs struct {
	Schema         string
	OutputTable    string
	GeometryColumn string
	SRID           int
	GType          string
	Select         []string
	FromTable      string
	Where          []string
	OrderBy        []string
	OrderDesc      bool
	Limit          int
}

// MergeArgs materialises one merge step. Column fragments are qualified with
// the l/r aliases the template assigns. GeometryExpr, when set, replaces the
// per-row geometry normalisation with a spatial aggregate and GroupBy kicks in.
type MergeArgs struct {
	Schema         string
	OutputTable    string
	GeometryColumn string
	SRID           int
	GType          string
	LeftSelect     []string
	RightSelect    []string
	LeftTable      string
	RightTable     string
	Predicate      string
	GeometryExpr   string
	GroupBy        []string
}

// BufferArgs materialises one buffer step. Distance is in SRID units;
// kilometre inputs are converted upstream.
type BufferArgs struct {
	Schema         string
	OutputTable    string
	GeometryColumn string
	SRID           int
	FromTable      string
	Distance       float64
}

// AggregateArgs materialises one aggregate step. GeometryExpr is empty when
// the step drops geometry entirely.
type AggregateArgs struct {
	Schema         string
	OutputTable    string
	GeometryColumn string
	Select         []string
	GeometryExpr   string
	GroupBy        []string
	FromTable      string
}

// PostprocessArgs registers a freshly created table: geometry metadata,
// tile-server grant, spatial index and planner stats.
type PostprocessArgs struct {
	Schema         string
	Table          string
	Role           string
	GeometryColumn string
	HasGeometry    bool
}

type DropArgs struct {
	Schema string
	Table  string
}

type CreateSchemaArgs struct {
	Schema string
	Role   string
}

type DropSchemaArgs struct {
	Schema string
}

// CountArgs counts rows matching pre-rendered predicates.
type CountArgs struct {
	Schema string
	Table  string
	Where  []string
}

// GeometryTypeArgs probes distinct geometry types. Limit 0 returns all.
type GeometryTypeArgs struct {
	Schema         string
	Table          string
	GeometryColumn string
	Limit          int
}

// LatLongArgs finds the rows whose geometry covers a WGS84 point.
type LatLongArgs struct {
	Schema         string
	Table          string
	GeometryColumn string
	Latitude       float64
	Longitude      float64
}
