package analysis

import (
	"errors"
	"fmt"

	"github.com/invopop/jsonschema"

	"github.com/kadirpekel/geoassist/pkg/gisdsl"
	"github.com/kadirpekel/geoassist/pkg/sqltemplate"
)

// Step kind discriminators as they appear in plan JSON.
const (
	KindFilter    = "filter"
	KindMerge     = "merge"
	KindBuffer    = "buffer"
	KindAggregate = "aggregate"
	KindAddLayer  = "addLayer"
	KindSaveTable = "saveTable"
)

// stepKinds orders the variants in the plan schema.
var stepKinds = []string{KindFilter, KindMerge, KindBuffer, KindAggregate, KindAddLayer, KindSaveTable}

// stepFactories maps a wire discriminator to its variant constructor.
var stepFactories = map[string]func() Step{
	KindFilter:    func() Step { return &FilterStep{} },
	KindMerge:     func() Step { return &MergeStep{} },
	KindBuffer:    func() Step { return &BufferStep{} },
	KindAggregate: func() Step { return &AggregateStep{} },
	KindAddLayer:  func() Step { return &PlotlyMapLayerStep{} },
	KindSaveTable: func() Step { return &SaveTableStep{} },
}

// Step is one unit of an analysis plan.
type Step interface {
	Kind() string
	Common() *StepCommon
	Sources() []Source
	Validate() error
}

// SQLStep materialises a new table through one of the SQL templates.
type SQLStep interface {
	Step
	Template() string
	OutputTable() string
	// OutputColumns lists the non-geometry columns the step projects.
	OutputColumns() []string
	// KeepsGeometry reports whether the created table carries a geometry
	// column, which decides spatial indexing during postprocessing.
	KeepsGeometry() bool
	// TargetGeometry returns the typmod of the created table when the step
	// knows it statically. When false, the executor probes the sources.
	TargetGeometry() (gisdsl.GeometryType, bool)
	TemplateArgs(in TemplateInputs) (any, error)
}

// ReportingStep emits an artifact without touching the database.
type ReportingStep interface {
	Step
	Export(source ResolvedSource) ReportItem
}

// TemplateInputs carries the execution-time values a SQL step folds into its
// template arguments. Sources aligns with the step's Sources() order.
type TemplateInputs struct {
	Schema         string
	GeometryColumn string
	SRID           int
	GeometryType   gisdsl.GeometryType
	Sources        []ResolvedSource
}

// StepCommon carries the fields every step variant declares. The ID is
// assigned at decode time and never crosses the wire.
type StepCommon struct {
	ID        string `json:"-"`
	Name      string `json:"name" jsonschema:"required,description=A descriptive name for the step"`
	Reasoning string `json:"reasoning" jsonschema:"required,description=Description of what the step does and why it is needed"`
}

// Common returns the shared step fields.
func (c *StepCommon) Common() *StepCommon { return c }

func (c *StepCommon) validateCommon() error {
	if c.Name == "" {
		return errors.New("step name is required")
	}
	return nil
}

// SpatialPredicate is the join condition of a merge step.
type SpatialPredicate string

const (
	PredicateIntersects SpatialPredicate = "intersects"
	PredicateContains   SpatialPredicate = "contains"
	PredicateWithin     SpatialPredicate = "within"
	PredicateDWithin    SpatialPredicate = "dwithin"
)

// SpatialPredicates lists every join predicate, for schema enums.
func SpatialPredicates() []SpatialPredicate {
	return []SpatialPredicate{PredicateIntersects, PredicateContains, PredicateWithin, PredicateDWithin}
}

// Fragment renders the ON condition over the two geometry expressions.
func (p SpatialPredicate) Fragment(left, right string, distance float64) (string, error) {
	switch p {
	case PredicateIntersects:
		return fmt.Sprintf("ST_Intersects(%s, %s)", left, right), nil
	case PredicateContains:
		return fmt.Sprintf("ST_Contains(%s, %s)", left, right), nil
	case PredicateWithin:
		return fmt.Sprintf("ST_Within(%s, %s)", left, right), nil
	case PredicateDWithin:
		return fmt.Sprintf("ST_DWithin(%s, %s, %s)", left, right, gisdsl.Literal(distance)), nil
	default:
		return "", fmt.Errorf("unknown spatial predicate: %q", p)
	}
}

// JSONSchema constrains plan output to the known join predicates.
func (SpatialPredicate) JSONSchema() *jsonschema.Schema {
	vals := SpatialPredicates()
	enum := make([]any, len(vals))
	for i, v := range vals {
		enum[i] = string(v)
	}
	return &jsonschema.Schema{
		Type:        "string",
		Enum:        enum,
		Description: "Spatial relation the joined rows must satisfy",
	}
}

// BufferUnit is the distance unit of a buffer step.
type BufferUnit string

const (
	UnitMeters     BufferUnit = "meters"
	UnitKilometers BufferUnit = "kilometers"
)

// meters converts a distance to SRID units. An unset unit means meters.
func (u BufferUnit) meters(distance float64) float64 {
	if u == UnitKilometers {
		return distance * 1000
	}
	return distance
}

// JSONSchema constrains plan output to the known units.
func (BufferUnit) JSONSchema() *jsonschema.Schema {
	return &jsonschema.Schema{
		Type:        "string",
		Enum:        []any{string(UnitMeters), string(UnitKilometers)},
		Description: "Unit for the buffer distance",
	}
}

// FilterStep projects and filters rows from one table into a new table.
type FilterStep struct {
	StepCommon
	Select    []gisdsl.Column    `json:"select" jsonschema:"required,description=Columns to keep in the output table"`
	From      Source             `json:"from_table" jsonschema:"required"`
	Where     []gisdsl.Condition `json:"where_clause" jsonschema:"required,description=Predicates combined with AND"`
	OrderBy   []gisdsl.Column    `json:"order_by" jsonschema:"description=Columns to order the output by"`
	OrderDesc bool               `json:"order_desc" jsonschema:"description=Order descending instead of ascending"`
	Limit     int                `json:"limit" jsonschema:"description=Maximum number of rows to keep; zero keeps all"`
	Output    string             `json:"output_table" jsonschema:"required,description=Name of table being created"`
}

func (s *FilterStep) Kind() string        { return KindFilter }
func (s *FilterStep) Template() string    { return sqltemplate.TemplateFilter }
func (s *FilterStep) OutputTable() string { return s.Output }
func (s *FilterStep) Sources() []Source   { return []Source{s.From} }
func (s *FilterStep) KeepsGeometry() bool { return true }

func (s *FilterStep) TargetGeometry() (gisdsl.GeometryType, bool) { return "", false }

func (s *FilterStep) OutputColumns() []string {
	cols := make([]string, 0, len(s.Select))
	for _, c := range s.Select {
		cols = append(cols, c.OutputName())
	}
	return cols
}

func (s *FilterStep) Validate() error {
	if err := s.validateCommon(); err != nil {
		return err
	}
	if err := s.From.Validate(); err != nil {
		return err
	}
	for _, c := range s.Select {
		if c.Column == "" {
			return errors.New("select column is required")
		}
	}
	for _, w := range s.Where {
		if _, err := w.Fragment(); err != nil {
			return err
		}
	}
	for _, c := range s.OrderBy {
		if c.Column == "" {
			return errors.New("order_by column is required")
		}
	}
	if s.Limit < 0 {
		return errors.New("limit cannot be negative")
	}
	if s.Output == "" {
		return errors.New("output_table is required")
	}
	return nil
}

func (s *FilterStep) TemplateArgs(in TemplateInputs) (any, error) {
	selects := make([]string, 0, len(s.Select))
	for _, c := range s.Select {
		selects = append(selects, c.Fragment(""))
	}
	wheres := make([]string, 0, len(s.Where))
	for _, w := range s.Where {
		frag, err := w.Fragment()
		if err != nil {
			return nil, err
		}
		wheres = append(wheres, frag)
	}
	orderBy := make([]string, 0, len(s.OrderBy))
	for _, c := range s.OrderBy {
		orderBy = append(orderBy, c.Ref(""))
	}
	return sqltemplate.FilterArgs{
		Schema:         in.Schema,
		OutputTable:    s.Output,
		GeometryColumn: in.GeometryColumn,
		SRID:           in.SRID,
		GType:          string(in.GeometryType),
		Select:         selects,
		FromTable:      in.Sources[0].Qualified(),
		Where:          wheres,
		OrderBy:        orderBy,
		OrderDesc:      s.OrderDesc,
		Limit:          s.Limit,
	}, nil
}

// MergeStep spatially joins two tables into a new table.
type MergeStep struct {
	StepCommon
	LeftSelect        []gisdsl.Column     `json:"left_select" jsonschema:"required,description=Columns to keep from the left table"`
	RightSelect       []gisdsl.Column     `json:"right_select" jsonschema:"required,description=Columns to keep from the right table"`
	Left              Source              `json:"from_left_table" jsonschema:"required"`
	Right             Source              `json:"join_right_table" jsonschema:"required"`
	Predicate         SpatialPredicate    `json:"spatial_predicate" jsonschema:"required"`
	Distance          float64             `json:"distance" jsonschema:"description=Join distance in meters; only used by dwithin"`
	SpatialAggregator gisdsl.SpatialOp    `json:"spatial_aggregator" jsonschema:"description=Optional way to aggregate the joined geometries into one"`
	OutputType        gisdsl.GeometryType `json:"output_geometry_type" jsonschema:"description=The geometry type after the spatial join; omit to derive it from the source tables"`
	Output            string              `json:"output_table" jsonschema:"required,description=Name of table being created"`
}

func (s *MergeStep) Kind() string        { return KindMerge }
func (s *MergeStep) Template() string    { return sqltemplate.TemplateMerge }
func (s *MergeStep) OutputTable() string { return s.Output }
func (s *MergeStep) Sources() []Source   { return []Source{s.Left, s.Right} }
func (s *MergeStep) KeepsGeometry() bool { return true }

func (s *MergeStep) TargetGeometry() (gisdsl.GeometryType, bool) {
	if s.OutputType == "" {
		return "", false
	}
	return s.OutputType, true
}

func (s *MergeStep) OutputColumns() []string {
	cols := make([]string, 0, len(s.LeftSelect)+len(s.RightSelect))
	for _, c := range s.LeftSelect {
		cols = append(cols, c.OutputName())
	}
	for _, c := range s.RightSelect {
		cols = append(cols, c.OutputName())
	}
	return cols
}

func (s *MergeStep) Validate() error {
	if err := s.validateCommon(); err != nil {
		return err
	}
	if err := s.Left.Validate(); err != nil {
		return err
	}
	if err := s.Right.Validate(); err != nil {
		return err
	}
	for _, c := range s.LeftSelect {
		if c.Column == "" {
			return errors.New("left_select column is required")
		}
	}
	for _, c := range s.RightSelect {
		if c.Column == "" {
			return errors.New("right_select column is required")
		}
	}
	if !containsPredicate(s.Predicate) {
		return fmt.Errorf("unknown spatial predicate: %q", s.Predicate)
	}
	if s.Predicate == PredicateDWithin && s.Distance <= 0 {
		return errors.New("dwithin requires a positive distance")
	}
	if s.SpatialAggregator != "" && !containsSpatialOp(s.SpatialAggregator) {
		return fmt.Errorf("unknown spatial aggregator: %q", s.SpatialAggregator)
	}
	if s.OutputType != "" && !containsGeometryType(s.OutputType) {
		return fmt.Errorf("unknown output geometry type: %q", s.OutputType)
	}
	if s.Output == "" {
		return errors.New("output_table is required")
	}
	return nil
}

func (s *MergeStep) TemplateArgs(in TemplateInputs) (any, error) {
	leftGeom := "l." + gisdsl.QuoteIdent(in.GeometryColumn)
	rightGeom := "r." + gisdsl.QuoteIdent(in.GeometryColumn)
	predicate, err := s.Predicate.Fragment(leftGeom, rightGeom, s.Distance)
	if err != nil {
		return nil, err
	}

	leftSelect := make([]string, 0, len(s.LeftSelect))
	for _, c := range s.LeftSelect {
		leftSelect = append(leftSelect, c.Fragment("l"))
	}
	rightSelect := make([]string, 0, len(s.RightSelect))
	for _, c := range s.RightSelect {
		rightSelect = append(rightSelect, c.Fragment("r"))
	}

	var geometryExpr string
	var groupBy []string
	if s.SpatialAggregator != "" {
		geometryExpr, err = s.SpatialAggregator.Fragment(leftGeom)
		if err != nil {
			return nil, err
		}
		// Aggregating the geometry forces every projected column into the
		// GROUP BY, referenced without aliases.
		for _, c := range s.LeftSelect {
			groupBy = append(groupBy, c.Ref("l"))
		}
		for _, c := range s.RightSelect {
			groupBy = append(groupBy, c.Ref("r"))
		}
	}

	return sqltemplate.MergeArgs{
		Schema:         in.Schema,
		OutputTable:    s.Output,
		GeometryColumn: in.GeometryColumn,
		SRID:           in.SRID,
		GType:          string(in.GeometryType),
		LeftSelect:     leftSelect,
		RightSelect:    rightSelect,
		LeftTable:      in.Sources[0].Qualified(),
		RightTable:     in.Sources[1].Qualified(),
		Predicate:      predicate,
		GeometryExpr:   geometryExpr,
		GroupBy:        groupBy,
	}, nil
}

// BufferStep draws a polygon buffer around every geometry of its source.
type BufferStep struct {
	StepCommon
	From     Source     `json:"from_table" jsonschema:"required"`
	Distance float64    `json:"buffer_distance" jsonschema:"required,description=Distance to buffer; must be greater than zero"`
	Unit     BufferUnit `json:"buffer_unit" jsonschema:"description=Unit for the buffer distance"`
	Output   string     `json:"output_table" jsonschema:"required,description=Name of table being created"`
}

func (s *BufferStep) Kind() string        { return KindBuffer }
func (s *BufferStep) Template() string    { return sqltemplate.TemplateBuffer }
func (s *BufferStep) OutputTable() string { return s.Output }
func (s *BufferStep) Sources() []Source   { return []Source{s.From} }
func (s *BufferStep) KeepsGeometry() bool { return true }

func (s *BufferStep) TargetGeometry() (gisdsl.GeometryType, bool) {
	return gisdsl.GeometryMultiPolygon, true
}

func (s *BufferStep) OutputColumns() []string { return nil }

func (s *BufferStep) Validate() error {
	if err := s.validateCommon(); err != nil {
		return err
	}
	if err := s.From.Validate(); err != nil {
		return err
	}
	if s.Distance <= 0 {
		return errors.New("buffer distance must be positive")
	}
	switch s.Unit {
	case "", UnitMeters, UnitKilometers:
	default:
		return fmt.Errorf("unknown buffer unit: %q", s.Unit)
	}
	if s.Output == "" {
		return errors.New("output_table is required")
	}
	return nil
}

func (s *BufferStep) TemplateArgs(in TemplateInputs) (any, error) {
	return sqltemplate.BufferArgs{
		Schema:         in.Schema,
		OutputTable:    s.Output,
		GeometryColumn: in.GeometryColumn,
		SRID:           in.SRID,
		FromTable:      in.Sources[0].Qualified(),
		Distance:       s.Unit.meters(s.Distance),
	}, nil
}

// AggregateStep groups rows and materialises aggregate columns, optionally
// collapsing the group geometries with a spatial aggregate.
type AggregateStep struct {
	StepCommon
	Aggregators       []gisdsl.Aggregator `json:"aggregators" jsonschema:"required,description=List of ways to aggregate columns"`
	From              Source              `json:"from_table" jsonschema:"required"`
	SpatialAggregator gisdsl.SpatialOp    `json:"spatial_aggregator" jsonschema:"description=Optional way to aggregate the grouped geometries; omit to drop geometry"`
	GroupBy           []gisdsl.Column     `json:"group_by" jsonschema:"required,description=List of columns to GROUP BY"`
	Output            string              `json:"output_table" jsonschema:"required,description=Name of table being created"`
}

func (s *AggregateStep) Kind() string        { return KindAggregate }
func (s *AggregateStep) Template() string    { return sqltemplate.TemplateAggregate }
func (s *AggregateStep) OutputTable() string { return s.Output }
func (s *AggregateStep) Sources() []Source   { return []Source{s.From} }
func (s *AggregateStep) KeepsGeometry() bool { return s.SpatialAggregator != "" }

func (s *AggregateStep) TargetGeometry() (gisdsl.GeometryType, bool) {
	return gisdsl.GeometryAny, true
}

func (s *AggregateStep) OutputColumns() []string {
	cols := make([]string, 0, len(s.Aggregators)+len(s.GroupBy))
	for _, a := range s.Aggregators {
		cols = append(cols, a.OutputName())
	}
	for _, c := range s.GroupBy {
		cols = append(cols, c.Column)
	}
	return cols
}

func (s *AggregateStep) Validate() error {
	if err := s.validateCommon(); err != nil {
		return err
	}
	if err := s.From.Validate(); err != nil {
		return err
	}
	for _, a := range s.Aggregators {
		if err := a.Validate(); err != nil {
			return err
		}
	}
	if s.SpatialAggregator != "" && !containsSpatialOp(s.SpatialAggregator) {
		return fmt.Errorf("unknown spatial aggregator: %q", s.SpatialAggregator)
	}
	if len(s.GroupBy) == 0 {
		return errors.New("group_by requires at least one column")
	}
	for _, c := range s.GroupBy {
		if c.Column == "" {
			return errors.New("group_by column is required")
		}
	}
	if s.Output == "" {
		return errors.New("output_table is required")
	}
	return nil
}

func (s *AggregateStep) TemplateArgs(in TemplateInputs) (any, error) {
	selects := make([]string, 0, len(s.Aggregators))
	for _, a := range s.Aggregators {
		frag, err := a.Fragment()
		if err != nil {
			return nil, err
		}
		selects = append(selects, frag)
	}

	var geometryExpr string
	if s.SpatialAggregator != "" {
		frag, err := s.SpatialAggregator.Fragment(gisdsl.QuoteIdent(in.GeometryColumn))
		if err != nil {
			return nil, err
		}
		geometryExpr = frag
	}

	groupBy := make([]string, 0, len(s.GroupBy))
	for _, c := range s.GroupBy {
		groupBy = append(groupBy, c.Ref(""))
	}

	return sqltemplate.AggregateArgs{
		Schema:         in.Schema,
		OutputTable:    s.Output,
		GeometryColumn: in.GeometryColumn,
		Select:         selects,
		GeometryExpr:   geometryExpr,
		GroupBy:        groupBy,
		FromTable:      in.Sources[0].Qualified(),
	}, nil
}

// PlotlyMapLayerStep publishes a created table as a vector map layer.
type PlotlyMapLayerStep struct {
	StepCommon
	From    Source `json:"source_table" jsonschema:"required"`
	LayerID string `json:"layer_id" jsonschema:"required,description=The id of the new map layer"`
	Color   string `json:"color" jsonschema:"required,description=Hex value of the color of the geometries"`
}

func (s *PlotlyMapLayerStep) Kind() string      { return KindAddLayer }
func (s *PlotlyMapLayerStep) Sources() []Source { return []Source{s.From} }

func (s *PlotlyMapLayerStep) Validate() error {
	if err := s.validateCommon(); err != nil {
		return err
	}
	if err := s.From.Validate(); err != nil {
		return err
	}
	if s.LayerID == "" {
		return errors.New("layer_id is required")
	}
	if s.Color == "" {
		return errors.New("color is required")
	}
	return nil
}

func (s *PlotlyMapLayerStep) Export(source ResolvedSource) ReportItem {
	return MapLayerArguments{
		Step:    s.Name,
		Reason:  s.Reasoning,
		Schema:  source.Schema,
		Table:   source.Table,
		LayerID: s.LayerID,
		Color:   s.Color,
	}
}

// SaveTableStep retains a created table beyond analysis cleanup.
type SaveTableStep struct {
	StepCommon
	From Source `json:"source_table" jsonschema:"required"`
}

func (s *SaveTableStep) Kind() string      { return KindSaveTable }
func (s *SaveTableStep) Sources() []Source { return []Source{s.From} }

func (s *SaveTableStep) Validate() error {
	if err := s.validateCommon(); err != nil {
		return err
	}
	return s.From.Validate()
}

func (s *SaveTableStep) Export(source ResolvedSource) ReportItem {
	return TableSaved{
		SchemaName: source.Schema,
		Table:      source.Table,
	}
}

var (
	_ SQLStep       = (*FilterStep)(nil)
	_ SQLStep       = (*MergeStep)(nil)
	_ SQLStep       = (*BufferStep)(nil)
	_ SQLStep       = (*AggregateStep)(nil)
	_ ReportingStep = (*PlotlyMapLayerStep)(nil)
	_ ReportingStep = (*SaveTableStep)(nil)
)

func containsPredicate(p SpatialPredicate) bool {
	for _, known := range SpatialPredicates() {
		if known == p {
			return true
		}
	}
	return false
}

func containsSpatialOp(op gisdsl.SpatialOp) bool {
	for _, known := range gisdsl.SpatialOps() {
		if known == op {
			return true
		}
	}
	return false
}

func containsGeometryType(t gisdsl.GeometryType) bool {
	for _, known := range gisdsl.GeometryTypes() {
		if known == t {
			return true
		}
	}
	return false
}
