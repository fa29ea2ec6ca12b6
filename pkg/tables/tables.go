package tables

// GeometryNotFound marks tables whose geometry probe failed or returned no
// rows. Such tables stay selectable for attribute queries.
const GeometryNotFound = "NotFound"

// WorldBounds is the whole-world envelope in WGS84, clamped to the web
// mercator latitude limit. It stands in when a table publishes no bounds and
// when the map has no layers.
var WorldBounds = Bounds{West: -180, South: -85.05112878, East: 180, North: 85.05112878}

// Bounds is a geographic envelope in WGS84 degrees.
type Bounds struct {
	West  float64 `json:"west"`
	South float64 `json:"south"`
	East  float64 `json:"east"`
	North float64 `json:"north"`
}

// Union grows the envelope to cover other.
func (b Bounds) Union(other Bounds) Bounds {
	if other.West < b.West {
		b.West = other.West
	}
	if other.South < b.South {
		b.South = other.South
	}
	if other.East > b.East {
		b.East = other.East
	}
	if other.North > b.North {
		b.North = other.North
	}
	return b
}

// Table is one tile-served PostGIS table as the registry sees it.
type Table struct {
	Schema  string   `json:"schema"`
	Name    string   `json:"name"`
	Columns []string `json:"columns"`
	// Analysis names the run that created the table; empty for base tables.
	Analysis     string `json:"analysis,omitempty"`
	IndexURL     string `json:"index_url"`
	TileURL      string `json:"tile_url"`
	Bounds       Bounds `json:"bounds"`
	GeometryType string `json:"geometry_type"`
	// Temporary tables are dropped by Cleanup unless promoted.
	Temporary bool `json:"temporary,omitempty"`
}

// ID is the tile-server identifier for the table.
func (t Table) ID() string {
	return t.Schema + "." + t.Name
}

// Project returns a copy whose columns are restricted to the given fields,
// keeping the table's own column order.
func (t Table) Project(fields []string) Table {
	want := make(map[string]bool, len(fields))
	for _, f := range fields {
		want[f] = true
	}
	columns := make([]string, 0, len(t.Columns))
	for _, c := range t.Columns {
		if want[c] {
			columns = append(columns, c)
		}
	}
	t.Columns = columns
	return t
}

// Criterion narrows a table selection. Criteria apply left to right.
type Criterion struct {
	apply func([]Table) []Table
}

// BySchema keeps tables in the given schema.
func BySchema(schema string) Criterion {
	return Criterion{apply: func(in []Table) []Table {
		var out []Table
		for _, t := range in {
			if t.Schema == schema {
				out = append(out, t)
			}
		}
		return out
	}}
}

// ByTable keeps tables with the given name.
func ByTable(name string) Criterion {
	return Criterion{apply: func(in []Table) []Table {
		var out []Table
		for _, t := range in {
			if t.Name == name {
				out = append(out, t)
			}
		}
		return out
	}}
}

// ByAnalysis keeps tables created by the given analysis.
func ByAnalysis(analysis string) Criterion {
	return Criterion{apply: func(in []Table) []Table {
		var out []Table
		for _, t := range in {
			if t.Analysis == analysis {
				out = append(out, t)
			}
		}
		return out
	}}
}

// ByFields projects every table onto the given fields and drops tables left
// with no columns.
func ByFields(fields ...string) Criterion {
	return Criterion{apply: func(in []Table) []Table {
		var out []Table
		for _, t := range in {
			projected := t.Project(fields)
			if len(projected.Columns) > 0 {
				out = append(out, projected)
			}
		}
		return out
	}}
}
