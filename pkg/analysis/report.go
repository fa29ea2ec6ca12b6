package analysis

// ReportItem is one artifact of an executed analysis.
type ReportItem interface {
	reportItem()
}

// TableCreated records a table materialised by a SQL step.
type TableCreated struct {
	Step    string   `json:"step"`
	Reason  string   `json:"reason"`
	Table   string   `json:"table"`
	Columns []string `json:"columns,omitempty"`
}

func (TableCreated) reportItem() {}

// MapLayerArguments carries what the map handler needs to draw an analysis
// output as a vector layer.
type MapLayerArguments struct {
	Step    string `json:"step"`
	Reason  string `json:"reason"`
	Schema  string `json:"schema"`
	Table   string `json:"table"`
	LayerID string `json:"layer_id"`
	Color   string `json:"color"`
}

func (MapLayerArguments) reportItem() {}

// TableSaved marks a table as retained after analysis cleanup.
type TableSaved struct {
	SchemaName string `json:"schema_name"`
	Table      string `json:"table"`
}

func (TableSaved) reportItem() {}

// Report lists the artifacts of one analysis in execution order. The agent
// layer consumes it to register tables and mutate the map.
type Report struct {
	Items []ReportItem `json:"items"`
}
