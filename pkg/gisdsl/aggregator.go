package gisdsl

import (
	"errors"
	"fmt"
	"strings"
)

// AggregateOp is an aggregate function in a GROUP BY projection.
type AggregateOp string

const (
	AggCount AggregateOp = "COUNT"
	AggSum   AggregateOp = "SUM"
	AggAvg   AggregateOp = "AVG"
	AggMin   AggregateOp = "MIN"
	AggMax   AggregateOp = "MAX"
)

// AggregateOps lists every aggregate function, for schema enums.
func AggregateOps() []AggregateOp {
	return []AggregateOp{AggCount, AggSum, AggAvg, AggMin, AggMax}
}

// Aggregator projects an aggregate function over a column. COUNT may target
// '*' and may count DISTINCT values; every other function needs a column.
type Aggregator struct {
	Op       AggregateOp `json:"operator" jsonschema:"required"`
	Column   string      `json:"column,omitempty" jsonschema:"description=Column to aggregate; COUNT may omit it to count rows"`
	Alias    string      `json:"alias,omitempty" jsonschema:"description=Output column name"`
	Distinct bool        `json:"distinct,omitempty" jsonschema:"description=Count only distinct values of the column"`
}

func (a Aggregator) Validate() error {
	switch a.Op {
	case AggCount:
		if a.Distinct && a.countsAllRows() {
			return errors.New("COUNT DISTINCT requires a column")
		}
		return nil
	case AggSum, AggAvg, AggMin, AggMax:
		if a.Column == "" || a.Column == "*" {
			return fmt.Errorf("%s requires a column", a.Op)
		}
		if a.Distinct {
			return fmt.Errorf("DISTINCT is only supported for COUNT")
		}
		return nil
	default:
		return fmt.Errorf("unknown aggregate function: %q", a.Op)
	}
}

// Fragment renders the projection. The output column name is always aliased
// so downstream steps can reference it.
func (a Aggregator) Fragment() (string, error) {
	if err := a.Validate(); err != nil {
		return "", err
	}

	var expr string
	switch {
	case a.Op == AggCount && a.countsAllRows():
		expr = "count(*)"
	case a.Op == AggCount && a.Distinct:
		expr = fmt.Sprintf("count(DISTINCT %s)", QuoteIdent(a.Column))
	default:
		expr = fmt.Sprintf("%s(%s)", strings.ToLower(string(a.Op)), QuoteIdent(a.Column))
	}
	return expr + " AS " + QuoteIdent(a.OutputName()), nil
}

// OutputName is the column name the aggregate materialises under.
func (a Aggregator) OutputName() string {
	if a.Alias != "" {
		return a.Alias
	}
	if a.Op == AggCount && a.countsAllRows() {
		return "count"
	}
	return strings.ToLower(string(a.Op)) + "_" + a.Column
}

func (a Aggregator) countsAllRows() bool {
	return a.Column == "" || a.Column == "*"
}
