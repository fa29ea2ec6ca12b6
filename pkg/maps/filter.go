// Package maps holds the per-session map state: an ordered set of
// vector-tile layers with attribute filters, plus the viewport derived from
// the referenced tables.
package maps

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/kadirpekel/geoassist/pkg/gisdsl"
)

// Op is a handler-filter comparison operator as the LLM names it.
type Op string

const (
	OpEqual              Op = "equal"
	OpNotEqual           Op = "notEqual"
	OpGreaterThan        Op = "greaterThan"
	OpLessThan           Op = "lessThan"
	OpGreaterThanOrEqual Op = "greaterThanOrEqual"
	OpLessThanOrEqual    Op = "lessThanOrEqual"
	OpContains           Op = "contains"
)

// FilterOps lists every operator, for schema enums.
func FilterOps() []Op {
	return []Op{
		OpEqual,
		OpNotEqual,
		OpGreaterThan,
		OpLessThan,
		OpGreaterThanOrEqual,
		OpLessThanOrEqual,
		OpContains,
	}
}

var cqlOps = map[Op]string{
	OpEqual:              "=",
	OpNotEqual:           "<>",
	OpGreaterThan:        ">",
	OpLessThan:           "<",
	OpGreaterThanOrEqual: ">=",
	OpLessThanOrEqual:    "<=",
	OpContains:           "LIKE",
}

var sqlOps = map[Op]string{
	OpEqual:              "=",
	OpNotEqual:           "!=",
	OpGreaterThan:        ">",
	OpLessThan:           "<",
	OpGreaterThanOrEqual: ">=",
	OpLessThanOrEqual:    "<=",
	OpContains:           "~",
}

// Filter restricts one attribute of a map layer. Values arrive raw from the
// LLM; escaping happens at render time.
type Filter struct {
	Field    string `json:"field"`
	Operator Op     `json:"operator"`
	Value    any    `json:"value"`
}

func (f Filter) Validate() error {
	if f.Field == "" {
		return fmt.Errorf("filter field cannot be empty")
	}
	if _, ok := cqlOps[f.Operator]; !ok {
		return fmt.Errorf("unknown filter operator %q", f.Operator)
	}
	return nil
}

// ToCQL renders the filter as a percent-encoded attribute-query term for
// the tile server's filter parameter.
func (f Filter) ToCQL() string {
	value := f.Value
	if f.Operator == OpContains {
		value = fmt.Sprintf("%%%v%%", f.Value)
	}
	expr := fmt.Sprintf("%s %s %s", f.Field, cqlOps[f.Operator], cqlLiteral(value))
	return encodeCQL(expr)
}

// ToSQL renders the same predicate for a database query, so a filter count
// sees exactly the rows the tile server draws.
func (f Filter) ToSQL() string {
	return fmt.Sprintf("%s %s %s", gisdsl.QuoteIdent(f.Field), sqlOps[f.Operator], gisdsl.Literal(f.Value))
}

func cqlLiteral(v any) string {
	switch t := v.(type) {
	case string:
		return gisdsl.Quote(t)
	case bool:
		if t {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", t)
	}
}

// encodeCQL percent-encodes every reserved character; the tile server reads
// the filter parameter raw, so spaces must be %20 rather than +.
func encodeCQL(s string) string {
	return strings.ReplaceAll(url.QueryEscape(s), "+", "%20")
}

// EncodeFilters joins the rendered terms with an encoded AND for the tile
// URL's filter parameter.
func EncodeFilters(filters []Filter) string {
	terms := make([]string, 0, len(filters))
	for _, f := range filters {
		terms = append(terms, f.ToCQL())
	}
	return strings.Join(terms, "%20AND%20")
}
