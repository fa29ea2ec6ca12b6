// Package gisdsl holds the small SQL expression language analysis plans are
// written in: comparison filters, aggregate projections, spatial aggregators
// and column references. Every fragment renders against identifiers already
// checked upstream against the owning table's column whitelist; the package
// itself only guarantees value escaping.
package gisdsl

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Quote renders s as a SQL string literal, doubling embedded single quotes.
// All value escaping in the package funnels through here.
func Quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// QuoteIdent renders s as a quoted SQL identifier.
func QuoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}

// Literal renders a raw filter value as a SQL literal. Values arrive from
// plan JSON, so strings, bools and json numbers cover the practical set.
func Literal(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case string:
		return Quote(t)
	case bool:
		if t {
			return "TRUE"
		}
		return "FALSE"
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case json.Number:
		return t.String()
	default:
		return fmt.Sprintf("%v", t)
	}
}
