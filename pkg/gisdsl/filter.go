package gisdsl

import (
	"errors"
	"fmt"
	"strings"
)

// CompareOp is a comparison operator in a WHERE predicate. The set is closed;
// plan schemas expose each variant's operators as an enum.
type CompareOp string

const (
	OpEqual          CompareOp = "="
	OpNotEqual       CompareOp = "!="
	OpGreater        CompareOp = ">"
	OpLess           CompareOp = "<"
	OpGreaterOrEqual CompareOp = ">="
	OpLessOrEqual    CompareOp = "<="
	OpLike           CompareOp = "LIKE"
	OpILike          CompareOp = "ILIKE"
	OpIn             CompareOp = "IN"
	OpNotIn          CompareOp = "NOT IN"
	OpBetween        CompareOp = "BETWEEN"
	OpIsNull         CompareOp = "IS NULL"
	OpIsNotNull      CompareOp = "IS NOT NULL"
)

// ValueOps lists the operators a ValueFilter accepts.
func ValueOps() []CompareOp {
	return []CompareOp{OpEqual, OpNotEqual, OpGreater, OpLess, OpGreaterOrEqual, OpLessOrEqual, OpLike, OpILike}
}

// ListOps lists the operators a ListFilter accepts.
func ListOps() []CompareOp {
	return []CompareOp{OpIn, OpNotIn}
}

// NullOps lists the operators a NullFilter accepts.
func NullOps() []CompareOp {
	return []CompareOp{OpIsNull, OpIsNotNull}
}

// Filter is one WHERE predicate. Fragment validates and renders it.
type Filter interface {
	Fragment() (string, error)
	Validate() error
}

// ValueFilter compares a column against a single value.
type ValueFilter struct {
	Column string
	Op     CompareOp
	Value  any
}

func (f ValueFilter) Validate() error {
	if f.Column == "" {
		return errors.New("filter column is required")
	}
	if !containsOp(ValueOps(), f.Op) {
		return fmt.Errorf("operator %q does not take a single value", f.Op)
	}
	if f.Value == nil {
		return fmt.Errorf("operator %q requires a value", f.Op)
	}
	return nil
}

func (f ValueFilter) Fragment() (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s %s", QuoteIdent(f.Column), f.Op, Literal(f.Value)), nil
}

// ListFilter tests column membership in a value list. An empty IN list
// renders the constant-false predicate 1 = 0, an empty NOT IN its
// complement, so degenerate plans stay executable.
type ListFilter struct {
	Column string
	Op     CompareOp
	Values []any
}

func (f ListFilter) Validate() error {
	if f.Column == "" {
		return errors.New("filter column is required")
	}
	if !containsOp(ListOps(), f.Op) {
		return fmt.Errorf("operator %q does not take a value list", f.Op)
	}
	return nil
}

func (f ListFilter) Fragment() (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	if len(f.Values) == 0 {
		if f.Op == OpNotIn {
			return "1 = 1", nil
		}
		return "1 = 0", nil
	}
	parts := make([]string, len(f.Values))
	for i, v := range f.Values {
		parts[i] = Literal(v)
	}
	return fmt.Sprintf("%s %s (%s)", QuoteIdent(f.Column), f.Op, strings.Join(parts, ", ")), nil
}

// RangeFilter bounds a column with BETWEEN.
type RangeFilter struct {
	Column string
	Lower  any
	Upper  any
}

func (f RangeFilter) Validate() error {
	if f.Column == "" {
		return errors.New("filter column is required")
	}
	if f.Lower == nil || f.Upper == nil {
		return errors.New("BETWEEN requires both lower and upper bounds")
	}
	return nil
}

func (f RangeFilter) Fragment() (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s BETWEEN %s AND %s", QuoteIdent(f.Column), Literal(f.Lower), Literal(f.Upper)), nil
}

// NullFilter tests a column for NULL.
type NullFilter struct {
	Column string
	Op     CompareOp
}

func (f NullFilter) Validate() error {
	if f.Column == "" {
		return errors.New("filter column is required")
	}
	if !containsOp(NullOps(), f.Op) {
		return fmt.Errorf("operator %q is not a null check", f.Op)
	}
	return nil
}

func (f NullFilter) Fragment() (string, error) {
	if err := f.Validate(); err != nil {
		return "", err
	}
	return fmt.Sprintf("%s %s", QuoteIdent(f.Column), f.Op), nil
}

// Condition is the wire form of a filter as it arrives in plan JSON. The
// operator decides which fields carry meaning: value for comparisons,
// value_list for IN / NOT IN, lower and upper for BETWEEN, none for null
// checks.
type Condition struct {
	Column    string    `json:"column" jsonschema:"required,description=Column the predicate applies to"`
	Operator  CompareOp `json:"operator" jsonschema:"required"`
	Value     any       `json:"value,omitempty"`
	ValueList []any     `json:"value_list,omitempty"`
	Lower     any       `json:"lower,omitempty"`
	Upper     any       `json:"upper,omitempty"`
	Alias     string    `json:"alias,omitempty"`
}

// Decode resolves the condition into its typed filter variant.
func (c Condition) Decode() (Filter, error) {
	switch {
	case containsOp(ValueOps(), c.Operator):
		return ValueFilter{Column: c.Column, Op: c.Operator, Value: c.Value}, nil
	case containsOp(ListOps(), c.Operator):
		return ListFilter{Column: c.Column, Op: c.Operator, Values: c.ValueList}, nil
	case c.Operator == OpBetween:
		return RangeFilter{Column: c.Column, Lower: c.Lower, Upper: c.Upper}, nil
	case containsOp(NullOps(), c.Operator):
		return NullFilter{Column: c.Column, Op: c.Operator}, nil
	default:
		return nil, fmt.Errorf("unknown filter operator: %q", c.Operator)
	}
}

// Fragment decodes and renders the condition in one call.
func (c Condition) Fragment() (string, error) {
	filter, err := c.Decode()
	if err != nil {
		return "", err
	}
	return filter.Fragment()
}

func containsOp(ops []CompareOp, op CompareOp) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}
