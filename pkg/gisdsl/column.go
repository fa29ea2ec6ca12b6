package gisdsl

// Column is a projected column reference with an optional output alias.
type Column struct {
	Column string `json:"column" jsonschema:"required,description=Name of the column"`
	Alias  string `json:"alias,omitempty" jsonschema:"description=Optional alias to give the column a more readable output name"`
}

// Ref renders the bare quoted reference, prefixed with a table qualifier
// when one is given (merge steps alias their sides l and r).
func (c Column) Ref(qualifier string) string {
	ident := QuoteIdent(c.Column)
	if qualifier != "" {
		ident = qualifier + "." + ident
	}
	return ident
}

// Fragment renders the reference as a SELECT item, aliased when an alias
// is set.
func (c Column) Fragment(qualifier string) string {
	ident := c.Ref(qualifier)
	if c.Alias != "" {
		return ident + " AS " + QuoteIdent(c.Alias)
	}
	return ident
}

// OutputName is the column name the projection materialises under.
func (c Column) OutputName() string {
	if c.Alias != "" {
		return c.Alias
	}
	return c.Column
}
