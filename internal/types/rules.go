// internal/types/rules.go
package types

/*
 * Selector rule structures.
 *
 * A selector is held in disjunctive normal form: a Rule is an OR of
 * OrGroups, each group an AND of Conditions. internal/selector produces
 * these from channel policies and internal/rules compiles and evaluates
 * them against message attributes.
 */

// PathSegment is one component of a field path.
// Key for object members, Index for array positions, Wildcard for "#"/"*".
// A numeric segment parsed from a dotted path sets both Key and Index so it
// can address either an object member or an array element.
type PathSegment struct {
	Key      string
	Index    int
	IsIndex  bool
	Wildcard bool
}

// Condition is a single comparison of a field against a value or value list.
type Condition struct {
	FieldPath []PathSegment
	Operator  int
	Value     any
	Values    []any
	OnMissing int
}

// OrGroup is an AND group in DNF (all conditions must match).
type OrGroup struct {
	Conditions []Condition
}

// Rule is a selector in DNF. A Rule without groups matches everything.
type Rule struct {
	Name     string
	OrGroups []OrGroup
}
