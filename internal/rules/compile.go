// internal/rules/compile.go
package rules

import (
	"fmt"
	"sort"

	"github.com/solatis/paybridge/internal/types"
)

/*
 * Selector compilation.
 *
 * Compiles a types.Rule into a CompiledRule: resource limits are checked
 * once, conditions inside each AND group are ordered by ascending cost, and
 * IN lists are turned into lookup sets. The compiled form is immutable and is
 * shared by every delivery a subscription evaluates.
 *
 * Stable ordering keeps equal-cost conditions in declaration order so the
 * reported matched condition is deterministic.
 */

// Operator enumerates condition operators.
type Operator int

const (
	OpUnspecified Operator = iota
	OpEq
	OpIn
)

func (o Operator) String() string {
	switch o {
	case OpEq:
		return "="
	case OpIn:
		return "IN"
	}
	return "UNSPECIFIED"
}

// Evaluation costs. A lookup is paid per path segment on top of the
// operator cost.
const (
	CostEq               = 5
	CostIn               = 6
	CostLookupPerSegment = 16
)

// OnMissingField decides the outcome of a condition whose field is absent.
type OnMissingField int

const (
	OnMissingSkip OnMissingField = iota
	OnMissingMatch
)

// CompiledCondition is a pre-processed condition ready for evaluation.
type CompiledCondition struct {
	Path      []types.PathSegment
	Operator  Operator
	OnMissing OnMissingField
	Cost      int

	// value is the text form of an equality target, set the text forms of
	// the IN values.
	value string
	set   map[string]struct{}
}

// CompiledOrGroup is a pre-processed AND group.
type CompiledOrGroup struct {
	Conditions []CompiledCondition
}

// CompiledRule is a selector ready for evaluation.
// A rule without groups matches every message.
type CompiledRule struct {
	Name     string
	OrGroups []CompiledOrGroup
	Cost     int
}

// MatchAll reports whether the rule admits every message.
func (r *CompiledRule) MatchAll() bool {
	return r == nil || len(r.OrGroups) == 0
}

// Compile validates and pre-processes a rule for evaluation.
func Compile(rule *types.Rule) (*CompiledRule, error) {
	compiled := &CompiledRule{
		Name:     rule.Name,
		OrGroups: make([]CompiledOrGroup, 0, len(rule.OrGroups)),
	}

	for _, group := range rule.OrGroups {
		if len(group.Conditions) == 0 {
			return nil, types.ErrEmptyExpression
		}
		cg := CompiledOrGroup{Conditions: make([]CompiledCondition, 0, len(group.Conditions))}
		for _, cond := range group.Conditions {
			cc, err := compileCondition(cond)
			if err != nil {
				return nil, err
			}
			cg.Conditions = append(cg.Conditions, cc)
			compiled.Cost += cc.Cost
		}
		sort.SliceStable(cg.Conditions, func(i, j int) bool {
			return cg.Conditions[i].Cost < cg.Conditions[j].Cost
		})
		compiled.OrGroups = append(compiled.OrGroups, cg)
	}

	return compiled, nil
}

// compileCondition enforces path and IN limits and computes the cost.
func compileCondition(cond types.Condition) (CompiledCondition, error) {
	if err := checkPath(cond.FieldPath); err != nil {
		return CompiledCondition{}, err
	}
	for _, seg := range cond.FieldPath {
		if seg.Wildcard {
			return CompiledCondition{}, fmt.Errorf("%w: condition paths take no wildcards", types.ErrTooManyWildcards)
		}
	}

	cc := CompiledCondition{
		Path:      cond.FieldPath,
		Operator:  Operator(cond.Operator),
		OnMissing: OnMissingField(cond.OnMissing),
		Cost:      len(cond.FieldPath) * CostLookupPerSegment,
	}

	switch cc.Operator {
	case OpEq:
		v, ok := text(cond.Value)
		if !ok {
			return CompiledCondition{}, fmt.Errorf("%w: equality needs a scalar value", types.ErrCoercionFailed)
		}
		cc.value = v
		cc.Cost += CostEq
	case OpIn:
		if len(cond.Values) > types.MaxInOperatorValues {
			return CompiledCondition{}, types.ErrTooManyInValues
		}
		cc.set = make(map[string]struct{}, len(cond.Values))
		for _, v := range cond.Values {
			if s, ok := text(v); ok {
				cc.set[s] = struct{}{}
			}
		}
		cc.Cost += CostIn
	default:
		return CompiledCondition{}, types.ErrInvalidOperator
	}

	return cc, nil
}

func checkPath(path []types.PathSegment) error {
	if len(path) > types.MaxPathDepth {
		return types.ErrPathTooDeep
	}
	wildcards := 0
	for _, seg := range path {
		if seg.Wildcard {
			wildcards++
		}
	}
	if wildcards > types.MaxNestedWildcards {
		return types.ErrTooManyWildcards
	}
	return nil
}
