// internal/rules/evaluate.go
package rules

import (
	"errors"

	"github.com/solatis/paybridge/internal/types"
)

/*
 * Selector evaluation.
 *
 * DNF semantics: the first matching OR group wins, and within a group the
 * first non-matching condition (cost-ordered) stops evaluation. Missing
 * and null fields defer to the condition's OnMissing policy; values without
 * a text form never match.
 */

// MatchResult is the outcome of evaluating a rule.
type MatchResult struct {
	Matched bool

	// Group is the index of the matching OR group, -1 when the rule is
	// match-all or did not match.
	Group int
}

// Evaluate checks the rule against data (typically Attributes.Fields()).
func Evaluate(rule *CompiledRule, data any) (MatchResult, error) {
	result := MatchResult{Group: -1}
	if rule.MatchAll() {
		result.Matched = true
		return result, nil
	}

	for i, group := range rule.OrGroups {
		ok, err := evaluateGroup(group, data)
		if err != nil {
			return result, err
		}
		if ok {
			result.Matched = true
			result.Group = i
			return result, nil
		}
	}
	return result, nil
}

// Matches is Evaluate without diagnostics; evaluation errors never match.
func Matches(rule *CompiledRule, data any) bool {
	res, err := Evaluate(rule, data)
	return err == nil && res.Matched
}

func evaluateGroup(group CompiledOrGroup, data any) (bool, error) {
	for _, cond := range group.Conditions {
		ok, err := evaluateCondition(cond, data)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evaluateCondition(cond CompiledCondition, data any) (bool, error) {
	resolved, err := Resolve(cond.Path, data)
	if err != nil {
		if errors.Is(err, types.ErrFieldNotFound) {
			return cond.OnMissing == OnMissingMatch, nil
		}
		return false, err
	}
	if resolved.Value == nil {
		return cond.OnMissing == OnMissingMatch, nil
	}

	v, ok := text(resolved.Value)
	if !ok {
		return false, nil
	}
	if cond.Operator == OpIn {
		_, ok = cond.set[v]
		return ok, nil
	}
	return v == cond.value, nil
}
