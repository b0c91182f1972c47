// Package selector derives a channel's bus filter from its merchant list and
// message map.
//
// The filter exists in two equivalent forms: a SQL-92 style expression
// string (what a broker with server-side selectors would receive and what
// operators see in status output) and a compiled DNF rule that transports
// evaluate client-side against message attributes.
package selector

import (
	"sort"
	"strings"

	"github.com/solatis/paybridge/internal/catalog"
	"github.com/solatis/paybridge/internal/rules"
	"github.com/solatis/paybridge/internal/types"
)

// Selector is a compiled channel filter. The zero expression admits every
// message.
type Selector struct {
	expression string
	rule       *rules.CompiledRule
	summary    Summary
}

// Summary is the policy view handed to sinks that care about their filter.
type Summary struct {
	Merchants  []string
	Messages   []types.MessageKey
	Expression string
}

// All returns a selector that admits every message.
func All() *Selector {
	return &Selector{rule: &rules.CompiledRule{Name: "all"}}
}

// String returns the expression, empty for a match-all selector.
func (s *Selector) String() string { return s.expression }

// Empty reports whether the selector admits every message.
func (s *Selector) Empty() bool { return s.expression == "" }

// Summary returns the filter summary.
func (s *Selector) Summary() Summary { return s.summary }

// Rule returns the compiled rule.
func (s *Selector) Rule() *rules.CompiledRule { return s.rule }

// Match reports whether attrs pass the filter.
func (s *Selector) Match(attrs types.Attributes) bool {
	if s == nil || s.rule.MatchAll() {
		return true
	}
	return rules.Matches(s.rule, attrs.Fields())
}

// term is one message alternative: a type, optionally pinned to a version.
type term struct {
	msgType string
	version string
}

// Build derives the selector of policy. known supplies the full message set;
// a channel that accepts every known message is filtered by merchant only.
func Build(policy *types.ChannelPolicy, known *catalog.Catalog) (*Selector, error) {
	merchants := dedupe(policy.Merchants)
	terms := messageTerms(policy, known)

	summary := Summary{Merchants: merchants, Messages: policy.MessageKeys()}

	var clauses []string
	if len(merchants) > 0 {
		clauses = append(clauses, merchantClause(merchants))
	}
	if len(terms) > 0 {
		clauses = append(clauses, messageClause(terms, len(merchants) > 0))
	}
	expression := strings.Join(clauses, " AND ")
	summary.Expression = expression

	rule := &types.Rule{Name: policy.ListenerType + "/" + policy.ChannelID}
	var merchantCond *types.Condition
	if len(merchants) > 0 {
		values := make([]any, len(merchants))
		for i, m := range merchants {
			values[i] = m
		}
		merchantCond = &types.Condition{
			FieldPath: []types.PathSegment{{Key: types.AttrMerchantID}},
			Operator:  int(rules.OpIn),
			Values:    values,
		}
	}
	switch {
	case len(terms) > 0:
		for _, t := range terms {
			var g types.OrGroup
			if merchantCond != nil {
				g.Conditions = append(g.Conditions, *merchantCond)
			}
			g.Conditions = append(g.Conditions, textEq(types.AttrMessageType, t.msgType))
			if t.version != "" {
				g.Conditions = append(g.Conditions, textEq(types.AttrMessageVersion, t.version))
			}
			rule.OrGroups = append(rule.OrGroups, g)
		}
	case merchantCond != nil:
		rule.OrGroups = []types.OrGroup{{Conditions: []types.Condition{*merchantCond}}}
	}

	compiled, err := rules.Compile(rule)
	if err != nil {
		return nil, err
	}
	return &Selector{expression: expression, rule: compiled, summary: summary}, nil
}

// messageTerms returns nil when the channel accepts every known message.
// Type-only entries absorb exact entries of the same type.
func messageTerms(policy *types.ChannelPolicy, known *catalog.Catalog) []term {
	if len(policy.Messages) == 0 {
		return nil
	}
	if known != nil {
		full := len(known.Keys()) > 0
		for _, k := range known.Keys() {
			if !policy.Accepts(k) {
				full = false
				break
			}
		}
		if full {
			return nil
		}
	}

	typeOnly := make(map[string]bool)
	for k := range policy.Messages {
		if k.Version == "" {
			typeOnly[k.Type] = true
		}
	}

	var terms []term
	for _, k := range policy.MessageKeys() {
		if k.Version != "" && typeOnly[k.Type] {
			continue
		}
		terms = append(terms, term{msgType: k.Type, version: k.Version})
	}
	return terms
}

func merchantClause(merchants []string) string {
	quoted := make([]string, len(merchants))
	for i, m := range merchants {
		quoted[i] = quote(m)
	}
	return types.AttrMerchantID + " IN (" + strings.Join(quoted, ", ") + ")"
}

func messageClause(terms []term, combined bool) string {
	parts := make([]string, len(terms))
	for i, t := range terms {
		if t.version == "" {
			parts[i] = types.AttrMessageType + " = " + quote(t.msgType)
			continue
		}
		p := types.AttrMessageType + " = " + quote(t.msgType) + " AND " + types.AttrMessageVersion + " = " + quote(t.version)
		if len(terms) > 1 || combined {
			p = "(" + p + ")"
		}
		parts[i] = p
	}
	out := strings.Join(parts, " OR ")
	if len(terms) > 1 && combined {
		out = "(" + out + ")"
	}
	return out
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

func textEq(field, value string) types.Condition {
	return types.Condition{
		FieldPath: []types.PathSegment{{Key: field}},
		Operator:  int(rules.OpEq),
		Value:     value,
	}
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
