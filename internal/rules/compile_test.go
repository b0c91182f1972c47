// internal/rules/compile_test.go
package rules

import (
	"errors"
	"testing"

	"github.com/solatis/paybridge/internal/types"
)

func textEq(field, value string) types.Condition {
	return types.Condition{
		FieldPath: []types.PathSegment{{Key: field}},
		Operator:  int(OpEq),
		Value:     value,
	}
}

func textIn(field string, values ...any) types.Condition {
	return types.Condition{
		FieldPath: []types.PathSegment{{Key: field}},
		Operator:  int(OpIn),
		Values:    values,
	}
}

func TestCompile_OrdersConditionsByCost(t *testing.T) {
	rule := &types.Rule{
		Name: "ordering",
		OrGroups: []types.OrGroup{{
			Conditions: []types.Condition{
				{
					FieldPath: []types.PathSegment{{Key: "extra"}, {Key: "region"}},
					Operator:  int(OpEq),
					Value:     "EU",
				},
				textIn("merchantId", "M1", "M2"),
			},
		}},
	}

	compiled, err := Compile(rule)
	if err != nil {
		t.Fatalf("Compile() error = %v, want nil", err)
	}
	conds := compiled.OrGroups[0].Conditions
	if conds[0].Operator != OpIn {
		t.Errorf("first condition = %v, want IN", conds[0].Operator)
	}
	if conds[0].Cost > conds[1].Cost {
		t.Errorf("conditions not ordered by cost: %d > %d", conds[0].Cost, conds[1].Cost)
	}
	if compiled.Cost != conds[0].Cost+conds[1].Cost {
		t.Errorf("rule cost = %d, want sum of conditions", compiled.Cost)
	}
}

func TestCompile_StableForEqualCost(t *testing.T) {
	rule := &types.Rule{OrGroups: []types.OrGroup{{
		Conditions: []types.Condition{textEq("messageType", "PARes"), textEq("protocol", "all")},
	}}}

	compiled, err := Compile(rule)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if got := compiled.OrGroups[0].Conditions[0].Path[0].Key; got != "messageType" {
		t.Errorf("first condition path = %s, want messageType", got)
	}
}

func TestCompile_Errors(t *testing.T) {
	deep := make([]types.PathSegment, types.MaxPathDepth+1)
	for i := range deep {
		deep[i] = types.PathSegment{Key: "k"}
	}
	values := make([]any, types.MaxInOperatorValues+1)
	for i := range values {
		values[i] = "M"
	}

	tests := []struct {
		name string
		cond types.Condition
		want error
	}{
		{
			name: "path too deep",
			cond: types.Condition{FieldPath: deep, Operator: int(OpEq), Value: "x"},
			want: types.ErrPathTooDeep,
		},
		{
			name: "wildcard",
			cond: types.Condition{
				FieldPath: []types.PathSegment{{Key: "items"}, {Wildcard: true}},
				Operator:  int(OpEq),
				Value:     "x",
			},
			want: types.ErrTooManyWildcards,
		},
		{
			name: "too many IN values",
			cond: textIn("merchantId", values...),
			want: types.ErrTooManyInValues,
		},
		{
			name: "composite equality target",
			cond: types.Condition{
				FieldPath: []types.PathSegment{{Key: "a"}},
				Operator:  int(OpEq),
				Value:     map[string]any{},
			},
			want: types.ErrCoercionFailed,
		},
		{
			name: "unspecified operator",
			cond: types.Condition{FieldPath: []types.PathSegment{{Key: "a"}}},
			want: types.ErrInvalidOperator,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(&types.Rule{OrGroups: []types.OrGroup{{Conditions: []types.Condition{tt.cond}}}})
			if !errors.Is(err, tt.want) {
				t.Errorf("Compile() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestCompile_EmptyGroupRejected(t *testing.T) {
	_, err := Compile(&types.Rule{OrGroups: []types.OrGroup{{}}})
	if !errors.Is(err, types.ErrEmptyExpression) {
		t.Errorf("Compile() error = %v, want ErrEmptyExpression", err)
	}
}

func TestCompile_NoGroupsMatchesAll(t *testing.T) {
	compiled, err := Compile(&types.Rule{Name: "everything"})
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	if !compiled.MatchAll() {
		t.Error("MatchAll() = false, want true")
	}
}
