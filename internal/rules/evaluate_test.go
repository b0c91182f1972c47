// internal/rules/evaluate_test.go
package rules

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"github.com/solatis/paybridge/internal/types"
)

func merchantSelector(t *testing.T, merchants ...string) *CompiledRule {
	t.Helper()
	values := make([]any, len(merchants))
	for i, m := range merchants {
		values[i] = m
	}
	rule := &types.Rule{
		Name: "merchant-and-type",
		OrGroups: []types.OrGroup{
			{Conditions: []types.Condition{
				textIn(types.AttrMerchantID, values...),
				textEq(types.AttrMessageType, "PARes"),
			}},
			{Conditions: []types.Condition{
				textIn(types.AttrMerchantID, values...),
				textEq(types.AttrMessageType, "VEReq"),
				textEq(types.AttrMessageVersion, "1.0.2"),
			}},
		},
	}
	compiled, err := Compile(rule)
	if err != nil {
		t.Fatalf("Compile() error = %v", err)
	}
	return compiled
}

func TestEvaluate_Attributes(t *testing.T) {
	rule := merchantSelector(t, "M1", "M2")

	tests := []struct {
		name      string
		attrs     types.Attributes
		wantMatch bool
		wantGroup int
	}{
		{
			name:      "type-only group",
			attrs:     types.Attributes{MerchantID: "M1", MessageType: "PARes", MessageVersion: "9.9"},
			wantMatch: true,
			wantGroup: 0,
		},
		{
			name:      "exact version group",
			attrs:     types.Attributes{MerchantID: "M2", MessageType: "VEReq", MessageVersion: "1.0.2"},
			wantMatch: true,
			wantGroup: 1,
		},
		{
			name:      "wrong version",
			attrs:     types.Attributes{MerchantID: "M2", MessageType: "VEReq", MessageVersion: "1.0.1"},
			wantGroup: -1,
		},
		{
			name:      "merchant not listed",
			attrs:     types.Attributes{MerchantID: "M3", MessageType: "PARes"},
			wantGroup: -1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := Evaluate(rule, tt.attrs.Fields())
			if err != nil {
				t.Fatalf("Evaluate() error = %v", err)
			}
			if res.Matched != tt.wantMatch {
				t.Errorf("Matched = %v, want %v", res.Matched, tt.wantMatch)
			}
			if res.Group != tt.wantGroup {
				t.Errorf("Group = %d, want %d", res.Group, tt.wantGroup)
			}
		})
	}
}

func TestEvaluate_MissingFieldPolicy(t *testing.T) {
	cond := textEq("region", "EU")
	skip, err := Compile(&types.Rule{OrGroups: []types.OrGroup{{Conditions: []types.Condition{cond}}}})
	if err != nil {
		t.Fatal(err)
	}
	cond.OnMissing = int(OnMissingMatch)
	match, err := Compile(&types.Rule{OrGroups: []types.OrGroup{{Conditions: []types.Condition{cond}}}})
	if err != nil {
		t.Fatal(err)
	}

	data := map[string]any{"merchantId": "M1"}
	if Matches(skip, data) {
		t.Error("skip policy matched a missing field")
	}
	if !Matches(match, data) {
		t.Error("match policy did not match a missing field")
	}
}

func TestEvaluate_TextForms(t *testing.T) {
	rule, err := Compile(&types.Rule{OrGroups: []types.OrGroup{{Conditions: []types.Condition{{
		FieldPath: []types.PathSegment{{Key: "extra"}, {Key: "retries"}},
		Operator:  int(OpEq),
		Value:     float64(3),
	}}}}})
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name string
		data map[string]any
		want bool
	}{
		{"string", map[string]any{"extra": map[string]any{"retries": "3"}}, true},
		{"number", map[string]any{"extra": map[string]any{"retries": json.Number("3")}}, true},
		{"other value", map[string]any{"extra": map[string]any{"retries": "4"}}, false},
		{"null", map[string]any{"extra": map[string]any{"retries": nil}}, false},
		{"composite", map[string]any{"extra": map[string]any{"retries": []any{"3"}}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Matches(rule, tt.data); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEvaluate_MatchAllProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	all, err := Compile(&types.Rule{})
	if err != nil {
		t.Fatal(err)
	}

	properties.Property("rule without groups admits every envelope", prop.ForAll(
		func(merchant, msgType string) bool {
			attrs := types.Attributes{MerchantID: merchant, MessageType: msgType}
			return Matches(all, attrs.Fields())
		},
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
