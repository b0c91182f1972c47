package selector

import (
	"testing"

	"github.com/solatis/paybridge/internal/catalog"
	"github.com/solatis/paybridge/internal/types"
)

func policy(merchants []string, keys ...types.MessageKey) *types.ChannelPolicy {
	p := &types.ChannelPolicy{ListenerType: "audit", ChannelID: "c1", Sink: "audit", Merchants: merchants}
	if len(keys) > 0 {
		p.Messages = make(map[types.MessageKey]types.MessagePolicy)
		for _, k := range keys {
			p.Messages[k] = types.MessagePolicy{}
		}
	}
	return p
}

func allKnown(cat *catalog.Catalog) []types.MessageKey {
	return cat.Keys()
}

func TestBuild_Expression(t *testing.T) {
	cat := catalog.Default()

	tests := []struct {
		name   string
		policy *types.ChannelPolicy
		want   string
	}{
		{
			name:   "unrestricted",
			policy: policy(nil),
			want:   "",
		},
		{
			name:   "every known message and no merchants",
			policy: policy(nil, allKnown(cat)...),
			want:   "",
		},
		{
			name:   "every known message with merchants",
			policy: policy([]string{"M2", "M1", "M1"}, allKnown(cat)...),
			want:   "merchantId IN ('M1', 'M2')",
		},
		{
			name:   "type-only entries cover known versions",
			policy: policy(nil, types.MessageKey{Type: "PARes"}, types.MessageKey{Type: "PAReq"}, types.MessageKey{Type: "VEReq"}, types.MessageKey{Type: "VERes"}),
			want:   "",
		},
		{
			name:   "single exact message",
			policy: policy([]string{"M1"}, types.MessageKey{Type: "PARes", Version: "1.0"}),
			want:   "merchantId IN ('M1') AND (messageType = 'PARes' AND messageVersion = '1.0')",
		},
		{
			name: "mixed with absorbed version",
			policy: policy([]string{"M1"},
				types.MessageKey{Type: "PARes"},
				types.MessageKey{Type: "PARes", Version: "1.0.2"},
				types.MessageKey{Type: "VEReq", Version: "1.0.2"}),
			want: "merchantId IN ('M1') AND (messageType = 'PARes' OR (messageType = 'VEReq' AND messageVersion = '1.0.2'))",
		},
		{
			name:   "messages only",
			policy: policy(nil, types.MessageKey{Type: "PARes"}),
			want:   "messageType = 'PARes'",
		},
		{
			name:   "quoted merchant",
			policy: policy([]string{"O'Brien"}),
			want:   "merchantId IN ('O''Brien')",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sel, err := Build(tt.policy, cat)
			if err != nil {
				t.Fatalf("Build() error = %v", err)
			}
			if sel.String() != tt.want {
				t.Errorf("expression = %q\nwant         %q", sel.String(), tt.want)
			}
			if sel.Empty() != (tt.want == "") {
				t.Errorf("Empty() = %v", sel.Empty())
			}
			if sel.Summary().Expression != tt.want {
				t.Errorf("summary expression = %q", sel.Summary().Expression)
			}
		})
	}
}

func TestBuild_MatchRequiresMerchantAndExactType(t *testing.T) {
	sel, err := Build(policy([]string{"M1"}, types.MessageKey{Type: "PARes", Version: "1.0"}), catalog.Default())
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		attrs types.Attributes
		want  bool
	}{
		{types.Attributes{MerchantID: "M1", MessageType: "PARes", MessageVersion: "1.0"}, true},
		{types.Attributes{MerchantID: "M2", MessageType: "PARes", MessageVersion: "1.0"}, false},
		{types.Attributes{MerchantID: "M1", MessageType: "PARes", MessageVersion: "1.0.2"}, false},
		{types.Attributes{MerchantID: "M1", MessageType: "VEReq", MessageVersion: "1.0"}, false},
	}
	for _, tt := range tests {
		if got := sel.Match(tt.attrs); got != tt.want {
			t.Errorf("Match(%+v) = %v, want %v", tt.attrs, got, tt.want)
		}
	}
}

func TestBuild_EmptySelectorMatchesEverything(t *testing.T) {
	sel, err := Build(policy(nil), catalog.Default())
	if err != nil {
		t.Fatal(err)
	}
	if !sel.Match(types.Attributes{MerchantID: "any", MessageType: "Unknown"}) {
		t.Error("empty selector rejected a message")
	}
	if !All().Match(types.Attributes{}) {
		t.Error("All() rejected a message")
	}
}
