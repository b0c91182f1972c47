package mask

import (
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"go.uber.org/zap/zaptest"

	"github.com/solatis/paybridge/internal/types"
)

func TestCompile_MaskPrograms(t *testing.T) {
	c := NewCompiler(zaptest.NewLogger(t))

	tests := []struct {
		format       string
		wantTemplate string
		wantWildcard int
	}{
		{format: "######*{0}####", wantTemplate: "######*####", wantWildcard: 6},
		{format: "X{4}####", wantTemplate: "XXXX####", wantWildcard: NoWildcard},
		{format: "**{3}", wantTemplate: "****", wantWildcard: NoWildcard},
		{format: "#{0}*{0}#", wantTemplate: "#*#", wantWildcard: 0},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			p, err := c.Compile(tt.format)
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if p.Kind() != KindMask {
				t.Fatalf("Kind() = %v, want mask", p.Kind())
			}
			if p.Template() != tt.wantTemplate {
				t.Errorf("Template() = %q, want %q", p.Template(), tt.wantTemplate)
			}
			if p.Wildcard() != tt.wantWildcard {
				t.Errorf("Wildcard() = %d, want %d", p.Wildcard(), tt.wantWildcard)
			}
		})
	}
}

func TestCompile_Malformed(t *testing.T) {
	c := NewCompiler(zaptest.NewLogger(t))
	for _, format := range []string{"", "{3}", "##{x}", "##{2", "{number,abc}", "{date,yyyy-QQ}",
		"*{999999999}", "#{600000}*{600000}"} {
		if _, err := c.Compile(format); !errors.Is(err, types.ErrMaskFormat) {
			t.Errorf("Compile(%q) error = %v, want ErrMaskFormat", format, err)
		}
	}
}

func TestCompile_Cached(t *testing.T) {
	c := NewCompiler(zaptest.NewLogger(t))
	a, err := c.Compile("######*{0}####")
	if err != nil {
		t.Fatal(err)
	}
	b, err := c.Compile("  ######*{0}####  ")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Error("identical formats compiled to different programs")
	}
	if c.Len() != 1 {
		t.Errorf("Len() = %d, want 1", c.Len())
	}
}

func TestApply_Mask(t *testing.T) {
	c := NewCompiler(zaptest.NewLogger(t))

	tests := []struct {
		format string
		value  string
		want   string
	}{
		{"######*{0}####", "4111111111111111", "411111******1111"},
		{"######*{0}####", "41111111111", "411111*1111"},
		{"######*{0}####", "4111", "4111"},
		{"######*{0}####", "41111111", "411111" + "11"},
		{"****", "123456", "****56"},
		{"X{3}", "12", "XX"},
		{"*{0}", "secret", "******"},
	}

	for _, tt := range tests {
		t.Run(tt.format+"/"+tt.value, func(t *testing.T) {
			p, err := c.Compile(tt.format)
			if err != nil {
				t.Fatal(err)
			}
			got, err := p.Apply(tt.value)
			if err != nil {
				t.Fatal(err)
			}
			if got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestApply_Formatted(t *testing.T) {
	c := NewCompiler(zaptest.NewLogger(t))

	tests := []struct {
		format string
		value  string
		want   string
	}{
		{"{number,#,##0.00}", "1234567.891", "1,234,567.89"},
		{"{number,0.###}", "1.5", "1.5"},
		{"{number,#.##}", "0.5", ".5"},
		{"{number,000}", "7", "007"},
		{"{number,$#,##0.00}", "-1000", "$-1,000.00"},
		{"{number,#0%}", "0.25", "25%"},
		{"{date,yyyy-MM-dd}", "20240131 10:11:12", "2024-01-31"},
		{"{date,dd/MM/yy HH:mm}", "2024-01-31T10:11:12Z", "31/01/24 10:11"},
		{"{date,yyyyMMdd'T'HHmmss}", "2024-01-31", "20240131T000000"},
		{"{Card %s}", "1234", "Card 1234"},
		{"{REDACTED}", "1234", "REDACTED"},
	}

	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			p, err := c.Compile(tt.format)
			if err != nil {
				t.Fatalf("Compile() error = %v", err)
			}
			if p.Kind() != KindFormatted {
				t.Fatalf("Kind() = %v, want formatted", p.Kind())
			}
			got, err := p.Apply(tt.value)
			if err != nil {
				t.Fatalf("Apply() error = %v", err)
			}
			if got != tt.want {
				t.Errorf("Apply(%q) = %q, want %q", tt.value, got, tt.want)
			}
		})
	}
}

func TestApply_FormattedBadInput(t *testing.T) {
	for format, value := range map[string]string{
		"{number,#,##0}":  "abc",
		"{date,yyyyMMdd}": "yesterday",
	} {
		p, err := Compile(format)
		if err != nil {
			t.Fatal(err)
		}
		if _, err := p.Apply(value); !errors.Is(err, types.ErrCoercionFailed) {
			t.Errorf("Apply(%q) with %s error = %v, want ErrCoercionFailed", value, format, err)
		}
	}
}

// The wildcard mask keeps template literals outside the wildcard run and
// copies original characters only at '#' positions and inside a '#' run.
func TestApply_WildcardRoundTrip(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("mask output respects the template", prop.ForAll(
		func(prefix, suffix, wildcardChar, value string) bool {
			format := prefix + wildcardChar + "{0}" + suffix
			p, err := Compile(format)
			if err != nil {
				return false
			}
			tpl := []rune(p.Template())
			in := []rune(value)
			out := []rune(mustApply(p, value))
			if len(out) != len(in) {
				return false
			}

			w := p.Wildcard()
			head := min(w, len(in))
			tail := max(head, len(in)-(len(tpl)-w-1))
			for i := range out {
				var t rune
				switch {
				case i < head:
					t = tpl[i]
				case i >= tail:
					t = tpl[len(tpl)-(len(in)-i)]
				default:
					t = tpl[w]
				}
				if t == Passthrough && out[i] != in[i] {
					return false
				}
				if t != Passthrough && out[i] != t {
					return false
				}
			}
			return true
		},
		genTemplate(),
		genTemplate(),
		gen.OneConstOf("#", "*", "X"),
		gen.NumString(),
	))

	properties.TestingRun(t)
}

func genTemplate() gopter.Gen {
	return gen.RegexMatch(`^[#*X-]{0,6}$`)
}

func mustApply(p *Program, v string) string {
	out, err := p.Apply(v)
	if err != nil {
		panic(err)
	}
	return out
}
