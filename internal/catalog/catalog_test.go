package catalog

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/solatis/paybridge/internal/types"
)

func TestDefault(t *testing.T) {
	c := Default()

	if got := len(c.Keys()); got != 4 {
		t.Fatalf("len(Keys()) = %d, want 4", got)
	}
	d, ok := c.Lookup(types.MessageKey{Type: "PARes", Version: "1.0.2"})
	if !ok {
		t.Fatal("PARes/1.0.2 not defined")
	}
	if !d.IsMustEncrypt("ThreeDSecure.Message.PARes.pan") {
		t.Error("PARes pan should be must-encrypt")
	}
	if !d.IsMandatory("ThreeDSecure.Message.PARes.TX.status") {
		t.Error("PARes TX.status should be mandatory")
	}
	if c.Known(types.MessageKey{Type: "PARes", Version: "2.0"}) {
		t.Error("PARes/2.0 should be unknown")
	}
	if got := c.StatusPairs()["PARes"]; len(got) != 4 {
		t.Errorf("PARes statuses = %v", got)
	}
	if got := c.Types(); len(got) != 4 || got[0] != "PAReq" {
		t.Errorf("Types() = %v", got)
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	doc := `
messages:
  - type: AReq
    version: "2.2.0"
    root: areq
    mandatory: [areq.threeDSServerTransID]
    must_encrypt: [areq.acctNumber]
    columns:
      card_number: areq.acctNumber
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatal(err)
	}
	c, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	d, ok := c.Lookup(types.MessageKey{Type: "AReq", Version: "2.2.0"})
	if !ok {
		t.Fatal("AReq not loaded")
	}
	if d.Columns.CardNumber != "areq.acctNumber" {
		t.Errorf("card column = %q", d.Columns.CardNumber)
	}
	if got := c.Versions("AReq"); len(got) != 1 || got[0] != "2.2.0" {
		t.Errorf("Versions() = %v", got)
	}
}

func TestParse_Rejects(t *testing.T) {
	tests := map[string]string{
		"missing root":  "messages:\n  - {type: A, version: '1'}\n",
		"outside root":  "messages:\n  - {type: A, version: '1', root: a, mandatory: [b.c]}\n",
		"duplicate key": "messages:\n  - {type: A, version: '1', root: a}\n  - {type: A, version: '1', root: a}\n",
		"bad yaml":      "messages: [",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := Parse([]byte(doc)); err == nil {
				t.Error("Parse() error = nil, want error")
			}
		})
	}
}
