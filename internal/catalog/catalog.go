// Package catalog holds the process-wide message-definition table.
//
// Each definition describes one (type, version): where its root node sits in
// the body, which fields are always kept, which must always leave the bridge
// encrypted, where the audit columns are read from and which status values
// are counted. Derived lookup sets are built once at load time.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/solatis/paybridge/internal/types"
)

//go:embed default.yaml
var defaultDocument []byte

// Columns are the body paths of the fixed audit columns; empty = undefined.
type Columns struct {
	MessageID     string `yaml:"message_id"`
	Status        string `yaml:"status"`
	CardNumber    string `yaml:"card_number"`
	TransactionID string `yaml:"transaction_id"`
}

// Definition describes one known message.
type Definition struct {
	Type        string   `yaml:"type"`
	Version     string   `yaml:"version"`
	Root        string   `yaml:"root"`
	Mandatory   []string `yaml:"mandatory"`
	MustEncrypt []string `yaml:"must_encrypt"`
	Columns     Columns  `yaml:"columns"`
	Statuses    []string `yaml:"statuses"`

	mandatory   map[string]struct{}
	mustEncrypt map[string]struct{}
}

// Key returns the definition's message key.
func (d *Definition) Key() types.MessageKey {
	return types.MessageKey{Type: d.Type, Version: d.Version}
}

// IsMandatory reports whether path is always kept by extraction.
func (d *Definition) IsMandatory(path string) bool {
	_, ok := d.mandatory[path]
	return ok
}

// IsMustEncrypt reports whether path must always be encrypted.
func (d *Definition) IsMustEncrypt(path string) bool {
	_, ok := d.mustEncrypt[path]
	return ok
}

type document struct {
	Messages []*Definition `yaml:"messages"`
}

// Catalog is an immutable table of definitions.
type Catalog struct {
	defs map[types.MessageKey]*Definition
	keys []types.MessageKey
}

// Default returns the built-in 3-D Secure catalog.
func Default() *Catalog {
	c, err := Parse(defaultDocument)
	if err != nil {
		panic(fmt.Sprintf("catalog: built-in definitions: %v", err))
	}
	return c
}

// Load reads a catalog document from path.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse catalog: %w", err)
	}
	return New(doc.Messages...)
}

// New builds a catalog from definitions.
func New(defs ...*Definition) (*Catalog, error) {
	c := &Catalog{defs: make(map[types.MessageKey]*Definition, len(defs))}
	for _, d := range defs {
		if d.Type == "" || d.Version == "" {
			return nil, fmt.Errorf("catalog: definition without type or version")
		}
		if d.Root == "" {
			return nil, fmt.Errorf("catalog: %s/%s has no root path", d.Type, d.Version)
		}
		key := d.Key()
		if _, dup := c.defs[key]; dup {
			return nil, fmt.Errorf("catalog: duplicate definition %s", key)
		}
		for _, p := range append(append([]string(nil), d.Mandatory...), d.MustEncrypt...) {
			if !strings.HasPrefix(p, d.Root+".") {
				return nil, fmt.Errorf("catalog: %s path %q is outside root %q", key, p, d.Root)
			}
		}
		d.mandatory = toSet(d.Mandatory)
		d.mustEncrypt = toSet(d.MustEncrypt)
		c.defs[key] = d
		c.keys = append(c.keys, key)
	}
	types.SortKeys(c.keys)
	return c, nil
}

// Lookup returns the definition of key.
func (c *Catalog) Lookup(key types.MessageKey) (*Definition, bool) {
	d, ok := c.defs[key]
	return d, ok
}

// Known reports whether key is defined.
func (c *Catalog) Known(key types.MessageKey) bool {
	_, ok := c.defs[key]
	return ok
}

// Keys returns every defined key, sorted.
func (c *Catalog) Keys() []types.MessageKey {
	return append([]types.MessageKey(nil), c.keys...)
}

// Types returns the distinct message types, sorted.
func (c *Catalog) Types() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, k := range c.keys {
		if _, ok := seen[k.Type]; !ok {
			seen[k.Type] = struct{}{}
			out = append(out, k.Type)
		}
	}
	sort.Strings(out)
	return out
}

// Versions returns the defined versions of msgType.
func (c *Catalog) Versions(msgType string) []string {
	var out []string
	for _, k := range c.keys {
		if k.Type == msgType {
			out = append(out, k.Version)
		}
	}
	return out
}

// StatusPairs returns every counted (type, status) pair.
func (c *Catalog) StatusPairs() map[string][]string {
	out := make(map[string][]string)
	for _, k := range c.keys {
		d := c.defs[k]
		if len(d.Statuses) == 0 {
			continue
		}
		out[d.Type] = appendUnique(out[d.Type], d.Statuses...)
	}
	return out
}

func appendUnique(dst []string, vals ...string) []string {
	for _, v := range vals {
		found := false
		for _, e := range dst {
			if e == v {
				found = true
				break
			}
		}
		if !found {
			dst = append(dst, v)
		}
	}
	return dst
}

func toSet(vals []string) map[string]struct{} {
	m := make(map[string]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}
