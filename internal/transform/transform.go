// Package transform applies a channel's field policy to a message body.
//
// A body passes through six steps in fixed order: extract (prune to the
// mandatory and selected fields), mask, encrypt, enforce must-encrypt,
// extract audit columns and classify the card number. Masked fields and
// fields explicitly marked for encryption are never force-encrypted a second
// time; running the steps in another order would break that.
//
// Bodies are JSON documents addressed with gjson-style dotted paths.
package transform

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/solatis/paybridge/internal/catalog"
	"github.com/solatis/paybridge/internal/cipher"
	"github.com/solatis/paybridge/internal/mask"
	"github.com/solatis/paybridge/internal/rules"
	"github.com/solatis/paybridge/internal/types"
)

// DefaultDelimiter separates ciphertext and iv in an encrypted field.
const DefaultDelimiter = "|"

// Columns are the fixed audit columns read from a transformed body.
type Columns struct {
	MessageID     string
	Status        string
	CardNumber    string
	TransactionID string
}

// Result is the outcome of running the pipeline on one body.
type Result struct {
	Body      []byte
	Columns   Columns
	CardFlag  types.CardNumberFlag
	CardValue string

	Masked    []string
	Encrypted []string
}

// Pipeline holds the capabilities the steps need.
type Pipeline struct {
	masks     *mask.Compiler
	cipher    cipher.Cipher
	digester  cipher.Digester
	delimiter string
}

// New returns a pipeline. c may be nil when no field is ever encrypted.
func New(masks *mask.Compiler, c cipher.Cipher, d cipher.Digester, delimiter string) *Pipeline {
	if masks == nil {
		masks = mask.NewCompiler(nil)
	}
	if d == nil {
		d = cipher.NewHMACDigester(nil)
	}
	if delimiter == "" {
		delimiter = DefaultDelimiter
	}
	return &Pipeline{masks: masks, cipher: c, digester: d, delimiter: delimiter}
}

// Run applies every step to body. mp is the channel's policy for the
// message; nil means the channel has no field policy and the body is not
// pruned.
func (p *Pipeline) Run(def *catalog.Definition, mp *types.MessagePolicy, body []byte) (*Result, error) {
	if len(body) > types.MaxBodySize {
		return nil, types.ErrBodyTooLarge
	}
	if !gjson.ValidBytes(body) {
		return nil, types.ErrMalformedBody
	}

	var fields []types.FieldPolicy
	if mp != nil {
		fields = mp.Fields
	}

	var card gjson.Result
	if def.Columns.CardNumber != "" {
		card = gjson.GetBytes(body, def.Columns.CardNumber)
	}

	out := append([]byte(nil), body...)
	var err error
	if mp != nil {
		if out, err = Extract(def, fields, out); err != nil {
			return nil, err
		}
	}

	res := &Result{}
	if out, res.Masked, err = p.Mask(fields, out); err != nil {
		return nil, err
	}
	if out, res.Encrypted, err = p.Encrypt(fields, out); err != nil {
		return nil, err
	}
	var forced []string
	if out, forced, err = p.EnforceMustEncrypt(def, handledPaths(fields, res.Masked), out); err != nil {
		return nil, err
	}
	res.Encrypted = append(res.Encrypted, forced...)

	res.Body = out
	res.Columns = ExtractColumns(def, out)
	if res.CardFlag, res.CardValue, err = p.CheckCardNumber(def, fields, card, out); err != nil {
		return nil, err
	}
	res.Columns.CardNumber = res.CardValue
	return res, nil
}

// Extract prunes the definition's root node down to the mandatory paths and
// the selected field paths, keeping the ancestors of every kept path. Array
// elements that keep nothing are removed.
func Extract(def *catalog.Definition, fields []types.FieldPolicy, body []byte) ([]byte, error) {
	root := gjson.GetBytes(body, def.Root)
	if !root.Exists() {
		return nil, fmt.Errorf("%w: root %s", types.ErrFieldNotFound, def.Root)
	}

	var keep [][]types.PathSegment
	add := func(path string) error {
		rel, ok := relative(def.Root, path)
		if !ok {
			return nil
		}
		segs, err := rules.ParsePath(rel)
		if err != nil {
			return fmt.Errorf("path %s: %w", path, err)
		}
		keep = append(keep, segs)
		return nil
	}
	for _, path := range def.Mandatory {
		if err := add(path); err != nil {
			return nil, err
		}
	}
	for _, f := range fields {
		if f.Selected {
			if err := add(f.Path); err != nil {
				return nil, err
			}
		}
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(root.Raw)))
	dec.UseNumber()
	var node any
	if err := dec.Decode(&node); err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrMalformedBody, err)
	}

	pruned, ok := prune(node, keep)
	if !ok {
		pruned = map[string]any{}
	}
	raw, err := marshal(pruned)
	if err != nil {
		return nil, err
	}
	return sjson.SetRawBytes(body, def.Root, raw)
}

func relative(root, path string) (string, bool) {
	if len(path) <= len(root)+1 || path[:len(root)] != root || path[len(root)] != '.' {
		return "", false
	}
	return path[len(root)+1:], true
}

func prune(node any, paths [][]types.PathSegment) (any, bool) {
	for _, p := range paths {
		if len(p) == 0 {
			return node, true
		}
	}

	switch v := node.(type) {
	case map[string]any:
		out := make(map[string]any)
		for k, child := range v {
			var sub [][]types.PathSegment
			for _, p := range paths {
				if p[0].Wildcard || (p[0].Key != "" && p[0].Key == k) {
					sub = append(sub, p[1:])
				}
			}
			if len(sub) == 0 {
				continue
			}
			if kept, ok := prune(child, sub); ok {
				out[k] = kept
			}
		}
		return out, len(out) > 0

	case []any:
		var out []any
		for i, child := range v {
			var sub [][]types.PathSegment
			for _, p := range paths {
				if p[0].Wildcard || (p[0].IsIndex && p[0].Index == i) {
					sub = append(sub, p[1:])
				}
			}
			if len(sub) == 0 {
				continue
			}
			if kept, ok := prune(child, sub); ok {
				out = append(out, kept)
			}
		}
		return out, len(out) > 0

	default:
		return nil, false
	}
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// Mask applies every field's mask format and returns the masked paths.
func (p *Pipeline) Mask(fields []types.FieldPolicy, body []byte) ([]byte, []string, error) {
	var masked []string
	for _, f := range fields {
		if f.MaskFormat == "" {
			continue
		}
		r := gjson.GetBytes(body, f.Path)
		if !r.Exists() || r.Type == gjson.Null {
			continue
		}
		if r.IsObject() || r.IsArray() {
			return nil, nil, fmt.Errorf("%w: %s is not a scalar", types.ErrMaskFormat, f.Path)
		}
		prog, err := p.masks.Compile(f.MaskFormat)
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", f.Path, err)
		}
		value, err := prog.Apply(r.String())
		if err != nil {
			return nil, nil, fmt.Errorf("field %s: %w", f.Path, err)
		}
		if body, err = sjson.SetBytes(body, f.Path, value); err != nil {
			return nil, nil, err
		}
		masked = append(masked, f.Path)
	}
	return body, masked, nil
}

// Encrypt encrypts every field marked encrypt that has no mask format.
func (p *Pipeline) Encrypt(fields []types.FieldPolicy, body []byte) ([]byte, []string, error) {
	var done []string
	for _, f := range fields {
		if !f.Encrypt || f.MaskFormat != "" {
			continue
		}
		var ok bool
		var err error
		if body, ok, err = p.encryptPath(body, f.Path); err != nil {
			return nil, nil, err
		}
		if ok {
			done = append(done, f.Path)
		}
	}
	return body, done, nil
}

// EnforceMustEncrypt encrypts every must-encrypt path of def that is not in
// handled.
func (p *Pipeline) EnforceMustEncrypt(def *catalog.Definition, handled map[string]struct{}, body []byte) ([]byte, []string, error) {
	var done []string
	for _, path := range def.MustEncrypt {
		if _, skip := handled[path]; skip {
			continue
		}
		var ok bool
		var err error
		if body, ok, err = p.encryptPath(body, path); err != nil {
			return nil, nil, err
		}
		if ok {
			done = append(done, path)
		}
	}
	return body, done, nil
}

func (p *Pipeline) encryptPath(body []byte, path string) ([]byte, bool, error) {
	r := gjson.GetBytes(body, path)
	if !r.Exists() || r.Type == gjson.Null {
		return body, false, nil
	}
	if p.cipher == nil {
		return nil, false, fmt.Errorf("field %s: %w", path, types.ErrNoCipher)
	}
	ct, iv, err := p.cipher.Encrypt([]byte(r.String()))
	if err != nil {
		return nil, false, fmt.Errorf("field %s: %w", path, err)
	}
	out, err := sjson.SetBytes(body, path, ct+p.delimiter+iv)
	if err != nil {
		return nil, false, err
	}
	return out, true, nil
}

// handledPaths are the paths enforcement must skip: masked fields and
// fields marked encrypt.
func handledPaths(fields []types.FieldPolicy, masked []string) map[string]struct{} {
	h := make(map[string]struct{}, len(fields))
	for _, path := range masked {
		h[path] = struct{}{}
	}
	for _, f := range fields {
		if f.Encrypt || f.MaskFormat != "" {
			h[f.Path] = struct{}{}
		}
	}
	return h
}

// ExtractColumns reads the fixed audit columns of def from body.
func ExtractColumns(def *catalog.Definition, body []byte) Columns {
	get := func(path string) string {
		if path == "" {
			return ""
		}
		return gjson.GetBytes(body, path).String()
	}
	return Columns{
		MessageID:     get(def.Columns.MessageID),
		Status:        get(def.Columns.Status),
		CardNumber:    get(def.Columns.CardNumber),
		TransactionID: get(def.Columns.TransactionID),
	}
}

// CheckCardNumber classifies the card number. plain is the card value read
// before any step ran. A masked card stores the masked value, an encrypted
// one (must-encrypt or marked encrypt) stores a digest of the plaintext and
// anything else stores the plaintext. A masked card pruned from body is
// masked from plain, so the plaintext never reaches the audit columns.
func (p *Pipeline) CheckCardNumber(def *catalog.Definition, fields []types.FieldPolicy, plain gjson.Result, body []byte) (types.CardNumberFlag, string, error) {
	path := def.Columns.CardNumber
	if path == "" || !plain.Exists() || plain.Type == gjson.Null {
		return types.CardNone, "", nil
	}

	var format string
	var marked bool
	for _, f := range fields {
		if f.Path != path {
			continue
		}
		if f.MaskFormat != "" {
			format = f.MaskFormat
		}
		marked = marked || f.Encrypt
	}

	if format != "" {
		if r := gjson.GetBytes(body, path); r.Exists() {
			return types.CardMasked, r.String(), nil
		}
		prog, err := p.masks.Compile(format)
		if err != nil {
			return "", "", fmt.Errorf("card number %s: %w", path, err)
		}
		v, err := prog.Apply(plain.String())
		if err != nil {
			return "", "", fmt.Errorf("card number %s: %w", path, err)
		}
		return types.CardMasked, v, nil
	}
	if marked || def.IsMustEncrypt(path) {
		return types.CardEncrypted, p.digester.Digest(plain.String()), nil
	}
	return types.CardPlain, plain.String(), nil
}
