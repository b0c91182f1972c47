// Package mask compiles field-format strings into executable programs.
//
// Two program kinds exist. A formatted program ("{number,#,##0.00}",
// "{date,yyyyMMdd}", "{Card %s}") reformats a value as a number, a date or a
// string. A mask program ("######*{0}####") rewrites a value character by
// character: '#' keeps the original character, any other character replaces
// it, "{N}" repeats the previous template character N times and "{0}" marks
// the previous template character as the single wildcard run that absorbs
// the middle of values of any length.
package mask

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/types"
)

// Passthrough is the template character that keeps the original character.
const Passthrough = '#'

// NoWildcard is the wildcard position of a mask without a "{0}" run.
const NoWildcard = -1

// Kind distinguishes formatted programs from mask programs.
type Kind int

const (
	KindFormatted Kind = iota
	KindMask
)

func (k Kind) String() string {
	if k == KindMask {
		return "mask"
	}
	return "formatted"
}

// ObjectType is the value type a formatted program expects.
type ObjectType int

const (
	ObjectString ObjectType = iota
	ObjectNumber
	ObjectDate
)

func (o ObjectType) String() string {
	switch o {
	case ObjectNumber:
		return "number"
	case ObjectDate:
		return "date"
	default:
		return "string"
	}
}

// Program is a compiled, immutable format program.
type Program struct {
	source string
	kind   Kind

	// formatted
	object  ObjectType
	pattern string
	number  *numberFormat
	layout  string

	// mask
	template []rune
	wildcard int
}

// Source returns the format string the program was compiled from.
func (p *Program) Source() string { return p.source }

// Kind returns the program kind.
func (p *Program) Kind() Kind { return p.kind }

// Object returns the object type of a formatted program.
func (p *Program) Object() ObjectType { return p.object }

// Pattern returns the pattern of a formatted program.
func (p *Program) Pattern() string { return p.pattern }

// Template returns the expanded template of a mask program.
func (p *Program) Template() string { return string(p.template) }

// Wildcard returns the wildcard position of a mask program, or NoWildcard.
func (p *Program) Wildcard() int { return p.wildcard }

// Apply runs the program against value.
func (p *Program) Apply(value string) (string, error) {
	if p.kind == KindMask {
		return p.applyMask(value), nil
	}
	switch p.object {
	case ObjectNumber:
		return p.number.format(value)
	case ObjectDate:
		return formatDate(p.layout, value)
	default:
		if strings.Contains(p.pattern, "%") {
			return fmt.Sprintf(p.pattern, value), nil
		}
		return p.pattern, nil
	}
}

func (p *Program) applyMask(value string) string {
	in := []rune(value)
	out := make([]rune, len(in))
	tpl := p.template

	if p.wildcard == NoWildcard {
		for i, r := range in {
			if i < len(tpl) {
				out[i] = pick(tpl[i], r)
			} else {
				out[i] = r
			}
		}
		return string(out)
	}

	prefix := p.wildcard
	suffix := len(tpl) - p.wildcard - 1

	// prefix left-to-right
	head := 0
	for ; head < prefix && head < len(in); head++ {
		out[head] = pick(tpl[head], in[head])
	}
	// suffix right-to-left, never overlapping the prefix
	tail := len(in)
	for k := 0; k < suffix && tail > head; k++ {
		tail--
		out[tail] = pick(tpl[len(tpl)-1-k], in[tail])
	}
	for i := head; i < tail; i++ {
		out[i] = pick(tpl[p.wildcard], in[i])
	}
	return string(out)
}

func pick(t, original rune) rune {
	if t == Passthrough {
		return original
	}
	return t
}

// Compiler compiles format strings and memoizes the result by source.
type Compiler struct {
	log *zap.Logger

	mu    sync.RWMutex
	cache map[string]*Program
}

// NewCompiler returns a compiler with an empty cache.
func NewCompiler(log *zap.Logger) *Compiler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Compiler{log: log.Named("mask"), cache: make(map[string]*Program)}
}

var defaultCompiler = NewCompiler(nil)

// Compile compiles format with the process-wide compiler.
func Compile(format string) (*Program, error) {
	return defaultCompiler.Compile(format)
}

// Compile returns the cached program for format, compiling it on first use.
func (c *Compiler) Compile(format string) (*Program, error) {
	format = strings.TrimSpace(format)
	if format == "" {
		return nil, fmt.Errorf("%w: empty format", types.ErrMaskFormat)
	}

	c.mu.RLock()
	p, ok := c.cache[format]
	c.mu.RUnlock()
	if ok {
		return p, nil
	}

	p, err := c.compile(format)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if existing, ok := c.cache[format]; ok {
		p = existing
	} else {
		c.cache[format] = p
	}
	c.mu.Unlock()
	return p, nil
}

// Len returns the number of cached programs.
func (c *Compiler) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.cache)
}

func (c *Compiler) compile(format string) (*Program, error) {
	if strings.HasPrefix(format, "{") && strings.HasSuffix(format, "}") && !isRepeat(format) {
		return compileFormatted(format)
	}
	return c.compileMask(format)
}

// isRepeat reports whether a bracketed format is a bare repeat like "{3}",
// which is a malformed mask rather than a formatted pattern.
func isRepeat(format string) bool {
	_, err := strconv.Atoi(format[1 : len(format)-1])
	return err == nil
}

func compileFormatted(format string) (*Program, error) {
	body := format[1 : len(format)-1]
	p := &Program{source: format, kind: KindFormatted, object: ObjectString, pattern: body, wildcard: NoWildcard}

	head, rest, found := strings.Cut(body, ",")
	if !found {
		return p, nil
	}
	switch strings.TrimSpace(head) {
	case "number":
		nf, err := parseNumberFormat(rest)
		if err != nil {
			return nil, err
		}
		p.object, p.pattern, p.number = ObjectNumber, rest, nf
	case "date":
		layout, err := javaToLayout(rest)
		if err != nil {
			return nil, err
		}
		p.object, p.pattern, p.layout = ObjectDate, rest, layout
	}
	return p, nil
}

func (c *Compiler) compileMask(format string) (*Program, error) {
	src := []rune(format)
	p := &Program{source: format, kind: KindMask, wildcard: NoWildcard}

	for i := 0; i < len(src); i++ {
		r := src[i]
		if r != '{' {
			p.template = append(p.template, r)
			continue
		}

		end := i + 1
		for end < len(src) && src[end] != '}' {
			end++
		}
		if end == len(src) {
			return nil, fmt.Errorf("%w: unterminated repeat in %q", types.ErrMaskFormat, format)
		}
		n, err := strconv.Atoi(string(src[i+1 : end]))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("%w: bad repeat count in %q", types.ErrMaskFormat, format)
		}
		if len(p.template) == 0 {
			return nil, fmt.Errorf("%w: repeat without a preceding character in %q", types.ErrMaskFormat, format)
		}
		i = end

		if n == 0 {
			if p.wildcard == NoWildcard {
				p.wildcard = len(p.template) - 1
				continue
			}
			c.log.Warn("second wildcard in mask format, treating as {1}", zap.String("format", format))
			n = 1
		}
		// no field value is longer than a body
		if n > types.MaxBodySize-len(p.template)+1 {
			return nil, fmt.Errorf("%w: repeat count %d too large in %q", types.ErrMaskFormat, n, format)
		}
		prev := p.template[len(p.template)-1]
		for k := 1; k < n; k++ {
			p.template = append(p.template, prev)
		}
	}

	if len(p.template) == 0 {
		return nil, fmt.Errorf("%w: empty mask", types.ErrMaskFormat)
	}
	return p, nil
}
