// Package stats implements the statistics engine: a tree of named counters
// (all-time totals, per-status, per-merchant, throughput) that count every
// accepted message by protocol.
//
// Every node exposes Count, Flush and Query. Holders forward Count and Flush
// to their children and resolve Query by the first dot-segment of the path.
// For every tally, the ProtocolAll bucket equals the sum of the others.
package stats

import (
	"sync"

	"github.com/solatis/paybridge/internal/types"
)

// AllTypes is the synthetic message type that sums every leaf of a node.
const AllTypes = "AllType"

// Tally is a count bucketed by protocol.
type Tally map[types.Protocol]int64

// NewTally returns a tally with every protocol bucket present.
func NewTally() Tally {
	t := make(Tally, 4)
	for _, p := range types.Protocols() {
		t[p] = 0
	}
	t[types.ProtocolAll] = 0
	return t
}

// Inc counts one message under p and under ProtocolAll.
func (t Tally) Inc(p types.Protocol) {
	if p == types.ProtocolAll || p == "" {
		p = types.ProtocolNone
	}
	t[p]++
	t[types.ProtocolAll]++
}

// Add merges o into t.
func (t Tally) Add(o Tally) {
	for p, n := range o {
		t[p] += n
	}
}

// All returns the ProtocolAll bucket.
func (t Tally) All() int64 { return t[types.ProtocolAll] }

// Consistent reports whether the ProtocolAll bucket equals the sum of the
// other buckets.
func (t Tally) Consistent() bool {
	var sum int64
	for p, n := range t {
		if p != types.ProtocolAll {
			sum += n
		}
	}
	return sum == t[types.ProtocolAll]
}

func (t Tally) reset() {
	for p := range t {
		t[p] = 0
	}
}

func (t Tally) clone() Tally {
	c := NewTally()
	c.Add(t)
	return c
}

// Counter is a node of the statistics tree.
type Counter interface {
	Name() string
	Count(attrs types.Attributes)
	Flush()
	Query(path, msgType, msgVersion string) (Tally, error)
}

// KeyedCounter is a leaf that keeps one tally per message key. An optional
// accept function filters what it counts.
type KeyedCounter struct {
	name   string
	accept func(types.Attributes) bool

	mu      sync.Mutex
	tallies map[types.MessageKey]Tally
}

// NewKeyedCounter returns a leaf pre-seeded with keys.
func NewKeyedCounter(name string, keys []types.MessageKey, accept func(types.Attributes) bool) *KeyedCounter {
	c := &KeyedCounter{name: name, accept: accept, tallies: make(map[types.MessageKey]Tally, len(keys))}
	for _, k := range keys {
		c.tallies[k] = NewTally()
	}
	return c
}

// Name implements Counter.
func (c *KeyedCounter) Name() string { return c.name }

// Count implements Counter.
func (c *KeyedCounter) Count(attrs types.Attributes) {
	if c.accept != nil && !c.accept(attrs) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tallies[attrs.Key()]
	if !ok {
		t = NewTally()
		c.tallies[attrs.Key()] = t
	}
	t.Inc(attrs.Protocol)
}

// Flush zeroes every tally and keeps the seeded keys.
func (c *KeyedCounter) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tallies {
		t.reset()
	}
}

// Query sums the tallies selected by msgType and msgVersion. AllTypes (or an
// empty type) sums every key; an empty version sums every version of the
// type. A leaf has no children, so path must be empty.
func (c *KeyedCounter) Query(path, msgType, msgVersion string) (Tally, error) {
	if path != "" {
		return nil, types.ErrCounterNotFound
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	out := NewTally()
	for k, t := range c.tallies {
		if msgType != "" && msgType != AllTypes && k.Type != msgType {
			continue
		}
		if msgVersion != "" && msgType != AllTypes && k.Version != msgVersion {
			continue
		}
		out.Add(t)
	}
	return out, nil
}
