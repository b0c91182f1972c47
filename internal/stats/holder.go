package stats

import (
	"sort"
	"strings"
	"sync"

	"github.com/solatis/paybridge/internal/types"
)

func splitPath(path string) (head, rest string) {
	head, rest, _ = strings.Cut(path, ".")
	return head, rest
}

// Holder is an inner node with a fixed set of children.
type Holder struct {
	name     string
	children []Counter
	byName   map[string]Counter
}

// NewHolder returns a holder over children.
func NewHolder(name string, children ...Counter) *Holder {
	h := &Holder{name: name, byName: make(map[string]Counter, len(children))}
	for _, c := range children {
		h.children = append(h.children, c)
		h.byName[c.Name()] = c
	}
	return h
}

// Name implements Counter.
func (h *Holder) Name() string { return h.name }

// Children returns the holder's children in registration order.
func (h *Holder) Children() []Counter { return h.children }

// Child returns the named child.
func (h *Holder) Child(name string) (Counter, bool) {
	c, ok := h.byName[name]
	return c, ok
}

// Count forwards to every child.
func (h *Holder) Count(attrs types.Attributes) {
	for _, c := range h.children {
		c.Count(attrs)
	}
}

// Flush forwards to every child.
func (h *Holder) Flush() {
	for _, c := range h.children {
		c.Flush()
	}
}

// Query dispatches to the child named by the first segment of path. An
// empty path sums every child.
func (h *Holder) Query(path, msgType, msgVersion string) (Tally, error) {
	if path == "" {
		out := NewTally()
		for _, c := range h.children {
			t, err := c.Query("", msgType, msgVersion)
			if err != nil {
				return nil, err
			}
			out.Add(t)
		}
		return out, nil
	}
	head, rest := splitPath(path)
	c, ok := h.byName[head]
	if !ok {
		return nil, types.ErrCounterNotFound
	}
	return c.Query(rest, msgType, msgVersion)
}

// NewStatusHolder builds one status leaf per status value. A leaf counts a
// message only when its (type, status) pair is in the accept-list.
func NewStatusHolder(name string, accept map[string][]string, keys []types.MessageKey) *Holder {
	byStatus := make(map[string]map[string]struct{})
	for msgType, statuses := range accept {
		for _, s := range statuses {
			if byStatus[s] == nil {
				byStatus[s] = make(map[string]struct{})
			}
			byStatus[s][msgType] = struct{}{}
		}
	}
	names := make([]string, 0, len(byStatus))
	for s := range byStatus {
		names = append(names, s)
	}
	sort.Strings(names)

	children := make([]Counter, 0, len(names))
	for _, status := range names {
		status, accepted := status, byStatus[status]
		var seeded []types.MessageKey
		for _, k := range keys {
			if _, ok := accepted[k.Type]; ok {
				seeded = append(seeded, k)
			}
		}
		children = append(children, NewKeyedCounter(status, seeded, func(a types.Attributes) bool {
			if a.Status != status {
				return false
			}
			_, ok := accepted[a.MessageType]
			return ok
		}))
	}
	return NewHolder(name, children...)
}

// MerchantHolder keys a leaf per merchant id, created on first use.
type MerchantHolder struct {
	name string

	mu        sync.RWMutex
	merchants map[string]*KeyedCounter
}

// NewMerchantHolder returns an empty merchant holder.
func NewMerchantHolder(name string) *MerchantHolder {
	return &MerchantHolder{name: name, merchants: make(map[string]*KeyedCounter)}
}

// Name implements Counter.
func (m *MerchantHolder) Name() string { return m.name }

// Count forwards to the merchant's leaf, creating it if needed.
func (m *MerchantHolder) Count(attrs types.Attributes) {
	m.mu.RLock()
	c, ok := m.merchants[attrs.MerchantID]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if c, ok = m.merchants[attrs.MerchantID]; !ok {
			c = NewKeyedCounter(attrs.MerchantID, nil, nil)
			m.merchants[attrs.MerchantID] = c
		}
		m.mu.Unlock()
	}
	c.Count(attrs)
}

// Flush zeroes every merchant leaf; merchants stay registered.
func (m *MerchantHolder) Flush() {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, c := range m.merchants {
		c.Flush()
	}
}

// Merchants returns the known merchant ids, sorted.
func (m *MerchantHolder) Merchants() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.merchants))
	for id := range m.merchants {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Query resolves a merchant id, or sums every merchant for an empty path.
// An unseen merchant yields a zero tally.
func (m *MerchantHolder) Query(path, msgType, msgVersion string) (Tally, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if path == "" {
		out := NewTally()
		for _, c := range m.merchants {
			t, _ := c.Query("", msgType, msgVersion)
			out.Add(t)
		}
		return out, nil
	}
	head, rest := splitPath(path)
	c, ok := m.merchants[head]
	if !ok {
		if rest != "" {
			return nil, types.ErrCounterNotFound
		}
		return NewTally(), nil
	}
	return c.Query(rest, msgType, msgVersion)
}
