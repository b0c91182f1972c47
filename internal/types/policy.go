package types

import (
	"fmt"
	"sort"
)

// MessageKey identifies a message definition. An empty Version in a policy
// means "every version of this type".
type MessageKey struct {
	Type    string
	Version string
}

func (k MessageKey) String() string {
	if k.Version == "" {
		return k.Type
	}
	return k.Type + "/" + k.Version
}

// FieldPolicy is the per-field transform instruction of a channel.
type FieldPolicy struct {
	Path       string
	Selected   bool
	Encrypt    bool
	MaskFormat string
}

// MessagePolicy is the ordered field policy of one message key.
type MessagePolicy struct {
	Fields []FieldPolicy
}

// ChannelPolicy is the immutable configuration snapshot of one channel.
type ChannelPolicy struct {
	ListenerType string
	ChannelID    string

	// Sink is the implementation identity handed to the sink factory.
	Sink string

	// Status is the desired initial status: running or stopped.
	Status ChannelState

	// Merchants restricts the channel to these merchant ids; empty = all.
	Merchants []string

	// Messages restricts the channel to these keys; empty = all.
	Messages map[MessageKey]MessagePolicy

	// Config is the sink-specific configuration blob.
	Config map[string]string
}

// Validate checks identity and status fields.
func (p *ChannelPolicy) Validate() error {
	if p.ListenerType == "" {
		return fmt.Errorf("%w: listener type is empty", ErrInvalidPolicy)
	}
	if p.ChannelID == "" {
		return fmt.Errorf("%w: channel id is empty", ErrInvalidPolicy)
	}
	if p.Sink == "" {
		return fmt.Errorf("%w: channel %s has no sink", ErrInvalidPolicy, p.ChannelID)
	}
	switch p.Status {
	case "", StateRunning, StateStopped:
	default:
		return fmt.Errorf("%w: channel %s has status %q", ErrInvalidPolicy, p.ChannelID, p.Status)
	}
	for k := range p.Messages {
		if k.Type == "" {
			return fmt.Errorf("%w: channel %s has a message entry without type", ErrInvalidPolicy, p.ChannelID)
		}
	}
	return nil
}

// PolicyFor returns the message policy governing key: an exact
// (type, version) entry wins over a type-only entry.
func (p *ChannelPolicy) PolicyFor(key MessageKey) (MessagePolicy, bool) {
	if mp, ok := p.Messages[key]; ok {
		return mp, true
	}
	mp, ok := p.Messages[MessageKey{Type: key.Type}]
	return mp, ok
}

// Accepts reports whether the channel policy admits key. An empty message
// map admits every key.
func (p *ChannelPolicy) Accepts(key MessageKey) bool {
	if len(p.Messages) == 0 {
		return true
	}
	_, ok := p.PolicyFor(key)
	return ok
}

// AcceptsMerchant reports whether the merchant list admits id.
func (p *ChannelPolicy) AcceptsMerchant(id string) bool {
	if len(p.Merchants) == 0 {
		return true
	}
	for _, m := range p.Merchants {
		if m == id {
			return true
		}
	}
	return false
}

// Clone returns a deep copy of the policy.
func (p *ChannelPolicy) Clone() *ChannelPolicy {
	if p == nil {
		return nil
	}
	c := *p
	if p.Merchants != nil {
		c.Merchants = append([]string(nil), p.Merchants...)
	}
	if p.Messages != nil {
		c.Messages = make(map[MessageKey]MessagePolicy, len(p.Messages))
		for k, mp := range p.Messages {
			c.Messages[k] = MessagePolicy{Fields: append([]FieldPolicy(nil), mp.Fields...)}
		}
	}
	if p.Config != nil {
		c.Config = make(map[string]string, len(p.Config))
		for k, v := range p.Config {
			c.Config[k] = v
		}
	}
	return &c
}

// MessageKeys returns the policy's message keys in sorted order.
func (p *ChannelPolicy) MessageKeys() []MessageKey {
	keys := make([]MessageKey, 0, len(p.Messages))
	for k := range p.Messages {
		keys = append(keys, k)
	}
	SortKeys(keys)
	return keys
}

// SortKeys orders keys by type then version.
func SortKeys(keys []MessageKey) {
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].Type != keys[j].Type {
			return keys[i].Type < keys[j].Type
		}
		return keys[i].Version < keys[j].Version
	})
}

// MerchantsEqual compares merchant sets, ignoring order and duplicates.
func MerchantsEqual(a, b []string) bool {
	return stringSet(a).equal(stringSet(b))
}

// MessageKeysEqual compares the key sets of two message maps.
func MessageKeysEqual(a, b map[MessageKey]MessagePolicy) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

// FieldPoliciesEqual compares two message maps including their field lists.
func FieldPoliciesEqual(a, b map[MessageKey]MessagePolicy) bool {
	if !MessageKeysEqual(a, b) {
		return false
	}
	for k, mp := range a {
		other := b[k].Fields
		if len(mp.Fields) != len(other) {
			return false
		}
		for i := range mp.Fields {
			if mp.Fields[i] != other[i] {
				return false
			}
		}
	}
	return true
}

// ConfigEqual compares two configuration blobs.
func ConfigEqual(a, b map[string]string) bool {
	if len(a) != len(b) {
		return false
	}
	for k, v := range a {
		if w, ok := b[k]; !ok || w != v {
			return false
		}
	}
	return true
}

// FilterEqual reports whether two policies subscribe to the same traffic:
// same merchant set and same message keys.
func FilterEqual(a, b *ChannelPolicy) bool {
	return MerchantsEqual(a.Merchants, b.Merchants) && MessageKeysEqual(a.Messages, b.Messages)
}

// PolicyEqual compares every field of two policies.
func PolicyEqual(a, b *ChannelPolicy) bool {
	return a.ListenerType == b.ListenerType &&
		a.ChannelID == b.ChannelID &&
		a.Sink == b.Sink &&
		a.Status == b.Status &&
		MerchantsEqual(a.Merchants, b.Merchants) &&
		FieldPoliciesEqual(a.Messages, b.Messages) &&
		ConfigEqual(a.Config, b.Config)
}

type set map[string]struct{}

func stringSet(s []string) set {
	out := make(set, len(s))
	for _, v := range s {
		out[v] = struct{}{}
	}
	return out
}

func (s set) equal(o set) bool {
	if len(s) != len(o) {
		return false
	}
	for k := range s {
		if _, ok := o[k]; !ok {
			return false
		}
	}
	return true
}
