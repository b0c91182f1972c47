// Package config provides configuration management for the payment bridge.
package config

import (
	"fmt"
	"sort"
	"time"

	"github.com/solatis/paybridge/internal/types"
)

// BridgeConfig holds the process configuration of the bridge.
type BridgeConfig struct {
	BusURL           string
	DBURL            string
	SamplingInterval time.Duration
	CipherDelimiter  string
	CatalogFile      string
	HealthHost       string
	HealthPort       int
	MetricsAddr      string

	// Channels are the channel policies of every listener type.
	Channels []*types.ChannelPolicy
}

// DefaultBridgeConfig returns configuration with default values.
func DefaultBridgeConfig() *BridgeConfig {
	return &BridgeConfig{
		BusURL:           "memory://",
		SamplingInterval: 10 * time.Second,
		CipherDelimiter:  "|",
		HealthHost:       "0.0.0.0",
		HealthPort:       50051,
	}
}

// ByListener groups the channel policies by listener type.
func (c *BridgeConfig) ByListener() map[string][]*types.ChannelPolicy {
	out := make(map[string][]*types.ChannelPolicy)
	for _, p := range c.Channels {
		out[p.ListenerType] = append(out[p.ListenerType], p)
	}
	return out
}

// Listeners returns the listener types named by the channel documents.
func (c *BridgeConfig) Listeners() []string {
	by := c.ByListener()
	out := make([]string, 0, len(by))
	for l := range by {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// ChannelDocument is the configuration document of one channel.
type ChannelDocument struct {
	ListenerType string            `mapstructure:"listener_type"`
	ChannelID    string            `mapstructure:"channel_id"`
	Sink         string            `mapstructure:"sink"`
	Status       string            `mapstructure:"status"`
	Merchants    []string          `mapstructure:"merchants"`
	Messages     []MessageDocument `mapstructure:"messages"`
	Config       map[string]string `mapstructure:"config"`
}

// MessageDocument selects one message type, optionally one version.
type MessageDocument struct {
	Type    string          `mapstructure:"type"`
	Version string          `mapstructure:"version"`
	Fields  []FieldDocument `mapstructure:"fields"`
}

// FieldDocument is the field policy of one path.
type FieldDocument struct {
	Path     string `mapstructure:"path"`
	Selected bool   `mapstructure:"selected"`
	Encrypt  bool   `mapstructure:"encrypt"`
	Mask     string `mapstructure:"mask"`
}

// Policy converts the document into a validated channel policy. A missing
// status means running.
func (d ChannelDocument) Policy() (*types.ChannelPolicy, error) {
	p := &types.ChannelPolicy{
		ListenerType: d.ListenerType,
		ChannelID:    d.ChannelID,
		Sink:         d.Sink,
		Status:       types.ChannelState(d.Status),
		Merchants:    d.Merchants,
		Config:       d.Config,
	}
	if p.Status == "" {
		p.Status = types.StateRunning
	}

	if len(d.Messages) > 0 {
		p.Messages = make(map[types.MessageKey]types.MessagePolicy, len(d.Messages))
	}
	for _, m := range d.Messages {
		key := types.MessageKey{Type: m.Type, Version: m.Version}
		if _, dup := p.Messages[key]; dup {
			return nil, fmt.Errorf("%w: channel %s lists message %s twice",
				types.ErrInvalidPolicy, d.ChannelID, key)
		}
		mp := types.MessagePolicy{}
		for _, f := range m.Fields {
			if f.Path == "" {
				return nil, fmt.Errorf("%w: channel %s has a field without path in %s",
					types.ErrInvalidPolicy, d.ChannelID, key)
			}
			mp.Fields = append(mp.Fields, types.FieldPolicy{
				Path:       f.Path,
				Selected:   f.Selected,
				Encrypt:    f.Encrypt,
				MaskFormat: f.Mask,
			})
		}
		p.Messages[key] = mp
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}
