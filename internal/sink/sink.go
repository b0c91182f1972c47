// Package sink defines the consumer behind a channel and the factory
// registry that maps a configured sink kind onto an implementation.
//
// A worker invokes its sink under a per-sink lock, so implementations never
// see concurrent calls from the same worker. HandleMessage outcomes:
//
//	(true, nil)                 accepted; the message is committed
//	(false, nil) or (_, err)    rejected; the message is rolled back
//	(_, err wrapping ErrSoftFailure)
//	                            not retryable; committed, not counted
package sink

import (
	"context"
	"sync"

	"github.com/solatis/paybridge/internal/selector"
	"github.com/solatis/paybridge/internal/transform"
	"github.com/solatis/paybridge/internal/types"
)

// Envelope is a transformed message as handed to a sink.
type Envelope struct {
	Attributes types.Attributes
	Body       []byte
	Columns    transform.Columns
	CardFlag   types.CardNumberFlag
	CardValue  string
}

// Identity names the channel a sink serves.
type Identity struct {
	ListenerType string
	ChannelID    string
}

func (id Identity) String() string {
	return id.ListenerType + "/" + id.ChannelID
}

// Sink consumes the messages of one channel.
type Sink interface {
	HandleMessage(ctx context.Context, env *Envelope) (bool, error)

	// Configure applies the channel's configuration blob. It is called
	// once after construction and again whenever the blob changes.
	Configure(cfg map[string]string) error
	IsInitialized() bool

	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Register(ctx context.Context) error
	Unregister(ctx context.Context) error

	// AcceptsFilterChange reports whether the sink can keep running across
	// a merchant or message set change. A sink that cannot is rebuilt.
	AcceptsFilterChange() bool

	// AcceptsDynamicFilterChange reports whether a filter change may be
	// applied to the live subscription instead of resubscribing.
	AcceptsDynamicFilterChange() bool
	SetFilter(s selector.Summary)

	// AcceptsAnyFilter reports whether the sink may run on an unrestricted
	// channel. Sinks returning false require a merchant or message filter.
	AcceptsAnyFilter() bool
}

// StatisticsSink is implemented by sinks whose accepted messages feed the
// statistics engine.
type StatisticsSink interface {
	Sink
	CountsStatistics() bool
}

// CountsStatistics reports whether messages accepted by s are counted.
func CountsStatistics(s Sink) bool {
	ss, ok := s.(StatisticsSink)
	return ok && ss.CountsStatistics()
}

// Base provides the lifecycle bookkeeping most sinks share. Embedders
// override what they need.
type Base struct {
	mu      sync.Mutex
	config  map[string]string
	filter  selector.Summary
	running bool
}

func (b *Base) Configure(cfg map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.config = make(map[string]string, len(cfg))
	for k, v := range cfg {
		b.config[k] = v
	}
	return nil
}

// Config returns the value of key from the last Configure call.
func (b *Base) Config(key string) string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.config[key]
}

func (b *Base) IsInitialized() bool { return true }

func (b *Base) Start(context.Context) error {
	b.mu.Lock()
	b.running = true
	b.mu.Unlock()
	return nil
}

func (b *Base) Stop(context.Context) error {
	b.mu.Lock()
	b.running = false
	b.mu.Unlock()
	return nil
}

// Running reports whether Start was called more recently than Stop.
func (b *Base) Running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.running
}

func (b *Base) Register(context.Context) error   { return nil }
func (b *Base) Unregister(context.Context) error { return nil }

func (b *Base) AcceptsFilterChange() bool        { return true }
func (b *Base) AcceptsDynamicFilterChange() bool { return true }
func (b *Base) AcceptsAnyFilter() bool           { return true }

func (b *Base) SetFilter(s selector.Summary) {
	b.mu.Lock()
	b.filter = s
	b.mu.Unlock()
}

// Filter returns the summary from the last SetFilter call.
func (b *Base) Filter() selector.Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.filter
}
