// Package bridge is the service facade of the payment bridge. A Bridge owns
// the channel registry, the statistics engine, the audit manager and the
// process-wide collaborators they share, and exposes the control operations
// of a management surface.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/audit"
	"github.com/solatis/paybridge/internal/bus"
	"github.com/solatis/paybridge/internal/catalog"
	"github.com/solatis/paybridge/internal/channel"
	"github.com/solatis/paybridge/internal/cipher"
	"github.com/solatis/paybridge/internal/core/config"
	"github.com/solatis/paybridge/internal/mask"
	"github.com/solatis/paybridge/internal/registry"
	"github.com/solatis/paybridge/internal/sink"
	"github.com/solatis/paybridge/internal/stats"
	"github.com/solatis/paybridge/internal/transform"
	"github.com/solatis/paybridge/internal/types"
)

// Health receives the serving status of the bridge.
type Health interface {
	SetServing(serving bool)
}

// Options configure a Bridge. Transport is required; everything else has a
// default.
type Options struct {
	Transport bus.Transport
	Catalog   *catalog.Catalog

	// Cipher decrypts envelopes and encrypts fields. Nil disables both;
	// messages that need it are rolled back.
	Cipher   cipher.Cipher
	Digester cipher.Digester

	// Store backs the audit sink kind. Nil leaves the kind unregistered.
	Store    audit.RecordStore
	Notifier audit.Notifier

	// Sinks defaults to sink.NewRegistry().
	Sinks *sink.Registry

	SamplingInterval time.Duration
	Delimiter        string
	Health           Health
	Log              *zap.Logger
}

// Bridge is the running service.
type Bridge struct {
	log       *zap.Logger
	transport bus.Transport
	catalog   *catalog.Catalog
	stats     *stats.Engine
	audit     *audit.Manager
	channels  *registry.Registry
	health    Health
}

// New wires a bridge from opts. Channels are added with RegisterChannel,
// Reconcile or ApplyConfig.
func New(opts Options) (*Bridge, error) {
	if opts.Transport == nil {
		return nil, errors.New("bridge requires a transport")
	}
	if opts.Log == nil {
		opts.Log = zap.NewNop()
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.Sinks == nil {
		opts.Sinks = sink.NewRegistry()
	}
	if opts.SamplingInterval <= 0 {
		opts.SamplingInterval = config.DefaultBridgeConfig().SamplingInterval
	}

	b := &Bridge{
		log:       opts.Log.Named("bridge"),
		transport: opts.Transport,
		catalog:   opts.Catalog,
		stats:     stats.NewEngine(opts.Catalog, opts.SamplingInterval, opts.Log),
		health:    opts.Health,
	}
	if opts.Store != nil {
		b.audit = audit.NewManager(opts.Store, opts.Notifier, opts.Log)
		opts.Sinks.Register(audit.SinkKind, audit.Factory(b.audit))
	}

	b.channels = registry.New(channel.Deps{
		Bus:      opts.Transport,
		Sinks:    opts.Sinks,
		Catalog:  opts.Catalog,
		Pipeline: transform.New(mask.NewCompiler(opts.Log), opts.Cipher, opts.Digester, opts.Delimiter),
		Cipher:   opts.Cipher,
		Stats:    b.stats,
		Log:      opts.Log,
	})

	b.log.Info("Bridge created",
		zap.Strings("sinks", opts.Sinks.Kinds()),
		zap.Int("messages", len(opts.Catalog.Keys())),
		zap.Bool("cipher", opts.Cipher != nil))
	return b, nil
}

// Start launches the statistics sampler and reports serving.
func (b *Bridge) Start() {
	b.stats.Start()
	b.setServing(true)
}

func (b *Bridge) setServing(serving bool) {
	if b.health != nil {
		b.health.SetServing(serving)
	}
}

// StartChannel starts one channel.
func (b *Bridge) StartChannel(ctx context.Context, listener, id, reason string) error {
	return b.channels.Start(ctx, listener, id, reason)
}

// StopChannel stops one channel.
func (b *Bridge) StopChannel(ctx context.Context, listener, id, reason string) error {
	return b.channels.Stop(ctx, listener, id, reason)
}

// StartAll starts every channel and reports serving.
func (b *Bridge) StartAll(ctx context.Context, reason string) error {
	err := b.channels.StartAll(ctx, reason)
	b.setServing(true)
	return err
}

// StopAll stops every channel and reports not serving. Registration is
// kept.
func (b *Bridge) StopAll(ctx context.Context, reason string) error {
	b.setServing(false)
	return b.channels.StopAll(ctx, reason)
}

// RegisterChannel registers one channel.
func (b *Bridge) RegisterChannel(ctx context.Context, policy *types.ChannelPolicy) error {
	return b.channels.Register(ctx, policy)
}

// UnregisterChannel removes one channel.
func (b *Bridge) UnregisterChannel(ctx context.Context, listener, id string) error {
	return b.channels.Unregister(ctx, listener, id)
}

// Reconcile makes the channels of listener match policies.
func (b *Bridge) Reconcile(ctx context.Context, listener string, policies []*types.ChannelPolicy) error {
	return b.channels.Reconcile(ctx, listener, policies)
}

// ApplyConfig reconciles every listener type named by cfg, and empties the
// listener types cfg no longer names.
func (b *Bridge) ApplyConfig(ctx context.Context, cfg *config.BridgeConfig) error {
	by := cfg.ByListener()
	var errs []error
	for _, l := range b.channels.Listeners() {
		if _, ok := by[l]; !ok {
			errs = append(errs, b.Reconcile(ctx, l, nil))
		}
	}
	for _, l := range cfg.Listeners() {
		errs = append(errs, b.Reconcile(ctx, l, by[l]))
	}
	return errors.Join(errs...)
}

// ChannelStatus returns the status of one channel.
func (b *Bridge) ChannelStatus(listener, id string) (channel.Status, error) {
	w, err := b.channels.Get(listener, id)
	if err != nil {
		return channel.Status{}, err
	}
	return w.Status(), nil
}

// Channels returns the status of every channel.
func (b *Bridge) Channels() []channel.Status {
	return b.channels.Statuses()
}

// QueryStatistics resolves a dotted counter path.
func (b *Bridge) QueryStatistics(path, msgType, msgVersion string) (stats.Tally, error) {
	if msgType != "" && msgType != stats.AllTypes {
		if len(b.catalog.Versions(msgType)) == 0 {
			return nil, fmt.Errorf("%w: %s", types.ErrUnknownMessage, msgType)
		}
		key := types.MessageKey{Type: msgType, Version: msgVersion}
		if msgVersion != "" && !b.catalog.Known(key) {
			return nil, fmt.Errorf("%w: %s", types.ErrUnknownMessage, key)
		}
	}
	return b.stats.Query(path, msgType, msgVersion)
}

// FlushStatistics zeroes the statistics. interval > 0 also changes the
// sampling interval.
func (b *Bridge) FlushStatistics(interval time.Duration) {
	b.stats.FlushInterval(interval)
}

// Throughput returns the peak and average message rate.
func (b *Bridge) Throughput() stats.Throughput {
	return b.stats.Throughput()
}

// Collector exports the statistics tree to Prometheus.
func (b *Bridge) Collector() prometheus.Collector {
	return b.stats
}

// Shutdown unregisters every channel, stops the sampler and closes the
// transport.
func (b *Bridge) Shutdown(ctx context.Context) error {
	b.setServing(false)
	var errs []error
	if err := b.channels.UnregisterAll(ctx); err != nil {
		errs = append(errs, fmt.Errorf("unregister channels: %w", err))
	}
	b.stats.Stop()
	if err := b.transport.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close transport: %w", err))
	}
	b.log.Info("Bridge stopped")
	return errors.Join(errs...)
}
