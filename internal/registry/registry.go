// Package registry keeps the channel workers of every listener type and
// reconciles them against configuration.
//
// The registry lock guards the listener -> channel -> worker map only. It is
// never held while a worker operation runs; operations take a snapshot of
// the workers they need and release the lock first.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/channel"
	"github.com/solatis/paybridge/internal/types"
)

// Registry maps listener type and channel id to a worker.
type Registry struct {
	deps channel.Deps
	log  *zap.Logger

	mu       sync.Mutex
	channels map[string]map[string]*channel.Worker
}

// New returns an empty registry. Workers it creates share deps.
func New(deps channel.Deps) *Registry {
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	return &Registry{
		deps:     deps,
		log:      deps.Log.Named("registry"),
		channels: make(map[string]map[string]*channel.Worker),
	}
}

// Register creates and registers a worker for policy. A channel id already
// registered under the listener type is rejected and left untouched.
//
// A worker whose sink cannot be constructed stays in the registry in the
// not-initialized state so its reason can be queried; the error is
// returned all the same.
func (r *Registry) Register(ctx context.Context, policy *types.ChannelPolicy) error {
	if err := policy.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	byID := r.channels[policy.ListenerType]
	if _, ok := byID[policy.ChannelID]; ok {
		r.mu.Unlock()
		r.log.Warn("Duplicate channel registration ignored",
			zap.String("listener", policy.ListenerType),
			zap.String("channel", policy.ChannelID))
		return fmt.Errorf("%w: %s/%s", types.ErrDuplicateChannel, policy.ListenerType, policy.ChannelID)
	}
	if byID == nil {
		byID = make(map[string]*channel.Worker)
		r.channels[policy.ListenerType] = byID
	}
	w := channel.NewWorker(policy, r.deps)
	byID[policy.ChannelID] = w
	r.mu.Unlock()

	return w.Register(ctx)
}

// Unregister removes a channel and releases its subscription and sink.
func (r *Registry) Unregister(ctx context.Context, listener, id string) error {
	r.mu.Lock()
	w, ok := r.channels[listener][id]
	if ok {
		delete(r.channels[listener], id)
		if len(r.channels[listener]) == 0 {
			delete(r.channels, listener)
		}
	}
	r.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s/%s", types.ErrChannelNotFound, listener, id)
	}
	return w.Unregister(ctx)
}

// Get returns the worker of a channel.
func (r *Registry) Get(listener, id string) (*channel.Worker, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.channels[listener][id]
	if !ok {
		return nil, fmt.Errorf("%w: %s/%s", types.ErrChannelNotFound, listener, id)
	}
	return w, nil
}

// Start starts one channel.
func (r *Registry) Start(ctx context.Context, listener, id, reason string) error {
	w, err := r.Get(listener, id)
	if err != nil {
		return err
	}
	return w.Start(ctx, reason)
}

// Stop stops one channel.
func (r *Registry) Stop(ctx context.Context, listener, id, reason string) error {
	w, err := r.Get(listener, id)
	if err != nil {
		return err
	}
	return w.Stop(ctx, reason)
}

// StartAll starts every initialized channel. Registration is not changed.
func (r *Registry) StartAll(ctx context.Context, reason string) error {
	return r.broadcast(func(w *channel.Worker) error { return w.Start(ctx, reason) })
}

// StopAll stops every initialized channel. Registration is not changed.
func (r *Registry) StopAll(ctx context.Context, reason string) error {
	return r.broadcast(func(w *channel.Worker) error { return w.Stop(ctx, reason) })
}

func (r *Registry) broadcast(op func(*channel.Worker) error) error {
	var errs []error
	for _, w := range r.workers() {
		err := op(w)
		if errors.Is(err, types.ErrSinkNotInitialized) {
			continue
		}
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// UnregisterAll removes every channel. Used on shutdown.
func (r *Registry) UnregisterAll(ctx context.Context) error {
	r.mu.Lock()
	all := r.channels
	r.channels = make(map[string]map[string]*channel.Worker)
	r.mu.Unlock()

	var errs []error
	for _, byID := range all {
		for _, w := range byID {
			errs = append(errs, w.Unregister(ctx))
		}
	}
	return errors.Join(errs...)
}

// Reconcile makes the channels of listener match policies: channels in
// both sets are reset, new ones registered and missing ones unregistered.
// The set is checked as a whole before anything changes; a failure on one
// channel does not stop the others.
func (r *Registry) Reconcile(ctx context.Context, listener string, policies []*types.ChannelPolicy) error {
	next := make(map[string]*types.ChannelPolicy, len(policies))
	for _, p := range policies {
		if err := p.Validate(); err != nil {
			return err
		}
		if p.ListenerType != listener {
			return fmt.Errorf("%w: channel %s belongs to listener %s, not %s",
				types.ErrInvalidPolicy, p.ChannelID, p.ListenerType, listener)
		}
		if _, dup := next[p.ChannelID]; dup {
			return fmt.Errorf("%w: channel %s listed twice", types.ErrInvalidPolicy, p.ChannelID)
		}
		next[p.ChannelID] = p
	}

	r.mu.Lock()
	current := make(map[string]*channel.Worker, len(r.channels[listener]))
	for id, w := range r.channels[listener] {
		current[id] = w
	}
	r.mu.Unlock()

	var errs []error
	var added, reset, removed int
	for id, w := range current {
		p, keep := next[id]
		if !keep {
			if err := r.Unregister(ctx, listener, id); err != nil && !errors.Is(err, types.ErrChannelNotFound) {
				errs = append(errs, fmt.Errorf("unregister %s: %w", id, err))
			}
			removed++
			continue
		}
		if err := w.Reset(ctx, p); err != nil {
			errs = append(errs, fmt.Errorf("reset %s: %w", id, err))
		}
		reset++
	}
	for _, id := range sortedKeys(next) {
		if _, ok := current[id]; ok {
			continue
		}
		if err := r.Register(ctx, next[id]); err != nil {
			errs = append(errs, fmt.Errorf("register %s: %w", id, err))
		}
		added++
	}

	r.log.Info("Channels reconciled",
		zap.String("listener", listener),
		zap.Int("added", added),
		zap.Int("reset", reset),
		zap.Int("removed", removed),
		zap.Int("failed", len(errs)))
	return errors.Join(errs...)
}

// Listeners returns the listener types with at least one channel.
func (r *Registry) Listeners() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.channels))
	for l := range r.channels {
		out = append(out, l)
	}
	sort.Strings(out)
	return out
}

// Statuses returns a status snapshot of every channel, ordered by listener
// type and channel id.
func (r *Registry) Statuses() []channel.Status {
	ws := r.workers()
	out := make([]channel.Status, 0, len(ws))
	for _, w := range ws {
		out = append(out, w.Status())
	}
	return out
}

// workers snapshots the workers in listener, channel order.
func (r *Registry) workers() []*channel.Worker {
	r.mu.Lock()
	defer r.mu.Unlock()

	listeners := make([]string, 0, len(r.channels))
	for l := range r.channels {
		listeners = append(listeners, l)
	}
	sort.Strings(listeners)

	var out []*channel.Worker
	for _, l := range listeners {
		for _, id := range sortedKeys(r.channels[l]) {
			out = append(out, r.channels[l][id])
		}
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
