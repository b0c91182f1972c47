// Package channel runs one bus subscription per configured channel and
// drives it through the channel lifecycle:
//
//	not-initialized -> stopped | running | exception
//	stopped <-> running
//	any -> exception (transport fault)
//	exception -> stopped | running (Start resubscribes from scratch)
//
// Messages of one channel are processed strictly one at a time; distinct
// workers run in parallel.
//
// Lock order: opMu, procMu, mu, sinkMu. opMu serializes control operations.
// procMu is held for the duration of one message, so taking and releasing it
// drains the worker. mu guards the fields below it. sinkMu is held around
// every sink call.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/bus"
	"github.com/solatis/paybridge/internal/catalog"
	"github.com/solatis/paybridge/internal/cipher"
	"github.com/solatis/paybridge/internal/selector"
	"github.com/solatis/paybridge/internal/sink"
	"github.com/solatis/paybridge/internal/stats"
	"github.com/solatis/paybridge/internal/transform"
	"github.com/solatis/paybridge/internal/types"
)

// Deps are the process-wide services a worker uses.
type Deps struct {
	Bus      bus.Subscriber
	Sinks    *sink.Registry
	Catalog  *catalog.Catalog
	Pipeline *transform.Pipeline

	// Cipher decrypts envelopes flagged encrypted. Nil rejects them.
	Cipher cipher.Cipher

	// Stats counts messages accepted by statistics sinks. Nil disables
	// counting.
	Stats *stats.Engine

	// RetryBackoff is the delay after the first rollback in a row. It
	// doubles on every further rollback up to MaxRetryBackoff and resets on
	// the next commit.
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	Log *zap.Logger
	Now func() time.Time
}

const (
	DefaultRetryBackoff    = 10 * time.Millisecond
	DefaultMaxRetryBackoff = time.Second
)

// Status is a point-in-time view of a worker.
type Status struct {
	ListenerType string
	ChannelID    string
	Sink         string
	State        types.ChannelState
	Reason       string
	Since        time.Time
	Initialized  bool
	Selector     string
}

// Worker consumes the subscription of one channel.
type Worker struct {
	deps Deps
	log  *zap.Logger

	opMu   sync.Mutex
	procMu sync.Mutex

	mu          sync.Mutex
	policy      *types.ChannelPolicy
	sel         *selector.Selector
	state       types.ChannelState
	reason      string
	since       time.Time
	initialized bool
	sink        sink.Sink
	sub         bus.Subscription
	cancel      context.CancelFunc
	done        chan struct{}
	gate        chan struct{}
	open        bool

	sinkMu sync.Mutex
}

// NewWorker returns an unregistered worker for a copy of policy.
func NewWorker(policy *types.ChannelPolicy, deps Deps) *Worker {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	if deps.Log == nil {
		deps.Log = zap.NewNop()
	}
	if deps.RetryBackoff <= 0 {
		deps.RetryBackoff = DefaultRetryBackoff
	}
	if deps.MaxRetryBackoff < deps.RetryBackoff {
		deps.MaxRetryBackoff = max(DefaultMaxRetryBackoff, deps.RetryBackoff)
	}
	w := &Worker{
		deps:   deps,
		policy: policy.Clone(),
		state:  types.StateNotInitialized,
		gate:   make(chan struct{}),
	}
	w.log = deps.Log.Named("channel").With(
		zap.String("listener", policy.ListenerType),
		zap.String("channel", policy.ChannelID))
	return w
}

func (w *Worker) identity() sink.Identity {
	return sink.Identity{ListenerType: w.policy.ListenerType, ChannelID: w.policy.ChannelID}
}

// group is the consumer group of the channel. It is stable across
// resubscribes so delivery resumes where it stopped.
func (w *Worker) group() string {
	return "paybridge." + w.policy.ListenerType + "." + w.policy.ChannelID
}

// Status returns a snapshot of the worker.
func (w *Worker) Status() Status {
	w.mu.Lock()
	defer w.mu.Unlock()

	st := Status{
		ListenerType: w.policy.ListenerType,
		ChannelID:    w.policy.ChannelID,
		Sink:         w.policy.Sink,
		State:        w.state,
		Reason:       w.reason,
		Since:        w.since,
		Initialized:  w.initialized,
	}
	if w.sel != nil {
		st.Selector = w.sel.String()
	}
	return st
}

// State returns the lifecycle state.
func (w *Worker) State() types.ChannelState {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.state
}

// Policy returns a copy of the current policy.
func (w *Worker) Policy() *types.ChannelPolicy {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.policy.Clone()
}

// setState records a transition. Caller holds w.mu.
func (w *Worker) setState(s types.ChannelState, reason string) {
	if w.state != s {
		w.log.Info("Channel state changed",
			zap.String("from", string(w.state)),
			zap.String("to", string(s)),
			zap.String("reason", reason))
	}
	w.state = s
	w.reason = reason
	w.since = w.deps.Now()
}

func (w *Worker) transition(s types.ChannelState, reason string) {
	w.mu.Lock()
	w.setState(s, reason)
	w.mu.Unlock()
}

// Register constructs the sink, subscribes and, unless the policy says
// stopped, starts delivery. A sink that cannot be constructed leaves the
// worker not-initialized for good; a subscription failure leaves it in
// exception, from which Start recovers.
func (w *Worker) Register(ctx context.Context) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	w.mu.Lock()
	initialized := w.initialized
	w.mu.Unlock()
	if initialized {
		return fmt.Errorf("%w: %s", types.ErrDuplicateChannel, w.identity())
	}
	return w.register(ctx, w.policy.Status != types.StateStopped, "registered")
}

// register is Register without opMu. It is also the tail of a full rebuild.
func (w *Worker) register(ctx context.Context, run bool, reason string) error {
	w.mu.Lock()
	policy := w.policy
	w.mu.Unlock()

	fail := func(err error) error {
		w.mu.Lock()
		w.initialized = false
		w.sink = nil
		w.setState(types.StateNotInitialized, err.Error())
		w.mu.Unlock()
		w.log.Error("Channel not initialized", zap.Error(err))
		return err
	}

	sel, err := selector.Build(policy, w.deps.Catalog)
	if err != nil {
		return fail(fmt.Errorf("build selector: %w", err))
	}
	s, err := w.deps.Sinks.New(policy.Sink, w.identity(), w.log)
	if err != nil {
		return fail(fmt.Errorf("%w: %v", types.ErrSinkNotInitialized, err))
	}
	if err := s.Configure(policy.Config); err != nil {
		return fail(fmt.Errorf("%w: configure: %v", types.ErrSinkNotInitialized, err))
	}
	if !s.IsInitialized() {
		return fail(types.ErrSinkNotInitialized)
	}
	if sel.Empty() && !s.AcceptsAnyFilter() {
		return fail(fmt.Errorf("%w: sink %s requires a merchant or message filter",
			types.ErrInvalidPolicy, policy.Sink))
	}
	s.SetFilter(sel.Summary())
	if err := s.Register(ctx); err != nil {
		return fail(fmt.Errorf("%w: register: %v", types.ErrSinkNotInitialized, err))
	}

	w.mu.Lock()
	w.sink = s
	w.sel = sel
	w.initialized = true
	w.mu.Unlock()

	if err := w.subscribe(ctx); err != nil {
		w.transition(types.StateException, err.Error())
		return err
	}
	if !run {
		w.transition(types.StateStopped, reason)
		return nil
	}
	return w.resume(ctx, reason)
}

// subscribe opens a subscription with the current selector and starts the
// delivery goroutine with the gate closed.
func (w *Worker) subscribe(ctx context.Context) error {
	w.mu.Lock()
	sel := w.sel
	w.mu.Unlock()

	sub, err := w.deps.Bus.Subscribe(ctx, bus.Options{Group: w.group(), Selector: sel})
	if err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})

	w.mu.Lock()
	w.sub = sub
	w.cancel = cancel
	w.done = done
	w.mu.Unlock()

	go w.run(runCtx, sub, done)
	w.log.Debug("Subscribed", zap.String("selector", sel.String()))
	return nil
}

// unsubscribe pauses, drains and closes the subscription and waits for the
// delivery goroutine to exit. Caller holds opMu only.
func (w *Worker) unsubscribe() {
	w.pause()
	w.drain()

	w.mu.Lock()
	sub, cancel, done := w.sub, w.cancel, w.done
	w.sub, w.cancel, w.done = nil, nil, nil
	w.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if sub != nil {
		if err := sub.Close(); err != nil {
			w.log.Warn("Failed to close subscription", zap.Error(err))
		}
	}
	if done != nil {
		<-done
	}
}

func (w *Worker) pause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.open {
		w.gate = make(chan struct{})
		w.open = false
	}
}

func (w *Worker) unpause() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.open {
		close(w.gate)
		w.open = true
	}
}

func (w *Worker) paused() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return !w.open
}

// drain waits for the message in flight, if any.
func (w *Worker) drain() {
	w.procMu.Lock()
	defer w.procMu.Unlock()
}

// resume starts the sink and opens the gate.
func (w *Worker) resume(ctx context.Context, reason string) error {
	w.mu.Lock()
	s := w.sink
	w.mu.Unlock()

	w.sinkMu.Lock()
	err := s.Start(ctx)
	w.sinkMu.Unlock()
	if err != nil {
		w.transition(types.StateException, fmt.Sprintf("sink start: %v", err))
		return fmt.Errorf("start sink: %w", err)
	}
	w.unpause()
	w.transition(types.StateRunning, reason)
	return nil
}

// halt closes the gate, drains and stops the sink.
func (w *Worker) halt(ctx context.Context) error {
	w.pause()
	w.drain()

	w.mu.Lock()
	s := w.sink
	w.mu.Unlock()
	if s == nil {
		return nil
	}
	w.sinkMu.Lock()
	defer w.sinkMu.Unlock()
	return s.Stop(ctx)
}

// Start resumes delivery. From exception, or without a subscription, it
// resubscribes from scratch first. Starting a running worker is a no-op.
func (w *Worker) Start(ctx context.Context, reason string) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	return w.start(ctx, reason)
}

func (w *Worker) start(ctx context.Context, reason string) error {
	w.mu.Lock()
	state, initialized, sub := w.state, w.initialized, w.sub
	w.mu.Unlock()

	if !initialized {
		return fmt.Errorf("%w: %s", types.ErrSinkNotInitialized, w.identity())
	}
	if state == types.StateRunning {
		return nil
	}
	if state == types.StateException || sub == nil {
		w.unsubscribe()
		if err := w.subscribe(ctx); err != nil {
			w.transition(types.StateException, err.Error())
			return err
		}
	}
	return w.resume(ctx, reason)
}

// Stop pauses delivery and stops the sink. Stopping a stopped worker is a
// no-op. Stopping from exception drops the dead subscription.
func (w *Worker) Stop(ctx context.Context, reason string) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	return w.stop(ctx, reason)
}

func (w *Worker) stop(ctx context.Context, reason string) error {
	w.mu.Lock()
	state, initialized := w.state, w.initialized
	w.mu.Unlock()

	if !initialized {
		return fmt.Errorf("%w: %s", types.ErrSinkNotInitialized, w.identity())
	}
	if state == types.StateStopped {
		return nil
	}
	if state == types.StateException {
		w.unsubscribe()
	}
	err := w.halt(ctx)
	w.transition(types.StateStopped, reason)
	if err != nil {
		return fmt.Errorf("stop sink: %w", err)
	}
	return nil
}

// Unregister closes the subscription and releases the sink.
func (w *Worker) Unregister(ctx context.Context) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()
	return w.unregister(ctx, "unregistered")
}

func (w *Worker) unregister(ctx context.Context, reason string) error {
	w.unsubscribe()

	w.mu.Lock()
	s, running := w.sink, w.state == types.StateRunning
	w.sink = nil
	w.initialized = false
	w.setState(types.StateNotInitialized, reason)
	w.mu.Unlock()

	if s == nil {
		return nil
	}
	w.sinkMu.Lock()
	defer w.sinkMu.Unlock()
	var errs []error
	if running {
		errs = append(errs, s.Stop(ctx))
	}
	errs = append(errs, s.Unregister(ctx))
	return errors.Join(errs...)
}

// Reset applies a new policy for the same channel.
//
// A different sink kind rebuilds the worker. A merchant or message set
// change stops the channel, rebuilds the selector and either swaps it on the
// live subscription (sinks accepting dynamic filter changes) or resubscribes.
// Anything else swaps the policy between two messages. The prior running or
// stopped state is restored afterwards, unless the desired status in the
// policy itself changed or the new policy says stopped.
func (w *Worker) Reset(ctx context.Context, next *types.ChannelPolicy) error {
	w.opMu.Lock()
	defer w.opMu.Unlock()

	next = next.Clone()
	w.mu.Lock()
	prev := w.policy
	state, initialized, s := w.state, w.initialized, w.sink
	w.mu.Unlock()

	if next.ListenerType != prev.ListenerType || next.ChannelID != prev.ChannelID {
		return fmt.Errorf("%w: reset of %s with policy for %s/%s",
			types.ErrInvalidPolicy, w.identity(), next.ListenerType, next.ChannelID)
	}
	if types.PolicyEqual(prev, next) && initialized {
		return nil
	}

	run := state == types.StateRunning || state == types.StateException
	if next.Status != prev.Status || !initialized {
		run = next.Status != types.StateStopped
	}
	if next.Status == types.StateStopped {
		run = false
	}

	if !initialized || next.Sink != prev.Sink || !s.AcceptsFilterChange() && !types.FilterEqual(prev, next) {
		return w.rebuild(ctx, next, run)
	}

	if !types.FilterEqual(prev, next) {
		return w.refilter(ctx, next, run)
	}

	// masks, field selection, config or status only
	w.procMu.Lock()
	w.mu.Lock()
	w.policy = next
	w.mu.Unlock()
	var err error
	if !types.ConfigEqual(prev.Config, next.Config) {
		w.sinkMu.Lock()
		err = s.Configure(next.Config)
		w.sinkMu.Unlock()
	}
	w.procMu.Unlock()
	if err != nil {
		w.log.Warn("Sink rejected new configuration", zap.Error(err))
		return w.rebuild(ctx, next, run)
	}
	w.log.Info("Channel policy updated in place")

	switch {
	case run && state == types.StateStopped:
		return w.start(ctx, "policy reset")
	case !run && state == types.StateRunning:
		return w.stop(ctx, "policy reset")
	}
	return nil
}

// rebuild tears the worker down and registers it again under next.
func (w *Worker) rebuild(ctx context.Context, next *types.ChannelPolicy, run bool) error {
	w.log.Info("Rebuilding channel", zap.String("sink", next.Sink))
	if err := w.unregister(ctx, "rebuild"); err != nil {
		w.log.Warn("Unregister during rebuild failed", zap.Error(err))
	}
	w.mu.Lock()
	w.policy = next
	w.sel = nil
	w.mu.Unlock()
	return w.register(ctx, run, "policy reset")
}

// refilter applies a merchant or message set change.
func (w *Worker) refilter(ctx context.Context, next *types.ChannelPolicy, run bool) error {
	sel, err := selector.Build(next, w.deps.Catalog)
	if err != nil {
		return fmt.Errorf("build selector: %w", err)
	}

	w.mu.Lock()
	s, sub, state, prev := w.sink, w.sub, w.state, w.policy
	w.mu.Unlock()

	if sel.Empty() && !s.AcceptsAnyFilter() {
		return fmt.Errorf("%w: sink %s requires a merchant or message filter",
			types.ErrInvalidPolicy, next.Sink)
	}

	if err := w.halt(ctx); err != nil {
		w.log.Warn("Sink stop during reset failed", zap.Error(err))
	}

	w.sinkMu.Lock()
	if !types.ConfigEqual(prev.Config, next.Config) {
		err = s.Configure(next.Config)
	}
	if err == nil {
		s.SetFilter(sel.Summary())
	}
	w.sinkMu.Unlock()
	if err != nil {
		w.log.Warn("Sink rejected new configuration", zap.Error(err))
		return w.rebuild(ctx, next, run)
	}

	w.mu.Lock()
	w.policy = next
	w.sel = sel
	w.mu.Unlock()

	dynamic := s.AcceptsDynamicFilterChange() && sub != nil && state != types.StateException
	if dynamic {
		err = sub.SetSelector(sel)
	}
	if !dynamic || err != nil {
		w.unsubscribe()
		if err := w.subscribe(ctx); err != nil {
			w.transition(types.StateException, err.Error())
			return err
		}
	}
	w.log.Info("Channel filter changed",
		zap.Bool("dynamic", dynamic && err == nil),
		zap.String("selector", sel.String()))

	if run {
		return w.resume(ctx, "policy reset")
	}
	w.transition(types.StateStopped, "policy reset")
	return nil
}

// fault moves the worker to exception if sub is still its subscription.
func (w *Worker) fault(sub bus.Subscription, err error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.sub != sub {
		return
	}
	w.open = false
	w.gate = make(chan struct{})
	w.setState(types.StateException, fmt.Sprintf("transport fault: %v", err))
	w.log.Error("Transport fault", zap.Error(err))
}

// run is the delivery loop of one subscription. Consecutive rollbacks back
// off so a message that keeps failing does not spin the loop.
func (w *Worker) run(ctx context.Context, sub bus.Subscription, done chan struct{}) {
	defer close(done)
	rollbacks := 0
	for {
		w.mu.Lock()
		gate := w.gate
		w.mu.Unlock()

		select {
		case <-ctx.Done():
			return
		case <-gate:
		}

		d, err := sub.Fetch(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.fault(sub, err)
			return
		}

		out := outcomeRolledBack
		w.procMu.Lock()
		if w.paused() {
			if err := sub.Rollback(ctx, d); err != nil {
				w.log.Warn("Rollback of paused delivery failed", zap.Error(err))
			}
		} else {
			out = w.process(ctx, sub, d)
		}
		paused := w.paused()
		w.procMu.Unlock()

		if out != outcomeRolledBack {
			rollbacks = 0
			continue
		}
		if paused {
			continue
		}
		rollbacks++
		if !w.backoff(ctx, rollbacks) {
			return
		}
	}
}

// backoff waits before the next attempt after n rollbacks in a row. It
// returns false when ctx is done.
func (w *Worker) backoff(ctx context.Context, n int) bool {
	delay := w.deps.RetryBackoff
	for i := 1; i < n && delay < w.deps.MaxRetryBackoff; i++ {
		delay *= 2
	}
	delay = min(delay, w.deps.MaxRetryBackoff)

	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
