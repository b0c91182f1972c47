package bus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/types"
)

// Memory is an in-process broker. Each consumer group holds its own queue;
// Publish fans a message out to every group that has subscribed at least
// once. Groups outlive their subscriptions so a resubscribe resumes where
// the previous subscription left off.
type Memory struct {
	log *zap.Logger

	mu     sync.Mutex
	groups map[string]*memGroup
	seq    uint64
	closed bool
}

type memGroup struct {
	queue   []*memEntry
	changed chan struct{}
	fault   error
}

type memEntry struct {
	seq uint64
	msg types.Message
}

// NewMemory creates an empty broker.
func NewMemory(log *zap.Logger) *Memory {
	return &Memory{
		log:    log.Named("bus.memory"),
		groups: make(map[string]*memGroup),
	}
}

// wake releases every goroutine waiting on g. Caller holds m.mu.
func (g *memGroup) wake() {
	close(g.changed)
	g.changed = make(chan struct{})
}

func (m *Memory) group(name string) *memGroup {
	g, ok := m.groups[name]
	if !ok {
		g = &memGroup{changed: make(chan struct{})}
		m.groups[name] = g
	}
	return g
}

// Publish appends msg to every group queue.
func (m *Memory) Publish(_ context.Context, msg types.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return types.ErrTransportClosed
	}
	m.seq++
	for _, g := range m.groups {
		g.queue = append(g.queue, &memEntry{seq: m.seq, msg: msg})
		g.wake()
	}
	return nil
}

// Subscribe joins opts.Group, creating it if needed.
func (m *Memory) Subscribe(_ context.Context, opts Options) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, types.ErrTransportClosed
	}
	m.group(opts.Group)

	m.log.Debug("Subscribed",
		zap.String("group", opts.Group),
		zap.String("selector", selectorString(opts.Selector)))

	return &memSubscription{
		broker:   m,
		group:    opts.Group,
		selector: opts.Selector,
		inflight: make(map[uint64]*memEntry),
		done:     make(chan struct{}),
	}, nil
}

// InjectFault makes the next Fetch on group fail with err, simulating a
// broker disconnect.
func (m *Memory) InjectFault(group string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	g := m.group(group)
	g.fault = err
	g.wake()
}

// Pending returns the number of undelivered messages queued for group.
func (m *Memory) Pending(group string) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	if g, ok := m.groups[group]; ok {
		return len(g.queue)
	}
	return 0
}

// Close fails all further operations.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	for _, g := range m.groups {
		g.wake()
	}
	return nil
}

type memSubscription struct {
	broker *Memory
	group  string

	// guarded by broker.mu
	selector Matcher
	inflight map[uint64]*memEntry
	closed   bool

	done chan struct{}
}

func (s *memSubscription) Fetch(ctx context.Context) (*Delivery, error) {
	m := s.broker
	for {
		m.mu.Lock()
		if s.closed || m.closed {
			m.mu.Unlock()
			return nil, types.ErrTransportClosed
		}
		g := m.groups[s.group]
		if g.fault != nil {
			err := g.fault
			g.fault = nil
			m.mu.Unlock()
			return nil, fmt.Errorf("memory bus group %s: %w", s.group, err)
		}
		if len(g.queue) > 0 {
			e := g.queue[0]
			g.queue = g.queue[1:]
			if !matches(s.selector, e.msg.Attributes) {
				m.mu.Unlock()
				continue
			}
			s.inflight[e.seq] = e
			m.mu.Unlock()
			return &Delivery{
				Message: e.msg,
				Headers: e.msg.Attributes.Headers(),
				handle:  e.seq,
			}, nil
		}
		wait := g.changed
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.done:
			return nil, types.ErrTransportClosed
		case <-wait:
		}
	}
}

func (s *memSubscription) Commit(_ context.Context, d *Delivery) error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(s.inflight, d.handle.(uint64))
	return nil
}

func (s *memSubscription) Rollback(_ context.Context, d *Delivery) error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	seq := d.handle.(uint64)
	e, ok := s.inflight[seq]
	if !ok {
		return nil
	}
	delete(s.inflight, seq)
	g := m.groups[s.group]
	g.queue = append([]*memEntry{e}, g.queue...)
	g.wake()
	return nil
}

func (s *memSubscription) SetSelector(sel Matcher) error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.closed {
		return types.ErrTransportClosed
	}
	s.selector = sel
	return nil
}

func (s *memSubscription) Selector() Matcher {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()
	return s.selector
}

// Close requeues every uncommitted delivery at the head of the group queue.
func (s *memSubscription) Close() error {
	m := s.broker
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	close(s.done)

	if len(s.inflight) > 0 {
		g := m.groups[s.group]
		pending := make([]*memEntry, 0, len(s.inflight)+len(g.queue))
		for _, e := range s.inflight {
			pending = append(pending, e)
		}
		sort.Slice(pending, func(i, j int) bool { return pending[i].seq < pending[j].seq })
		g.queue = append(pending, g.queue...)
		s.inflight = map[uint64]*memEntry{}
		g.wake()
	}
	return nil
}
