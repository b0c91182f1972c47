package sink

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/types"
)

// Factory constructs the sink of one channel.
type Factory func(id Identity, log *zap.Logger) (Sink, error)

// Registry maps sink kinds onto factories. Kinds are registered at startup.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry holding the built-in kinds that need no
// shared service: jsonl, kafka and log.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register(KindJSONL, NewJSONL)
	r.Register(KindKafka, NewKafkaForwarder)
	r.Register(KindLog, NewLog)
	return r
}

// Register binds kind to f, replacing any earlier binding.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// New constructs a sink of the given kind.
func (r *Registry) New(kind string, id Identity, log *zap.Logger) (Sink, error) {
	r.mu.RLock()
	f, ok := r.factories[kind]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", types.ErrUnknownSinkKind, kind)
	}
	s, err := f(id, log.With(zap.String("sink", kind)))
	if err != nil {
		return nil, fmt.Errorf("construct %s sink for %s: %w", kind, id, err)
	}
	return s, nil
}

// Kinds lists the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	kinds := make([]string, 0, len(r.factories))
	for k := range r.factories {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}
