package stats

import (
	"time"

	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/catalog"
	"github.com/solatis/paybridge/internal/types"
)

// Root node names.
const (
	NodeTotal       = "Total"
	NodeStatus      = "Status"
	NodeMerchant    = "Merchant"
	NodePerformance = "Performance"
)

// Engine is the root of the statistics tree.
type Engine struct {
	log  *zap.Logger
	keys []types.MessageKey

	root      *Holder
	total     *KeyedCounter
	status    *Holder
	merchants *MerchantHolder
	perf      *PerformanceCounter
}

// NewEngine builds the tree for the messages and statuses of cat.
func NewEngine(cat *catalog.Catalog, interval time.Duration, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	keys := cat.Keys()
	e := &Engine{
		log:       log.Named("stats"),
		keys:      keys,
		total:     NewKeyedCounter(NodeTotal, keys, nil),
		status:    NewStatusHolder(NodeStatus, cat.StatusPairs(), keys),
		merchants: NewMerchantHolder(NodeMerchant),
		perf:      NewPerformanceCounter(NodePerformance, interval),
	}
	e.root = NewHolder("", e.total, e.status, e.merchants, e.perf)
	return e
}

// Start launches the throughput sampler.
func (e *Engine) Start() {
	e.perf.Start()
	e.log.Info("statistics sampler started", zap.Duration("interval", e.perf.Throughput().Interval))
}

// Stop halts the throughput sampler.
func (e *Engine) Stop() {
	e.perf.Stop()
}

// Count records one accepted message in every node.
func (e *Engine) Count(attrs types.Attributes) {
	e.root.Count(attrs)
}

// Flush zeroes every node and restarts the sampler.
func (e *Engine) Flush() {
	e.FlushInterval(0)
}

// FlushInterval zeroes every node and restarts the sampler with d (d <= 0
// keeps the current interval).
func (e *Engine) FlushInterval(d time.Duration) {
	e.total.Flush()
	e.status.Flush()
	e.merchants.Flush()
	e.perf.FlushInterval(d)
	e.log.Info("statistics flushed")
}

// Query resolves a dotted counter path such as "Total", "Status.Y" or
// "Merchant.M1".
func (e *Engine) Query(path, msgType, msgVersion string) (Tally, error) {
	if path == "" {
		return nil, types.ErrCounterNotFound
	}
	return e.root.Query(path, msgType, msgVersion)
}

// Throughput returns the performance snapshot.
func (e *Engine) Throughput() Throughput {
	return e.perf.Throughput()
}

// Merchants returns every merchant id seen since start.
func (e *Engine) Merchants() []string {
	return e.merchants.Merchants()
}

// Statuses returns the status leaf names.
func (e *Engine) Statuses() []string {
	out := make([]string, 0, len(e.status.Children()))
	for _, c := range e.status.Children() {
		out = append(out, c.Name())
	}
	return out
}
