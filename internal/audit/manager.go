package audit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/sink"
	"github.com/solatis/paybridge/internal/types"
)

// Limits are the row limits of one audit channel. Zero disables a limit.
type Limits struct {
	Threshold int64
	MaxRows   int64
	Notify    bool
}

// ParseLimits reads threshold, max_rows and notify from a channel
// configuration blob. Missing keys keep their zero value.
func ParseLimits(cfg map[string]string) (Limits, error) {
	var l Limits
	var err error
	if v := cfg["threshold"]; v != "" {
		if l.Threshold, err = strconv.ParseInt(v, 10, 64); err != nil || l.Threshold < 0 {
			return Limits{}, fmt.Errorf("audit threshold %q: want a non-negative integer", v)
		}
	}
	if v := cfg["max_rows"]; v != "" {
		if l.MaxRows, err = strconv.ParseInt(v, 10, 64); err != nil || l.MaxRows < 0 {
			return Limits{}, fmt.Errorf("audit max_rows %q: want a non-negative integer", v)
		}
	}
	if v := cfg["notify"]; v != "" {
		if l.Notify, err = strconv.ParseBool(v); err != nil {
			return Limits{}, fmt.Errorf("audit notify %q: %w", v, err)
		}
	}
	return l, nil
}

// Manager owns the audit state of every audit channel in the process.
type Manager struct {
	store    RecordStore
	notifier Notifier
	log      *zap.Logger
	now      func() time.Time

	mu       sync.Mutex
	channels map[sink.Identity]*ChannelState
}

// NewManager returns a manager writing to store. A nil notifier logs.
func NewManager(store RecordStore, notifier Notifier, log *zap.Logger) *Manager {
	log = log.Named("audit")
	if notifier == nil {
		notifier = NewLogNotifier(log)
	}
	return &Manager{
		store:    store,
		notifier: notifier,
		log:      log,
		now:      time.Now,
		channels: make(map[sink.Identity]*ChannelState),
	}
}

// Channel returns the state of channel id, creating it on first use.
func (m *Manager) Channel(id sink.Identity) *ChannelState {
	m.mu.Lock()
	defer m.mu.Unlock()

	cs, ok := m.channels[id]
	if !ok {
		cs = &ChannelState{
			id:     id,
			mgr:    m,
			log:    m.log.With(zap.String("channel", id.String())),
			counts: make(map[string]int64),
		}
		m.channels[id] = cs
	}
	return cs
}

// Remove forgets channel id.
func (m *Manager) Remove(id sink.Identity) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.channels, id)
}

// Channels lists the tracked channels.
func (m *Manager) Channels() []sink.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]sink.Identity, 0, len(m.channels))
	for id := range m.channels {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	return ids
}

// ChannelState counts the rows each merchant has on one channel. Counts are
// loaded from the store on first use and only increase until Reinitialize.
type ChannelState struct {
	id  sink.Identity
	mgr *Manager
	log *zap.Logger

	mu     sync.Mutex
	limits Limits
	counts map[string]int64
}

// SetLimits replaces the channel limits. Counts are kept.
func (cs *ChannelState) SetLimits(l Limits) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.limits = l
}

// Limits returns the current limits.
func (cs *ChannelState) Limits() Limits {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.limits
}

// Reinitialize drops the cached counts; the next row of each merchant
// reloads the stored count.
func (cs *ChannelState) Reinitialize() {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.counts = make(map[string]int64)
}

// Count returns the cached count of merchant and whether it is loaded.
func (cs *ChannelState) Count(merchant string) (int64, bool) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	n, ok := cs.counts[merchant]
	return n, ok
}

// Record persists row under the next sequence number of its merchant.
// Every failure is soft: it wraps types.ErrSoftFailure.
func (cs *ChannelState) Record(ctx context.Context, row Row) error {
	cs.mu.Lock()
	defer cs.mu.Unlock()

	count, ok := cs.counts[row.MerchantID]
	if !ok {
		n, err := cs.mgr.store.CountRows(ctx, cs.id.ListenerType, cs.id.ChannelID, row.MerchantID)
		if err != nil {
			return fmt.Errorf("%w: %v", types.ErrSoftFailure, err)
		}
		count = n
		cs.counts[row.MerchantID] = count
	}

	if cs.limits.MaxRows > 0 && count >= cs.limits.MaxRows {
		return fmt.Errorf("%w: merchant %s reached max_rows %d",
			types.ErrSoftFailure, row.MerchantID, cs.limits.MaxRows)
	}

	row.ListenerType = cs.id.ListenerType
	row.ChannelID = cs.id.ChannelID
	row.SequenceNo = count + 1
	if row.CreatedAt == "" {
		row.CreatedAt = cs.mgr.now().UTC().Format(time.RFC3339Nano)
	}
	if err := cs.mgr.store.Insert(ctx, row); err != nil {
		return fmt.Errorf("%w: %v", types.ErrSoftFailure, err)
	}
	count++
	cs.counts[row.MerchantID] = count

	cs.check(ctx, row.MerchantID, count)
	return nil
}

// check raises a notification on the exact transition onto a limit.
// Caller holds cs.mu.
func (cs *ChannelState) check(ctx context.Context, merchant string, count int64) {
	if !cs.limits.Notify {
		return
	}
	if cs.limits.Threshold > 0 && count == cs.limits.Threshold {
		cs.notify(ctx, merchant, KindThreshold, count, cs.limits.Threshold)
	}
	if cs.limits.MaxRows > 0 && count == cs.limits.MaxRows {
		cs.notify(ctx, merchant, KindMaximum, count, cs.limits.MaxRows)
	}
}

func (cs *ChannelState) notify(ctx context.Context, merchant string, kind NotificationKind, count, limit int64) {
	cs.mgr.notifier.Notify(ctx, Notification{
		ID:       types.NewNotificationID(),
		Channel:  cs.id.String(),
		Merchant: merchant,
		Kind:     kind,
		Count:    count,
		Limit:    limit,
		At:       cs.mgr.now(),
	})
}
