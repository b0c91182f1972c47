package audit

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"github.com/solatis/paybridge/internal/core/db"
	"github.com/solatis/paybridge/internal/selector"
	"github.com/solatis/paybridge/internal/sink"
	"github.com/solatis/paybridge/internal/transform"
	"github.com/solatis/paybridge/internal/types"
)

// memStore is a RecordStore enforcing the primary key in memory.
type memStore struct {
	mu        sync.Mutex
	rows      map[string]Row
	preloaded map[string]int64
	insertErr error
	countErr  error
	counts    int
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[string]Row), preloaded: make(map[string]int64)}
}

func (s *memStore) Insert(_ context.Context, r Row) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.insertErr != nil {
		return s.insertErr
	}
	key := r.MerchantID + "/" + r.MessageID + "/" + r.MessageType
	if _, ok := s.rows[key]; ok {
		return fmt.Errorf("duplicate key %s", key)
	}
	s.rows[key] = r
	return nil
}

func (s *memStore) CountRows(_ context.Context, listenerType, channelID, merchantID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.counts++
	if s.countErr != nil {
		return 0, s.countErr
	}
	n := s.preloaded[listenerType+"/"+channelID+"/"+merchantID]
	for _, r := range s.rows {
		if r.ListenerType == listenerType && r.ChannelID == channelID && r.MerchantID == merchantID {
			n++
		}
	}
	return n, nil
}

type recorder struct {
	mu   sync.Mutex
	seen []Notification
}

func (r *recorder) Notify(_ context.Context, n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen = append(r.seen, n)
}

func ident(listener, channel string) sink.Identity {
	return sink.Identity{ListenerType: listener, ChannelID: channel}
}

func row(merchant string, i int) Row {
	return Row{
		MerchantID:     merchant,
		MessageID:      fmt.Sprintf("msg-%03d", i),
		MessageType:    "PARes",
		MessageVersion: "1.0.2",
		Protocol:       "visaSupport",
		CardNumberFlag: "masked",
		Body:           `{}`,
	}
}

func TestParseLimits(t *testing.T) {
	tests := []struct {
		name string
		cfg  map[string]string
		want Limits
		err  bool
	}{
		{"empty", nil, Limits{}, false},
		{"all", map[string]string{"threshold": "10", "max_rows": "20", "notify": "true"}, Limits{10, 20, true}, false},
		{"bad threshold", map[string]string{"threshold": "ten"}, Limits{}, true},
		{"negative max", map[string]string{"max_rows": "-1"}, Limits{}, true},
		{"bad notify", map[string]string{"notify": "sometimes"}, Limits{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLimits(tt.cfg)
			if tt.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestChannelState_ThresholdAndMaximumFireOnce(t *testing.T) {
	ctx := context.Background()
	rec := &recorder{}
	m := NewManager(newMemStore(), rec, zap.NewNop())
	cs := m.Channel(ident("audit", "audit-main"))
	cs.SetLimits(Limits{Threshold: 10, MaxRows: 20, Notify: true})

	for i := 1; i <= 25; i++ {
		err := cs.Record(ctx, row("M1", i))
		if i <= 20 {
			require.NoError(t, err, "row %d", i)
		} else {
			require.ErrorIs(t, err, types.ErrSoftFailure, "row %d", i)
		}
	}

	require.Len(t, rec.seen, 2)
	assert.Equal(t, KindThreshold, rec.seen[0].Kind)
	assert.Equal(t, int64(10), rec.seen[0].Count)
	assert.Equal(t, KindMaximum, rec.seen[1].Kind)
	assert.Equal(t, int64(20), rec.seen[1].Count)
	assert.Equal(t, "M1", rec.seen[1].Merchant)
	assert.NotEqual(t, rec.seen[0].ID, rec.seen[1].ID)

	n, ok := cs.Count("M1")
	require.True(t, ok)
	assert.Equal(t, int64(20), n)
}

func TestChannelState_NotifyDisabled(t *testing.T) {
	rec := &recorder{}
	m := NewManager(newMemStore(), rec, zap.NewNop())
	cs := m.Channel(ident("audit", "c"))
	cs.SetLimits(Limits{Threshold: 1})

	require.NoError(t, cs.Record(context.Background(), row("M1", 1)))
	assert.Empty(t, rec.seen)
}

func TestChannelState_LazyCountAndSequence(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	store.preloaded["audit/c/M1"] = 7
	m := NewManager(store, nil, zaptest.NewLogger(t))
	cs := m.Channel(ident("audit", "c"))

	require.NoError(t, cs.Record(ctx, row("M1", 1)))
	require.NoError(t, cs.Record(ctx, row("M1", 2)))
	require.NoError(t, cs.Record(ctx, row("M2", 1)))

	assert.Equal(t, 2, store.counts, "one count query per merchant")
	assert.Equal(t, int64(8), store.rows["M1/msg-001/PARes"].SequenceNo)
	assert.Equal(t, int64(9), store.rows["M1/msg-002/PARes"].SequenceNo)
	assert.Equal(t, int64(1), store.rows["M2/msg-001/PARes"].SequenceNo)
	assert.Equal(t, "c", store.rows["M2/msg-001/PARes"].ChannelID)
	assert.Equal(t, "audit", store.rows["M2/msg-001/PARes"].ListenerType)

	cs.Reinitialize()
	_, ok := cs.Count("M1")
	assert.False(t, ok)
	require.NoError(t, cs.Record(ctx, row("M1", 3)))
	assert.Equal(t, int64(10), store.rows["M1/msg-003/PARes"].SequenceNo)
}

func TestChannelState_StorageErrorsAreSoft(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	cs := NewManager(store, nil, zap.NewNop()).Channel(ident("audit", "c"))

	require.NoError(t, cs.Record(ctx, row("M1", 1)))
	err := cs.Record(ctx, row("M1", 1))
	require.ErrorIs(t, err, types.ErrSoftFailure, "duplicate primary key")

	n, _ := cs.Count("M1")
	assert.Equal(t, int64(1), n, "failed insert does not count")

	store.countErr = errors.New("database locked")
	assert.ErrorIs(t, cs.Record(ctx, row("M9", 1)), types.ErrSoftFailure)
}

func envelope() *sink.Envelope {
	return &sink.Envelope{
		Attributes: types.Attributes{
			MerchantID:     "M1",
			MessageType:    "PARes",
			MessageVersion: "1.0.2",
			Protocol:       types.ProtocolMC,
			Timestamp:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		},
		Body:      []byte(`{"ThreeDSecure":{}}`),
		Columns:   transform.Columns{MessageID: "m-1", Status: "Y", TransactionID: "xid-1"},
		CardFlag:  types.CardEncrypted,
		CardValue: "digest",
	}
}

func TestSink_HandleMessage(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := NewManager(store, nil, zap.NewNop())

	reg := sink.NewRegistry()
	reg.Register(SinkKind, Factory(m))
	s, err := reg.New(SinkKind, sink.Identity{ListenerType: "audit", ChannelID: "a1"}, zap.NewNop())
	require.NoError(t, err)

	assert.True(t, sink.CountsStatistics(s))
	assert.False(t, s.AcceptsDynamicFilterChange())
	assert.Error(t, s.Configure(map[string]string{"max_rows": "x"}))
	require.NoError(t, s.Configure(map[string]string{"max_rows": "1"}))
	require.NoError(t, s.Register(ctx))

	ok, err := s.HandleMessage(ctx, envelope())
	require.NoError(t, err)
	assert.True(t, ok)

	r := store.rows["M1/m-1/PARes"]
	assert.Equal(t, "digest", r.CardNumber)
	assert.Equal(t, "encrypted", r.CardNumberFlag)
	assert.Equal(t, "xid-1", r.TransactionID)
	assert.Equal(t, "Y", r.Status)
	assert.Equal(t, "2024-03-01T12:00:00Z", r.PublishedAt)

	second := envelope()
	second.Columns.MessageID = "m-2"
	ok, err = s.HandleMessage(ctx, second)
	assert.False(t, ok)
	assert.ErrorIs(t, err, types.ErrSoftFailure)

	s.SetFilter(selector.Summary{Merchants: []string{"M1"}})
	_, loaded := m.Channel(ident("audit", "a1")).Count("M1")
	assert.False(t, loaded)

	require.NoError(t, s.Unregister(ctx))
	assert.Empty(t, m.Channels())
}

func TestSQLStore(t *testing.T) {
	ctx := context.Background()
	conn, err := db.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, db.MigrateUp(ctx, conn))

	q, err := db.LoadQueries(conn)
	require.NoError(t, err)
	store := NewSQLStore(q)

	cs := NewManager(store, nil, zap.NewNop()).Channel(ident("audit", "a1"))
	for i := 1; i <= 3; i++ {
		require.NoError(t, cs.Record(ctx, row("M1", i)))
	}
	assert.ErrorIs(t, cs.Record(ctx, row("M1", 1)), types.ErrSoftFailure)

	n, err := store.CountRows(ctx, "audit", "a1", "M1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	rows, err := store.List(ctx, "audit", "a1", "M1")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	for i, r := range rows {
		assert.Equal(t, int64(i+1), r.SequenceNo)
		assert.Equal(t, "a1", r.ChannelID)
		assert.Equal(t, "audit", r.ListenerType)
	}

	// a fresh manager resumes from the stored count
	cs2 := NewManager(store, nil, zap.NewNop()).Channel(ident("audit", "a1"))
	require.NoError(t, cs2.Record(ctx, row("M1", 4)))
	rows, err = store.List(ctx, "audit", "a1", "M1")
	require.NoError(t, err)
	assert.Equal(t, int64(4), rows[3].SequenceNo)
}

func TestManager_ChannelsAreKeyedByListener(t *testing.T) {
	ctx := context.Background()
	store := newMemStore()
	m := NewManager(store, nil, zap.NewNop())

	reg := sink.NewRegistry()
	reg.Register(SinkKind, Factory(m))
	la, err := reg.New(SinkKind, ident("la", "x"), zap.NewNop())
	require.NoError(t, err)
	lb, err := reg.New(SinkKind, ident("lb", "x"), zap.NewNop())
	require.NoError(t, err)

	require.NoError(t, la.Configure(map[string]string{"threshold": "10", "max_rows": "20"}))
	require.NoError(t, lb.Configure(map[string]string{"threshold": "3", "max_rows": "5"}))
	assert.Equal(t, Limits{Threshold: 10, MaxRows: 20}, m.Channel(ident("la", "x")).Limits())
	assert.Equal(t, Limits{Threshold: 3, MaxRows: 5}, m.Channel(ident("lb", "x")).Limits())

	ok, err := la.HandleMessage(ctx, envelope())
	require.NoError(t, err)
	require.True(t, ok)
	second := envelope()
	second.Columns.MessageID = "m-2"
	ok, err = lb.HandleMessage(ctx, second)
	require.NoError(t, err)
	require.True(t, ok)

	assert.Equal(t, int64(1), store.rows["M1/m-1/PARes"].SequenceNo)
	assert.Equal(t, "la", store.rows["M1/m-1/PARes"].ListenerType)
	assert.Equal(t, int64(1), store.rows["M1/m-2/PARes"].SequenceNo, "own sequence per listener")
	assert.Equal(t, "lb", store.rows["M1/m-2/PARes"].ListenerType)

	require.NoError(t, lb.Unregister(ctx))
	assert.Equal(t, []sink.Identity{ident("la", "x")}, m.Channels())
}
