package bus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/types"
)

type merchantMatcher string

func (m merchantMatcher) Match(a types.Attributes) bool { return a.MerchantID == string(m) }
func (m merchantMatcher) String() string              { return "merchantId = '" + string(m) + "'" }

func msg(merchant, id string) types.Message {
	return types.Message{
		Attributes: types.Attributes{
			MerchantID:     merchant,
			MessageType:    "PARes",
			MessageVersion: "1.0.2",
			Protocol:       types.ProtocolVisa,
			MessageID:      id,
		},
		Body: []byte(`{}`),
	}
}

func fetch(t *testing.T, sub Subscription) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d, err := sub.Fetch(ctx)
	require.NoError(t, err)
	return d
}

func TestMemory_FanOutPerGroup(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())

	a, err := m.Subscribe(ctx, Options{Group: "a"})
	require.NoError(t, err)
	b, err := m.Subscribe(ctx, Options{Group: "b"})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, msg("M1", "1")))

	assert.Equal(t, "1", fetch(t, a).Message.Attributes.MessageID)
	assert.Equal(t, "1", fetch(t, b).Message.Attributes.MessageID)
}

func TestMemory_SelectorSkipsAndAcknowledges(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())

	sub, err := m.Subscribe(ctx, Options{Group: "g", Selector: merchantMatcher("M2")})
	require.NoError(t, err)

	require.NoError(t, m.Publish(ctx, msg("M1", "1")))
	require.NoError(t, m.Publish(ctx, msg("M2", "2")))

	d := fetch(t, sub)
	assert.Equal(t, "2", d.Message.Attributes.MessageID)
	require.NoError(t, sub.Commit(ctx, d))
	assert.Zero(t, m.Pending("g"))
}

func TestMemory_RollbackRedelivers(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())

	sub, err := m.Subscribe(ctx, Options{Group: "g"})
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx, msg("M1", "1")))
	require.NoError(t, m.Publish(ctx, msg("M1", "2")))

	d := fetch(t, sub)
	require.NoError(t, sub.Rollback(ctx, d))

	again := fetch(t, sub)
	assert.Equal(t, "1", again.Message.Attributes.MessageID)
}

func TestMemory_CloseRequeuesInflight(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())

	sub, err := m.Subscribe(ctx, Options{Group: "g"})
	require.NoError(t, err)
	require.NoError(t, m.Publish(ctx, msg("M1", "1")))
	fetch(t, sub)

	require.NoError(t, sub.Close())
	assert.Equal(t, 1, m.Pending("g"))

	_, err = sub.Fetch(ctx)
	assert.ErrorIs(t, err, types.ErrTransportClosed)

	next, err := m.Subscribe(ctx, Options{Group: "g"})
	require.NoError(t, err)
	assert.Equal(t, "1", fetch(t, next).Message.Attributes.MessageID)
}

func TestMemory_FetchBlocksUntilPublish(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())
	sub, err := m.Subscribe(ctx, Options{Group: "g"})
	require.NoError(t, err)

	go func() {
		time.Sleep(20 * time.Millisecond)
		_ = m.Publish(ctx, msg("M1", "late"))
	}()
	assert.Equal(t, "late", fetch(t, sub).Message.Attributes.MessageID)
}

func TestMemory_FetchHonoursContext(t *testing.T) {
	m := NewMemory(zap.NewNop())
	sub, err := m.Subscribe(context.Background(), Options{Group: "g"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = sub.Fetch(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemory_InjectFault(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())
	sub, err := m.Subscribe(ctx, Options{Group: "g"})
	require.NoError(t, err)

	boom := errors.New("connection reset")
	m.InjectFault("g", boom)

	_, err = sub.Fetch(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestMemory_SetSelector(t *testing.T) {
	ctx := context.Background()
	m := NewMemory(zap.NewNop())
	sub, err := m.Subscribe(ctx, Options{Group: "g", Selector: merchantMatcher("M1")})
	require.NoError(t, err)

	require.NoError(t, sub.SetSelector(merchantMatcher("M2")))
	assert.Equal(t, "merchantId = 'M2'", sub.Selector().String())

	require.NoError(t, m.Publish(ctx, msg("M1", "1")))
	require.NoError(t, m.Publish(ctx, msg("M2", "2")))
	assert.Equal(t, "2", fetch(t, sub).Message.Attributes.MessageID)
}

type fakeReader struct {
	msgs      []kafka.Message
	pos       int
	committed []int64
	closed    bool
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	if f.pos >= len(f.msgs) {
		<-ctx.Done()
		return kafka.Message{}, ctx.Err()
	}
	m := f.msgs[f.pos]
	f.pos++
	return m, nil
}

func (f *fakeReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	for _, m := range msgs {
		f.committed = append(f.committed, m.Offset)
	}
	return nil
}

func (f *fakeReader) Close() error {
	f.closed = true
	return nil
}

func kafkaMsg(offset int64, merchant string) kafka.Message {
	return kafka.Message{
		Offset: offset,
		Value:  []byte(`{}`),
		Headers: []kafka.Header{
			{Key: types.AttrMerchantID, Value: []byte(merchant)},
			{Key: types.AttrMessageType, Value: []byte("PARes")},
			{Key: types.AttrMessageVersion, Value: []byte("1.0.2")},
		},
	}
}

func TestKafka_SubscriptionFilterCommitRollback(t *testing.T) {
	var readers []*fakeReader
	k := &Kafka{log: zap.NewNop(), topic: "t"}
	k.newReader = func(string) kafkaReader {
		r := &fakeReader{msgs: []kafka.Message{kafkaMsg(0, "M1"), kafkaMsg(1, "M2")}}
		readers = append(readers, r)
		return r
	}

	ctx := context.Background()
	sub, err := k.Subscribe(ctx, Options{Group: "g", Selector: merchantMatcher("M2")})
	require.NoError(t, err)

	d := fetch(t, sub)
	assert.Equal(t, "M2", d.Message.Attributes.MerchantID)
	assert.Equal(t, []int64{0}, readers[0].committed, "non-matching offset is skipped")

	require.NoError(t, sub.Rollback(ctx, d))
	require.Len(t, readers, 2)
	assert.True(t, readers[0].closed)

	d = fetch(t, sub)
	require.NoError(t, sub.Commit(ctx, d))
	assert.Equal(t, []int64{0, 1}, readers[1].committed)

	require.NoError(t, sub.Close())
	_, err = sub.Fetch(ctx)
	assert.ErrorIs(t, err, types.ErrTransportClosed)
}

func TestParseKafkaURL(t *testing.T) {
	tests := []struct {
		url     string
		brokers []string
		topic   string
		wantErr bool
	}{
		{"kafka://b1:9092,b2:9092/payments", []string{"b1:9092", "b2:9092"}, "payments", false},
		{"kafka://b1:9092", nil, "", true},
		{"kafka:///payments", nil, "", true},
		{"nats://x/y", nil, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			brokers, topic, err := parseKafkaURL(tt.url)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.brokers, brokers)
			assert.Equal(t, tt.topic, topic)
		})
	}
}

func TestParseRedisURL(t *testing.T) {
	opts, stream, err := parseRedisURL("redis://localhost:6379/2?stream=payments")
	require.NoError(t, err)
	assert.Equal(t, "payments", stream)
	assert.Equal(t, "localhost:6379", opts.Addr)
	assert.Equal(t, 2, opts.DB)

	_, stream, err = parseRedisURL("redis://localhost:6379/0")
	require.NoError(t, err)
	assert.Equal(t, defaultStream, stream)
}

func TestOpen_Schemes(t *testing.T) {
	ctx := context.Background()

	tr, err := Open(ctx, "memory://", zap.NewNop())
	require.NoError(t, err)
	assert.IsType(t, &Memory{}, tr)

	_, err = Open(ctx, "amqp://localhost", zap.NewNop())
	assert.ErrorIs(t, err, types.ErrUnsupportedTransport)

	_, err = Open(ctx, "localhost", zap.NewNop())
	assert.ErrorIs(t, err, types.ErrUnsupportedTransport)
}
