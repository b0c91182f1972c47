package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/solatis/paybridge/internal/types"
)

// kafkaReader is implemented by kafka-go's *kafka.Reader and by the fakes
// used in tests.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// kafkaWriter is implemented by kafka-go's *kafka.Writer.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Kafka consumes from a single topic. Each subscription group maps onto a
// Kafka consumer group, so a rollback is a reader re-creation: the group
// resumes from its last committed offset.
type Kafka struct {
	log     *zap.Logger
	brokers []string
	topic   string

	writer    kafkaWriter
	newReader func(group string) kafkaReader
}

// parseKafkaURL splits kafka://b1:9092,b2:9092/topic.
func parseKafkaURL(raw string) ([]string, string, error) {
	rest, ok := strings.CutPrefix(raw, "kafka://")
	if !ok {
		return nil, "", fmt.Errorf("%w: %s", types.ErrUnsupportedTransport, raw)
	}
	hosts, topic, ok := strings.Cut(rest, "/")
	if !ok || hosts == "" || topic == "" {
		return nil, "", fmt.Errorf("kafka url %q: want kafka://brokers/topic", raw)
	}
	return strings.Split(hosts, ","), topic, nil
}

// NewKafka connects lazily to the brokers named by url.
func NewKafka(url string, log *zap.Logger) (*Kafka, error) {
	brokers, topic, err := parseKafkaURL(url)
	if err != nil {
		return nil, err
	}
	k := &Kafka{
		log:     log.Named("bus.kafka").With(zap.String("topic", topic)),
		brokers: brokers,
		topic:   topic,
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			BatchTimeout: 10 * time.Millisecond,
			RequiredAcks: kafka.RequireAll,
		},
	}
	k.newReader = func(group string) kafkaReader {
		return kafka.NewReader(kafka.ReaderConfig{
			Brokers:     brokers,
			GroupID:     group,
			Topic:       topic,
			MinBytes:    1,
			MaxBytes:    types.MaxBodySize * 4,
			MaxWait:     500 * time.Millisecond,
			StartOffset: kafka.FirstOffset,
		})
	}
	k.log.Info("Created Kafka transport", zap.Strings("brokers", brokers))
	return k, nil
}

// Publish writes msg keyed by merchant, with the attributes as headers.
func (k *Kafka) Publish(ctx context.Context, msg types.Message) error {
	h := msg.Attributes.Headers()
	headers := make([]kafka.Header, 0, len(h))
	for key, v := range h {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
	}
	err := k.writer.WriteMessages(ctx, kafka.Message{
		Key:     []byte(msg.Attributes.MerchantID),
		Value:   msg.Body,
		Headers: headers,
	})
	if err != nil {
		return fmt.Errorf("publish to kafka topic %s: %w", k.topic, err)
	}
	return nil
}

func (k *Kafka) Subscribe(_ context.Context, opts Options) (Subscription, error) {
	if opts.Group == "" {
		return nil, errors.New("kafka subscription requires a consumer group")
	}
	return &kafkaSubscription{
		transport: k,
		group:     opts.Group,
		selector:  opts.Selector,
		reader:    k.newReader(opts.Group),
	}, nil
}

func (k *Kafka) Close() error {
	return k.writer.Close()
}

type kafkaSubscription struct {
	transport *Kafka
	group     string

	mu       sync.Mutex
	selector Matcher
	reader   kafkaReader
	closed   bool
}

func (s *kafkaSubscription) current() (kafkaReader, Matcher, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, nil, types.ErrTransportClosed
	}
	return s.reader, s.selector, nil
}

func (s *kafkaSubscription) Fetch(ctx context.Context) (*Delivery, error) {
	for {
		r, sel, err := s.current()
		if err != nil {
			return nil, err
		}
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("fetch from kafka group %s: %w", s.group, err)
		}

		headers := make(map[string]string, len(m.Headers))
		for _, h := range m.Headers {
			headers[h.Key] = string(h.Value)
		}
		attrs := types.ParseAttributes(headers)
		if !matches(sel, attrs) {
			if err := r.CommitMessages(ctx, m); err != nil {
				return nil, fmt.Errorf("skip kafka offset %d: %w", m.Offset, err)
			}
			continue
		}
		return &Delivery{
			Message: types.Message{Attributes: attrs, Body: m.Value},
			Headers: headers,
			handle:  m,
		}, nil
	}
}

func (s *kafkaSubscription) Commit(ctx context.Context, d *Delivery) error {
	r, _, err := s.current()
	if err != nil {
		return err
	}
	return r.CommitMessages(ctx, d.handle.(kafka.Message))
}

// Rollback discards the reader; its replacement starts at the group's
// committed offset, which redelivers d.
func (s *kafkaSubscription) Rollback(_ context.Context, d *Delivery) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrTransportClosed
	}
	if err := s.reader.Close(); err != nil {
		s.transport.log.Warn("Failed to close reader on rollback",
			zap.String("group", s.group), zap.Error(err))
	}
	s.reader = s.transport.newReader(s.group)
	return nil
}

func (s *kafkaSubscription) SetSelector(sel Matcher) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return types.ErrTransportClosed
	}
	s.selector = sel
	return nil
}

func (s *kafkaSubscription) Selector() Matcher {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selector
}

func (s *kafkaSubscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.reader.Close()
}
