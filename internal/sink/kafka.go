package sink

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// KindKafka forwards accepted messages to a Kafka topic.
const KindKafka = "kafka"

const (
	defaultBatchPeriod = 30 * time.Second
	defaultBatchSize   = 1

	outcome = "outcome"
	success = "success"
	failure = "failure"
)

var numForwarded = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "paybridge",
		Name:      "forwarded_messages_total",
		Help:      "Number of message batches forwarded to Kafka, by outcome.",
	},
	[]string{outcome},
)

// kafkaWriter is implemented by kafka-go's *kafka.Writer and by test fakes.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaForwarder batches messages until the batch is too large or too old,
// whichever comes first. The default batch size of one forwards
// synchronously, so an accepted message has reached the broker. Larger
// batches trade that guarantee for throughput; Stop and Unregister flush.
//
// Config keys: brokers (comma separated), topic, batch_size, batch_period.
type KafkaForwarder struct {
	Base
	id  Identity
	log *zap.Logger

	mu          sync.Mutex
	batch       []kafka.Message
	lastBatch   time.Time
	batchSize   int
	batchPeriod time.Duration
	writer      kafkaWriter
	newWriter   func(brokers []string, topic string) kafkaWriter
}

// NewKafkaForwarder is the Factory of KindKafka.
func NewKafkaForwarder(id Identity, log *zap.Logger) (Sink, error) {
	return &KafkaForwarder{
		id:          id,
		log:         log,
		lastBatch:   time.Now(),
		batchSize:   defaultBatchSize,
		batchPeriod: defaultBatchPeriod,
		newWriter: func(brokers []string, topic string) kafkaWriter {
			return &kafka.Writer{
				Addr:     kafka.TCP(brokers...),
				Topic:    topic,
				Balancer: &kafka.Hash{},
			}
		},
	}, nil
}

func (k *KafkaForwarder) Configure(cfg map[string]string) error {
	brokers, topic := cfg["brokers"], cfg["topic"]
	if brokers == "" || topic == "" {
		return errors.New("kafka sink requires config keys brokers and topic")
	}
	size, period := defaultBatchSize, defaultBatchPeriod
	if v := cfg["batch_size"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			return fmt.Errorf("kafka sink batch_size %q: want a positive integer", v)
		}
		size = n
	}
	if v := cfg["batch_period"]; v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("kafka sink batch_period: %w", err)
		}
		period = d
	}
	if err := k.Base.Configure(cfg); err != nil {
		return err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.batchSize, k.batchPeriod = size, period
	if k.writer != nil {
		_ = k.writer.Close()
	}
	k.writer = k.newWriter(strings.Split(brokers, ","), topic)
	k.log.Info("Created Kafka writer",
		zap.String("brokers", brokers), zap.String("topic", topic))
	return nil
}

func (k *KafkaForwarder) canBatchAge() bool {
	return time.Now().Add(-k.batchPeriod).Before(k.lastBatch)
}

func (k *KafkaForwarder) canBatchGrow() bool {
	return len(k.batch) < k.batchSize
}

func (k *KafkaForwarder) resetBatch() {
	k.lastBatch = time.Now()
	k.batch = nil
}

func (k *KafkaForwarder) HandleMessage(ctx context.Context, env *Envelope) (bool, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	if k.writer == nil {
		return false, errors.New("kafka sink not configured")
	}
	headers := make([]kafka.Header, 0, 8)
	for key, v := range env.Attributes.Headers() {
		headers = append(headers, kafka.Header{Key: key, Value: []byte(v)})
	}
	k.batch = append(k.batch, kafka.Message{
		Key:     []byte(env.Attributes.MerchantID),
		Value:   env.Body,
		Headers: headers,
	})
	if k.canBatchAge() && k.canBatchGrow() {
		return true, nil
	}
	if err := k.flush(ctx); err != nil {
		// drop the message we just added so the redelivery is not doubled
		k.batch = k.batch[:len(k.batch)-1]
		return false, err
	}
	return true, nil
}

// flush writes the pending batch. Caller holds k.mu.
func (k *KafkaForwarder) flush(ctx context.Context) error {
	if len(k.batch) == 0 {
		return nil
	}
	if err := k.writer.WriteMessages(ctx, k.batch...); err != nil {
		numForwarded.With(prometheus.Labels{outcome: failure}).Inc()
		return fmt.Errorf("failed to forward batch to Kafka: %w", err)
	}
	k.log.Debug("Forwarded batch", zap.Int("messages", len(k.batch)))
	numForwarded.With(prometheus.Labels{outcome: success}).Inc()
	k.resetBatch()
	return nil
}

func (k *KafkaForwarder) Stop(ctx context.Context) error {
	k.mu.Lock()
	err := k.flush(ctx)
	k.mu.Unlock()
	if err != nil {
		return err
	}
	return k.Base.Stop(ctx)
}

func (k *KafkaForwarder) Unregister(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.writer == nil {
		return nil
	}
	err := k.flush(ctx)
	if cerr := k.writer.Close(); err == nil {
		err = cerr
	}
	k.writer = nil
	return err
}
