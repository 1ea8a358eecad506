package messaging

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const messageIDHeader = "message_id"

// KafkaConfig contains configuration for the Kafka connection.
type KafkaConfig struct {
	Brokers             []string      `json:"brokers" mapstructure:"brokers"`
	ReadTimeout         time.Duration `json:"read_timeout" mapstructure:"read_timeout"`
	WriteTimeout        time.Duration `json:"write_timeout" mapstructure:"write_timeout"`
	BatchSize           int           `json:"batch_size" mapstructure:"batch_size"`
	BatchTimeout        time.Duration `json:"batch_timeout" mapstructure:"batch_timeout"`
	RequiredAcks        int           `json:"required_acks" mapstructure:"required_acks"`
	Compression         string        `json:"compression" mapstructure:"compression"`
	RetryMax            int           `json:"retry_max" mapstructure:"retry_max"`
	ConsumerGroupPrefix string        `json:"consumer_group_prefix" mapstructure:"consumer_group_prefix"`
	MaxMessageBytes     int           `json:"max_message_bytes" mapstructure:"max_message_bytes"`
}

// DefaultKafkaConfig returns configuration suited to low-volume, high-urgency
// alert traffic: small synchronous batches, all-replica acks.
func DefaultKafkaConfig() *KafkaConfig {
	return &KafkaConfig{
		Brokers:             []string{"localhost:9092"},
		ReadTimeout:         10 * time.Second,
		WriteTimeout:        2 * time.Second,
		BatchSize:           100,
		BatchTimeout:        5 * time.Millisecond,
		RequiredAcks:        -1, // alerts must not be lost on leader failover
		Compression:         "snappy",
		RetryMax:            3,
		ConsumerGroupPrefix: "marginwatch",
		MaxMessageBytes:     1048576, // 1MB
	}
}

// KafkaBus implements Bus on segmentio/kafka-go.
type KafkaBus struct {
	config  *KafkaConfig
	writers map[string]*kafka.Writer
	logger  *zap.Logger
	mu      sync.RWMutex
}

// NewKafkaBus creates a Kafka-backed bus.
func NewKafkaBus(config *KafkaConfig, logger *zap.Logger) *KafkaBus {
	if config == nil {
		config = DefaultKafkaConfig()
	}
	return &KafkaBus{
		config:  config,
		writers: make(map[string]*kafka.Writer),
		logger:  logger,
	}
}

// getWriter returns or creates a writer for the specified topic.
func (b *KafkaBus) getWriter(topic string) *kafka.Writer {
	b.mu.RLock()
	writer, exists := b.writers[topic]
	b.mu.RUnlock()

	if exists {
		return writer
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	// Double-check pattern
	if writer, exists := b.writers[topic]; exists {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(b.config.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.CRC32Balancer{}, // keyed by subject for stable partitioning
		BatchSize:    b.config.BatchSize,
		BatchTimeout: b.config.BatchTimeout,
		ReadTimeout:  b.config.ReadTimeout,
		WriteTimeout: b.config.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(b.config.RequiredAcks),
		MaxAttempts:  b.config.RetryMax,
		BatchBytes:   int64(b.config.MaxMessageBytes),
		Async:        false, // publish failures must surface to the caller
	}

	switch b.config.Compression {
	case "gzip":
		writer.Compression = kafka.Gzip
	case "snappy":
		writer.Compression = kafka.Snappy
	case "lz4":
		writer.Compression = kafka.Lz4
	case "zstd":
		writer.Compression = kafka.Zstd
	default:
		writer.Compression = kafka.Snappy
	}

	b.writers[topic] = writer
	return writer
}

// Publish writes one message with its attributes as Kafka headers and returns
// the generated message id.
func (b *KafkaBus) Publish(ctx context.Context, topic string, msg Message) (string, error) {
	id := uuid.NewString()

	headers := make([]kafka.Header, 0, len(msg.Attributes)+1)
	headers = append(headers, kafka.Header{Key: messageIDHeader, Value: []byte(id)})
	for k, v := range msg.Attributes {
		headers = append(headers, kafka.Header{Key: k, Value: []byte(v)})
	}

	kafkaMsg := kafka.Message{
		Key:     []byte(msg.Key),
		Value:   msg.Payload,
		Headers: headers,
		Time:    time.Now(),
	}

	writer := b.getWriter(topic)
	if err := writer.WriteMessages(ctx, kafkaMsg); err != nil {
		b.logger.Error("failed to publish message",
			zap.Error(err),
			zap.String("topic", topic),
			zap.String("key", msg.Key))
		return "", fmt.Errorf("%w: %v", ErrPublishUnavailable, err)
	}

	return id, nil
}

// Subscribe opens a consumer-group reader on the topic.
func (b *KafkaBus) Subscribe(topic, group string) (Subscription, error) {
	fullGroupID := fmt.Sprintf("%s-%s", b.config.ConsumerGroupPrefix, group)
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  b.config.Brokers,
		Topic:    topic,
		GroupID:  fullGroupID,
		MaxBytes: b.config.MaxMessageBytes,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			b.logger.Error(fmt.Sprintf(msg, args...))
		}),
	})

	return &kafkaSubscription{reader: reader, tracker: newCommitTracker()}, nil
}

// Close closes all writers.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	var lastErr error
	for _, writer := range b.writers {
		if err := writer.Close(); err != nil {
			lastErr = err
			b.logger.Error("failed to close writer", zap.Error(err))
		}
	}
	return lastErr
}

type kafkaSubscription struct {
	reader    *kafka.Reader
	tracker   *commitTracker
	closeOnce sync.Once
	closeErr  error
}

func (s *kafkaSubscription) Receive(ctx context.Context) (Delivery, error) {
	msg, err := s.reader.FetchMessage(ctx)
	if err != nil {
		// A closed reader surfaces as io.EOF.
		if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
			return nil, ErrSubscriptionClosed
		}
		return nil, err
	}
	s.tracker.fetched(msg)
	return &kafkaDelivery{sub: s, msg: msg}, nil
}

// commitCompleted records one finished delivery and commits only when the
// partition's completed prefix is contiguous.
func (s *kafkaSubscription) commitCompleted(ctx context.Context, msg kafka.Message) error {
	commit, ok := s.tracker.completed(msg)
	if !ok {
		return nil
	}
	return s.reader.CommitMessages(ctx, commit)
}

func (s *kafkaSubscription) Close() error {
	s.closeOnce.Do(func() {
		s.closeErr = s.reader.Close()
	})
	return s.closeErr
}

// commitTracker keeps group commits from leapfrogging unfinished messages.
// kafka-go's CommitMessages advances a single per-partition watermark, and
// committing offset n implies every offset below n: with several workers
// acking out of order, a plain per-message commit would silently commit past
// a nacked offset and the broker would never redeliver it. The tracker holds
// each partition's watermark at the lowest unfinished offset and releases a
// commit only for the contiguous completed prefix.
type commitTracker struct {
	mu    sync.Mutex
	parts map[topicPartition]*partitionProgress
}

type topicPartition struct {
	topic     string
	partition int
}

type partitionProgress struct {
	next int64                   // lowest offset not yet completed
	done map[int64]kafka.Message // completed offsets above next, awaiting contiguity
}

func newCommitTracker() *commitTracker {
	return &commitTracker{parts: make(map[topicPartition]*partitionProgress)}
}

// fetched records a delivery handed to the consumer. A fetch below the
// current floor means the group rebalanced and is replaying; tracking
// restarts from the replayed offset.
func (t *commitTracker) fetched(msg kafka.Message) {
	key := topicPartition{topic: msg.Topic, partition: msg.Partition}

	t.mu.Lock()
	defer t.mu.Unlock()

	pp, ok := t.parts[key]
	if !ok {
		t.parts[key] = &partitionProgress{next: msg.Offset, done: make(map[int64]kafka.Message)}
		return
	}
	if msg.Offset < pp.next {
		pp.next = msg.Offset
		pp.done = make(map[int64]kafka.Message)
	}
}

// completed marks one offset finished (acked or permanently rejected) and
// reports the highest message of the contiguous completed prefix when the
// watermark can advance.
func (t *commitTracker) completed(msg kafka.Message) (kafka.Message, bool) {
	key := topicPartition{topic: msg.Topic, partition: msg.Partition}

	t.mu.Lock()
	defer t.mu.Unlock()

	pp, ok := t.parts[key]
	if !ok {
		// Untracked partition; nothing to order against.
		return msg, true
	}
	if msg.Offset < pp.next {
		// Stale completion from before a rebalance replay.
		return kafka.Message{}, false
	}

	pp.done[msg.Offset] = msg

	var commit kafka.Message
	advanced := false
	for {
		m, ok := pp.done[pp.next]
		if !ok {
			break
		}
		delete(pp.done, pp.next)
		pp.next++
		commit = m
		advanced = true
	}
	return commit, advanced
}

type kafkaDelivery struct {
	sub *kafkaSubscription
	msg kafka.Message
}

func (d *kafkaDelivery) ID() string {
	for _, h := range d.msg.Headers {
		if h.Key == messageIDHeader {
			return string(h.Value)
		}
	}
	return fmt.Sprintf("%s/%d/%d", d.msg.Topic, d.msg.Partition, d.msg.Offset)
}

func (d *kafkaDelivery) Payload() []byte {
	return d.msg.Value
}

func (d *kafkaDelivery) Attributes() map[string]string {
	attrs := make(map[string]string, len(d.msg.Headers))
	for _, h := range d.msg.Headers {
		attrs[h.Key] = string(h.Value)
	}
	return attrs
}

func (d *kafkaDelivery) Ack(ctx context.Context) error {
	return d.sub.commitCompleted(ctx, d.msg)
}

// Nack leaves the offset unfinished: the partition watermark stays below it,
// so no later ack can commit past it and the group redelivers it after a
// rebalance or restart.
func (d *kafkaDelivery) Nack(context.Context) error {
	return nil
}

// Reject marks the offset finished without processing, permanently
// discarding the message.
func (d *kafkaDelivery) Reject(ctx context.Context) error {
	return d.sub.commitCompleted(ctx, d.msg)
}
