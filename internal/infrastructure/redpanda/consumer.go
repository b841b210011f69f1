package redpanda

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-medsafe/internal/observability/metrics"
	"github.com/drfirst/go-medsafe/pkg/retry"
)

// ConsumerConfig holds configuration for the Redpanda consumer
type ConsumerConfig struct {
	// Brokers is a list of broker addresses
	Brokers []string
	// GroupID is the consumer group ID
	GroupID string
	// Topics is the list of topics to consume
	Topics []string
	// SessionTimeout is the group session timeout
	SessionTimeout time.Duration
	// HeartbeatInterval is the group heartbeat interval
	HeartbeatInterval time.Duration
	// FetchMaxBytes is the maximum fetch size
	FetchMaxBytes int32
	// StartOffset is earliest or latest, used when the group has no commit
	StartOffset string
	// DeadLetterTopic receives records the handler failed on. Without it a
	// failed record is redelivered after RedeliveryDelay.
	DeadLetterTopic string
	// RedeliveryDelay pauses a partition whose record was rewound.
	RedeliveryDelay time.Duration
	// DeadLetterRetry bounds attempts to publish a dead letter.
	DeadLetterRetry retry.Policy
}

// DefaultConsumerConfig returns the defaults for the order event consumers
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "medsafe-order-events",
		SessionTimeout:    30 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		FetchMaxBytes:     50 << 20,
		StartOffset:       "earliest",
		DeadLetterTopic:   TopicDeadLetter,
		RedeliveryDelay:   time.Second,
		DeadLetterRetry:   retry.DefaultPolicy(),
	}
}

// MessageHandler is called for each consumed message. A returned error is
// final for that message; handlers retry transient failures themselves.
type MessageHandler func(ctx context.Context, msg *ConsumedMessage) error

// Publisher sends a record. *Producer implements it.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// ConsumedMessage represents a consumed Kafka message
type ConsumedMessage struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// DeadLetter is the body written to the dead-letter topic.
type DeadLetter struct {
	Topic     string            `json:"topic"`
	Partition int32             `json:"partition"`
	Offset    int64             `json:"offset"`
	Key       string            `json:"key"`
	Value     json.RawMessage   `json:"value,omitempty"`
	RawValue  []byte            `json:"raw_value,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	Error     string            `json:"error"`
	FailedAt  time.Time         `json:"failed_at"`
}

// NewDeadLetter describes msg failing with cause. A value that is not JSON
// is kept base64 encoded in RawValue.
func NewDeadLetter(msg *ConsumedMessage, cause error, at time.Time) DeadLetter {
	dl := DeadLetter{
		Topic:     msg.Topic,
		Partition: msg.Partition,
		Offset:    msg.Offset,
		Key:       string(msg.Key),
		Headers:   msg.Headers,
		Error:     cause.Error(),
		FailedAt:  at.UTC(),
	}
	if json.Valid(msg.Value) {
		dl.Value = json.RawMessage(msg.Value)
	} else {
		dl.RawValue = msg.Value
	}
	return dl
}

// Consumer reads a consumer group and commits each record once its handler
// returned, or once it was dead-lettered.
type Consumer struct {
	client     *kgo.Client
	config     ConsumerConfig
	deadLetter Publisher
	metrics    *metrics.Metrics
	logger     *zap.Logger
	tracer     trace.Tracer
	handler    MessageHandler

	// Control
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu             sync.Mutex
	stats          ConsumerStats
	lastCommitTime time.Time
}

// NewConsumer creates a new Redpanda consumer. deadLetter may be nil, as may m.
func NewConsumer(cfg ConsumerConfig, handler MessageHandler, deadLetter Publisher, m *metrics.Metrics, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("message handler is required")
	}
	if len(cfg.Topics) == 0 {
		return nil, errors.New("at least one topic is required")
	}

	opts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.FetchMaxBytes(cfg.FetchMaxBytes),
		kgo.DisableAutoCommit(),
		kgo.OnPartitionsAssigned(func(ctx context.Context, client *kgo.Client, assigned map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", assigned))
		}),
		kgo.OnPartitionsRevoked(func(ctx context.Context, client *kgo.Client, revoked map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", revoked))
			if err := client.CommitMarkedOffsets(ctx); err != nil {
				logger.Warn("commit on revoke failed", zap.Error(err))
			}
		}),
	}

	switch cfg.StartOffset {
	case "latest":
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtEnd()))
	default:
		opts = append(opts, kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()))
	}

	client, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Consumer{
		client:     client,
		config:     cfg,
		deadLetter: deadLetter,
		metrics:    m,
		logger:     logger,
		tracer:     otel.Tracer("redpanda-consumer"),
		handler:    handler,
		ctx:        ctx,
		cancel:     cancel,
	}, nil
}

// Start begins consuming messages
func (c *Consumer) Start() {
	c.wg.Add(1)
	go c.consumeLoop()
}

// Stop gracefully stops the consumer
func (c *Consumer) Stop() error {
	c.cancel()
	c.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := c.client.CommitMarkedOffsets(ctx)
	if err != nil {
		c.logger.Warn("error committing offsets on stop", zap.Error(err))
	}

	c.client.Close()
	return err
}

// consumeLoop is the main consumption loop
func (c *Consumer) consumeLoop() {
	defer c.wg.Done()

	for {
		fetches := c.client.PollFetches(c.ctx)
		if fetches.IsClientClosed() || c.ctx.Err() != nil {
			return
		}

		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error",
				zap.String("topic", topic),
				zap.Int32("partition", partition),
				zap.Error(err))
			c.countError()
		})

		rewound := make(map[topicPartition]bool)
		fetches.EachRecord(func(record *kgo.Record) {
			tp := topicPartition{record.Topic, record.Partition}
			if c.ctx.Err() != nil || rewound[tp] {
				return
			}
			if !c.processRecord(record) {
				c.rewind(record)
				rewound[tp] = true
			}
		})
		if len(rewound) > 0 {
			select {
			case <-c.ctx.Done():
			case <-time.After(c.config.RedeliveryDelay):
			}
		}
	}
}

type topicPartition struct {
	topic     string
	partition int32
}

// rewind moves the partition back so record is fetched again and nothing
// after it is committed first.
func (c *Consumer) rewind(record *kgo.Record) {
	c.client.SetOffsets(map[string]map[int32]kgo.EpochOffset{
		record.Topic: {record.Partition: {Epoch: -1, Offset: record.Offset}},
	})
}

// processRecord handles one record and reports whether it may be committed.
func (c *Consumer) processRecord(record *kgo.Record) bool {
	ctx := extractTraceContext(c.ctx, record)
	ctx, span := c.tracer.Start(ctx, "process_message",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", record.Topic),
			attribute.Int64("partition", int64(record.Partition)),
			attribute.Int64("offset", record.Offset),
		))
	defer span.End()

	msg := &ConsumedMessage{
		Topic:     record.Topic,
		Partition: record.Partition,
		Offset:    record.Offset,
		Key:       record.Key,
		Value:     record.Value,
		Headers:   make(map[string]string, len(record.Headers)),
		Timestamp: record.Timestamp,
	}
	for _, h := range record.Headers {
		msg.Headers[h.Key] = string(h.Value)
	}

	if err := c.handler(ctx, msg); err != nil {
		span.RecordError(err)
		c.countError()
		c.logger.Error("message handler failed",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		if c.ctx.Err() != nil || !c.sendDeadLetter(ctx, msg, err) {
			return false
		}
	} else {
		c.countRead(len(record.Value))
		c.metrics.Consumed(1)
	}

	c.client.MarkCommitRecords(record)
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Error("failed to commit offset",
			zap.String("topic", record.Topic),
			zap.Int32("partition", record.Partition),
			zap.Int64("offset", record.Offset),
			zap.Error(err))
		span.RecordError(err)
		return true
	}
	c.mu.Lock()
	c.lastCommitTime = time.Now()
	c.mu.Unlock()
	return true
}

func (c *Consumer) sendDeadLetter(ctx context.Context, msg *ConsumedMessage, cause error) bool {
	if c.deadLetter == nil || c.config.DeadLetterTopic == "" {
		return false
	}
	body, err := json.Marshal(NewDeadLetter(msg, cause, time.Now()))
	if err != nil {
		c.logger.Error("encode dead letter", zap.Error(err))
		return false
	}

	_, err = retry.Do(ctx, c.config.DeadLetterRetry, c.logger, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, c.deadLetter.Publish(ctx, c.config.DeadLetterTopic, string(msg.Key), body)
	})
	if err != nil {
		c.logger.Error("dead letter publish failed",
			zap.String("topic", msg.Topic),
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
		return false
	}
	c.mu.Lock()
	c.stats.DeadLettered++
	c.mu.Unlock()
	return true
}

// Stats returns current consumer statistics
func (c *Consumer) Stats() ConsumerStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.LastCommitTime = c.lastCommitTime
	return s
}

// ConsumerStats holds consumer statistics
type ConsumerStats struct {
	MessagesRead   int64
	BytesRead      int64
	ErrorCount     int64
	DeadLettered   int64
	LastCommitTime time.Time
}

func (c *Consumer) countRead(bytes int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.MessagesRead++
	c.stats.BytesRead += int64(bytes)
}

func (c *Consumer) countError() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stats.ErrorCount++
}
