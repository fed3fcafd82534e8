package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"threatlens/internal/queue"
	"threatlens/internal/schema"
)

// MessageHandler processes a consumed message. Return nil to commit
// the offset, or an error to leave it uncommitted for reprocessing.
type MessageHandler func(ctx context.Context, msg Message) error

// Message represents a consumed Kafka message.
type Message struct {
	Topic     string
	Partition int
	Offset    int64
	Key       []byte
	Value     []byte
	Time      time.Time
}

// EventBatchMessage is the wire format of the events topic: one
// user's activity per message.
type EventBatchMessage struct {
	UserID string         `json:"user_id"`
	Events []schema.Event `json:"events"`
}

// EventConsumer reads event batches from the events topic and feeds
// them into the processing queue, the same path HTTP ingestion takes.
type EventConsumer struct {
	reader  messageReader
	config  *Config
	logger  *slog.Logger
	handler MessageHandler
	metrics *consumerMetrics
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  atomic.Bool
	started atomic.Bool
}

// messageReader is the slice of kafka.Reader the consumer uses,
// narrowed for testing.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type consumerMetrics struct {
	messagesConsumed atomic.Int64
	bytesConsumed    atomic.Int64
	errors           atomic.Int64
	lastOffset       atomic.Int64
	lastError        atomic.Value
	lastErrorTime    atomic.Value
}

// NewEventConsumer creates a consumer for the events topic.
func NewEventConsumer(config *Config, handler MessageHandler, logger *slog.Logger) (*EventConsumer, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if handler == nil {
		return nil, errors.New("kafka: message handler is required")
	}

	dialer, err := config.GetDialer()
	if err != nil {
		return nil, err
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        config.Brokers,
		GroupID:        config.ConsumerGroup,
		Topic:          config.EventsTopic,
		Dialer:         dialer,
		MinBytes:       config.ConsumerMinBytes,
		MaxBytes:       config.ConsumerMaxBytes,
		MaxWait:        config.ConsumerMaxWait,
		CommitInterval: config.CommitInterval,
		StartOffset:    config.StartOffset,
		SessionTimeout: config.SessionTimeout,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Debug(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	ctx, cancel := context.WithCancel(context.Background())

	c := &EventConsumer{
		reader:  reader,
		config:  config,
		logger:  logger,
		handler: handler,
		metrics: &consumerMetrics{},
		ctx:     ctx,
		cancel:  cancel,
	}

	logger.Info("kafka event consumer initialized",
		"brokers", config.Brokers,
		"topic", config.EventsTopic,
		"group", config.ConsumerGroup,
	)

	return c, nil
}

// StartAsync begins consuming in a goroutine. Use Stop to stop.
func (c *EventConsumer) StartAsync() error {
	if c.started.Swap(true) {
		return errors.New("kafka: consumer already started")
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.consumeLoop(); err != nil && !errors.Is(err, context.Canceled) {
			c.logger.Error("consumer loop exited with error", "error", err)
		}
	}()

	c.logger.Info("kafka event consumer started",
		"topic", c.config.EventsTopic,
		"group", c.config.ConsumerGroup,
	)

	return nil
}

// consumeLoop is the main consumption loop.
func (c *EventConsumer) consumeLoop() error {
	for {
		select {
		case <-c.ctx.Done():
			return c.ctx.Err()
		default:
		}

		kafkaMsg, err := c.reader.FetchMessage(c.ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return err
			}

			c.metrics.errors.Add(1)
			c.metrics.lastError.Store(err)
			c.metrics.lastErrorTime.Store(time.Now())

			c.logger.Error("failed to fetch message",
				"error", err,
				"topic", c.config.EventsTopic,
			)

			// Back off on errors
			select {
			case <-c.ctx.Done():
				return c.ctx.Err()
			case <-time.After(time.Second):
				continue
			}
		}

		msg := Message{
			Topic:     kafkaMsg.Topic,
			Partition: kafkaMsg.Partition,
			Offset:    kafkaMsg.Offset,
			Key:       kafkaMsg.Key,
			Value:     kafkaMsg.Value,
			Time:      kafkaMsg.Time,
		}

		if err := c.processMessage(msg); err != nil {
			c.logger.Error("failed to process message",
				"error", err,
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			// Leave the offset uncommitted for reprocessing.
			continue
		}

		if err := c.reader.CommitMessages(c.ctx, kafkaMsg); err != nil {
			c.logger.Error("failed to commit offset",
				"error", err,
				"offset", kafkaMsg.Offset,
			)
		}

		c.metrics.messagesConsumed.Add(1)
		c.metrics.bytesConsumed.Add(int64(len(kafkaMsg.Value) + len(kafkaMsg.Key)))
		c.metrics.lastOffset.Store(kafkaMsg.Offset)
	}
}

// processMessage calls the handler with a per-message timeout.
func (c *EventConsumer) processMessage(msg Message) error {
	ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
	defer cancel()

	if err := c.handler(ctx, msg); err != nil {
		c.metrics.errors.Add(1)
		return err
	}

	return nil
}

// GetMetrics returns current consumer metrics.
func (c *EventConsumer) GetMetrics() Metrics {
	m := Metrics{
		MessagesConsumed: c.metrics.messagesConsumed.Load(),
		BytesConsumed:    c.metrics.bytesConsumed.Load(),
		Errors:           c.metrics.errors.Load(),
	}

	if err := c.metrics.lastError.Load(); err != nil {
		m.LastError = err.(error)
	}
	if t := c.metrics.lastErrorTime.Load(); t != nil {
		m.LastErrorTime = t.(time.Time)
	}

	return m
}

// Stop gracefully stops the consumer.
func (c *EventConsumer) Stop() error {
	if c.closed.Swap(true) {
		return nil // Already closed
	}

	c.logger.Info("stopping kafka event consumer",
		"messages_consumed", c.metrics.messagesConsumed.Load(),
		"bytes_consumed", c.metrics.bytesConsumed.Load(),
	)

	c.cancel()
	c.wg.Wait()

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("kafka: failed to close consumer: %w", err)
	}

	return nil
}

// BatchHandler returns a handler that decodes event batch messages,
// validates the events, and pushes them onto the processing queue.
// Malformed messages are dropped rather than retried; a poison
// message would otherwise wedge the partition.
func BatchHandler(q *queue.RingBuffer, validator *schema.Validator, logger *slog.Logger) MessageHandler {
	return func(ctx context.Context, msg Message) error {
		var batch EventBatchMessage
		if err := json.Unmarshal(msg.Value, &batch); err != nil {
			logger.Warn("dropping malformed event batch",
				"offset", msg.Offset,
				"error", err,
			)
			return nil
		}

		if batch.UserID == "" || len(batch.Events) == 0 {
			logger.Warn("dropping event batch without user or events",
				"offset", msg.Offset,
				"user_id", batch.UserID,
			)
			return nil
		}

		now := time.Now().UTC()
		valid := make([]schema.Event, 0, len(batch.Events))
		for i := range batch.Events {
			event := batch.Events[i]
			if event.UserID == "" {
				event.UserID = batch.UserID
			}
			if event.UserID != batch.UserID {
				logger.Warn("dropping event for different user",
					"batch_user", batch.UserID,
					"event_user", event.UserID,
				)
				continue
			}
			if err := validator.Validate(&event); err != nil {
				logger.Warn("dropping invalid event",
					"user_id", batch.UserID,
					"error", err,
				)
				continue
			}
			event.ReceivedAt = now
			valid = append(valid, event)
		}

		if len(valid) == 0 {
			return nil
		}

		err := q.Push(&queue.Batch{
			UserID:     batch.UserID,
			Events:     valid,
			EnqueuedAt: now,
		})
		if err != nil {
			// Queue pressure is retryable; the offset stays
			// uncommitted until there is room.
			return fmt.Errorf("kafka: failed to enqueue batch for %s: %w", batch.UserID, err)
		}

		return nil
	}
}
