// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The producer serialises events as JSON. The consumer
// hands messages to a handler in batches and commits offsets only after the
// handler has accepted the whole batch.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/phrase-autocomplete/pkg/config"
)

// Message is one record handed to a BatchHandler.
type Message struct {
	Key   []byte
	Value []byte
	Time  time.Time
}

// BatchHandler processes a batch of messages. Returning an error leaves the
// batch uncommitted so it is redelivered.
type BatchHandler func(ctx context.Context, batch []Message) error

// BatchConfig bounds how long and how large a batch may grow.
type BatchConfig struct {
	Size     int
	Interval time.Duration
}

// Consumer reads messages from a Kafka topic and dispatches them in batches.
type Consumer struct {
	reader  *kafka.Reader
	logger  *slog.Logger
	batch   BatchConfig
	handler BatchHandler
}

// NewConsumer creates a Consumer for the given topic and handler.
func NewConsumer(cfg config.KafkaConfig, topic string, batch BatchConfig, handler BatchHandler) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	if batch.Size <= 0 {
		batch.Size = 1
	}
	if batch.Interval <= 0 {
		batch.Interval = time.Second
	}
	return &Consumer{
		reader:  r,
		logger:  slog.Default().With("component", "kafka-consumer", "topic", topic),
		batch:   batch,
		handler: handler,
	}
}

// Start enters the consume loop until ctx is cancelled. A batch is handed
// over when it reaches the configured size or when the interval elapses
// with at least one message pending.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started", "batch_size", c.batch.Size, "interval", c.batch.Interval)
	defer c.reader.Close()

	var (
		pending  []kafka.Message
		deadline = time.Now().Add(c.batch.Interval)
	)
	for {
		if ctx.Err() != nil {
			c.logger.Info("consumer stopping", "reason", ctx.Err(), "uncommitted", len(pending))
			return nil
		}

		fetchCtx, cancel := context.WithDeadline(ctx, deadline)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()
		switch {
		case err == nil:
			pending = append(pending, msg)
			if len(pending) < c.batch.Size {
				continue
			}
		case errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil:
		default:
			if ctx.Err() != nil {
				continue
			}
			c.logger.Error("failed to fetch message", "error", err)
			continue
		}

		deadline = time.Now().Add(c.batch.Interval)
		if len(pending) == 0 {
			continue
		}
		if err := c.flush(ctx, pending); err != nil {
			c.logger.Error("failed to process batch", "count", len(pending), "error", err)
			continue
		}
		pending = pending[:0]
	}
}

func (c *Consumer) flush(ctx context.Context, pending []kafka.Message) error {
	batch := make([]Message, len(pending))
	for i, m := range pending {
		batch[i] = Message{Key: m.Key, Value: m.Value, Time: m.Time}
	}
	if err := c.handler(ctx, batch); err != nil {
		return err
	}
	if err := c.reader.CommitMessages(ctx, pending...); err != nil {
		return fmt.Errorf("committing %d messages: %w", len(pending), err)
	}
	c.logger.Debug("batch committed", "count", len(pending))
	return nil
}

// Close closes the underlying Kafka reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}

// DecodeJSON is a generic helper that unmarshals a Kafka message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
