// Package kafka ingests session events from a Kafka topic and publishes
// them for load tests.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/okian/tutorrisk/internal/domain/model"
	"github.com/okian/tutorrisk/pkg/logger"
	"github.com/okian/tutorrisk/pkg/metrics"
)

// Config addresses the topic and consumer group.
type Config struct {
	Brokers []string
	Topic   string
	GroupID string
}

// Reader is the subset of *kafka.Reader the consumer uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Handler accepts one decoded event. Returning an error that wraps
// ErrBackpressure makes the consumer wait and redeliver; any other error
// drops the message.
type Handler func(ctx context.Context, e model.Event) error

// ErrBackpressure signals that the handler cannot accept events right now.
var ErrBackpressure = errors.New("backpressure")

// Consumer reads session events from Kafka and hands them to a Handler.
// Offsets are committed after the handler accepts or rejects a message.
type Consumer struct {
	reader  Reader
	handler Handler
	log     logger.Logger
	backoff time.Duration
}

// Option configures a Consumer.
type Option func(*Consumer)

// WithLogger sets the consumer logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.log = l
		}
	}
}

// WithBackoff sets the wait before redelivering under backpressure.
func WithBackoff(d time.Duration) Option {
	return func(c *Consumer) {
		if d > 0 {
			c.backoff = d
		}
	}
}

// NewConsumer builds a consumer-group reader for cfg.
func NewConsumer(cfg Config, handler Handler, opts ...Option) (*Consumer, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, fmt.Errorf("%w: kafka brokers and topic are required", model.ErrValidation)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		StartOffset:    kafka.FirstOffset,
		MaxWait:        time.Second,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
	})
	return NewConsumerWithReader(reader, handler, opts...), nil
}

// NewConsumerWithReader wraps an existing reader.
func NewConsumerWithReader(r Reader, handler Handler, opts ...Option) *Consumer {
	c := &Consumer{reader: r, handler: handler, backoff: 200 * time.Millisecond}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Get().Named("kafka-consumer")
	}
	return c
}

// Run consumes until ctx ends. It returns nil on cancellation.
func (c *Consumer) Run(ctx context.Context) error {
	c.log.Info(ctx, "kafka consumer started")
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, context.Canceled) {
				return nil
			}
			metrics.RecordErrorByComponent("kafka", "fetch")
			return fmt.Errorf("failed to read kafka message: %w", err)
		}
		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var payload model.EventPayload
	if err := json.Unmarshal(msg.Value, &payload); err != nil {
		metrics.RecordEventRejected("decode")
		c.log.Warn(ctx, "dropping undecodable kafka message",
			logger.Int("partition", msg.Partition),
			logger.Any("offset", msg.Offset),
			logger.Error(err),
		)
		return c.commit(ctx, msg)
	}
	event, err := payload.ToEvent()
	if err != nil {
		metrics.RecordEventRejected("invalid")
		c.log.Warn(ctx, "dropping invalid kafka event", logger.String("event_id", payload.EventID), logger.Error(err))
		return c.commit(ctx, msg)
	}

	for {
		err := c.handler(ctx, event)
		if err == nil {
			return c.commit(ctx, msg)
		}
		if !errors.Is(err, ErrBackpressure) {
			c.log.Warn(ctx, "kafka event rejected", logger.String("event_id", event.EventID), logger.Error(err))
			return c.commit(ctx, msg)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff):
		}
	}
}

func (c *Consumer) commit(ctx context.Context, msg kafka.Message) error {
	if err := c.reader.CommitMessages(ctx, msg); err != nil {
		metrics.RecordErrorByComponent("kafka", "commit")
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

// Close closes the underlying reader.
func (c *Consumer) Close() error {
	if err := c.reader.Close(); err != nil {
		c.log.Error(context.Background(), "failed to close Kafka consumer", logger.Error(err))
		return err
	}
	return nil
}
