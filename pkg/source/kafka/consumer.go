// Package kafka feeds ticks from a Kafka topic into the engine.
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/notify"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// Config holds the consumer settings
type Config struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// Validate checks the config when the consumer is enabled
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if len(c.Brokers) == 0 {
		return errors.New("kafka: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("kafka: topic is required")
	}
	if c.GroupID == "" {
		return errors.New("kafka: group_id is required")
	}
	return nil
}

// Reader is the subset of *kafka.Reader the consumer needs
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Ingester accepts ticks. *engine.Engine implements it.
type Ingester interface {
	Ingest(ctx context.Context, inst series.Instrument, tick series.Tick) ([]notify.Event, error)
}

// TickMessage is the JSON payload of one tick
type TickMessage struct {
	Category  string  `json:"category"`
	Symbol    string  `json:"symbol"`
	Timestamp int64   `json:"timestamp"`
	Value     float64 `json:"value"`
}

// Consumer reads tick messages and ingests them
type Consumer struct {
	reader   Reader
	ingester Ingester
	logger   *zap.Logger

	retryDelay time.Duration
}

// NewReader builds a consumer-group reader for cfg
func NewReader(cfg Config) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       cfg.Topic,
		GroupID:     cfg.GroupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		StartOffset: kafka.LastOffset,
	})
}

// NewConsumer creates a consumer
func NewConsumer(reader Reader, ingester Ingester, logger *zap.Logger) *Consumer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Consumer{
		reader:     reader,
		ingester:   ingester,
		logger:     logger.Named("kafka"),
		retryDelay: time.Second,
	}
}

// Run consumes until ctx is cancelled. Messages are committed once handled;
// malformed or rejected ticks are logged and committed, never retried.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("tick consumer started")
	defer c.logger.Info("tick consumer stopped")

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				// Reader closed
				return nil
			}
			c.logger.Error("failed to fetch message", zap.Error(err))

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(c.retryDelay):
			}
			continue
		}

		if err := c.handle(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Warn("tick dropped",
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.logger.Error("failed to commit message", zap.Int64("offset", msg.Offset), zap.Error(err))
		}
	}
}

func (c *Consumer) handle(ctx context.Context, msg kafka.Message) error {
	var tm TickMessage
	if err := json.Unmarshal(msg.Value, &tm); err != nil {
		return fmt.Errorf("%w: %v", series.ErrInvalidTick, err)
	}

	inst, err := series.NewInstrument(tm.Category, tm.Symbol)
	if err != nil {
		return err
	}

	events, err := c.ingester.Ingest(ctx, inst, series.Tick{Timestamp: tm.Timestamp, Value: tm.Value})
	if err != nil {
		return fmt.Errorf("ingest %s: %w", inst, err)
	}

	if ce := c.logger.Check(zap.DebugLevel, "tick ingested"); ce != nil {
		ce.Write(
			zap.Stringer("instrument", inst),
			zap.Int64("timestamp", tm.Timestamp),
			zap.Int("events", len(events)),
		)
	}
	return nil
}

// Close closes the underlying reader
func (c *Consumer) Close() error {
	return c.reader.Close()
}
