// Package redisbridge republishes change events on Redis pub/sub channels,
// one channel per (instrument, resolution).
package redisbridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/notify"
)

// DefaultChannelPrefix is prepended to every channel name
const DefaultChannelPrefix = "tinyohlc:"

// Config holds the Redis connection and channel settings
type Config struct {
	Enabled        bool          `mapstructure:"enabled"`
	Addr           string        `mapstructure:"addr"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	DB             int           `mapstructure:"db"`
	ChannelPrefix  string        `mapstructure:"channel_prefix"`
	PublishTimeout time.Duration `mapstructure:"publish_timeout"`
}

// Validate checks the config when the bridge is enabled
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.Addr == "" {
		return errors.New("redis: addr is required")
	}
	if c.DB < 0 {
		return errors.New("redis: db must not be negative")
	}
	return nil
}

// NewClient builds a go-redis client for cfg
func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Username:     cfg.Username,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
}

// Publisher is the subset of the go-redis client the bridge needs
type Publisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// Message is the JSON payload published per event
type Message struct {
	Instrument   string            `json:"instrument"`
	Resolution   string            `json:"resolution"`
	BucketStart  int64             `json:"bucket_start"`
	ChangedLines []compaction.Line `json:"changed_lines"`
}

// Bridge forwards bus events to Redis
type Bridge struct {
	bus    *notify.Bus
	pub    Publisher
	cfg    Config
	logger *zap.Logger

	published atomic.Int64
	failed    atomic.Int64
}

// New creates a bridge
func New(bus *notify.Bus, pub Publisher, cfg Config, logger *zap.Logger) *Bridge {
	if cfg.ChannelPrefix == "" {
		cfg.ChannelPrefix = DefaultChannelPrefix
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bridge{
		bus:    bus,
		pub:    pub,
		cfg:    cfg,
		logger: logger.Named("redisbridge"),
	}
}

// Channel returns the channel an event is published on
func (b *Bridge) Channel(e notify.Event) string {
	return b.cfg.ChannelPrefix + e.Instrument.String() + ":" + e.Resolution
}

// Run forwards every event until ctx is done or the bus closes.
// Publish failures are logged and counted; they never stop the bridge.
func (b *Bridge) Run(ctx context.Context) error {
	sub, err := b.bus.Subscribe([]notify.Filter{{}})
	if err != nil {
		return err
	}
	defer b.bus.Unsubscribe(sub)

	b.logger.Info("redis bridge started", zap.String("prefix", b.cfg.ChannelPrefix))

	for {
		select {
		case <-ctx.Done():
			return nil
		case e, ok := <-sub.Events():
			if !ok {
				return nil
			}
			b.forward(ctx, e)
		}
	}
}

func (b *Bridge) forward(ctx context.Context, e notify.Event) {
	payload, err := json.Marshal(Message{
		Instrument:   e.Instrument.String(),
		Resolution:   e.Resolution,
		BucketStart:  e.BucketStart,
		ChangedLines: e.ChangedLines,
	})
	if err != nil {
		b.failed.Add(1)
		b.logger.Error("failed to encode event", zap.Error(err))
		return
	}

	pubCtx, cancel := context.WithTimeout(ctx, b.cfg.PublishTimeout)
	defer cancel()

	channel := b.Channel(e)
	if err := b.pub.Publish(pubCtx, channel, payload).Err(); err != nil {
		b.failed.Add(1)
		b.logger.Warn("redis publish failed", zap.String("channel", channel), zap.Error(err))
		return
	}
	b.published.Add(1)
}

// Published returns how many events reached Redis
func (b *Bridge) Published() int64 { return b.published.Load() }

// Failed returns how many events could not be published
func (b *Bridge) Failed() int64 { return b.failed.Load() }
