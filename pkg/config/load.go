package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/logging"
	"github.com/nicktill/tinyohlc/pkg/notify"
	"github.com/nicktill/tinyohlc/pkg/notify/redisbridge"
	"github.com/nicktill/tinyohlc/pkg/source/kafka"
)

// EnvPrefix prefixes every environment override, e.g. TINYOHLC_SERVER_PORT
const EnvPrefix = "TINYOHLC"

// Config materialises application configuration.
type Config struct {
	Server  ServerConfig       `mapstructure:"server"`
	Logging logging.Config     `mapstructure:"logging"`
	Storage StorageConfig      `mapstructure:"storage"`
	Engine  engine.Options     `mapstructure:"engine"`
	Notify  notify.BusConfig   `mapstructure:"notify"`
	Kafka   kafka.Config       `mapstructure:"kafka"`
	Redis   redisbridge.Config `mapstructure:"redis"`
}

// ServerConfig covers the HTTP surface.
type ServerConfig struct {
	Port            string        `mapstructure:"port"`
	MaxTicksPerCall int           `mapstructure:"max_ticks_per_call"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// StorageConfig selects and tunes the storage backend.
type StorageConfig struct {
	Backend       string        `mapstructure:"backend"` // memory or badger
	Path          string        `mapstructure:"path"`
	MaxMemoryMB   int64         `mapstructure:"max_memory_mb"`
	MaxStorageGB  int64         `mapstructure:"max_storage_gb"`
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	GCInterval    time.Duration `mapstructure:"gc_interval"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("tinyohlc")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", DefaultPort)
	v.SetDefault("server.max_ticks_per_call", IngestMaxTicksPerCall)
	v.SetDefault("server.shutdown_timeout", ShutdownTimeout.String())

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.caller", false)

	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.path", "./data/tinyohlc")
	v.SetDefault("storage.max_memory_mb", DefaultMaxMemoryMB)
	v.SetDefault("storage.max_storage_gb", DefaultMaxStorageGB)
	v.SetDefault("storage.sweep_interval", SweepInterval.String())
	v.SetDefault("storage.gc_interval", BadgerGCInterval.String())

	defaults := engine.DefaultOptions()
	v.SetDefault("engine.raw_retention_secs", defaults.RawRetentionSecs)
	v.SetDefault("engine.auto_create", defaults.AutoCreate)
	v.SetDefault("engine.resolutions", resolutionMaps(defaults.Resolutions))

	v.SetDefault("notify.queue_size", notify.DefaultQueueSize)

	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.topic", "ticks")
	v.SetDefault("kafka.group_id", "tinyohlc")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.channel_prefix", redisbridge.DefaultChannelPrefix)
	v.SetDefault("redis.publish_timeout", "2s")
}

func resolutionMaps(resolutions []compaction.Resolution) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(resolutions))
	for _, r := range resolutions {
		out = append(out, map[string]interface{}{
			"name":              r.Name,
			"bucket_width_secs": r.BucketWidthSecs,
			"retention_secs":    r.RetentionSecs,
		})
	}
	return out
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("server.port is required")
	}
	if c.Server.MaxTicksPerCall <= 0 {
		return fmt.Errorf("server.max_ticks_per_call must be greater than zero")
	}
	switch c.Storage.Backend {
	case "memory":
	case "badger":
		if c.Storage.Path == "" {
			return fmt.Errorf("storage.path is required for the badger backend")
		}
	default:
		return fmt.Errorf("storage.backend must be memory or badger, got %q", c.Storage.Backend)
	}
	if c.Storage.SweepInterval <= 0 {
		return fmt.Errorf("storage.sweep_interval must be greater than zero")
	}
	if c.Notify.QueueSize <= 0 {
		return fmt.Errorf("notify.queue_size must be greater than zero")
	}
	if err := c.Engine.Validate(); err != nil {
		return fmt.Errorf("engine: %w", err)
	}
	if err := c.Kafka.Validate(); err != nil {
		return err
	}
	return c.Redis.Validate()
}
