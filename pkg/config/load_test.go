package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyohlc/pkg/compaction"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "tinyohlc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, DefaultPort, cfg.Server.Port)
	assert.Equal(t, "memory", cfg.Storage.Backend)
	assert.Equal(t, SweepInterval, cfg.Storage.SweepInterval)
	assert.True(t, cfg.Engine.AutoCreate)
	assert.Equal(t, int64(24*3600), cfg.Engine.RawRetentionSecs)
	assert.Equal(t, compaction.DefaultResolutions(), cfg.Engine.Resolutions)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "tinyohlc:", cfg.Redis.ChannelPrefix)
}

func TestLoad_File(t *testing.T) {
	path := writeConfig(t, `
server:
  port: "9000"
storage:
  backend: badger
  path: /tmp/ohlc
  sweep_interval: 30s
engine:
  raw_retention_secs: 600
  auto_create: false
  resolutions:
    - name: 5m
      bucket_width_secs: 300
      retention_secs: 86400
kafka:
  enabled: true
  brokers: "k1:9092,k2:9092"
  topic: prices
  group_id: ohlc
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "9000", cfg.Server.Port)
	assert.Equal(t, "badger", cfg.Storage.Backend)
	assert.Equal(t, 30*time.Second, cfg.Storage.SweepInterval)
	assert.False(t, cfg.Engine.AutoCreate)
	assert.Equal(t, []compaction.Resolution{{Name: "5m", BucketWidthSecs: 300, RetentionSecs: 86400}}, cfg.Engine.Resolutions)
	assert.Equal(t, []string{"k1:9092", "k2:9092"}, cfg.Kafka.Brokers)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("TINYOHLC_SERVER_PORT", "7070")
	t.Setenv("TINYOHLC_LOGGING_LEVEL", "debug")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "7070", cfg.Server.Port)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoad_Invalid(t *testing.T) {
	cases := map[string]string{
		"backend": "storage:\n  backend: s3\n",
		"resolution": `
engine:
  resolutions:
    - name: raw
      bucket_width_secs: 60
`,
		"duplicate resolution": `
engine:
  resolutions:
    - name: 1m
      bucket_width_secs: 60
    - name: 1m
      bucket_width_secs: 60
`,
		"kafka without topic": "kafka:\n  enabled: true\n  topic: \"\"\n",
		"queue size":          "notify:\n  queue_size: 0\n",
	}

	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(writeConfig(t, body))
			assert.Error(t, err)
		})
	}
}
