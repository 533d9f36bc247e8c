package sdk

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/query"
	"github.com/nicktill/tinyohlc/pkg/sdk/batch"
	"github.com/nicktill/tinyohlc/pkg/sdk/transport"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// ClientConfig holds configuration for the tinyohlc client
type ClientConfig struct {
	// Endpoint is the server base URL, e.g. http://localhost:8080
	Endpoint     string        `mapstructure:"endpoint"`
	FlushEvery   time.Duration `mapstructure:"flush_every"`
	MaxBatchSize int           `mapstructure:"max_batch_size"`
	Logger       *zap.Logger   `mapstructure:"-"`
}

// Client pushes ticks in batches and reads candles back
type Client struct {
	config  ClientConfig
	batcher *batch.Batcher
	http    *http.Client
	logger  *zap.Logger

	mu      sync.Mutex
	started bool
	stopped bool
}

// New creates a new client
func New(cfg ClientConfig) (*Client, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://localhost:8080"
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid endpoint %q: %w", cfg.Endpoint, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	logger := cfg.Logger.Named("sdk")

	trans, err := transport.NewHTTP(cfg.Endpoint + "/v1/ticks")
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}

	return &Client{
		config: cfg,
		batcher: batch.New(trans, batch.Config{
			MaxBatchSize: cfg.MaxBatchSize,
			FlushEvery:   cfg.FlushEvery,
			OnError: func(err error, dropped int) {
				logger.Warn("tick batch rejected", zap.Int("dropped", dropped), zap.Error(err))
			},
		}),
		http:   &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}, nil
}

// Start begins background flushing
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.started || c.stopped {
		return fmt.Errorf("client already started")
	}
	c.batcher.Start(ctx)
	c.started = true
	return nil
}

// Stop flushes pending ticks and stops background flushing
func (c *Client) Stop(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.started || c.stopped {
		return nil
	}
	c.stopped = true
	if err := c.batcher.Stop(ctx); err != nil {
		return fmt.Errorf("failed to flush ticks: %w", err)
	}
	return nil
}

// Send validates a tick and queues it. Invalid ticks are rejected here
// instead of failing a whole batch on the server.
func (c *Client) Send(category, symbol string, timestamp int64, value float64) error {
	inst, err := series.NewInstrument(category, symbol)
	if err != nil {
		return err
	}
	if err := (series.Tick{Timestamp: timestamp, Value: value}).Validate(); err != nil {
		return err
	}
	c.batcher.Add(transport.Tick{
		Category:  inst.Category,
		Symbol:    inst.Symbol,
		Timestamp: timestamp,
		Value:     value,
	})
	return nil
}

// Flush sends queued ticks now
func (c *Client) Flush(ctx context.Context) error {
	return c.batcher.Flush(ctx)
}

// Stats reports ticks sent, failed and still queued
func (c *Client) Stats() (sent, failed int64, pending int) {
	return c.batcher.Sent(), c.batcher.Failed(), c.batcher.Pending()
}

// Candles reads the newest n complete candles, oldest first
func (c *Client) Candles(ctx context.Context, category, symbol, resolution string, n int) ([]engine.Candle, error) {
	u := fmt.Sprintf("%s/v1/candles/%s/%s/%s?n=%s",
		c.config.Endpoint, url.PathEscape(category), url.PathEscape(symbol), url.PathEscape(resolution), strconv.Itoa(n))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to read candles: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var e struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return nil, &transport.StatusError{Code: resp.StatusCode, Message: e.Message}
	}

	var out query.CandlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode candles: %w", err)
	}
	return out.Candles, nil
}
