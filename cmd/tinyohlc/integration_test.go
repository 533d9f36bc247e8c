package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/ingest"
	"github.com/nicktill/tinyohlc/pkg/query"
	"github.com/nicktill/tinyohlc/pkg/series"
	"github.com/nicktill/tinyohlc/pkg/server"
	"github.com/nicktill/tinyohlc/pkg/storage"
	"github.com/nicktill/tinyohlc/pkg/storage/badger"
)

func runCLI(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	require.NoError(t, cmd.Execute())
	return out.String()
}

func TestRootInstallsGlobalLogger(t *testing.T) {
	undo := zap.ReplaceGlobals(zap.NewNop())
	defer undo()
	require.False(t, zap.L().Core().Enabled(zap.ErrorLevel))

	runCLI(t, "resolutions", "--log-level", "warn")
	assert.True(t, zap.L().Core().Enabled(zap.WarnLevel))
	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))
}

func TestVersionCommand(t *testing.T) {
	assert.Contains(t, runCLI(t, "version"), "tinyohlc "+server.Version)
}

func TestResolutionsCommand(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tinyohlc.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
engine:
  raw_retention_secs: 0
  resolutions:
    - name: 5m
      bucket_width_secs: 300
      retention_secs: 3600
`), 0o644))

	out := runCLI(t, "resolutions", "--config", path)
	assert.Contains(t, out, "5m")
	assert.Contains(t, out, "1h0m0s")
	assert.Contains(t, out, "forever")
}

func startServer(t *testing.T, cfg *config.Config) (*server.Server, *httptest.Server) {
	t.Helper()
	srv, err := server.New(cfg, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go srv.Hub.Run(ctx)

	ts := httptest.NewServer(srv.Router)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		srv.Close()
	})
	return srv, ts
}

func postJSON(t *testing.T, url string, body interface{}) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(url, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func tick(category, symbol string, ts int64, v float64) ingest.TickPayload {
	return ingest.TickPayload{Category: category, Symbol: symbol, Timestamp: &ts, Value: &v}
}

// TestE2E_IngestStreamAndQuery drives the whole HTTP surface
func TestPushCommand(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	srv, err := server.New(cfg, nil)
	require.NoError(t, err)
	defer srv.Close()
	ts := httptest.NewServer(srv.Router)
	defer ts.Close()

	path := filepath.Join(t.TempDir(), "ticks.csv")
	require.NoError(t, os.WriteFile(path, []byte(`# category,symbol,timestamp,value
crypto,btcusd,1716178722,100
crypto,btcusd,1716178725,50
fx,eurusd,1716178722,1.08
`), 0o644))

	out := runCLI(t, "push", "--endpoint", ts.URL, "--file", path, "--batch", "2")
	assert.Contains(t, out, "sent 3 ticks (0 failed)")

	insts := srv.Engine.Instruments()
	assert.Len(t, insts, 2)
	candles, err := srv.Engine.ReadLastN(context.Background(), series.Instrument{Category: "crypto", Symbol: "btcusd"}, "1m", 1)
	require.NoError(t, err)
	require.Len(t, candles, 1)
	assert.Equal(t, 50.0, candles[0].Close)
}

func TestE2E_IngestStreamAndQuery(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	srv, ts := startServer(t, cfg)

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/stream?sub=crypto:btcusd:3m"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	require.Eventually(t, func() bool { return srv.Bus.Stats().Subscribers == 1 }, time.Second, 10*time.Millisecond)

	resp := postJSON(t, ts.URL+"/v1/ticks", ingest.IngestRequest{Ticks: []ingest.TickPayload{
		tick("crypto", "btcusd", 1716178722, 100),
		tick("crypto", "btcusd", 1716178725, 50),
		tick("crypto", "btcusd", 1716178790, 75),
	}})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var ingested ingest.IngestResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&ingested))
	assert.Equal(t, 3, ingested.Count)

	// The 3m bucket 1716178680 sees every tick
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var last ingest.StreamMessage
	for i := 0; i < 3; i++ {
		require.NoError(t, conn.ReadJSON(&last))
		assert.Equal(t, "3m", last.Resolution)
		assert.Equal(t, int64(1716178680), last.BucketStart)
	}
	assert.Equal(t, []compaction.Line{compaction.LineClose}, last.ChangedLines)
	assert.Equal(t, 75.0, last.Candle.Close)

	res, err := http.Get(ts.URL + "/v1/candles/crypto/btcusd/1m?n=10")
	require.NoError(t, err)
	defer res.Body.Close()
	require.Equal(t, http.StatusOK, res.StatusCode)

	var candles query.CandlesResponse
	require.NoError(t, json.NewDecoder(res.Body).Decode(&candles))
	require.Len(t, candles.Candles, 2)
	assert.Equal(t, 100.0, candles.Candles[0].Open)
	assert.Equal(t, 50.0, candles.Candles[0].Close)
	assert.Equal(t, 75.0, candles.Candles[1].Open)
}

func TestE2E_BadgerPersistence(t *testing.T) {
	dir := t.TempDir()

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.Storage.Backend = "badger"
	cfg.Storage.Path = dir

	srv, err := server.New(cfg, nil)
	require.NoError(t, err)

	btc := series.Instrument{Category: "crypto", Symbol: "btcusd"}
	_, err = srv.Engine.Ingest(context.Background(), btc, series.Tick{Timestamp: 1716178722, Value: 100})
	require.NoError(t, err)
	_, err = srv.Engine.Ingest(context.Background(), btc, series.Tick{Timestamp: 1716178725, Value: 50})
	require.NoError(t, err)
	require.NoError(t, srv.Close())

	// Reopen the same directory
	store, err := badger.New(badger.Config{Path: dir})
	require.NoError(t, err)
	defer store.Close()

	ticks, err := store.LastRaw(context.Background(), btc, 10)
	require.NoError(t, err)
	assert.Equal(t, []series.Tick{{Timestamp: 1716178722, Value: 100}, {Timestamp: 1716178725, Value: 50}}, ticks)

	lows, err := store.LastPoints(context.Background(),
		storage.SeriesKey{Instrument: btc, Resolution: "1h", Line: compaction.LineLow}, 1)
	require.NoError(t, err)
	require.Len(t, lows, 1)
	assert.Equal(t, 50.0, lows[0].Value)
	assert.Equal(t, int64(1716177600), lows[0].BucketStart)
}
