package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/server/monitor"
	"github.com/nicktill/tinyohlc/pkg/storage/memory"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	cfg, err := config.Load("")
	require.NoError(t, err)

	s, err := New(cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func do(t *testing.T, s *Server, method, url, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, url, nil)
	} else {
		req = httptest.NewRequest(method, url, strings.NewReader(body))
	}
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)
	return rr
}

func TestRoutes_IngestAndRead(t *testing.T) {
	s := newTestServer(t)

	rr := do(t, s, http.MethodPost, "/v1/ticks",
		`{"ticks":[{"category":"crypto","symbol":"btcusd","timestamp":1716178722,"value":100},
		           {"category":"crypto","symbol":"btcusd","timestamp":1716178725,"value":50}]}`)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = do(t, s, http.MethodGet, "/v1/candles/crypto/btcusd/1h?n=5", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"bucket_start":1716177600`)

	rr = do(t, s, http.MethodGet, "/v1/instruments", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), `"symbol":"btcusd"`)

	rr = do(t, s, http.MethodDelete, "/v1/instruments/crypto/btcusd", "")
	require.Equal(t, http.StatusOK, rr.Code)

	rr = do(t, s, http.MethodGet, "/v1/candles/crypto/btcusd/1h", "")
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRoutes_ExportImport(t *testing.T) {
	src := newTestServer(t)
	require.Equal(t, http.StatusOK, do(t, src, http.MethodPost, "/v1/ticks",
		`{"ticks":[{"category":"crypto","symbol":"btcusd","timestamp":1716178722,"value":100},
		           {"category":"crypto","symbol":"btcusd","timestamp":1716178790,"value":70}]}`).Code)

	rr := do(t, src, http.MethodGet, "/v1/export/crypto/btcusd", "")
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	backup := rr.Body.String()

	dst := newTestServer(t)
	req := httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader(backup))
	req.Header.Set("Content-Type", "application/json")
	rr = httptest.NewRecorder()
	dst.Router.ServeHTTP(rr, req)
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())
	assert.Contains(t, rr.Body.String(), `"ticks_imported":2`)
	assert.Equal(t, 1, dst.Ingest.CardinalityStats().Instruments, "imports count against the ingest limits")

	rr = do(t, dst, http.MethodGet, "/v1/candles/crypto/btcusd/1m", "")
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, 2, strings.Count(rr.Body.String(), `"bucket_start"`))
}

func TestRoutes_ImportRespectsCardinality(t *testing.T) {
	s := newTestServer(t)
	s.Ingest.SetCardinalityLimits(1, 1)
	require.Equal(t, http.StatusOK,
		do(t, s, http.MethodPost, "/v1/ticks", `{"category":"crypto","symbol":"btcusd","timestamp":60,"value":1}`).Code)

	req := httptest.NewRequest(http.MethodPost, "/v1/import", strings.NewReader(
		`{"metadata":{"category":"crypto","symbol":"ethusd"},"ticks":[{"timestamp":60,"value":1}]}`))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)
	assert.Equal(t, http.StatusTooManyRequests, rr.Code, rr.Body.String())
	assert.Len(t, s.Engine.Instruments(), 1)
}

func TestRoutes_Stats(t *testing.T) {
	s := newTestServer(t)
	require.Equal(t, http.StatusOK,
		do(t, s, http.MethodPost, "/v1/ticks", `{"category":"fx","symbol":"eurusd","timestamp":60,"value":1.08}`).Code)

	rr := do(t, s, http.MethodGet, "/v1/stats", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp StatsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Engine.Instruments)
	assert.Equal(t, 1, resp.Cardinality.Instruments)
	assert.Equal(t, int64(1), resp.Engine.TicksIngested)
	assert.Equal(t, uint64(1), resp.Storage.RawTicks)
	assert.Equal(t, int64(config.DefaultMaxStorageGB)<<30, resp.Usage.MaxBytes)
}

func TestRoutes_Health(t *testing.T) {
	s := newTestServer(t)

	// No sweep has run yet
	rr := do(t, s, http.MethodGet, "/v1/health", "")
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	s.SweepMonitor.RecordSuccess(0)
	rr = do(t, s, http.MethodGet, "/v1/health", "")
	require.Equal(t, http.StatusOK, rr.Code)

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Equal(t, "healthy", resp.Status)
	assert.Equal(t, Version, resp.Version)
}

func TestCORS(t *testing.T) {
	s := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/v1/instruments", nil)
	req.Header.Set("Origin", "http://localhost:3000")
	rr := httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)
	assert.Equal(t, "http://localhost:3000", rr.Header().Get("Access-Control-Allow-Origin"))

	req = httptest.NewRequest(http.MethodGet, "/v1/instruments", nil)
	req.Header.Set("Origin", "http://evil.example")
	rr = httptest.NewRecorder()
	s.Router.ServeHTTP(rr, req)
	assert.Empty(t, rr.Header().Get("Access-Control-Allow-Origin"))
}

type flakySweeper struct {
	calls    atomic.Int32
	failures int32
}

func (f *flakySweeper) Sweep(ctx context.Context) (int, error) {
	n := f.calls.Add(1)
	if n <= f.failures {
		return 0, errors.New("store unavailable")
	}
	return 7, nil
}

func TestRunSweep_RunsOnStartup(t *testing.T) {
	sweeper := &flakySweeper{}
	mon := monitor.NewSweepMonitor(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweep(ctx, sweeper, mon, time.Hour, zapNop())
		close(done)
	}()

	require.Eventually(t, mon.IsHealthy, time.Second, 10*time.Millisecond)
	assert.Equal(t, 7, mon.Status().LastEvicted)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweep did not stop")
	}
}

func TestRunSweep_StopsDuringBackoff(t *testing.T) {
	sweeper := &flakySweeper{failures: 100}
	mon := monitor.NewSweepMonitor(time.Minute)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		RunSweep(ctx, sweeper, mon, time.Hour, zapNop())
		close(done)
	}()

	require.Eventually(t, func() bool { return mon.Status().ConsecutiveErrors == 1 }, time.Second, 10*time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunSweep did not stop while backing off")
	}
	assert.False(t, mon.IsHealthy())
}

func TestRunBadgerGC_SkipsMemory(t *testing.T) {
	done := make(chan struct{})
	go func() {
		RunBadgerGC(context.Background(), memory.New(), time.Millisecond, zapNop())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("RunBadgerGC should return immediately for memory storage")
	}
}

func TestInitializeStorage_Badger(t *testing.T) {
	store, err := InitializeStorage(config.StorageConfig{Backend: "badger", Path: t.TempDir(), MaxMemoryMB: 16}, zapNop())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = InitializeStorage(config.StorageConfig{Backend: "s3"}, zapNop())
	assert.Error(t, err)
}

func zapNop() *zap.Logger { return zap.NewNop() }
