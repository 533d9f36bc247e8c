package ingest

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/config"
	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/notify"
	"github.com/nicktill/tinyohlc/pkg/series"
	"github.com/nicktill/tinyohlc/pkg/storage/memory"
)

func newStreamFixture(t *testing.T) (*StreamHub, *engine.Engine, *notify.Bus, string) {
	t.Helper()
	bus := notify.NewBus(notify.BusConfig{QueueSize: 64}, nil)
	eng := engine.New(memory.New(), bus, engine.DefaultOptions(), nil)
	hub := NewStreamHub(bus, eng, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go hub.Run(ctx)

	srv := httptest.NewServer(http.HandlerFunc(hub.HandleStream))
	t.Cleanup(func() {
		cancel()
		srv.Close()
		bus.Close()
	})
	return hub, eng, bus, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestParseStreamFilters(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/stream?sub=crypto:btcusd:1m,crypto:ethusd&sub=fx:eurusd", nil)
	filters, err := ParseStreamFilters(req)
	require.NoError(t, err)
	assert.Equal(t, []notify.Filter{
		{Instrument: series.Instrument{Category: "crypto", Symbol: "btcusd"}, Resolution: "1m"},
		{Instrument: series.Instrument{Category: "crypto", Symbol: "ethusd"}},
		{Instrument: series.Instrument{Category: "fx", Symbol: "eurusd"}},
	}, filters)

	_, err = ParseStreamFilters(httptest.NewRequest(http.MethodGet, "/v1/stream", nil))
	assert.ErrorIs(t, err, notify.ErrNoFilters)

	_, err = ParseStreamFilters(httptest.NewRequest(http.MethodGet, "/v1/stream?sub=btcusd", nil))
	assert.ErrorIs(t, err, series.ErrInvalidInstrument)

	many := make([]string, config.WSMaxFilters+1)
	for i := range many {
		many[i] = "crypto:btcusd"
	}
	_, err = ParseStreamFilters(httptest.NewRequest(http.MethodGet, "/v1/stream?sub="+strings.Join(many, ","), nil))
	assert.ErrorContains(t, err, "too many filters")
}

func TestHandleStream_RejectsMissingFilters(t *testing.T) {
	_, _, _, url := newStreamFixture(t)

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandleStream_DeliversCandles(t *testing.T) {
	hub, eng, bus, url := newStreamFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?sub=crypto:btcusd:1m", nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return bus.Stats().Subscribers == 1 }, time.Second, 10*time.Millisecond)
	require.Eventually(t, hub.HasClients, time.Second, 10*time.Millisecond)

	btc := series.Instrument{Category: "crypto", Symbol: "btcusd"}
	ctx := context.Background()
	_, err = eng.Ingest(ctx, btc, series.Tick{Timestamp: 1716178722, Value: 100})
	require.NoError(t, err)
	_, err = eng.Ingest(ctx, btc, series.Tick{Timestamp: 1716178725, Value: 50})
	require.NoError(t, err)

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first StreamMessage
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, "btcusd", first.Symbol)
	assert.Equal(t, "1m", first.Resolution)
	assert.Equal(t, int64(1716178680), first.BucketStart)
	assert.Len(t, first.ChangedLines, 4)

	var second StreamMessage
	require.NoError(t, conn.ReadJSON(&second))
	assert.ElementsMatch(t, []compaction.Line{compaction.LineLow, compaction.LineClose}, second.ChangedLines)
	assert.Equal(t, 100.0, second.Candle.Open)
	assert.Equal(t, 100.0, second.Candle.High)
	assert.Equal(t, 50.0, second.Candle.Low)
	assert.Equal(t, 50.0, second.Candle.Close)
}

func TestHandleStream_UnsubscribesOnClose(t *testing.T) {
	hub, _, bus, url := newStreamFixture(t)

	conn, _, err := websocket.DefaultDialer.Dial(url+"?sub=crypto:btcusd", nil)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return bus.Stats().Subscribers == 1 }, time.Second, 10*time.Millisecond)

	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	conn.Close()

	assert.Eventually(t, func() bool { return bus.Stats().Subscribers == 0 }, 2*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}
