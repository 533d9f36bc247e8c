package batch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyohlc/pkg/sdk/transport"
)

type mockTransport struct {
	mu      sync.Mutex
	batches [][]transport.Tick
	sendErr error
}

func (m *mockTransport) Send(ctx context.Context, batch []transport.Tick) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.batches = append(m.batches, append([]transport.Tick(nil), batch...))
	return m.sendErr
}

func (m *mockTransport) total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, b := range m.batches {
		n += len(b)
	}
	return n
}

func tick(ts int64) transport.Tick {
	return transport.Tick{Category: "crypto", Symbol: "btcusd", Timestamp: ts, Value: float64(ts)}
}

func TestNew_Defaults(t *testing.T) {
	b := New(&mockTransport{}, Config{})
	assert.Equal(t, 500, b.config.MaxBatchSize)
	assert.Equal(t, time.Second, b.config.FlushEvery)
	assert.Equal(t, 5*time.Second, b.config.SendTimeout)
}

func TestBatcher_FlushesWhenFull(t *testing.T) {
	mt := &mockTransport{}
	b := New(mt, Config{MaxBatchSize: 3, FlushEvery: time.Hour})
	b.Start(context.Background())

	for i := int64(0); i < 3; i++ {
		b.Add(tick(i))
	}
	assert.Eventually(t, func() bool { return mt.total() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Stop(context.Background()))
	assert.Equal(t, int64(3), b.Sent())
}

func TestBatcher_FlushesOnInterval(t *testing.T) {
	mt := &mockTransport{}
	b := New(mt, Config{MaxBatchSize: 100, FlushEvery: 10 * time.Millisecond})
	b.Start(context.Background())
	defer b.Stop(context.Background())

	b.Add(tick(1))
	assert.Eventually(t, func() bool { return mt.total() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, b.Pending())
}

func TestBatcher_StopFlushesRemainder(t *testing.T) {
	mt := &mockTransport{}
	b := New(mt, Config{MaxBatchSize: 100, FlushEvery: time.Hour})
	b.Start(context.Background())

	b.Add(tick(1))
	b.Add(tick(2))
	require.NoError(t, b.Stop(context.Background()))

	require.Len(t, mt.batches, 1)
	assert.Equal(t, []transport.Tick{tick(1), tick(2)}, mt.batches[0])
}

func TestBatcher_SendErrorDropsBatch(t *testing.T) {
	mt := &mockTransport{sendErr: errors.New("boom")}
	var dropped int
	b := New(mt, Config{OnError: func(err error, n int) { dropped += n }})

	b.Add(tick(1))
	b.Add(tick(2))
	assert.Error(t, b.Flush(context.Background()))
	assert.Equal(t, 2, dropped)
	assert.Equal(t, int64(2), b.Failed())
	assert.Zero(t, b.Pending())
}

func TestBatcher_FlushEmpty(t *testing.T) {
	mt := &mockTransport{}
	b := New(mt, Config{})
	require.NoError(t, b.Flush(context.Background()))
	require.NoError(t, b.Stop(context.Background()))
	assert.Empty(t, mt.batches)
}
