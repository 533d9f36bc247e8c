package batch

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nicktill/tinyohlc/pkg/sdk/transport"
)

// Config holds configuration for the batcher
type Config struct {
	MaxBatchSize int
	FlushEvery   time.Duration
	SendTimeout  time.Duration

	// OnError receives failed sends. Ticks of a failed batch are dropped.
	OnError func(err error, dropped int)
}

// Batcher batches ticks and sends them periodically or when full
type Batcher struct {
	config    Config
	transport transport.Transport

	ticks []transport.Tick
	mu    sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	sends  sync.WaitGroup

	// At most one flush in flight
	flushing atomic.Bool

	sent   atomic.Int64
	failed atomic.Int64
}

// New creates a new batcher
func New(t transport.Transport, config Config) *Batcher {
	if config.MaxBatchSize <= 0 {
		config.MaxBatchSize = 500
	}
	if config.FlushEvery <= 0 {
		config.FlushEvery = time.Second
	}
	if config.SendTimeout <= 0 {
		config.SendTimeout = 5 * time.Second
	}
	return &Batcher{
		config:    config,
		transport: t,
		ticks:     make([]transport.Tick, 0, config.MaxBatchSize),
		done:      make(chan struct{}),
	}
}

// Start starts the flush loop
func (b *Batcher) Start(ctx context.Context) {
	b.ctx, b.cancel = context.WithCancel(ctx)
	go b.flushLoop()
}

// Add queues a tick, flushing in the background once the batch is full
func (b *Batcher) Add(tick transport.Tick) {
	b.mu.Lock()
	b.ticks = append(b.ticks, tick)
	shouldFlush := len(b.ticks) >= b.config.MaxBatchSize
	b.mu.Unlock()

	if shouldFlush && b.flushing.CompareAndSwap(false, true) {
		b.sends.Add(1)
		go func() {
			defer b.sends.Done()
			defer b.flushing.Store(false)
			b.send(context.Background(), b.take())
		}()
	}
}

// Flush sends every pending tick and waits for the result
func (b *Batcher) Flush(ctx context.Context) error {
	batch := b.take()
	if len(batch) == 0 {
		return nil
	}
	return b.send(ctx, batch)
}

// Stop ends the flush loop, waits for background sends and flushes the rest
func (b *Batcher) Stop(ctx context.Context) error {
	if b.cancel != nil {
		b.cancel()
		<-b.done
	}
	b.sends.Wait()
	return b.Flush(ctx)
}

// Pending returns the number of queued ticks
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.ticks)
}

// Sent and Failed count ticks by send outcome
func (b *Batcher) Sent() int64   { return b.sent.Load() }
func (b *Batcher) Failed() int64 { return b.failed.Load() }

func (b *Batcher) flushLoop() {
	defer close(b.done)

	ticker := time.NewTicker(b.config.FlushEvery)
	defer ticker.Stop()

	for {
		select {
		case <-b.ctx.Done():
			return
		case <-ticker.C:
			if b.flushing.CompareAndSwap(false, true) {
				b.send(b.ctx, b.take())
				b.flushing.Store(false)
			}
		}
	}
}

func (b *Batcher) take() []transport.Tick {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.ticks) == 0 {
		return nil
	}
	batch := make([]transport.Tick, len(b.ticks))
	copy(batch, b.ticks)
	b.ticks = b.ticks[:0]
	return batch
}

func (b *Batcher) send(ctx context.Context, batch []transport.Tick) error {
	if len(batch) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, b.config.SendTimeout)
	defer cancel()

	if err := b.transport.Send(ctx, batch); err != nil {
		b.failed.Add(int64(len(batch)))
		if b.config.OnError != nil {
			b.config.OnError(err, len(batch))
		}
		return err
	}
	b.sent.Add(int64(len(batch)))
	return nil
}
