package memory

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/series"
	"github.com/nicktill/tinyohlc/pkg/storage"
)

var btc = series.Instrument{Category: "crypto", Symbol: "btcusd"}

func TestMemoryStorage_AppendKeepsOrder(t *testing.T) {
	store := New()
	defer store.Close()
	ctx := context.Background()

	ticks := []series.Tick{
		{Timestamp: 10, Value: 1},
		{Timestamp: 30, Value: 3},
		{Timestamp: 20, Value: 2},
		{Timestamp: 20, Value: 22}, // tie: stays after the earlier 20
		{Timestamp: 5, Value: 0},
	}
	for _, tk := range ticks {
		if err := store.Append(ctx, btc, tk); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}

	got, err := store.LastRaw(ctx, btc, 10)
	if err != nil {
		t.Fatalf("LastRaw failed: %v", err)
	}

	want := []float64{0, 1, 2, 22, 3}
	if len(got) != len(want) {
		t.Fatalf("Expected %d ticks, got %d", len(want), len(got))
	}
	for i, v := range want {
		if got[i].Value != v {
			t.Errorf("tick %d: expected value %v, got %v", i, v, got[i].Value)
		}
	}
}

func TestMemoryStorage_LastRawLimit(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i := int64(0); i < 5; i++ {
		store.Append(ctx, btc, series.Tick{Timestamp: i, Value: float64(i)})
	}

	got, _ := store.LastRaw(ctx, btc, 2)
	if len(got) != 2 || got[0].Timestamp != 3 || got[1].Timestamp != 4 {
		t.Errorf("Expected ticks 3,4 got %+v", got)
	}

	if _, err := store.LastRaw(ctx, series.Instrument{Category: "fx", Symbol: "eurusd"}, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStorage_EvictRaw(t *testing.T) {
	store := New()
	ctx := context.Background()

	for i := int64(0); i < 10; i++ {
		store.Append(ctx, btc, series.Tick{Timestamp: i * 10, Value: float64(i)})
	}

	n, err := store.EvictRaw(ctx, btc, 45)
	if err != nil {
		t.Fatalf("EvictRaw failed: %v", err)
	}
	if n != 5 {
		t.Errorf("Expected 5 evicted, got %d", n)
	}

	got, _ := store.LastRaw(ctx, btc, 100)
	for _, tk := range got {
		if tk.Timestamp < 45 {
			t.Errorf("tick %d survived eviction", tk.Timestamp)
		}
	}
}

func TestMemoryStorage_UpsertAndGet(t *testing.T) {
	store := New()
	ctx := context.Background()
	key := storage.SeriesKey{Instrument: btc, Resolution: "1m", Line: compaction.LineHigh}

	changed, err := store.Upsert(ctx, key, compaction.Point{BucketStart: 120, Value: 5, SampleCount: 1})
	if err != nil || !changed {
		t.Fatalf("Expected new point to report changed, got %v %v", changed, err)
	}

	changed, _ = store.Upsert(ctx, key, compaction.Point{BucketStart: 120, Value: 5, SampleCount: 2})
	if changed {
		t.Error("Same value should not report changed")
	}

	p, ok, _ := store.GetPoint(ctx, key, 120)
	if !ok || p.SampleCount != 2 {
		t.Errorf("Expected stored point with 2 samples, got %+v (found=%v)", p, ok)
	}

	if _, ok, _ := store.GetPoint(ctx, key, 60); ok {
		t.Error("Unexpected point at 60")
	}
}

func TestMemoryStorage_LastPointsOrdered(t *testing.T) {
	store := New()
	ctx := context.Background()
	key := storage.SeriesKey{Instrument: btc, Resolution: "1m", Line: compaction.LineClose}

	for _, b := range []int64{180, 60, 120, 0} {
		store.Upsert(ctx, key, compaction.Point{BucketStart: b, Value: float64(b)})
	}

	got, err := store.LastPoints(ctx, key, 3)
	if err != nil {
		t.Fatalf("LastPoints failed: %v", err)
	}
	want := []int64{60, 120, 180}
	for i, b := range want {
		if got[i].BucketStart != b {
			t.Errorf("point %d: expected bucket %d, got %d", i, b, got[i].BucketStart)
		}
	}

	other := storage.SeriesKey{Instrument: btc, Resolution: "1h", Line: compaction.LineClose}
	if _, err := store.LastPoints(ctx, other, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected ErrNotFound for unknown series, got %v", err)
	}
}

func TestMemoryStorage_EvictDerived(t *testing.T) {
	store := New()
	ctx := context.Background()
	key := storage.SeriesKey{Instrument: btc, Resolution: "1m", Line: compaction.LineOpen}

	for b := int64(0); b < 600; b += 60 {
		store.Upsert(ctx, key, compaction.Point{BucketStart: b})
	}

	n, _ := store.EvictDerived(ctx, key, 300)
	if n != 5 {
		t.Errorf("Expected 5 evicted, got %d", n)
	}

	got, _ := store.LastPoints(ctx, key, 100)
	if len(got) != 5 || got[0].BucketStart != 300 {
		t.Errorf("Unexpected remaining points: %+v", got)
	}
}

func TestMemoryStorage_DropInstrument(t *testing.T) {
	store := New()
	ctx := context.Background()
	key := storage.SeriesKey{Instrument: btc, Resolution: "1m", Line: compaction.LineOpen}

	store.Append(ctx, btc, series.Tick{Timestamp: 1, Value: 1})
	store.Upsert(ctx, key, compaction.Point{BucketStart: 0})

	if err := store.DropInstrument(ctx, btc); err != nil {
		t.Fatalf("DropInstrument failed: %v", err)
	}
	if _, err := store.LastRaw(ctx, btc, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected raw series gone, got %v", err)
	}
	if _, err := store.LastPoints(ctx, key, 1); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected derived series gone, got %v", err)
	}
}

func TestMemoryStorage_Stats(t *testing.T) {
	store := New()
	ctx := context.Background()

	store.Append(ctx, btc, series.Tick{Timestamp: 1, Value: 1})
	store.Append(ctx, btc, series.Tick{Timestamp: 2, Value: 2})
	for _, l := range compaction.Lines {
		store.Upsert(ctx, storage.SeriesKey{Instrument: btc, Resolution: "1m", Line: l}, compaction.Point{})
	}

	stats, err := store.Stats(ctx)
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if stats.RawTicks != 2 || stats.DerivedPoints != 4 || stats.DerivedSeries != 4 || stats.Instruments != 1 {
		t.Errorf("Unexpected stats: %+v", stats)
	}
}

func TestMemoryStorage_ConcurrentInstruments(t *testing.T) {
	store := New()
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		inst := series.Instrument{Category: "crypto", Symbol: string(rune('a' + i))}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for ts := int64(0); ts < 500; ts++ {
				store.Append(ctx, inst, series.Tick{Timestamp: ts, Value: 1})
			}
		}()
	}
	wg.Wait()

	stats, _ := store.Stats(ctx)
	if stats.RawTicks != 8*500 {
		t.Errorf("Expected %d ticks, got %d", 8*500, stats.RawTicks)
	}
}
