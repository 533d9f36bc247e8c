package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/series"
	"github.com/nicktill/tinyohlc/pkg/storage"
)

// Storage keeps raw and derived series in memory. Data is lost on restart.
// State is sharded per instrument so writers on different instruments
// never contend on the same lock.
type Storage struct {
	instruments map[series.Instrument]*instrumentData
	mu          sync.RWMutex
}

type derivedKey struct {
	resolution string
	line       compaction.Line
}

type instrumentData struct {
	mu      sync.RWMutex
	raw     []series.Tick
	derived map[derivedKey][]compaction.Point
}

// New creates an in-memory storage backend
func New() *Storage {
	return &Storage{
		instruments: make(map[series.Instrument]*instrumentData),
	}
}

// shard returns the instrument's data, creating it when create is set
func (s *Storage) shard(inst series.Instrument, create bool) *instrumentData {
	s.mu.RLock()
	d, ok := s.instruments[inst]
	s.mu.RUnlock()
	if ok || !create {
		return d
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok = s.instruments[inst]; ok {
		return d
	}
	d = &instrumentData{derived: make(map[derivedKey][]compaction.Point)}
	s.instruments[inst] = d
	return d
}

// Append stores a tick in timestamp order
func (s *Storage) Append(ctx context.Context, inst series.Instrument, tick series.Tick) error {
	d := s.shard(inst, true)
	d.mu.Lock()
	defer d.mu.Unlock()

	n := len(d.raw)
	if n == 0 || d.raw[n-1].Timestamp <= tick.Timestamp {
		d.raw = append(d.raw, tick)
		return nil
	}

	// Late tick: insert after any tick with the same timestamp
	idx := sort.Search(n, func(i int) bool { return d.raw[i].Timestamp > tick.Timestamp })
	d.raw = append(d.raw, series.Tick{})
	copy(d.raw[idx+1:], d.raw[idx:])
	d.raw[idx] = tick
	return nil
}

// EvictRaw removes ticks older than cutoff
func (s *Storage) EvictRaw(ctx context.Context, inst series.Instrument, cutoff int64) (int, error) {
	d := s.shard(inst, false)
	if d == nil {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	idx := sort.Search(len(d.raw), func(i int) bool { return d.raw[i].Timestamp >= cutoff })
	if idx == 0 {
		return 0, nil
	}
	d.raw = d.raw[idx:]
	return idx, nil
}

// LastRaw returns up to n newest ticks, oldest first
func (s *Storage) LastRaw(ctx context.Context, inst series.Instrument, n int) ([]series.Tick, error) {
	d := s.shard(inst, false)
	if d == nil {
		return nil, storage.ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	start := 0
	if n >= 0 && len(d.raw) > n {
		start = len(d.raw) - n
	}
	out := make([]series.Tick, len(d.raw)-start)
	copy(out, d.raw[start:])
	return out, nil
}

// GetPoint returns the point stored at bucketStart
func (s *Storage) GetPoint(ctx context.Context, key storage.SeriesKey, bucketStart int64) (compaction.Point, bool, error) {
	d := s.shard(key.Instrument, false)
	if d == nil {
		return compaction.Point{}, false, nil
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	points := d.derived[derivedKey{key.Resolution, key.Line}]
	idx, found := search(points, bucketStart)
	if !found {
		return compaction.Point{}, false, nil
	}
	return points[idx], true, nil
}

// Upsert inserts or replaces a point, keeping bucket order
func (s *Storage) Upsert(ctx context.Context, key storage.SeriesKey, p compaction.Point) (bool, error) {
	d := s.shard(key.Instrument, true)
	d.mu.Lock()
	defer d.mu.Unlock()

	dk := derivedKey{key.Resolution, key.Line}
	points := d.derived[dk]
	idx, found := search(points, p.BucketStart)
	if found {
		changed := points[idx].Value != p.Value
		points[idx] = p
		return changed, nil
	}

	points = append(points, compaction.Point{})
	copy(points[idx+1:], points[idx:])
	points[idx] = p
	d.derived[dk] = points
	return true, nil
}

// EvictDerived removes points whose bucket starts before cutoff
func (s *Storage) EvictDerived(ctx context.Context, key storage.SeriesKey, cutoff int64) (int, error) {
	d := s.shard(key.Instrument, false)
	if d == nil {
		return 0, nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	dk := derivedKey{key.Resolution, key.Line}
	points, ok := d.derived[dk]
	if !ok {
		return 0, nil
	}
	idx, _ := search(points, cutoff)
	if idx == 0 {
		return 0, nil
	}
	d.derived[dk] = points[idx:]
	return idx, nil
}

// LastPoints returns up to n newest points, oldest first
func (s *Storage) LastPoints(ctx context.Context, key storage.SeriesKey, n int) ([]compaction.Point, error) {
	d := s.shard(key.Instrument, false)
	if d == nil {
		return nil, storage.ErrNotFound
	}
	d.mu.RLock()
	defer d.mu.RUnlock()

	points, ok := d.derived[derivedKey{key.Resolution, key.Line}]
	if !ok {
		return nil, storage.ErrNotFound
	}

	start := 0
	if n >= 0 && len(points) > n {
		start = len(points) - n
	}
	out := make([]compaction.Point, len(points)-start)
	copy(out, points[start:])
	return out, nil
}

// DropInstrument destroys every series of the instrument
func (s *Storage) DropInstrument(ctx context.Context, inst series.Instrument) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instruments, inst)
	return nil
}

// Close is a no-op for memory storage
func (s *Storage) Close() error {
	return nil
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	s.mu.RLock()
	shards := make([]*instrumentData, 0, len(s.instruments))
	for _, d := range s.instruments {
		shards = append(shards, d)
	}
	s.mu.RUnlock()

	stats := &storage.Stats{Instruments: uint64(len(shards))}
	for _, d := range shards {
		d.mu.RLock()
		stats.RawTicks += uint64(len(d.raw))
		stats.DerivedSeries += uint64(len(d.derived))
		for _, points := range d.derived {
			stats.DerivedPoints += uint64(len(points))
		}
		d.mu.RUnlock()
	}

	// Rough size estimate: 16 bytes per tick, 40 per point
	stats.SizeBytes = stats.RawTicks*16 + stats.DerivedPoints*40
	return stats, nil
}

// search finds the index of bucketStart, or where it would be inserted
func search(points []compaction.Point, bucketStart int64) (int, bool) {
	idx := sort.Search(len(points), func(i int) bool { return points[i].BucketStart >= bucketStart })
	return idx, idx < len(points) && points[idx].BucketStart == bucketStart
}
