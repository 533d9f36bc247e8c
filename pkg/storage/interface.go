package storage

import (
	"context"
	"errors"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// ErrNotFound is returned when reading a series that was never created
var ErrNotFound = errors.New("series not found")

// SeriesKey identifies one derived series: (instrument, resolution, line)
type SeriesKey struct {
	Instrument series.Instrument
	Resolution string
	Line       compaction.Line
}

// String renders the key as category:symbol:resolution:line
func (k SeriesKey) String() string {
	return k.Instrument.String() + ":" + k.Resolution + ":" + k.Line.String()
}

// RawStore is the append-only, time-ordered store of raw ticks.
type RawStore interface {
	// Append stores a tick. Ticks are kept ordered by timestamp,
	// insertion order on ties.
	Append(ctx context.Context, inst series.Instrument, tick series.Tick) error

	// EvictRaw removes ticks with timestamp < cutoff and returns how many
	EvictRaw(ctx context.Context, inst series.Instrument, cutoff int64) (int, error)

	// LastRaw returns up to n newest ticks, oldest first
	LastRaw(ctx context.Context, inst series.Instrument, n int) ([]series.Tick, error)
}

// DerivedStore holds aggregated points keyed by bucket start.
type DerivedStore interface {
	// GetPoint returns the point at bucketStart, if any
	GetPoint(ctx context.Context, key SeriesKey, bucketStart int64) (compaction.Point, bool, error)

	// Upsert inserts or replaces the point at p.BucketStart.
	// Reports true when the point is new or its value changed.
	Upsert(ctx context.Context, key SeriesKey, p compaction.Point) (bool, error)

	// EvictDerived removes points with bucket start < cutoff
	EvictDerived(ctx context.Context, key SeriesKey, cutoff int64) (int, error)

	// LastPoints returns up to n newest points, oldest first
	LastPoints(ctx context.Context, key SeriesKey, n int) ([]compaction.Point, error)
}

// Storage is implemented by every backend: memory (default) and badger.
type Storage interface {
	RawStore
	DerivedStore

	// DropInstrument destroys the raw and all derived series of an instrument
	DropInstrument(ctx context.Context, inst series.Instrument) error

	// Close cleanly shuts down the storage
	Close() error

	// Stats returns storage statistics
	Stats(ctx context.Context) (*Stats, error)
}

// Stats provides storage health and usage info
type Stats struct {
	// Stored raw ticks across all instruments
	RawTicks uint64 `json:"raw_ticks"`

	// Stored derived points across all series
	DerivedPoints uint64 `json:"derived_points"`

	// Number of live derived series
	DerivedSeries uint64 `json:"derived_series"`

	// Number of instruments with a raw series
	Instruments uint64 `json:"instruments"`

	// Storage size in bytes (estimate for memory)
	SizeBytes uint64 `json:"size_bytes"`
}
