/*
Package storage provides the pluggable storage abstraction for TinyOHLC series.

# Storage Interface

Two kinds of series are stored:

  - Raw series: one per instrument. An append-only list of ticks ordered by
    timestamp, insertion order on ties.
  - Derived series: one per (instrument, resolution, line). Points keyed by
    bucket start, at most one point per bucket.

Backends implement both halves:

	type Storage interface {
	    RawStore      // Append, EvictRaw, LastRaw
	    DerivedStore  // GetPoint, Upsert, EvictDerived, LastPoints
	    DropInstrument(ctx context.Context, inst series.Instrument) error
	    Stats(ctx context.Context) (*Stats, error)
	    Close() error
	}

Available backends:

  - memory: in-memory, sharded per instrument (default)
  - badger: BadgerDB (LSM tree + Snappy compression) for persistent storage

# Not Found vs Empty

Reading a series that was never created returns ErrNotFound. A series that
exists but whose points were all evicted returns an empty slice. Callers use
the distinction to tell "unknown instrument" apart from "no data yet".

# Upsert Semantics

Upsert reports whether the point is new or its value changed. A write that
only bumps SampleCount reports false, which keeps duplicate ticks from
generating change notifications upstream.

# Usage Example

	store, err := badger.New(badger.Config{Path: "./data"})
	if err != nil {
	    log.Fatal(err)
	}
	defer store.Close()

	inst := series.Instrument{Category: "crypto", Symbol: "btcusd"}
	err = store.Append(ctx, inst, series.Tick{Timestamp: 1716178800, Value: 28344})

	key := storage.SeriesKey{Instrument: inst, Resolution: "1m", Line: compaction.LineClose}
	points, err := store.LastPoints(ctx, key, 10)

# Retention

Eviction is explicit. The engine computes a cutoff per resolution and calls
EvictRaw / EvictDerived; backends never drop data on their own.

# See Also

  - memory.New() for in-memory storage
  - badger.New() for persistent BadgerDB storage
  - pkg/compaction for the folding logic
*/
package storage
