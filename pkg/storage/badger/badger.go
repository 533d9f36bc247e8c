package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/dgraph-io/badger/v4"
	"github.com/dgraph-io/badger/v4/options"
	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/series"
	"github.com/nicktill/tinyohlc/pkg/storage"
)

// Key prefixes
const (
	prefixRaw     byte = 'r' // r | inst(8) | ts(8) | seq(8)
	prefixDerived byte = 'd' // d | inst(8) | series(8) | bucket(8)
	prefixMeta    byte = 'm' // m | inst(8)             -> instrument name
	prefixSeries  byte = 's' // s | inst(8) | series(8) -> series name
)

var sequenceKey = []byte("!seq/raw")

// Storage implements storage.Storage using BadgerDB (LSM tree)
type Storage struct {
	db  *badger.DB
	seq *badger.Sequence
}

// Config holds BadgerDB configuration
type Config struct {
	// Path to store database files
	Path string

	// InMemory mode (for testing)
	InMemory bool

	// MaxMemoryMB limits BadgerDB memory usage in MB (0 = laptop-friendly default)
	MaxMemoryMB int64

	// Logger receives BadgerDB's internal logs (nil = silent)
	Logger *zap.Logger
}

// New creates a BadgerDB storage backend
func New(cfg Config) (*Storage, error) {
	opts := badger.DefaultOptions(cfg.Path)

	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}

	if cfg.Logger != nil {
		opts = opts.WithLogger(zapLogger{cfg.Logger.Named("badger").Sugar()})
	} else {
		opts = opts.WithLogger(nil)
	}

	// 16 MB memtable unless told otherwise; below that Badger flushes too often
	memTableSize := int64(16 * 1024 * 1024)
	if cfg.MaxMemoryMB > 0 {
		memTableSize = cfg.MaxMemoryMB * 1024 * 1024 / 3
	}

	// Block and index caches are unbounded unless limited explicitly
	blockCacheSize := memTableSize / 2
	indexCacheSize := memTableSize / 4

	opts = opts.
		WithCompression(options.Snappy).
		WithNumVersionsToKeep(1).
		WithMemTableSize(memTableSize).
		WithNumMemtables(3).
		WithBlockCacheSize(blockCacheSize).
		WithIndexCacheSize(indexCacheSize).
		WithMaxLevels(4).
		WithNumLevelZeroTables(2).
		WithNumLevelZeroTablesStall(4).
		WithValueThreshold(1024).
		WithNumCompactors(2).
		WithValueLogMaxEntries(5000).
		WithValueLogFileSize(64 << 20)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger: %w", err)
	}

	seq, err := db.GetSequence(sequenceKey, 1000)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to open raw sequence: %w", err)
	}

	return &Storage{db: db, seq: seq}, nil
}

// Append stores a tick under a (timestamp, sequence) key so ties keep
// insertion order
func (s *Storage) Append(ctx context.Context, inst series.Instrument, tick series.Tick) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	n, err := s.seq.Next()
	if err != nil {
		return fmt.Errorf("failed to allocate sequence: %w", err)
	}

	value, err := json.Marshal(tick)
	if err != nil {
		return fmt.Errorf("failed to encode tick: %w", err)
	}

	ih := instrumentHash(inst)
	key := make([]byte, 0, 25)
	key = append(key, prefixRaw)
	key = binary.BigEndian.AppendUint64(key, ih)
	key = binary.BigEndian.AppendUint64(key, encodeTS(tick.Timestamp))
	key = binary.BigEndian.AppendUint64(key, n)

	return s.db.Update(func(txn *badger.Txn) error {
		if err := ensureKey(txn, metaKey(ih), []byte(inst.String())); err != nil {
			return err
		}
		if err := txn.Set(key, value); err != nil {
			return fmt.Errorf("failed to write tick: %w", err)
		}
		return nil
	})
}

// EvictRaw removes ticks older than cutoff
func (s *Storage) EvictRaw(ctx context.Context, inst series.Instrument, cutoff int64) (int, error) {
	return s.evictBefore(ctx, rawPrefix(instrumentHash(inst)), cutoff)
}

// LastRaw returns up to n newest ticks, oldest first
func (s *Storage) LastRaw(ctx context.Context, inst series.Instrument, n int) ([]series.Tick, error) {
	ih := instrumentHash(inst)
	var ticks []series.Tick

	err := s.withContext(ctx, "read", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			if _, err := txn.Get(metaKey(ih)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return storage.ErrNotFound
				}
				return err
			}

			return scanNewest(txn, rawPrefix(ih), n, func(val []byte) error {
				var tk series.Tick
				if err := json.Unmarshal(val, &tk); err != nil {
					return fmt.Errorf("failed to decode tick: %w", err)
				}
				ticks = append(ticks, tk)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	reverse(ticks)
	return ticks, nil
}

// GetPoint returns the point stored at bucketStart
func (s *Storage) GetPoint(ctx context.Context, key storage.SeriesKey, bucketStart int64) (compaction.Point, bool, error) {
	if err := ctx.Err(); err != nil {
		return compaction.Point{}, false, err
	}

	var p compaction.Point
	found := false
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		p, found, err = getPoint(txn, pointKey(key, bucketStart))
		return err
	})
	return p, found, err
}

// Upsert inserts or replaces a point
func (s *Storage) Upsert(ctx context.Context, key storage.SeriesKey, p compaction.Point) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	value, err := json.Marshal(p)
	if err != nil {
		return false, fmt.Errorf("failed to encode point: %w", err)
	}

	ih, sh := instrumentHash(key.Instrument), seriesHash(key)
	k := pointKey(key, p.BucketStart)
	changed := false

	err = s.db.Update(func(txn *badger.Txn) error {
		if err := ensureKey(txn, metaKey(ih), []byte(key.Instrument.String())); err != nil {
			return err
		}
		if err := ensureKey(txn, seriesMarker(ih, sh), []byte(key.String())); err != nil {
			return err
		}

		old, found, err := getPoint(txn, k)
		if err != nil {
			return err
		}
		changed = !found || old.Value != p.Value

		if err := txn.Set(k, value); err != nil {
			return fmt.Errorf("failed to write point: %w", err)
		}
		return nil
	})
	return changed, err
}

// EvictDerived removes points whose bucket starts before cutoff
func (s *Storage) EvictDerived(ctx context.Context, key storage.SeriesKey, cutoff int64) (int, error) {
	return s.evictBefore(ctx, derivedPrefix(instrumentHash(key.Instrument), seriesHash(key)), cutoff)
}

// LastPoints returns up to n newest points, oldest first
func (s *Storage) LastPoints(ctx context.Context, key storage.SeriesKey, n int) ([]compaction.Point, error) {
	ih, sh := instrumentHash(key.Instrument), seriesHash(key)
	var points []compaction.Point

	err := s.withContext(ctx, "read", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			if _, err := txn.Get(seriesMarker(ih, sh)); err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					return storage.ErrNotFound
				}
				return err
			}

			return scanNewest(txn, derivedPrefix(ih, sh), n, func(val []byte) error {
				var p compaction.Point
				if err := json.Unmarshal(val, &p); err != nil {
					return fmt.Errorf("failed to decode point: %w", err)
				}
				points = append(points, p)
				return nil
			})
		})
	})
	if err != nil {
		return nil, err
	}

	reverse(points)
	return points, nil
}

// DropInstrument destroys the raw and derived series of an instrument
func (s *Storage) DropInstrument(ctx context.Context, inst series.Instrument) error {
	ih := instrumentHash(inst)
	return s.withContext(ctx, "drop", func() error {
		return s.db.DropPrefix(
			rawPrefix(ih),
			prefixOf(prefixDerived, ih),
			prefixOf(prefixSeries, ih),
			metaKey(ih),
		)
	})
}

// Close shuts down BadgerDB cleanly
func (s *Storage) Close() error {
	if err := s.seq.Release(); err != nil {
		s.db.Close()
		return fmt.Errorf("failed to release sequence: %w", err)
	}
	return s.db.Close()
}

// RunGC runs BadgerDB's value log garbage collection.
// Returns badger.ErrNoRewrite when nothing needed collecting.
func (s *Storage) RunGC(discardRatio float64) error {
	return s.db.RunValueLogGC(discardRatio)
}

// Stats returns storage statistics
func (s *Storage) Stats(ctx context.Context) (*storage.Stats, error) {
	stats := &storage.Stats{}

	err := s.withContext(ctx, "stats", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false

			it := txn.NewIterator(opts)
			defer it.Close()

			var iterCount int
			for it.Rewind(); it.Valid(); it.Next() {
				iterCount++
				if iterCount%1000 == 0 {
					if err := ctx.Err(); err != nil {
						return err
					}
				}

				k := it.Item().Key()
				if len(k) == 0 {
					continue
				}
				switch k[0] {
				case prefixRaw:
					stats.RawTicks++
				case prefixDerived:
					stats.DerivedPoints++
				case prefixSeries:
					stats.DerivedSeries++
				case prefixMeta:
					stats.Instruments++
				}
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	lsmSize, vlogSize := s.db.Size()
	stats.SizeBytes = uint64(lsmSize + vlogSize)
	return stats, nil
}

// evictBefore deletes every key under prefix whose timestamp field is older
// than cutoff. Keys are sorted by timestamp so the scan stops at the first
// survivor.
func (s *Storage) evictBefore(ctx context.Context, prefix []byte, cutoff int64) (int, error) {
	var keys [][]byte

	err := s.withContext(ctx, "evict", func() error {
		return s.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.PrefetchValues = false
			opts.Prefix = prefix

			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
				k := it.Item().Key()
				ts := decodeTS(binary.BigEndian.Uint64(k[len(prefix) : len(prefix)+8]))
				if ts >= cutoff {
					break
				}
				keys = append(keys, it.Item().KeyCopy(nil))
			}
			return nil
		})
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range keys {
		if err := wb.Delete(k); err != nil {
			return 0, fmt.Errorf("failed to delete key: %w", err)
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, fmt.Errorf("failed to flush deletes: %w", err)
	}
	return len(keys), nil
}

// withContext runs fn while honouring ctx cancellation
func (s *Storage) withContext(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	done := make(chan error, 1)
	go func() {
		done <- fn()
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%s operation cancelled: %w", op, ctx.Err())
	}
}

// scanNewest walks prefix from the newest key backwards, at most n values
func scanNewest(txn *badger.Txn, prefix []byte, n int, fn func(val []byte) error) error {
	opts := badger.DefaultIteratorOptions
	opts.Reverse = true
	opts.Prefix = prefix
	if n > 0 && n < opts.PrefetchSize {
		opts.PrefetchSize = n
	}

	it := txn.NewIterator(opts)
	defer it.Close()

	seek := append(append([]byte{}, prefix...), 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff)
	count := 0
	for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
		if n >= 0 && count >= n {
			break
		}
		if err := it.Item().Value(fn); err != nil {
			return err
		}
		count++
	}
	return nil
}

func getPoint(txn *badger.Txn, key []byte) (compaction.Point, bool, error) {
	var p compaction.Point
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return p, false, nil
	}
	if err != nil {
		return p, false, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &p)
	})
	if err != nil {
		return p, false, fmt.Errorf("failed to decode point: %w", err)
	}
	return p, true, nil
}

// ensureKey writes key once
func ensureKey(txn *badger.Txn, key, value []byte) error {
	_, err := txn.Get(key)
	if err == nil {
		return nil
	}
	if !errors.Is(err, badger.ErrKeyNotFound) {
		return err
	}
	return txn.Set(key, value)
}

func instrumentHash(inst series.Instrument) uint64 {
	return xxhash.Sum64String(inst.String())
}

func seriesHash(key storage.SeriesKey) uint64 {
	return xxhash.Sum64String(key.Resolution + ":" + key.Line.String())
}

func prefixOf(kind byte, ih uint64) []byte {
	b := make([]byte, 0, 9)
	b = append(b, kind)
	return binary.BigEndian.AppendUint64(b, ih)
}

func rawPrefix(ih uint64) []byte { return prefixOf(prefixRaw, ih) }

func metaKey(ih uint64) []byte { return prefixOf(prefixMeta, ih) }

func derivedPrefix(ih, sh uint64) []byte {
	return binary.BigEndian.AppendUint64(prefixOf(prefixDerived, ih), sh)
}

func seriesMarker(ih, sh uint64) []byte {
	return binary.BigEndian.AppendUint64(prefixOf(prefixSeries, ih), sh)
}

func pointKey(key storage.SeriesKey, bucketStart int64) []byte {
	k := derivedPrefix(instrumentHash(key.Instrument), seriesHash(key))
	return binary.BigEndian.AppendUint64(k, encodeTS(bucketStart))
}

// encodeTS flips the sign bit so negative timestamps sort before positive
func encodeTS(ts int64) uint64 { return uint64(ts) ^ (1 << 63) }

func decodeTS(u uint64) int64 { return int64(u ^ (1 << 63)) }

func reverse[T any](s []T) {
	for i, j := 0, len(s)-1; i < j; i, j = i+1, j-1 {
		s[i], s[j] = s[j], s[i]
	}
}

// zapLogger adapts zap to badger.Logger
type zapLogger struct {
	s *zap.SugaredLogger
}

func (l zapLogger) Errorf(f string, v ...interface{})   { l.s.Errorf(f, v...) }
func (l zapLogger) Warningf(f string, v ...interface{}) { l.s.Warnf(f, v...) }
func (l zapLogger) Infof(f string, v ...interface{})    { l.s.Debugf(f, v...) }
func (l zapLogger) Debugf(f string, v ...interface{})   { l.s.Debugf(f, v...) }
