// Package engine folds raw ticks into multi-resolution OHLC series.
//
// Every tick is appended to the instrument's raw series and then folded
// incrementally into the open/high/low/close series of each registered
// resolution. Nothing is recomputed from raw history. Work on one
// instrument is serialized by its own lock; different instruments ingest
// in parallel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/notify"
	"github.com/nicktill/tinyohlc/pkg/series"
	"github.com/nicktill/tinyohlc/pkg/storage"
)

var (
	// ErrUnknownInstrument is returned for instruments that were never
	// registered while auto-creation is disabled
	ErrUnknownInstrument = errors.New("unknown instrument")

	// ErrUnknownResolution is returned when the instrument has no such resolution
	ErrUnknownResolution = errors.New("unknown resolution")

	// ErrRuleConflict is returned when re-registering a resolution name
	// with a different bucket width or retention
	ErrRuleConflict = errors.New("resolution conflicts with existing rule")
)

// Publisher receives change events. *notify.Bus implements it.
type Publisher interface {
	Publish(notify.Event)
}

// Options configures the engine
type Options struct {
	// RawRetentionSecs bounds the raw series (0 = unlimited)
	RawRetentionSecs int64 `mapstructure:"raw_retention_secs"`

	// AutoCreate registers unknown instruments on their first tick
	AutoCreate bool `mapstructure:"auto_create"`

	// Resolutions derived for every auto-created instrument
	Resolutions []compaction.Resolution `mapstructure:"resolutions"`
}

// DefaultOptions returns auto-create on with the default resolutions and
// one day of raw ticks
func DefaultOptions() Options {
	return Options{
		RawRetentionSecs: 24 * 3600,
		AutoCreate:       true,
		Resolutions:      compaction.DefaultResolutions(),
	}
}

// Validate checks the options before the engine starts
func (o Options) Validate() error {
	if o.RawRetentionSecs < 0 {
		return fmt.Errorf("raw retention must not be negative, got %d", o.RawRetentionSecs)
	}
	seen := make(map[string]bool, len(o.Resolutions))
	for _, r := range o.Resolutions {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Name] {
			return fmt.Errorf("%w: duplicate resolution %q", compaction.ErrInvalidResolution, r.Name)
		}
		seen[r.Name] = true
	}
	return nil
}

// Candle is one OHLC row of a derived resolution
type Candle struct {
	BucketStart int64   `json:"bucket_start"`
	Open        float64 `json:"open"`
	High        float64 `json:"high"`
	Low         float64 `json:"low"`
	Close       float64 `json:"close"`
	Samples     int     `json:"samples"`
}

// Stats reports engine counters
type Stats struct {
	Instruments         int   `json:"instruments"`
	TicksIngested       int64 `json:"ticks_ingested"`
	TicksRejected       int64 `json:"ticks_rejected"`
	EventsPublished     int64 `json:"events_published"`
	RetentionViolations int64 `json:"retention_violations"`
	RawEvicted          int64 `json:"raw_evicted"`
	PointsEvicted       int64 `json:"points_evicted"`
}

// instrumentState is the single owner of an instrument's series
type instrumentState struct {
	mu          sync.RWMutex
	inst        series.Instrument
	resolutions []compaction.Resolution
	highWater   int64
	hasTick     bool
	deleted     bool
}

func (st *instrumentState) resolution(name string) (compaction.Resolution, bool) {
	for _, r := range st.resolutions {
		if r.Name == name {
			return r, true
		}
	}
	return compaction.Resolution{}, false
}

// Engine is the aggregation engine
type Engine struct {
	store  storage.Storage
	bus    Publisher
	opts   Options
	logger *zap.Logger

	mu          sync.RWMutex
	instruments map[series.Instrument]*instrumentState

	ticksIngested       atomic.Int64
	ticksRejected       atomic.Int64
	eventsPublished     atomic.Int64
	retentionViolations atomic.Int64
	rawEvicted          atomic.Int64
	pointsEvicted       atomic.Int64
}

// New creates an engine. bus may be nil when nobody listens for changes.
func New(store storage.Storage, bus Publisher, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:       store,
		bus:         bus,
		opts:        opts,
		logger:      logger.Named("engine"),
		instruments: make(map[series.Instrument]*instrumentState),
	}
}

// RegisterInstrument creates the instrument with every configured resolution.
// Registering an existing instrument adds any configured resolution it lacks.
func (e *Engine) RegisterInstrument(ctx context.Context, inst series.Instrument) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	st, created := e.getOrCreate(inst, e.opts.Resolutions)
	if created {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	for _, r := range e.opts.Resolutions {
		if err := addResolution(st, r); err != nil {
			return err
		}
	}
	return nil
}

// RegisterRule adds one resolution (its four line rules) to an instrument,
// creating the instrument without any other resolution if needed.
// Re-registering an identical resolution is a no-op.
func (e *Engine) RegisterRule(inst series.Instrument, res compaction.Resolution) error {
	if err := inst.Validate(); err != nil {
		return err
	}
	if err := res.Validate(); err != nil {
		return err
	}

	st, created := e.getOrCreate(inst, []compaction.Resolution{res})
	if created {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return addResolution(st, res)
}

func addResolution(st *instrumentState, res compaction.Resolution) error {
	if existing, ok := st.resolution(res.Name); ok {
		if existing != res {
			return fmt.Errorf("%w: %s %s has width %ds retention %ds",
				ErrRuleConflict, st.inst, res.Name, existing.BucketWidthSecs, existing.RetentionSecs)
		}
		return nil
	}
	st.resolutions = append(st.resolutions, res)
	return nil
}

// getOrCreate returns the instrument's state, creating it with the given
// resolutions when missing
func (e *Engine) getOrCreate(inst series.Instrument, resolutions []compaction.Resolution) (*instrumentState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if st, ok := e.instruments[inst]; ok {
		return st, false
	}
	st := &instrumentState{
		inst:        inst,
		resolutions: append([]compaction.Resolution(nil), resolutions...),
	}
	e.instruments[inst] = st

	e.logger.Info("instrument registered",
		zap.Stringer("instrument", inst),
		zap.Int("resolutions", len(st.resolutions)),
	)
	return st, true
}

func (e *Engine) lookup(inst series.Instrument) (*instrumentState, error) {
	e.mu.RLock()
	st, ok := e.instruments[inst]
	e.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstrument, inst)
	}
	return st, nil
}

// Ingest appends a tick and folds it into every resolution of the
// instrument. It returns one event per resolution whose candle changed;
// the same events are published to the bus.
func (e *Engine) Ingest(ctx context.Context, inst series.Instrument, tick series.Tick) ([]notify.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := inst.Validate(); err != nil {
		e.ticksRejected.Add(1)
		return nil, err
	}
	if err := tick.Validate(); err != nil {
		e.ticksRejected.Add(1)
		e.logger.Debug("tick rejected", zap.Stringer("instrument", inst), zap.Error(err))
		return nil, err
	}

	for {
		st, err := e.lookup(inst)
		if errors.Is(err, ErrUnknownInstrument) && e.opts.AutoCreate {
			st, _ = e.getOrCreate(inst, e.opts.Resolutions)
		} else if err != nil {
			e.ticksRejected.Add(1)
			return nil, err
		}

		st.mu.Lock()
		if st.deleted {
			// Lost a race with Deregister; retry against the fresh state
			st.mu.Unlock()
			continue
		}
		events, err := e.ingestLocked(ctx, st, tick)
		st.mu.Unlock()
		return events, err
	}
}

// ingestLocked runs the read-modify-write for one tick. Caller holds st.mu.
// Once the raw tick is stored the ingest counts: a later store failure
// still publishes the resolutions that changed before it.
func (e *Engine) ingestLocked(ctx context.Context, st *instrumentState, tick series.Tick) ([]notify.Event, error) {
	if err := e.store.Append(ctx, st.inst, tick); err != nil {
		e.ticksRejected.Add(1)
		return nil, fmt.Errorf("failed to append tick for %s: %w", st.inst, err)
	}

	events, err := e.foldLocked(ctx, st, tick)

	if !st.hasTick || tick.Timestamp > st.highWater {
		st.highWater = tick.Timestamp
		st.hasTick = true
	}
	e.ticksIngested.Add(1)

	// Published under the instrument lock so per-instrument order holds
	if e.bus != nil {
		for _, ev := range events {
			e.bus.Publish(ev)
		}
	}
	e.eventsPublished.Add(int64(len(events)))

	if err != nil {
		e.logger.Warn("ingest incomplete",
			zap.Stringer("instrument", st.inst),
			zap.Int64("timestamp", tick.Timestamp),
			zap.Int("events", len(events)),
			zap.Error(err),
		)
	}
	return events, err
}

// foldLocked applies raw retention and folds the tick into every
// resolution. On error it returns the events for every change already
// written, including the lines of the failing resolution.
func (e *Engine) foldLocked(ctx context.Context, st *instrumentState, tick series.Tick) ([]notify.Event, error) {
	if cutoff, ok := compaction.Cutoff(tick.Timestamp, e.opts.RawRetentionSecs); ok {
		n, err := e.store.EvictRaw(ctx, st.inst, cutoff)
		if err != nil {
			return nil, fmt.Errorf("failed to evict raw ticks for %s: %w", st.inst, err)
		}
		e.rawEvicted.Add(int64(n))
	}

	var events []notify.Event
	for _, res := range st.resolutions {
		changed, err := e.foldResolution(ctx, st, res, tick)
		if len(changed) > 0 {
			events = append(events, notify.Event{
				Instrument:   st.inst,
				Resolution:   res.Name,
				BucketStart:  compaction.AlignBucket(tick.Timestamp, res.BucketWidthSecs),
				ChangedLines: changed,
			})
		}
		if err != nil {
			return events, err
		}
	}
	return events, nil
}

// foldResolution updates the four lines of one resolution and returns the
// lines that changed
func (e *Engine) foldResolution(ctx context.Context, st *instrumentState, res compaction.Resolution, tick series.Tick) ([]compaction.Line, error) {
	bucket := compaction.AlignBucket(tick.Timestamp, res.BucketWidthSecs)

	if st.hasTick {
		if hwmCutoff, ok := compaction.Cutoff(st.highWater, res.RetentionSecs); ok && bucket < hwmCutoff {
			e.retentionViolations.Add(1)
			e.logger.Debug("reopening evicted bucket",
				zap.Stringer("instrument", st.inst),
				zap.String("resolution", res.Name),
				zap.Int64("bucket_start", bucket),
				zap.Int64("high_water", st.highWater),
			)
		}
	}

	cutoff, evict := compaction.Cutoff(tick.Timestamp, res.RetentionSecs)

	var changed []compaction.Line
	for _, rule := range res.Rules() {
		key := storage.SeriesKey{Instrument: st.inst, Resolution: res.Name, Line: rule.Line}

		p, ok, err := e.store.GetPoint(ctx, key, bucket)
		if err != nil {
			return changed, fmt.Errorf("failed to read %s: %w", key, err)
		}
		isChanged, err := e.store.Upsert(ctx, key, rule.Aggregation.Fold(p, ok, bucket, tick))
		if err != nil {
			return changed, fmt.Errorf("failed to write %s: %w", key, err)
		}
		if isChanged {
			changed = append(changed, rule.Line)
		}

		if evict {
			n, err := e.store.EvictDerived(ctx, key, cutoff)
			if err != nil {
				return changed, fmt.Errorf("failed to evict %s: %w", key, err)
			}
			e.pointsEvicted.Add(int64(n))
		}
	}
	return changed, nil
}

// ReadLastN returns up to n complete candles, oldest first. Buckets that
// do not yet have all four lines are skipped.
func (e *Engine) ReadLastN(ctx context.Context, inst series.Instrument, resolution string, n int) ([]Candle, error) {
	st, err := e.lookup(inst)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	if _, ok := st.resolution(resolution); !ok {
		return nil, fmt.Errorf("%w: %s %s", ErrUnknownResolution, inst, resolution)
	}
	if n <= 0 {
		return []Candle{}, nil
	}

	type row struct {
		candle Candle
		lines  int
	}
	rows := make(map[int64]*row)

	for _, line := range compaction.Lines {
		key := storage.SeriesKey{Instrument: inst, Resolution: resolution, Line: line}
		points, err := e.store.LastPoints(ctx, key, n)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}

		for _, p := range points {
			r, ok := rows[p.BucketStart]
			if !ok {
				r = &row{candle: Candle{BucketStart: p.BucketStart}}
				rows[p.BucketStart] = r
			}
			setLine(&r.candle, line, p)
			r.lines++
		}
	}

	candles := make([]Candle, 0, len(rows))
	for _, r := range rows {
		if r.lines == len(compaction.Lines) {
			candles = append(candles, r.candle)
		}
	}
	sort.Slice(candles, func(i, j int) bool {
		return candles[i].BucketStart < candles[j].BucketStart
	})
	if len(candles) > n {
		candles = candles[len(candles)-n:]
	}
	return candles, nil
}

// ReadCandle returns the candle at bucketStart. The bool is false when the
// bucket is missing or incomplete.
func (e *Engine) ReadCandle(ctx context.Context, inst series.Instrument, resolution string, bucketStart int64) (Candle, bool, error) {
	st, err := e.lookup(inst)
	if err != nil {
		return Candle{}, false, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	if _, ok := st.resolution(resolution); !ok {
		return Candle{}, false, fmt.Errorf("%w: %s %s", ErrUnknownResolution, inst, resolution)
	}

	c := Candle{BucketStart: bucketStart}
	for _, line := range compaction.Lines {
		key := storage.SeriesKey{Instrument: inst, Resolution: resolution, Line: line}
		p, ok, err := e.store.GetPoint(ctx, key, bucketStart)
		if err != nil {
			return Candle{}, false, fmt.Errorf("failed to read %s: %w", key, err)
		}
		if !ok {
			return Candle{}, false, nil
		}
		setLine(&c, line, p)
	}
	return c, true, nil
}

func setLine(c *Candle, line compaction.Line, p compaction.Point) {
	switch line {
	case compaction.LineOpen:
		c.Open = p.Value
	case compaction.LineHigh:
		c.High = p.Value
	case compaction.LineLow:
		c.Low = p.Value
	case compaction.LineClose:
		c.Close = p.Value
	}
	if p.SampleCount > c.Samples {
		c.Samples = p.SampleCount
	}
}

// ReadRaw returns up to n newest raw ticks, oldest first
func (e *Engine) ReadRaw(ctx context.Context, inst series.Instrument, n int) ([]series.Tick, error) {
	st, err := e.lookup(inst)
	if err != nil {
		return nil, err
	}

	st.mu.RLock()
	defer st.mu.RUnlock()

	if n <= 0 {
		return []series.Tick{}, nil
	}
	ticks, err := e.store.LastRaw(ctx, inst, n)
	if errors.Is(err, storage.ErrNotFound) {
		return []series.Tick{}, nil
	}
	return ticks, err
}

// Deregister destroys the instrument's raw and derived series
func (e *Engine) Deregister(ctx context.Context, inst series.Instrument) error {
	e.mu.Lock()
	st, ok := e.instruments[inst]
	delete(e.instruments, inst)
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownInstrument, inst)
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	st.deleted = true

	if err := e.store.DropInstrument(ctx, inst); err != nil {
		return fmt.Errorf("failed to drop %s: %w", inst, err)
	}
	e.logger.Info("instrument deregistered", zap.Stringer("instrument", inst))
	return nil
}

// Sweep applies retention to every instrument relative to its newest tick.
// It returns how many ticks and points were evicted.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	e.mu.RLock()
	states := make([]*instrumentState, 0, len(e.instruments))
	for _, st := range e.instruments {
		states = append(states, st)
	}
	e.mu.RUnlock()

	var (
		total int
		errs  []error
	)
	for _, st := range states {
		if err := ctx.Err(); err != nil {
			return total, err
		}
		n, err := e.sweepInstrument(ctx, st)
		total += n
		if err != nil {
			errs = append(errs, err)
		}
	}
	return total, errors.Join(errs...)
}

func (e *Engine) sweepInstrument(ctx context.Context, st *instrumentState) (int, error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	if st.deleted || !st.hasTick {
		return 0, nil
	}

	total := 0
	if cutoff, ok := compaction.Cutoff(st.highWater, e.opts.RawRetentionSecs); ok {
		n, err := e.store.EvictRaw(ctx, st.inst, cutoff)
		if err != nil {
			return total, fmt.Errorf("failed to evict raw ticks for %s: %w", st.inst, err)
		}
		e.rawEvicted.Add(int64(n))
		total += n
	}

	for _, res := range st.resolutions {
		cutoff, ok := compaction.Cutoff(st.highWater, res.RetentionSecs)
		if !ok {
			continue
		}
		for _, line := range compaction.Lines {
			key := storage.SeriesKey{Instrument: st.inst, Resolution: res.Name, Line: line}
			n, err := e.store.EvictDerived(ctx, key, cutoff)
			if err != nil {
				return total, fmt.Errorf("failed to evict %s: %w", key, err)
			}
			e.pointsEvicted.Add(int64(n))
			total += n
		}
	}
	return total, nil
}

// Instruments lists registered instruments in key order
func (e *Engine) Instruments() []series.Instrument {
	e.mu.RLock()
	out := make([]series.Instrument, 0, len(e.instruments))
	for inst := range e.instruments {
		out = append(out, inst)
	}
	e.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Resolutions returns the instrument's resolutions in registration order
func (e *Engine) Resolutions(inst series.Instrument) ([]compaction.Resolution, error) {
	st, err := e.lookup(inst)
	if err != nil {
		return nil, err
	}
	st.mu.RLock()
	defer st.mu.RUnlock()
	return append([]compaction.Resolution(nil), st.resolutions...), nil
}

// Stats returns engine counters
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	count := len(e.instruments)
	e.mu.RUnlock()

	return Stats{
		Instruments:         count,
		TicksIngested:       e.ticksIngested.Load(),
		TicksRejected:       e.ticksRejected.Load(),
		EventsPublished:     e.eventsPublished.Load(),
		RetentionViolations: e.retentionViolations.Load(),
		RawEvicted:          e.rawEvicted.Load(),
		PointsEvicted:       e.pointsEvicted.Load(),
	}
}
