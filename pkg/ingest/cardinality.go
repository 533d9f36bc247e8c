package ingest

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nicktill/tinyohlc/pkg/series"
)

var (
	// ErrCardinalityLimit is returned when a new instrument would exceed
	// the total instrument limit
	ErrCardinalityLimit = errors.New("instrument limit reached")

	// ErrCategoryCardinalityLimit is returned when a category already holds
	// its maximum number of instruments
	ErrCategoryCardinalityLimit = errors.New("category instrument limit reached")
)

// CardinalityTracker counts the instruments created through ingestion so a
// flood of distinct symbols cannot grow the registry without bound.
type CardinalityTracker struct {
	mu sync.RWMutex

	maxTotal       int
	maxPerCategory int

	// category -> instrument count
	perCategory map[string]int

	// instrument -> first seen
	seen map[series.Instrument]time.Time
}

// NewCardinalityTracker creates a tracker. Non-positive limits fall back
// to MaxInstruments and MaxInstrumentsPerCategory.
func NewCardinalityTracker(maxTotal, maxPerCategory int) *CardinalityTracker {
	if maxTotal <= 0 {
		maxTotal = MaxInstruments
	}
	if maxPerCategory <= 0 {
		maxPerCategory = MaxInstrumentsPerCategory
	}
	return &CardinalityTracker{
		maxTotal:       maxTotal,
		maxPerCategory: maxPerCategory,
		perCategory:    make(map[string]int),
		seen:           make(map[series.Instrument]time.Time),
	}
}

// SetLimits changes the limits. Non-positive values fall back to the
// defaults as in NewCardinalityTracker.
func (c *CardinalityTracker) SetLimits(maxTotal, maxPerCategory int) {
	if maxTotal <= 0 {
		maxTotal = MaxInstruments
	}
	if maxPerCategory <= 0 {
		maxPerCategory = MaxInstrumentsPerCategory
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.maxTotal = maxTotal
	c.maxPerCategory = maxPerCategory
}

// Check reports whether a tick for inst may be accepted. Known instruments
// always pass.
func (c *CardinalityTracker) Check(inst series.Instrument) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if _, ok := c.seen[inst]; ok {
		return nil
	}
	if len(c.seen) >= c.maxTotal {
		return fmt.Errorf("%w (max %d)", ErrCardinalityLimit, c.maxTotal)
	}
	if c.perCategory[inst.Category] >= c.maxPerCategory {
		return fmt.Errorf("%w: %s (max %d)", ErrCategoryCardinalityLimit, inst.Category, c.maxPerCategory)
	}
	return nil
}

// Record marks inst as known. Call it after the engine accepted a tick.
func (c *CardinalityTracker) Record(inst series.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[inst]; ok {
		return
	}
	c.seen[inst] = time.Now()
	c.perCategory[inst.Category]++
}

// Forget releases the slot of a deregistered instrument
func (c *CardinalityTracker) Forget(inst series.Instrument) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.seen[inst]; !ok {
		return
	}
	delete(c.seen, inst)
	if c.perCategory[inst.Category]--; c.perCategory[inst.Category] <= 0 {
		delete(c.perCategory, inst.Category)
	}
}

// Stats returns current cardinality statistics
func (c *CardinalityTracker) Stats() CardinalityStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var maxCategory string
	var maxCount int
	for category, count := range c.perCategory {
		if count > maxCount || (count == maxCount && category < maxCategory) {
			maxCount = count
			maxCategory = category
		}
	}

	return CardinalityStats{
		Instruments:      len(c.seen),
		Categories:       len(c.perCategory),
		LargestCategory:  maxCategory,
		LargestCount:     maxCount,
		InstrumentLimit:  c.maxTotal,
		PerCategoryLimit: c.maxPerCategory,
		UtilizationPct:   float64(len(c.seen)) / float64(c.maxTotal) * 100,
	}
}

// CardinalityStats provides cardinality usage information
type CardinalityStats struct {
	Instruments      int     `json:"instruments"`
	Categories       int     `json:"categories"`
	LargestCategory  string  `json:"largest_category"`
	LargestCount     int     `json:"largest_count"`
	InstrumentLimit  int     `json:"instrument_limit"`
	PerCategoryLimit int     `json:"per_category_limit"`
	UtilizationPct   float64 `json:"utilization_percent"`
}

// IsCardinalityLimit reports whether err came from the tracker
func IsCardinalityLimit(err error) bool {
	return errors.Is(err, ErrCardinalityLimit) || errors.Is(err, ErrCategoryCardinalityLimit)
}
