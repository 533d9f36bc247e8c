package ingest

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nicktill/tinyohlc/pkg/series"
)

func TestCardinalityTracker_TotalLimit(t *testing.T) {
	c := NewCardinalityTracker(2, 10)
	btc := series.Instrument{Category: "crypto", Symbol: "btcusd"}
	eth := series.Instrument{Category: "crypto", Symbol: "ethusd"}
	eur := series.Instrument{Category: "fx", Symbol: "eurusd"}

	require.NoError(t, c.Check(btc))
	c.Record(btc)
	c.Record(btc)
	require.NoError(t, c.Check(eth))
	c.Record(eth)

	err := c.Check(eur)
	assert.ErrorIs(t, err, ErrCardinalityLimit)
	assert.True(t, IsCardinalityLimit(err))

	// Known instruments keep flowing at the limit
	assert.NoError(t, c.Check(btc))

	c.Forget(eth)
	assert.NoError(t, c.Check(eur))
}

func TestCardinalityTracker_PerCategoryLimit(t *testing.T) {
	c := NewCardinalityTracker(100, 1)
	c.Record(series.Instrument{Category: "crypto", Symbol: "btcusd"})

	err := c.Check(series.Instrument{Category: "crypto", Symbol: "ethusd"})
	assert.ErrorIs(t, err, ErrCategoryCardinalityLimit)
	assert.NoError(t, c.Check(series.Instrument{Category: "fx", Symbol: "eurusd"}))
}

func TestCardinalityTracker_SetLimitsKeepsAdmitted(t *testing.T) {
	c := NewCardinalityTracker(10, 10)
	btc := series.Instrument{Category: "crypto", Symbol: "btcusd"}
	c.Record(btc)

	c.SetLimits(1, 1)
	assert.NoError(t, c.Check(btc))
	assert.ErrorIs(t, c.Check(series.Instrument{Category: "fx", Symbol: "eurusd"}), ErrCardinalityLimit)
	assert.Equal(t, 1, c.Stats().InstrumentLimit)

	c.SetLimits(0, 0)
	assert.Equal(t, MaxInstruments, c.Stats().InstrumentLimit)
}

func TestCardinalityTracker_Stats(t *testing.T) {
	c := NewCardinalityTracker(0, 0)
	c.Record(series.Instrument{Category: "crypto", Symbol: "btcusd"})
	c.Record(series.Instrument{Category: "crypto", Symbol: "ethusd"})
	c.Record(series.Instrument{Category: "fx", Symbol: "eurusd"})
	c.Forget(series.Instrument{Category: "fx", Symbol: "eurusd"})
	c.Forget(series.Instrument{Category: "fx", Symbol: "gbpusd"})

	stats := c.Stats()
	assert.Equal(t, 2, stats.Instruments)
	assert.Equal(t, 1, stats.Categories)
	assert.Equal(t, "crypto", stats.LargestCategory)
	assert.Equal(t, 2, stats.LargestCount)
	assert.Equal(t, MaxInstruments, stats.InstrumentLimit)
	assert.Equal(t, MaxInstrumentsPerCategory, stats.PerCategoryLimit)
}
