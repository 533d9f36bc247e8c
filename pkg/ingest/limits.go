package ingest

import (
	"fmt"

	"github.com/nicktill/tinyohlc/pkg/series"
)

// Validation limits
const (
	MaxCategoryLength = 64  // Maximum instrument category length
	MaxSymbolLength   = 128 // Maximum instrument symbol length

	MaxInstruments            = 10000 // Maximum instruments created through ingestion
	MaxInstrumentsPerCategory = 2000  // Maximum instruments in one category
)

var (
	// ErrTooManyTicks is returned when an ingest request contains too many ticks
	ErrTooManyTicks = fmt.Errorf("too many ticks in request")

	// ErrEmptyRequest is returned when a request carries no tick at all
	ErrEmptyRequest = fmt.Errorf("request contains no ticks")

	// ErrMissingField is returned when a tick omits timestamp or value
	ErrMissingField = fmt.Errorf("tick requires timestamp and value")

	// ErrCategoryTooLong is returned when a category is too long
	ErrCategoryTooLong = fmt.Errorf("category too long (max %d chars)", MaxCategoryLength)

	// ErrSymbolTooLong is returned when a symbol is too long
	ErrSymbolTooLong = fmt.Errorf("symbol too long (max %d chars)", MaxSymbolLength)

	// ErrStorageFull is returned when the storage limit has been reached
	ErrStorageFull = fmt.Errorf("storage limit reached")
)

// ValidateTick checks a payload and converts it into an instrument and tick
func ValidateTick(p TickPayload) (series.Instrument, series.Tick, error) {
	if len(p.Category) > MaxCategoryLength {
		return series.Instrument{}, series.Tick{}, fmt.Errorf("%w: %q", ErrCategoryTooLong, p.Category[:16]+"...")
	}
	if len(p.Symbol) > MaxSymbolLength {
		return series.Instrument{}, series.Tick{}, fmt.Errorf("%w: %q", ErrSymbolTooLong, p.Symbol[:16]+"...")
	}
	if p.Timestamp == nil || p.Value == nil {
		return series.Instrument{}, series.Tick{}, fmt.Errorf("%w: %s:%s", ErrMissingField, p.Category, p.Symbol)
	}

	inst, err := series.NewInstrument(p.Category, p.Symbol)
	if err != nil {
		return series.Instrument{}, series.Tick{}, err
	}

	tick := series.Tick{Timestamp: *p.Timestamp, Value: *p.Value}
	if err := tick.Validate(); err != nil {
		return series.Instrument{}, series.Tick{}, err
	}
	return inst, tick, nil
}
