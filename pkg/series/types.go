package series

import (
	"errors"
	"fmt"
	"math"
	"strings"
)

// MaxTimestamp bounds accepted tick timestamps (seconds).
// Anything beyond year ~5138 is treated as garbage rather than data.
const MaxTimestamp int64 = 1 << 37

var (
	// ErrInvalidTick is returned for ticks with a non-finite value or an
	// unrepresentable timestamp. Rejected ticks are never retried.
	ErrInvalidTick = errors.New("invalid tick")

	// ErrInvalidInstrument is returned for malformed instrument keys
	ErrInvalidInstrument = errors.New("invalid instrument")
)

// Tick is a single raw price observation. Immutable once stored.
type Tick struct {
	Timestamp int64   `json:"timestamp"` // unix seconds
	Value     float64 `json:"value"`
}

// Validate checks that the tick can be stored and aggregated
func (t Tick) Validate() error {
	if math.IsNaN(t.Value) || math.IsInf(t.Value, 0) {
		return fmt.Errorf("%w: value %v is not finite", ErrInvalidTick, t.Value)
	}
	if t.Timestamp > MaxTimestamp || t.Timestamp < -MaxTimestamp {
		return fmt.Errorf("%w: timestamp %d out of range", ErrInvalidTick, t.Timestamp)
	}
	return nil
}

// Instrument identifies a raw series, e.g. (crypto, btcusd).
type Instrument struct {
	Category string `json:"category"`
	Symbol   string `json:"symbol"`
}

// NewInstrument normalizes and validates an instrument key.
func NewInstrument(category, symbol string) (Instrument, error) {
	inst := Instrument{
		Category: strings.ToLower(strings.TrimSpace(category)),
		Symbol:   strings.ToLower(strings.TrimSpace(symbol)),
	}
	if err := inst.Validate(); err != nil {
		return Instrument{}, err
	}
	return inst, nil
}

// ParseInstrument parses the canonical "category:symbol" form.
func ParseInstrument(s string) (Instrument, error) {
	category, symbol, ok := strings.Cut(s, ":")
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %q is not category:symbol", ErrInvalidInstrument, s)
	}
	return NewInstrument(category, symbol)
}

// Validate checks both parts are present and free of separators
func (i Instrument) Validate() error {
	if i.Category == "" || i.Symbol == "" {
		return fmt.Errorf("%w: category and symbol are required", ErrInvalidInstrument)
	}
	if strings.Contains(i.Category, ":") || strings.Contains(i.Symbol, ":") {
		return fmt.Errorf("%w: %q contains ':'", ErrInvalidInstrument, i.Category+":"+i.Symbol)
	}
	return nil
}

// String returns the canonical "category:symbol" key.
func (i Instrument) String() string {
	return i.Category + ":" + i.Symbol
}

// IsZero reports whether the instrument is unset
func (i Instrument) IsZero() bool {
	return i.Category == "" && i.Symbol == ""
}
