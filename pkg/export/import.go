package export

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/nicktill/tinyohlc/pkg/notify"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// MaxImportErrors caps how many per-tick errors a result reports
const MaxImportErrors = 100

// Ingester replays ticks into the engine
type Ingester interface {
	Ingest(ctx context.Context, inst series.Instrument, tick series.Tick) ([]notify.Event, error)
}

// ErrInstrumentLimit is returned when an import would create an instrument
// past the configured cardinality limits
var ErrInstrumentLimit = errors.New("import rejected")

// Limiter admits new instruments. The ingest cardinality tracker satisfies it.
type Limiter interface {
	Check(inst series.Instrument) error
	Record(inst series.Instrument)
}

// Importer restores raw series from JSON exports
type Importer struct {
	ingester Ingester
	limiter  Limiter
}

// NewImporter creates a new importer
func NewImporter(ingester Ingester) *Importer {
	return &Importer{ingester: ingester}
}

// SetLimiter makes imports count against the same instrument limits as
// live ingestion
func (im *Importer) SetLimiter(l Limiter) {
	im.limiter = l
}

// ImportResult contains stats about the import operation
type ImportResult struct {
	TicksImported int       `json:"ticks_imported"`
	TicksSkipped  int       `json:"ticks_skipped"`
	EventsFired   int       `json:"events_fired"`
	Instrument    string    `json:"instrument"`
	TimeRange     string    `json:"time_range"`
	ImportedAt    time.Time `json:"imported_at"`
	Errors        []string  `json:"errors,omitempty"`
}

// ImportFromJSON replays the raw ticks of an export through the engine, so
// every derived series is rebuilt by the normal fold. Invalid ticks are
// skipped and reported; candle exports cannot be imported.
func (im *Importer) ImportFromJSON(ctx context.Context, r io.Reader) (*ImportResult, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode JSON: %w", err)
	}
	if len(doc.Candles) > 0 {
		return nil, fmt.Errorf("candle exports cannot be imported, export the raw series instead")
	}

	inst, err := series.NewInstrument(doc.Metadata.Category, doc.Metadata.Symbol)
	if err != nil {
		return nil, err
	}
	if im.limiter != nil {
		if err := im.limiter.Check(inst); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInstrumentLimit, err)
		}
	}

	result := &ImportResult{Instrument: inst.String(), TimeRange: "empty"}
	var minTS, maxTS int64
	for i, t := range doc.Ticks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		events, err := im.ingester.Ingest(ctx, inst, t)
		if err != nil {
			result.TicksSkipped++
			if len(result.Errors) < MaxImportErrors {
				result.Errors = append(result.Errors, fmt.Sprintf("tick %d: %v", i, err))
			}
			continue
		}

		if result.TicksImported == 0 || t.Timestamp < minTS {
			minTS = t.Timestamp
		}
		if result.TicksImported == 0 || t.Timestamp > maxTS {
			maxTS = t.Timestamp
		}
		if result.TicksImported == 0 && im.limiter != nil {
			im.limiter.Record(inst)
		}
		result.TicksImported++
		result.EventsFired += len(events)
	}

	if result.TicksImported > 0 {
		result.TimeRange = fmt.Sprintf("%s to %s",
			time.Unix(minTS, 0).UTC().Format(time.RFC3339),
			time.Unix(maxTS, 0).UTC().Format(time.RFC3339))
	}
	result.ImportedAt = time.Now().UTC()
	return result, nil
}
