package export

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"strconv"
	"time"

	"github.com/nicktill/tinyohlc/pkg/engine"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// FormatVersion is written into every JSON export
const FormatVersion = "1.0"

// Reader is the read side of the engine an export draws from
type Reader interface {
	ReadLastN(ctx context.Context, inst series.Instrument, resolution string, n int) ([]engine.Candle, error)
	ReadRaw(ctx context.Context, inst series.Instrument, n int) ([]series.Tick, error)
}

// Exporter handles exporting candles and raw ticks
type Exporter struct {
	reader Reader
}

// NewExporter creates a new exporter
func NewExporter(reader Reader) *Exporter {
	return &Exporter{reader: reader}
}

// ExportOptions configures the export operation
type ExportOptions struct {
	Instrument series.Instrument

	// Resolution selects candles; empty exports the raw series
	Resolution string

	// Newest rows to include; 0 exports every row still retained
	Limit int

	// Format: "json" or "csv"
	Format string
}

func (o ExportOptions) rows() int {
	if o.Limit <= 0 {
		return math.MaxInt
	}
	return o.Limit
}

// ExportResult contains stats about the export
type ExportResult struct {
	RowsExported int       `json:"rows_exported"`
	Instrument   string    `json:"instrument"`
	Resolution   string    `json:"resolution,omitempty"`
	Format       string    `json:"format"`
	ExportedAt   time.Time `json:"exported_at"`
}

// Metadata heads a JSON export
type Metadata struct {
	ExportedAt time.Time `json:"exported_at"`
	Category   string    `json:"category"`
	Symbol     string    `json:"symbol"`
	Resolution string    `json:"resolution,omitempty"`
	Count      int       `json:"count"`
	Version    string    `json:"version"`
}

// Document is the JSON export layout. Raw exports carry Ticks and can be
// imported again; candle exports carry Candles.
type Document struct {
	Metadata Metadata        `json:"metadata"`
	Ticks    []series.Tick   `json:"ticks,omitempty"`
	Candles  []engine.Candle `json:"candles,omitempty"`
}

// Export writes the selected series to w in opts.Format
func (e *Exporter) Export(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	switch opts.Format {
	case "", "json":
		return e.ExportToJSON(ctx, w, opts)
	case "csv":
		return e.ExportToCSV(ctx, w, opts)
	default:
		return nil, fmt.Errorf("unsupported format %q", opts.Format)
	}
}

// ExportToJSON exports the series as an indented JSON document
func (e *Exporter) ExportToJSON(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	doc := Document{Metadata: Metadata{
		ExportedAt: time.Now().UTC(),
		Category:   opts.Instrument.Category,
		Symbol:     opts.Instrument.Symbol,
		Resolution: opts.Resolution,
		Version:    FormatVersion,
	}}

	if opts.Resolution == "" {
		ticks, err := e.reader.ReadRaw(ctx, opts.Instrument, opts.rows())
		if err != nil {
			return nil, fmt.Errorf("failed to read raw ticks: %w", err)
		}
		doc.Ticks = ticks
		doc.Metadata.Count = len(ticks)
	} else {
		candles, err := e.reader.ReadLastN(ctx, opts.Instrument, opts.Resolution, opts.rows())
		if err != nil {
			return nil, fmt.Errorf("failed to read candles: %w", err)
		}
		doc.Candles = candles
		doc.Metadata.Count = len(candles)
	}

	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return nil, fmt.Errorf("failed to encode JSON: %w", err)
	}

	return &ExportResult{
		RowsExported: doc.Metadata.Count,
		Instrument:   opts.Instrument.String(),
		Resolution:   opts.Resolution,
		Format:       "json",
		ExportedAt:   doc.Metadata.ExportedAt,
	}, nil
}

// ExportToCSV exports the series as CSV rows, oldest first
func (e *Exporter) ExportToCSV(ctx context.Context, w io.Writer, opts ExportOptions) (*ExportResult, error) {
	var (
		header []string
		rows   [][]string
	)

	if opts.Resolution == "" {
		ticks, err := e.reader.ReadRaw(ctx, opts.Instrument, opts.rows())
		if err != nil {
			return nil, fmt.Errorf("failed to read raw ticks: %w", err)
		}
		header = []string{"timestamp", "value"}
		for _, t := range ticks {
			rows = append(rows, []string{formatInt(t.Timestamp), formatFloat(t.Value)})
		}
	} else {
		candles, err := e.reader.ReadLastN(ctx, opts.Instrument, opts.Resolution, opts.rows())
		if err != nil {
			return nil, fmt.Errorf("failed to read candles: %w", err)
		}
		header = []string{"bucket_start", "open", "high", "low", "close", "samples"}
		for _, c := range candles {
			rows = append(rows, []string{
				formatInt(c.BucketStart),
				formatFloat(c.Open),
				formatFloat(c.High),
				formatFloat(c.Low),
				formatFloat(c.Close),
				strconv.Itoa(c.Samples),
			})
		}
	}

	writer := csv.NewWriter(w)
	if err := writer.Write(header); err != nil {
		return nil, fmt.Errorf("failed to write CSV header: %w", err)
	}
	if err := writer.WriteAll(rows); err != nil {
		return nil, fmt.Errorf("failed to write CSV rows: %w", err)
	}

	return &ExportResult{
		RowsExported: len(rows),
		Instrument:   opts.Instrument.String(),
		Resolution:   opts.Resolution,
		Format:       "csv",
		ExportedAt:   time.Now().UTC(),
	}, nil
}

func formatInt(v int64) string     { return strconv.FormatInt(v, 10) }
func formatFloat(v float64) string { return strconv.FormatFloat(v, 'f', -1, 64) }
