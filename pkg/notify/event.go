package notify

import (
	"strings"

	"github.com/nicktill/tinyohlc/pkg/compaction"
	"github.com/nicktill/tinyohlc/pkg/series"
)

// Event announces that one or more lines of a candle changed.
// It carries no values; subscribers pull the candle from the engine.
type Event struct {
	Instrument   series.Instrument `json:"instrument"`
	Resolution   string            `json:"resolution"`
	BucketStart  int64             `json:"bucket_start"`
	ChangedLines []compaction.Line `json:"changed_lines"`
}

// Filter selects events by instrument and resolution. An empty Resolution
// matches every resolution of the instrument; a zero Instrument matches
// every instrument.
type Filter struct {
	Instrument series.Instrument
	Resolution string
}

// Matches reports whether the event passes the filter
func (f Filter) Matches(e Event) bool {
	if !f.Instrument.IsZero() && f.Instrument != e.Instrument {
		return false
	}
	return f.Resolution == "" || f.Resolution == e.Resolution
}

// ParseFilter parses "category:symbol" or "category:symbol:resolution"
func ParseFilter(s string) (Filter, error) {
	parts := strings.SplitN(s, ":", 3)
	inst, err := series.ParseInstrument(strings.Join(parts[:min(len(parts), 2)], ":"))
	if err != nil {
		return Filter{}, err
	}

	f := Filter{Instrument: inst}
	if len(parts) == 3 {
		f.Resolution = strings.TrimSpace(parts[2])
	}
	return f, nil
}
