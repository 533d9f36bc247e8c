package compaction

import (
	"errors"
	"fmt"
	"strings"
)

// ResolutionRaw is the reserved name of the unaggregated tick series
const ResolutionRaw = "raw"

// ErrInvalidResolution is returned when a resolution or rule fails validation
var ErrInvalidResolution = errors.New("invalid resolution")

// Line is one of the four OHLC lines maintained per resolution
type Line uint8

const (
	LineOpen Line = iota
	LineHigh
	LineLow
	LineClose
)

// Lines lists every line in candle order
var Lines = [...]Line{LineOpen, LineHigh, LineLow, LineClose}

func (l Line) String() string {
	switch l {
	case LineOpen:
		return "open"
	case LineHigh:
		return "high"
	case LineLow:
		return "low"
	case LineClose:
		return "close"
	default:
		return fmt.Sprintf("line(%d)", uint8(l))
	}
}

// MarshalText encodes the line by name
func (l Line) MarshalText() ([]byte, error) {
	if l > LineClose {
		return nil, fmt.Errorf("unknown line %d", uint8(l))
	}
	return []byte(l.String()), nil
}

// UnmarshalText decodes a line name
func (l *Line) UnmarshalText(text []byte) error {
	parsed, err := ParseLine(string(text))
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// ParseLine converts a line name into a Line
func ParseLine(s string) (Line, error) {
	switch strings.ToLower(s) {
	case "open":
		return LineOpen, nil
	case "high":
		return LineHigh, nil
	case "low":
		return LineLow, nil
	case "close":
		return LineClose, nil
	}
	return 0, fmt.Errorf("unknown line %q", s)
}

// Aggregation is the function folding ticks into a line's bucket value
type Aggregation uint8

const (
	AggFirst Aggregation = iota
	AggMax
	AggMin
	AggLast
)

func (a Aggregation) String() string {
	switch a {
	case AggFirst:
		return "first"
	case AggMax:
		return "max"
	case AggMin:
		return "min"
	case AggLast:
		return "last"
	default:
		return fmt.Sprintf("aggregation(%d)", uint8(a))
	}
}

// AggregationFor returns the fixed aggregation of a line:
// open→first, high→max, low→min, close→last.
func AggregationFor(l Line) Aggregation {
	switch l {
	case LineOpen:
		return AggFirst
	case LineHigh:
		return AggMax
	case LineLow:
		return AggMin
	default:
		return AggLast
	}
}

// Resolution is a named bucket width + retention pair (e.g. "1m", "1h").
type Resolution struct {
	Name            string `mapstructure:"name" json:"name"`
	BucketWidthSecs int64  `mapstructure:"bucket_width_secs" json:"bucket_width_secs"`
	RetentionSecs   int64  `mapstructure:"retention_secs" json:"retention_secs"` // 0 = keep forever
}

// Validate checks the resolution can be used to derive series
func (r Resolution) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidResolution)
	}
	if r.Name == ResolutionRaw {
		return fmt.Errorf("%w: %q is reserved", ErrInvalidResolution, ResolutionRaw)
	}
	if strings.Contains(r.Name, ":") {
		return fmt.Errorf("%w: %q contains ':'", ErrInvalidResolution, r.Name)
	}
	if r.BucketWidthSecs <= 0 {
		return fmt.Errorf("%w: %s bucket width must be positive, got %d", ErrInvalidResolution, r.Name, r.BucketWidthSecs)
	}
	if r.RetentionSecs < 0 {
		return fmt.Errorf("%w: %s retention must not be negative, got %d", ErrInvalidResolution, r.Name, r.RetentionSecs)
	}
	if r.RetentionSecs > 0 && r.RetentionSecs < r.BucketWidthSecs {
		return fmt.Errorf("%w: %s retention %ds is shorter than one bucket", ErrInvalidResolution, r.Name, r.RetentionSecs)
	}
	return nil
}

// Rule is the declarative compaction descriptor for one destination line.
type Rule struct {
	Line            Line
	Aggregation     Aggregation
	BucketWidthSecs int64
	RetentionSecs   int64
}

// Validate enforces the fixed line→aggregation mapping
func (r Rule) Validate() error {
	if r.Line > LineClose {
		return fmt.Errorf("%w: unknown line %d", ErrInvalidResolution, uint8(r.Line))
	}
	if want := AggregationFor(r.Line); r.Aggregation != want {
		return fmt.Errorf("%w: line %s must use %s, got %s", ErrInvalidResolution, r.Line, want, r.Aggregation)
	}
	if r.BucketWidthSecs <= 0 || r.RetentionSecs < 0 {
		return fmt.Errorf("%w: width %d retention %d", ErrInvalidResolution, r.BucketWidthSecs, r.RetentionSecs)
	}
	return nil
}

// Rules expands a resolution into its four line rules, in candle order
func (r Resolution) Rules() [4]Rule {
	var rules [4]Rule
	for i, l := range Lines {
		rules[i] = Rule{
			Line:            l,
			Aggregation:     AggregationFor(l),
			BucketWidthSecs: r.BucketWidthSecs,
			RetentionSecs:   r.RetentionSecs,
		}
	}
	return rules
}

// Point is one aggregated value of a derived series, keyed by bucket start.
//
// EarliestTS and LatestTS record the tick timestamps seen for the bucket so
// that first/last stay correct when ticks arrive out of order. They are
// internal state and never part of a candle row.
type Point struct {
	BucketStart int64   `json:"bucket_start"`
	Value       float64 `json:"value"`
	SampleCount int     `json:"sample_count"`
	EarliestTS  int64   `json:"earliest_ts"`
	LatestTS    int64   `json:"latest_ts"`
}

// DefaultResolutions returns the resolutions used when none are configured.
func DefaultResolutions() []Resolution {
	return []Resolution{
		{Name: "1m", BucketWidthSecs: 60, RetentionSecs: 24 * 3600},
		{Name: "3m", BucketWidthSecs: 180, RetentionSecs: 3 * 24 * 3600},
		{Name: "1h", BucketWidthSecs: 3600, RetentionSecs: 30 * 24 * 3600},
		{Name: "1d", BucketWidthSecs: 86400, RetentionSecs: 365 * 24 * 3600},
	}
}
