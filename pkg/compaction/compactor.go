package compaction

import (
	"github.com/nicktill/tinyohlc/pkg/series"
)

// AlignBucket maps a timestamp onto the start of its bucket.
// Floor division keeps negative timestamps in the bucket below them.
func AlignBucket(ts, width int64) int64 {
	if width <= 0 {
		return ts
	}
	q := ts / width
	if ts%width != 0 && ts < 0 {
		q--
	}
	return q * width
}

// Cutoff returns the oldest timestamp still inside a retention window
// ending at now. Zero retention keeps everything.
func Cutoff(now, retentionSecs int64) (int64, bool) {
	if retentionSecs <= 0 {
		return 0, false
	}
	return now - retentionSecs, true
}

// Fold applies one tick to the existing point of a bucket.
//
// For a new bucket every aggregation starts from the tick value. For an
// existing bucket:
//   - first: replaced only by a strictly earlier tick, so equal
//     timestamps keep the first arrival
//   - last: replaced by any tick at or after the latest seen timestamp
//   - max/min: running extremum
//
// SampleCount always grows by one.
func (a Aggregation) Fold(p Point, exists bool, bucketStart int64, t series.Tick) Point {
	if !exists {
		return Point{
			BucketStart: bucketStart,
			Value:       t.Value,
			SampleCount: 1,
			EarliestTS:  t.Timestamp,
			LatestTS:    t.Timestamp,
		}
	}

	switch a {
	case AggFirst:
		if t.Timestamp < p.EarliestTS {
			p.Value = t.Value
		}
	case AggLast:
		if t.Timestamp >= p.LatestTS {
			p.Value = t.Value
		}
	case AggMax:
		if t.Value > p.Value {
			p.Value = t.Value
		}
	case AggMin:
		if t.Value < p.Value {
			p.Value = t.Value
		}
	}

	if t.Timestamp < p.EarliestTS {
		p.EarliestTS = t.Timestamp
	}
	if t.Timestamp > p.LatestTS {
		p.LatestTS = t.Timestamp
	}
	p.SampleCount++
	return p
}
