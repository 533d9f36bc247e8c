/*
Package compaction defines how raw ticks are folded into coarser OHLC series.

# Resolutions and Rules

A resolution is a named bucket width plus a retention window:

	{Name: "1m", BucketWidthSecs: 60,    RetentionSecs: 86400}
	{Name: "1h", BucketWidthSecs: 3600,  RetentionSecs: 2592000}

Each resolution expands into four compaction rules, one per candle line. The
line decides the aggregation and the mapping is fixed:

	open  → first
	high  → max
	low   → min
	close → last

Rules for an instrument are immutable. Changing the bucket width of "1m"
means registering a new resolution name.

# Bucket Alignment

Every tick belongs to exactly one bucket per resolution:

	bucket_start = floor(timestamp / width) * width

	ts=1716178815, width=60   → 1716178800
	ts=1716178815, width=180  → 1716178680
	ts=-1,         width=60   → -60

# Incremental Folding

Buckets are never recomputed from raw history. Each incoming tick is folded
into the stored point of its bucket:

	existing {value: 28344, earliest: 800, latest: 805}
	tick     {ts: 815, value: 28011}

	first → 28344  (815 is not earlier than 800)
	last  → 28011  (815 >= 805)
	max   → 28344
	min   → 28011

Earliest and latest timestamps travel with the point, so late ticks still
produce the right open and close. Two ticks with the same timestamp keep the
first arrival as the open and the last arrival as the close.

Buckets never close. A late tick reopens its bucket and the engine notifies
again for the same bucket_start; consumers overwrite.
*/
package compaction
