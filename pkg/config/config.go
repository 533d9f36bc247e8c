package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
	ShutdownTimeout     = 10 * time.Second
)

// Background task intervals
const (
	SweepInterval    = 1 * time.Minute
	BadgerGCInterval = 10 * time.Minute
)

// Query timeouts and defaults
const (
	QueryTimeout       = 10 * time.Second
	QueryDefaultPoints = 100
	QueryMaxPoints     = 5000
)

// Ingest timeouts and limits
const (
	IngestTimeout         = 5 * time.Second
	IngestStatsTimeout    = 5 * time.Second
	IngestMaxBodyBytes    = 5 << 20
	IngestMaxTicksPerCall = 1000
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSMaxFilters      = 64
	WSChannelBuffer   = 16
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)
