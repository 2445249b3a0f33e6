package config

import "time"

// Server defaults
const (
	DefaultPort         = "8080"
	DefaultMaxStorageGB = 1
	DefaultMaxMemoryMB  = 48
)

// Background job intervals
const (
	BadgerGCInterval     = 10 * time.Minute
	ShiftExpandInterval  = 1 * time.Hour
	DefaultJobTimeout    = 2 * time.Minute
	DefaultShiftHorizon  = 7 * 24 * time.Hour
	DefaultLifecycleTick = 1 * time.Hour
)

// Read timeouts and limits
const (
	QueryTimeout       = 30 * time.Second
	QueryMaxRange      = 90 * 24 * time.Hour
	QueryMaxRangeItems = 5000
)

// Ingest timeouts and limits
const (
	IngestTimeout         = 5 * time.Second
	IngestMaxBodyBytes    = 1 << 20
	IngestMaxEventsPerReq = 1000
	IngestMaxReasonLength = 128

	// stream consumers retry a message the store failed on
	StreamRetryBackoff    = time.Second
	StreamMaxRetryBackoff = 30 * time.Second
)

// WebSocket configuration
const (
	WSReadBufferSize  = 1024
	WSWriteBufferSize = 1024
	WSBroadcastBuffer = 256
	WSChannelBuffer   = 10
	WSWriteDeadline   = 10 * time.Second
	WSReadDeadline    = 60 * time.Second
	WSPingInterval    = 30 * time.Second
)

// Retry backoff for scheduled jobs
const (
	JobMaxRetries   = 3
	JobBaseBackoff  = 30 * time.Second
	JobHealthWindow = 3
)
