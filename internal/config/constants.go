package config

import "time"

// Database connection pool settings
const (
	DBMaxOpenConns    = 25
	DBMaxIdleConns    = 5
	DBConnMaxLifetime = 5 * time.Minute
)

// HTTP server timeouts
const (
	ServerRequestTimeout  = 60 * time.Second
	ServerReadTimeout     = 15 * time.Second
	ServerIdleTimeout     = 120 * time.Second
	ServerShutdownTimeout = 30 * time.Second
)

// Database ping timeout for health checks
const DBPingTimeout = 5 * time.Second

// Background sweeper interval
const SweeperInterval = 3 * time.Minute

// Relay delivery
const (
	// PollInterval is the fallback poll cadence; the poll path alone must
	// be enough for the protocol to make progress.
	PollInterval = 500 * time.Millisecond
	// DedupRetention bounds the per-feed processed-id set: ids older than
	// the signal retention window can no longer be re-delivered.
	DedupRetention = 60 * time.Second
)

// Session lifecycle
const (
	// DeviceLivenessTimeout marks a device offline after missed heartbeats.
	DeviceLivenessTimeout = 2 * time.Minute
	// TerminalSessionRetention before ended/expired sessions are hard-deleted.
	TerminalSessionRetention = 24 * time.Hour
	// MaxConcurrentSessions a controller-side multiplexer will hold open.
	MaxConcurrentSessions = 6
)

// Default rate limiting
const DefaultRateLimitPerMin = 120
