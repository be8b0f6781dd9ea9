package config

import "time"

// Sync Orchestrator
const (
	// ReorgSafeDepth is the number of blocks below the chain tip past which
	// stream progress is persisted. Events inside the window are enqueued but
	// do not advance the resume point, so a disconnect never skips a
	// reorganised tail.
	ReorgSafeDepth = 6

	DefaultBatchSize  = 20
	QueueIdleInterval = 100 * time.Millisecond
	ShutdownTimeout   = 30 * time.Second
)

// Indexer Endpoints
const (
	BeefPath        = "/api/beef"
	OwnerSyncPath   = "/api/owner/sync"
	OrdfsPath       = "/api/ordfs"
	ContentPath     = "/content"
	Bsv21Path       = "/api/bsv21"
	ChaintracksPath = "/api/chaintracks"
	ArcadePath      = "/api/arcade/tx"
)

// Indexer Client
const (
	IndexerRequestTimeout = 30 * time.Second
	IndexerRateLimit      = 20 // requests per second
)

// Parser
const (
	// MaxEagerContentBytes caps the inline content the origin decoder fetches
	// into IndexData.Content and the writer copies into customInstructions.
	MaxEagerContentBytes = 1000
)

// Queue backends
const (
	QueueBackendSQLite = "sqlite"
	QueueBackendPebble = "pebble"

	// QueueStorePrefix scopes the per-account queue store name:
	// "sync-queue-<accountId>".
	QueueStorePrefix = "sync-queue-"
)

// Database
const (
	DBBusyTimeout = 5000 // milliseconds
)

// Server
const (
	ServerReadTimeout    = 30 * time.Second
	ServerWriteTimeout   = 60 * time.Second
	ServerIdleTimeout    = 120 * time.Second
	ServerMaxHeaderBytes = 1 << 20
	SSEHubChannelBuffer  = 64
	SSEKeepAliveInterval = 15 * time.Second
)

// Logging
const (
	LogFilePattern = "satsync-%s-%s.log" // %s = YYYY-MM-DD, level
	LogFilePrefix  = "satsync-"
	LogMaxAgeDays  = 30
)
