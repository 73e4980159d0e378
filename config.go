package parquedb

import (
	"fmt"
	"time"
)

// StorageConfig configures the pluggable Storage Backend (§4.3).
type StorageConfig struct {
	// Backend selects "local", "s3", or "postgres".
	Backend string

	// LocalRoot is the filesystem root used when Backend == "local".
	LocalRoot string

	// S3Bucket / S3Prefix are used when Backend == "s3".
	S3Bucket string
	S3Prefix string
	S3Region string

	// PostgresDSN / PostgresUseIAMAuth are used when Backend == "postgres".
	PostgresDSN        string
	PostgresUseIAMAuth bool

	// CircuitBreakerWindow is the sliding window used to trip the breaker
	// after repeated Unavailable errors from a remote backend.
	CircuitBreakerWindow    time.Duration
	CircuitBreakerThreshold int
	CircuitBreakerCooldown  time.Duration
}

// WALConfig configures the Event Log / WAL (§4.6).
type WALConfig struct {
	Codec            string // "lz4", "gzip", "zlib", "snappy", "none"
	FlushMaxEvents   int
	FlushMaxBytes    int64
	FlushInterval    time.Duration
	NamespaceBuffers int
}

// RowGroupConfig configures the Row-Group Lifecycle (§4.7).
type RowGroupConfig struct {
	TargetRowsPerGroup int
	MaxPendingRows     int
	MaxPendingAge      time.Duration
}

// QueryConfig configures the Query Engine (§4.8).
type QueryConfig struct {
	MaxParallelRowGroupReads int
	DefaultLimit             int
	MaxLimit                 int
}

// MergeConfig configures the Merge Engine (§4.10).
type MergeConfig struct {
	MaxAncestorSearchDepth int
}

// MVConfig configures the Materialized View Refresh Engine (§4.11).
type MVConfig struct {
	RefreshMode    string // "streaming", "scheduled", "full"
	ScheduledEvery time.Duration
	RingBufferSize int
	BucketWidth    time.Duration
}

// SubscriptionConfig configures the Subscription Manager (§4.12).
type SubscriptionConfig struct {
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	ResumeBufferSize  int
}

// Config is the root configuration object for a ParqueDB instance, assembled
// in Go by the caller rather than parsed from a config file.
type Config struct {
	Storage      StorageConfig
	WAL          WALConfig
	RowGroup     RowGroupConfig
	Query        QueryConfig
	Merge        MergeConfig
	MV           MVConfig
	Subscription SubscriptionConfig
}

// DefaultConfig returns a Config with production-reasonable defaults.
func DefaultConfig() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:                 "local",
			LocalRoot:               "./data",
			CircuitBreakerWindow:    30 * time.Second,
			CircuitBreakerThreshold: 5,
			CircuitBreakerCooldown:  10 * time.Second,
		},
		WAL: WALConfig{
			Codec:            "lz4",
			FlushMaxEvents:   1000,
			FlushMaxBytes:    8 << 20,
			FlushInterval:    5 * time.Second,
			NamespaceBuffers: 16,
		},
		RowGroup: RowGroupConfig{
			TargetRowsPerGroup: 128 * 1024,
			MaxPendingRows:     8192,
			MaxPendingAge:      time.Minute,
		},
		Query: QueryConfig{
			MaxParallelRowGroupReads: 8,
			DefaultLimit:             100,
			MaxLimit:                 10000,
		},
		Merge: MergeConfig{
			MaxAncestorSearchDepth: 10000,
		},
		MV: MVConfig{
			RefreshMode:    "streaming",
			ScheduledEvery: time.Minute,
			RingBufferSize: 4096,
			BucketWidth:    time.Minute,
		},
		Subscription: SubscriptionConfig{
			HeartbeatInterval: 15 * time.Second,
			HeartbeatTimeout:  45 * time.Second,
			ResumeBufferSize:  1024,
		},
	}
}

// Validate checks the Config for internally-consistent values, returning a
// *Error of type ErrorTypeInvariant describing the first problem found.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "local":
		if c.Storage.LocalRoot == "" {
			return NewInvariantError("storage.local_root must be set for the local backend")
		}
	case "s3":
		if c.Storage.S3Bucket == "" {
			return NewInvariantError("storage.s3_bucket must be set for the s3 backend")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return NewInvariantError("storage.postgres_dsn must be set for the postgres backend")
		}
	default:
		return NewInvariantError(fmt.Sprintf("unknown storage backend %q", c.Storage.Backend))
	}

	if c.WAL.FlushMaxEvents <= 0 {
		return NewInvariantError("wal.flush_max_events must be positive")
	}
	if c.RowGroup.TargetRowsPerGroup <= 0 {
		return NewInvariantError("row_group.target_rows_per_group must be positive")
	}
	if c.Query.MaxParallelRowGroupReads <= 0 {
		return NewInvariantError("query.max_parallel_row_group_reads must be positive")
	}
	if c.Query.DefaultLimit > c.Query.MaxLimit {
		return NewInvariantError("query.default_limit cannot exceed query.max_limit")
	}
	switch c.MV.RefreshMode {
	case "streaming", "scheduled", "full":
	default:
		return NewInvariantError(fmt.Sprintf("unknown mv refresh mode %q", c.MV.RefreshMode))
	}
	if c.Subscription.HeartbeatTimeout <= c.Subscription.HeartbeatInterval {
		return NewInvariantError("subscription.heartbeat_timeout must exceed heartbeat_interval")
	}
	return nil
}
