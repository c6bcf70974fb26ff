// Package config loads and validates Whizbang's operational settings: the
// database connection, the coordinator's topology parameters (partition
// count, lease duration, claim quota), and the worker loop's polling and
// batching behavior. There is no per-domain agent/chain registry here —
// Whizbang has one flat settings document, not a plugin catalog.
package config

import (
	"time"

	"github.com/whizbang-io/whizbang/pkg/database"
)

// Config is the fully resolved, validated configuration returned by
// Initialize. It is immutable once built; callers that need a topology
// change must restart with a new Config.
type Config struct {
	configPath string

	Database database.Config
	Topology TopologyConfig
	Worker   WorkerConfig
	Logging  LoggingConfig
}

// TopologyConfig governs how coordinator.Topology is populated for every
// ProcessWorkBatch call.
type TopologyConfig struct {
	PartitionCount         int `yaml:"partition_count" validate:"min=1"`
	LeaseSeconds           int `yaml:"lease_seconds" validate:"min=1"`
	StaleThresholdSeconds  int `yaml:"stale_threshold_seconds" validate:"min=0"`
	ClaimQuotaPerPartition int `yaml:"claim_quota_per_partition" validate:"min=1"`
}

// WorkerConfig governs the worker loop and the coordinator strategy it runs
// against (spec §4.2/§4.9).
type WorkerConfig struct {
	ServiceName         string        `yaml:"service_name" validate:"required"`
	PollInterval        time.Duration `yaml:"poll_interval" validate:"gt=0"`
	BatchFlushInterval  time.Duration `yaml:"batch_flush_interval" validate:"gt=0"`
	BatchFlushSize      int           `yaml:"batch_flush_size" validate:"min=1"`
	ChannelCapacity     int           `yaml:"channel_capacity" validate:"min=1"`
	MaxDeliveryAttempts int           `yaml:"max_delivery_attempts" validate:"min=1"`
}

// LoggingConfig governs pkg/wlog's server-side level gate and the
// process-local slog handler.
type LoggingConfig struct {
	SQLLogLevel int `yaml:"sql_log_level" validate:"min=0,max=3"`
}

// ConfigPath returns the file the configuration was loaded from.
func (c *Config) ConfigPath() string {
	return c.configPath
}
