package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/whizbang-io/whizbang/pkg/database"
)

func validConfig() *Config {
	return &Config{
		Database: database.Config{
			Host: "localhost", Port: 5432, User: "whizbang", Database: "whizbang",
			MaxOpenConns: 10,
		},
		Topology: TopologyConfig{
			PartitionCount: 16, LeaseSeconds: 30, StaleThresholdSeconds: 90, ClaimQuotaPerPartition: 100,
		},
		Worker: WorkerConfig{
			ServiceName: "whizbang", PollInterval: time.Second, BatchFlushInterval: 500 * time.Millisecond,
			BatchFlushSize: 50, ChannelCapacity: 256, MaxDeliveryAttempts: 5,
		},
		Logging: LoggingConfig{SQLLogLevel: 1},
	}
}

func TestValidateAcceptsWellFormedConfig(t *testing.T) {
	require.NoError(t, Validate(validConfig()))
}

func TestValidateRejectsZeroPartitionCount(t *testing.T) {
	cfg := validConfig()
	cfg.Topology.PartitionCount = 0
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsMissingServiceName(t *testing.T) {
	cfg := validConfig()
	cfg.Worker.ServiceName = ""
	assert.Error(t, Validate(cfg))
}

func TestValidateRejectsStaleThresholdNotExceedingLease(t *testing.T) {
	cfg := validConfig()
	cfg.Topology.LeaseSeconds = 60
	cfg.Topology.StaleThresholdSeconds = 60
	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "stale_threshold_seconds")
}

func TestValidateAllowsDisabledStaleThreshold(t *testing.T) {
	cfg := validConfig()
	cfg.Topology.StaleThresholdSeconds = 0
	require.NoError(t, Validate(cfg))
}

func TestValidateRejectsInvalidSQLLogLevel(t *testing.T) {
	cfg := validConfig()
	cfg.Logging.SQLLogLevel = 9
	assert.Error(t, Validate(cfg))
}
