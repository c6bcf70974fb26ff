package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/whizbang-io/whizbang/pkg/database"
)

// document is the on-disk YAML shape, parsed before defaults are applied
// and the result is validated into a Config.
type document struct {
	Database database.Config `yaml:"database"`
	Topology TopologyConfig  `yaml:"topology"`
	Worker   WorkerConfig    `yaml:"worker"`
	Logging  LoggingConfig   `yaml:"logging"`
}

// defaultDocument returns the built-in defaults applied before the user's
// YAML is merged on top, mirroring the teacher's "built-in, then override"
// load order.
func defaultDocument() document {
	return document{
		Database: database.Config{
			Host:            "localhost",
			Port:            5432,
			User:            "whizbang",
			Database:        "whizbang",
			SSLMode:         "disable",
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: time.Hour,
			ConnMaxIdleTime: 10 * time.Minute,
		},
		Topology: TopologyConfig{
			PartitionCount:         16,
			LeaseSeconds:           30,
			StaleThresholdSeconds:  90,
			ClaimQuotaPerPartition: 100,
		},
		Worker: WorkerConfig{
			ServiceName:         "whizbang",
			PollInterval:        time.Second,
			BatchFlushInterval:  500 * time.Millisecond,
			BatchFlushSize:      50,
			ChannelCapacity:     256,
			MaxDeliveryAttempts: 5,
		},
		Logging: LoggingConfig{
			SQLLogLevel: 1,
		},
	}
}

// Initialize loads whizbang.yaml from configPath, expands environment
// variables, merges it over the built-in defaults, and validates the
// result. This is the sole entry point used by cmd/whizbangd and
// cmd/whizbangctl.
func Initialize(_ context.Context, configPath string) (*Config, error) {
	log := slog.With("config_path", configPath)
	log.Info("loading configuration")

	doc := defaultDocument()
	data, err := os.ReadFile(configPath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, NewLoadError(configPath, err)
		}
		log.Warn("config file not found, using built-in defaults")
	} else {
		data = ExpandEnv(data)
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, NewLoadError(configPath, fmt.Errorf("%w: %v", ErrInvalidYAML, err))
		}
	}

	cfg := &Config{
		configPath: configPath,
		Database:   doc.Database,
		Topology:   doc.Topology,
		Worker:     doc.Worker,
		Logging:    doc.Logging,
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
	}

	log.Info("configuration loaded",
		"partition_count", cfg.Topology.PartitionCount,
		"lease_seconds", cfg.Topology.LeaseSeconds,
		"poll_interval", cfg.Worker.PollInterval,
	)
	return cfg, nil
}
