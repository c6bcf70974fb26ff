package config

import (
	"fmt"

	"github.com/go-playground/validator/v10"
)

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// Validate checks every struct tag across Config's embedded sections and
// enforces the one cross-field rule struct tags cannot express: the stale
// instance threshold, when set, must exceed the lease duration, or an
// instance would be reaped while its own leases are still technically live.
func Validate(cfg *Config) error {
	if err := structValidator.Struct(cfg); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if cfg.Topology.StaleThresholdSeconds > 0 && cfg.Topology.StaleThresholdSeconds <= cfg.Topology.LeaseSeconds {
		return fmt.Errorf("config: topology.stale_threshold_seconds (%d) must exceed topology.lease_seconds (%d)",
			cfg.Topology.StaleThresholdSeconds, cfg.Topology.LeaseSeconds)
	}
	return nil
}
