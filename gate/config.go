package gate

import (
	"fmt"
	"time"

	"github.com/kbukum/conngate/config"
	"github.com/kbukum/conngate/health"
	"github.com/kbukum/conngate/pool"
	"github.com/kbukum/conngate/quota"
	"github.com/kbukum/conngate/scheduler"
)

// BreakerSettings is the file-loadable subset of the circuit breaker
// configuration.
type BreakerSettings struct {
	FailureThreshold   int           `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ErrorRateThreshold float64       `yaml:"error_rate_threshold" mapstructure:"error_rate_threshold"`
	MinSamples         int           `yaml:"min_samples" mapstructure:"min_samples"`
	WindowSize         int           `yaml:"window_size" mapstructure:"window_size"`
	RecoveryTimeout    time.Duration `yaml:"recovery_timeout" mapstructure:"recovery_timeout"`
	SuccessThreshold   int           `yaml:"success_threshold" mapstructure:"success_threshold"`
	CallTimeout        time.Duration `yaml:"call_timeout" mapstructure:"call_timeout"`
}

// Config is the full gateway configuration.
type Config struct {
	config.ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Pool      pool.Config      `yaml:"pool" mapstructure:"pool"`
	Breaker   BreakerSettings  `yaml:"breaker" mapstructure:"breaker"`
	Scheduler scheduler.Config `yaml:"scheduler" mapstructure:"scheduler"`
	Quota     quota.Config     `yaml:"quota" mapstructure:"quota"`
	Health    health.Config    `yaml:"health" mapstructure:"health"`
}

// DefaultConfig returns a complete development configuration.
func DefaultConfig() Config {
	cfg := Config{
		Pool:      pool.Config{MinSize: 2, MaxSize: 8},
		Scheduler: scheduler.DefaultConfig(),
		Quota:     quota.DefaultConfig(),
		Health:    health.DefaultConfig(),
	}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero-valued fields in every section.
func (c *Config) ApplyDefaults() {
	c.ServiceConfig.ApplyDefaults()
	c.Pool.ApplyDefaults()
	c.Scheduler.ApplyDefaults()
	c.Quota.ApplyDefaults()
	c.Health.ApplyDefaults()

	if c.Breaker.FailureThreshold <= 0 {
		c.Breaker.FailureThreshold = 5
	}
	if c.Breaker.RecoveryTimeout <= 0 {
		c.Breaker.RecoveryTimeout = 30 * time.Second
	}
}

// Validate checks every section, including the cross-field pool
// invariant 0 < min_size <= max_size.
func (c *Config) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if err := c.Pool.Validate(); err != nil {
		return fmt.Errorf("config.pool: %w", err)
	}
	if err := config.ValidateStruct(c.Scheduler); err != nil {
		return fmt.Errorf("config.scheduler: %w", err)
	}
	if c.Breaker.ErrorRateThreshold < 0 || c.Breaker.ErrorRateThreshold > 1 {
		return fmt.Errorf("config.breaker: error_rate_threshold must be in [0, 1] (got: %g)", c.Breaker.ErrorRateThreshold)
	}
	return nil
}
