package pool

import (
	"fmt"
	"time"
)

// Config configures a connection pool.
type Config struct {
	// MinSize is the number of connections kept open at all times.
	MinSize int `yaml:"min_size" mapstructure:"min_size" validate:"gt=0"`
	// MaxSize is the hard cap on open connections.
	MaxSize int `yaml:"max_size" mapstructure:"max_size" validate:"gt=0"`
	// MaxIdleDuration retires idle connections older than this, down to MinSize.
	MaxIdleDuration time.Duration `yaml:"max_idle_duration" mapstructure:"max_idle_duration"`
	// HealthCheckInterval is the cadence of the idle-connection probe loop.
	HealthCheckInterval time.Duration `yaml:"health_check_interval" mapstructure:"health_check_interval"`
	// AcquireTimeout bounds how long Acquire waits for a free connection.
	AcquireTimeout time.Duration `yaml:"acquire_timeout" mapstructure:"acquire_timeout"`
	// RetryAttempts is the number of connection-creation attempts before
	// the failure surfaces to the acquirer.
	RetryAttempts int `yaml:"retry_attempts" mapstructure:"retry_attempts"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		MinSize:             2,
		MaxSize:             10,
		MaxIdleDuration:     5 * time.Minute,
		HealthCheckInterval: 30 * time.Second,
		AcquireTimeout:      5 * time.Second,
		RetryAttempts:       3,
	}
}

// ApplyDefaults fills zero-valued fields.
func (c *Config) ApplyDefaults() {
	d := DefaultConfig()
	if c.MinSize <= 0 {
		c.MinSize = d.MinSize
	}
	if c.MaxSize <= 0 {
		c.MaxSize = d.MaxSize
	}
	if c.MaxIdleDuration <= 0 {
		c.MaxIdleDuration = d.MaxIdleDuration
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = d.HealthCheckInterval
	}
	if c.AcquireTimeout <= 0 {
		c.AcquireTimeout = d.AcquireTimeout
	}
	if c.RetryAttempts <= 0 {
		c.RetryAttempts = d.RetryAttempts
	}
}

// Validate enforces the pool sizing invariant 0 < MinSize <= MaxSize.
func (c *Config) Validate() error {
	if c.MinSize <= 0 {
		return fmt.Errorf("pool.min_size must be positive (got %d)", c.MinSize)
	}
	if c.MaxSize < c.MinSize {
		return fmt.Errorf("pool.max_size (%d) must be >= pool.min_size (%d)", c.MaxSize, c.MinSize)
	}
	return nil
}
