package retrysweeper

import (
	"fmt"
	"reflect"
	"time"

	"github.com/c360studio/semstreams/component"

	"github.com/c360studio/semflow/config"
)

// sweeperSchema defines the configuration schema.
var sweeperSchema = component.GenerateConfigSchema(reflect.TypeOf(Config{}))

// Config holds configuration for the retry sweeper.
type Config struct {
	// CheckInterval is how often pending tasks are scanned.
	CheckInterval time.Duration `json:"check_interval"`

	// RedispatchAfter is how long a sub-task may wait for its result
	// before it is sent again.
	RedispatchAfter time.Duration `json:"redispatch_after"`

	// MaxAttempts caps dispatches per sub-task. Zero means unlimited.
	MaxAttempts int `json:"max_attempts"`

	// RatePerSecond and Burst limit re-dispatches across all tasks.
	RatePerSecond float64 `json:"rate_per_second"`
	Burst         int     `json:"burst"`

	// Ports contains input/output port definitions.
	Ports *component.PortConfig `json:"ports,omitempty"`
}

// DefaultConfig returns the defaults of the sweeper section.
func DefaultConfig() Config {
	c := FromConfig(config.DefaultConfig().Sweeper)
	c.Ports = &component.PortConfig{
		Inputs: []component.PortDefinition{
			{
				Name:        "pending-tasks",
				Type:        "store",
				Subject:     "tasks.pending",
				Description: "Pending tasks listed from the store",
				Required:    true,
			},
		},
		Outputs: []component.PortDefinition{
			{
				Name:        "redispatch",
				Type:        "jetstream",
				Subject:     "*.request.>",
				Description: "Sub-task requests sent again",
				Required:    true,
			},
			{
				Name:        "task-failures",
				Type:        "jetstream",
				Subject:     "*.result.>",
				Description: "Failure responses for expired or exhausted tasks",
				Required:    true,
			},
		},
	}
	return c
}

// FromConfig converts the file configuration.
func FromConfig(c config.SweeperConfig) Config {
	return Config{
		CheckInterval:   c.CheckInterval,
		RedispatchAfter: c.RedispatchAfter,
		MaxAttempts:     c.MaxAttempts,
		RatePerSecond:   c.RatePerSecond,
		Burst:           c.Burst,
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CheckInterval <= 0 {
		return fmt.Errorf("check_interval must be positive")
	}
	if c.RedispatchAfter <= 0 {
		return fmt.Errorf("redispatch_after must be positive")
	}
	if c.MaxAttempts < 0 {
		return fmt.Errorf("max_attempts must not be negative")
	}
	if c.RatePerSecond <= 0 {
		return fmt.Errorf("rate_per_second must be positive")
	}
	return nil
}
