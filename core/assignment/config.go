package assignment

import (
	"errors"
	"time"

	"github.com/kilianp07/qgdispatch/core/broker"
	"github.com/kilianp07/qgdispatch/core/model"
)

// Config tunes the acknowledgment protocol.
type Config struct {
	MaxAttempts        int    `json:"max_attempts"`
	RetryDelayMS       int    `json:"retry_delay_ms"`
	EngagedStatusLabel string `json:"engaged_status_label"`
	CommandQueue       string `json:"command_queue"`
	PublishTimeoutMS   int    `json:"publish_timeout_ms"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = 5
	}
	if c.RetryDelayMS <= 0 {
		c.RetryDelayMS = 1000
	}
	if c.EngagedStatusLabel == "" {
		c.EngagedStatusLabel = model.StatusEngaged
	}
	if c.CommandQueue == "" {
		c.CommandQueue = broker.QueueVehicleAssignments
	}
	if c.PublishTimeoutMS <= 0 {
		c.PublishTimeoutMS = 5000
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.MaxAttempts <= 0 {
		return errors.New("max_attempts must be positive")
	}
	if c.EngagedStatusLabel == "" {
		return errors.New("engaged_status_label required")
	}
	return nil
}

// RetryDelay is the wait between two status polls.
func (c Config) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelayMS) * time.Millisecond
}

// PublishTimeout bounds one command publish.
func (c Config) PublishTimeout() time.Duration {
	return time.Duration(c.PublishTimeoutMS) * time.Millisecond
}
