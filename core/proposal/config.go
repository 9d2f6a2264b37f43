package proposal

import (
	"errors"
	"time"
)

// Config controls proposal auto-acceptance.
type Config struct {
	AutoAcceptDelaySecs int  `json:"auto_accept_delay_secs"`
	DisableAutoAccept   bool `json:"disable_auto_accept"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.AutoAcceptDelaySecs == 0 {
		c.AutoAcceptDelaySecs = 120
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.AutoAcceptDelaySecs < 0 {
		return errors.New("auto_accept_delay_secs must not be negative")
	}
	return nil
}

// AutoAcceptDelay is the delay before an untouched proposal is validated.
func (c Config) AutoAcceptDelay() time.Duration {
	return time.Duration(c.AutoAcceptDelaySecs) * time.Second
}
