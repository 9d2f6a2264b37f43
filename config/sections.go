package config

import (
	"fmt"
	"time"
)

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// StorageConfig selects the persistence backend.
type StorageConfig struct {
	Driver string `json:"driver"`
}

// SetDefaults applies sane defaults.
func (c *StorageConfig) SetDefaults() {
	if c.Driver == "" {
		c.Driver = StoragePostgres
	}
}

// Validate checks mandatory fields.
func (c StorageConfig) Validate() error {
	if c.Driver != StoragePostgres && c.Driver != StorageMemory {
		return fmt.Errorf("unknown storage driver %s", c.Driver)
	}
	return nil
}

// HTTPConfig configures the HTTP API server.
type HTTPConfig struct {
	Addr                string `json:"addr"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	ShutdownTimeoutSecs int    `json:"shutdown_timeout_seconds"`
}

// SetDefaults applies sane defaults.
func (c *HTTPConfig) SetDefaults() {
	if c.Addr == "" {
		c.Addr = ":8000"
	}
	if c.ReadTimeoutSeconds <= 0 {
		c.ReadTimeoutSeconds = 10
	}
	if c.ShutdownTimeoutSecs <= 0 {
		c.ShutdownTimeoutSecs = 10
	}
}

// Validate checks mandatory fields.
func (c HTTPConfig) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("addr is required")
	}
	return nil
}

func (c HTTPConfig) ReadTimeout() time.Duration {
	return time.Duration(c.ReadTimeoutSeconds) * time.Second
}

func (c HTTPConfig) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSecs) * time.Second
}

// EventsConfig configures the event hub and the broker dispatcher.
type EventsConfig struct {
	QueueSize        int      `json:"queue_size"`
	HeartbeatSeconds int      `json:"heartbeat_seconds"`
	Queues           []string `json:"queues"`
	Prefetch         int      `json:"prefetch"`
}

// SetDefaults applies sane defaults.
func (c *EventsConfig) SetDefaults() {
	if c.QueueSize <= 0 {
		c.QueueSize = 100
	}
	if c.HeartbeatSeconds <= 0 {
		c.HeartbeatSeconds = 25
	}
	if c.Prefetch <= 0 {
		c.Prefetch = 10
	}
}

// Validate checks mandatory fields.
func (c EventsConfig) Validate() error {
	for _, q := range c.Queues {
		if q == "" {
			return fmt.Errorf("empty queue name")
		}
	}
	return nil
}

func (c EventsConfig) Heartbeat() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// SentryConfig defines settings for Sentry error monitoring.
type SentryConfig struct {
	DSN              string  `json:"dsn"`
	Environment      string  `json:"environment"`
	TracesSampleRate float64 `json:"traces_sample_rate"`
	Release          string  `json:"release"`
}

// TelemetryConfig controls the vehicle and incident telemetry handlers.
type TelemetryConfig struct {
	// Disabled leaves telemetry messages unhandled; they are acked and dropped.
	Disabled bool `json:"disabled"`
}

// AuthConfig configures bearer token verification.
type AuthConfig struct {
	// JWTSecret is the HS256 secret. Empty disables verification.
	JWTSecret string `json:"jwt_secret"`
	Issuer    string `json:"issuer"`
}
