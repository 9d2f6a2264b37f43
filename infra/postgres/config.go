package postgres

import (
	"errors"
	"time"
)

// Config holds the PostgreSQL connection settings.
type Config struct {
	DSN                string `json:"dsn"`
	MaxConns           int32  `json:"max_conns"`
	MinConns           int32  `json:"min_conns"`
	ConnectTimeoutSecs int    `json:"connect_timeout_secs"`
	// AutoMigrate applies the embedded migrations when the store opens.
	AutoMigrate bool `json:"auto_migrate"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.DSN == "" {
		c.DSN = "postgres://qg:qg@localhost:5432/qg?sslmode=disable"
	}
	if c.MaxConns <= 0 {
		c.MaxConns = 10
	}
	if c.MinConns < 0 {
		c.MinConns = 0
	}
	if c.ConnectTimeoutSecs <= 0 {
		c.ConnectTimeoutSecs = 5
	}
}

// Validate checks the configuration values.
func (c Config) Validate() error {
	if c.DSN == "" {
		return errors.New("postgres dsn required")
	}
	if c.MinConns > c.MaxConns {
		return errors.New("postgres min_conns exceeds max_conns")
	}
	return nil
}

func (c Config) connectTimeout() time.Duration {
	return time.Duration(c.ConnectTimeoutSecs) * time.Second
}
