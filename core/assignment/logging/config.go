package logging

import "fmt"

// Config selects where acknowledgment batches are recorded.
type Config struct {
	// Backend is "jsonl", "sqlite" or "none".
	Backend string `json:"backend"`
	Path    string `json:"path"`
	// Rotation of the jsonl backend.
	MaxSizeMB  int  `json:"max_size_mb"`
	MaxBackups int  `json:"max_backups"`
	MaxAgeDays int  `json:"max_age_days"`
	Compress   bool `json:"compress"`
}

// SetDefaults fills unset fields.
func (c *Config) SetDefaults() {
	if c.Backend == "" {
		c.Backend = "jsonl"
	}
	if c.Path == "" {
		switch c.Backend {
		case "sqlite":
			c.Path = "assignments.db"
		default:
			c.Path = "assignments.jsonl"
		}
	}
	if c.MaxSizeMB <= 0 {
		c.MaxSizeMB = 10
	}
}

// Validate checks the backend name.
func (c Config) Validate() error {
	switch c.Backend {
	case "jsonl", "sqlite", "none":
		return nil
	}
	return fmt.Errorf("unknown attempt log backend %q", c.Backend)
}

// Open builds the configured store. The "none" backend yields a nil store
// which callers treat as disabled.
func Open(c Config) (LogStore, error) {
	c.SetDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	switch c.Backend {
	case "sqlite":
		return NewSQLiteStore(c.Path)
	case "jsonl":
		return NewRotatingJSONLStore(c.Path, RotationOptions{
			MaxSizeMB:  c.MaxSizeMB,
			MaxBackups: c.MaxBackups,
			MaxAgeDays: c.MaxAgeDays,
			Compress:   c.Compress,
		})
	}
	return nil, nil
}
