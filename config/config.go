package config

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/kilianp07/qgdispatch/core/assignment"
	"github.com/kilianp07/qgdispatch/core/assignment/logging"
	"github.com/kilianp07/qgdispatch/core/metrics"
	"github.com/kilianp07/qgdispatch/core/proposal"
	"github.com/kilianp07/qgdispatch/infra/amqp"
	"github.com/kilianp07/qgdispatch/infra/logger"
	"github.com/kilianp07/qgdispatch/infra/mqtt"
	"github.com/kilianp07/qgdispatch/infra/postgres"
	"github.com/kilianp07/qgdispatch/infra/redisbridge"
)

// EnvPrefix prefixes environment overrides, e.g. QG_BROKER__URL.
const EnvPrefix = "QG_"

// Config is the service configuration.
type Config struct {
	Log        logger.Options     `json:"log"`
	Broker     amqp.Config        `json:"broker"`
	Postgres   postgres.Config    `json:"postgres"`
	Storage    StorageConfig      `json:"storage"`
	HTTP       HTTPConfig         `json:"http"`
	Events     EventsConfig       `json:"events"`
	Assignment assignment.Config  `json:"assignment"`
	Proposal   proposal.Config    `json:"proposal"`
	Logging    logging.Config     `json:"logging"`
	Metrics    metrics.Config     `json:"metrics"`
	Sentry     SentryConfig       `json:"sentry"`
	MQTT       mqtt.Config        `json:"mqtt"`
	Telemetry  TelemetryConfig    `json:"telemetry"`
	Redis      redisbridge.Config `json:"redis"`
	Auth       AuthConfig         `json:"auth"`
}

// Load reads the configuration file at path, applies environment overrides
// and validates every section. A .env file in the working directory is
// loaded first when present. An empty path reads the environment only.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	k := koanf.New(".")
	if path != "" {
		ext := strings.ToLower(filepath.Ext(path))
		var parser koanf.Parser
		switch ext {
		case ".yaml", ".yml":
			parser = yaml.Parser()
		case ".json":
			parser = json.Parser()
		default:
			return nil, fmt.Errorf("unsupported config format: %s", ext)
		}
		if err := k.Load(file.Provider(path), parser); err != nil {
			return nil, err
		}
	}
	// Optional environment overrides
	if err := k.Load(env.Provider(EnvPrefix, "__", func(s string) string {
		s = strings.TrimPrefix(strings.ToLower(s), strings.ToLower(EnvPrefix))
		return strings.ReplaceAll(s, "__", ".")
	}), nil); err != nil {
		return nil, err
	}
	var cfg Config
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "json"}); err != nil {
		return nil, err
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// SetDefaults fills every section.
func (c *Config) SetDefaults() {
	c.Broker.SetDefaults()
	c.Postgres.SetDefaults()
	c.Storage.SetDefaults()
	c.HTTP.SetDefaults()
	c.Events.SetDefaults()
	c.Assignment.SetDefaults()
	c.Proposal.SetDefaults()
	c.Logging.SetDefaults()
	c.MQTT.SetDefaults()
	c.Redis.SetDefaults()
}

type validator interface{ Validate() error }

// Validate checks every section and reports the first invalid one.
func (c Config) Validate() error {
	sections := []struct {
		name string
		v    validator
	}{
		{"log", c.Log},
		{"broker", c.Broker},
		{"storage", c.Storage},
		{"http", c.HTTP},
		{"events", c.Events},
		{"assignment", c.Assignment},
		{"proposal", c.Proposal},
		{"logging", c.Logging},
		{"mqtt", c.MQTT},
		{"redis", c.Redis},
	}
	if c.Storage.Driver == StoragePostgres {
		sections = append(sections, struct {
			name string
			v    validator
		}{"postgres", c.Postgres})
	}
	for _, s := range sections {
		if err := s.v.Validate(); err != nil {
			return fmt.Errorf("%s: %w", s.name, err)
		}
	}
	return nil
}
