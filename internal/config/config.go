// Package config loads and validates the TOML configuration for the
// reverification service.
package config

import (
	"fmt"
	"os"
	"strings"

	toml "github.com/pelletier/go-toml/v2"

	"github.com/openhub/reverify/internal/dispatch"
	"github.com/openhub/reverify/internal/email"
	"github.com/openhub/reverify/internal/janitor"
	"github.com/openhub/reverify/internal/logging"
	"github.com/openhub/reverify/internal/notify"
	"github.com/openhub/reverify/internal/store"
)

// Config represents the application configuration
type Config struct {
	// Logging configuration
	Logging logging.Config `toml:"logging"`

	// Email sending service configuration
	Email struct {
		email.HTTPClientConfig

		// Mock substitutes the in-memory client for development runs
		// without a real sending service.
		Mock bool `toml:"mock"`
	} `toml:"email"`

	// Bounce gate configuration
	Gate struct {
		BounceRateThreshold float64 `toml:"bounce_rate_threshold"`
	} `toml:"gate"`

	// Store configuration
	Store store.Config `toml:"store"`

	// Notification queue configuration
	Queues struct {
		notify.QueueConfig

		// Stream names on the queue backend
		Delivery  string `toml:"delivery"`
		Bounce    string `toml:"bounce"`
		Complaint string `toml:"complaint"`

		Poller notify.PollerConfig `toml:"poller"`
	} `toml:"queues"`

	// Campaign driver configuration
	Driver dispatch.DriverConfig `toml:"driver"`

	// Janitor configuration
	Janitor struct {
		janitor.Policy

		IntervalSeconds int `toml:"interval_seconds"`
	} `toml:"janitor"`

	// HTTP API configuration
	API struct {
		Enabled bool   `toml:"enabled"`
		Listen  string `toml:"listen"`
	} `toml:"api"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Logging = logging.DefaultConfig()

	cfg.Email.TimeoutSeconds = 30
	cfg.Email.Mock = true

	cfg.Gate.BounceRateThreshold = email.DefaultBounceRateThreshold

	cfg.Store = store.Config{
		Type: "sqlite",
		Name: "reverify",
		Path: "./reverify.db",
	}

	cfg.Queues.Backend = "memory"
	cfg.Queues.Delivery = "reverify-delivery"
	cfg.Queues.Bounce = "reverify-bounce"
	cfg.Queues.Complaint = "reverify-complaint"
	cfg.Queues.Poller = notify.DefaultPollerConfig()

	cfg.Driver = dispatch.DefaultDriverConfig()

	cfg.Janitor.Policy = janitor.DefaultPolicy()
	cfg.Janitor.IntervalSeconds = 3600

	cfg.API.Enabled = true
	cfg.API.Listen = "127.0.0.1:8025"

	return cfg
}

// FindConfigFile looks for a configuration file in common locations
func FindConfigFile(configPath string) (string, error) {
	// If a specific path is provided, check only that
	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			return configPath, nil
		}
		return "", fmt.Errorf("config file not found at specified path: %s", configPath)
	}

	locations := []string{
		"./reverify.conf",
		"./config/reverify.conf",
		os.ExpandEnv("$HOME/.reverify.conf"),
		"/etc/reverify/reverify.conf",
	}

	for _, loc := range locations {
		if _, err := os.Stat(loc); err == nil {
			return loc, nil
		}
	}

	return "", fmt.Errorf("no config file found")
}

// LoadConfig loads a configuration from a file, falling back to defaults when
// no file is found.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	configFile, err := FindConfigFile(configPath)
	if err != nil {
		if configPath != "" {
			return nil, err
		}
		return cfg, nil
	}

	data, err := os.ReadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing TOML configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks the configuration for inconsistencies
func (c *Config) Validate() error {
	var problems []string

	if !c.Email.Mock && c.Email.Endpoint == "" {
		problems = append(problems, "email.endpoint is required unless email.mock is set")
	}

	switch c.Store.Type {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			problems = append(problems, "store.path is required for the sqlite store")
		}
	case "postgres":
		if c.Store.DSN == "" {
			problems = append(problems, "store.dsn is required for the postgres store")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported store type: %s", c.Store.Type))
	}

	switch c.Queues.Backend {
	case "memory":
	case "redis":
		if c.Queues.RedisAddr == "" {
			problems = append(problems, "queues.redis_addr is required for the redis backend")
		}
	case "amqp":
		if c.Queues.AMQPURL == "" {
			problems = append(problems, "queues.amqp_url is required for the amqp backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("unsupported queue backend: %s", c.Queues.Backend))
	}

	if c.Gate.BounceRateThreshold <= 0 || c.Gate.BounceRateThreshold > 100 {
		problems = append(problems, "gate.bounce_rate_threshold must be within (0, 100]")
	}

	if c.Driver.Enabled {
		if len(c.Driver.Phases) == 0 {
			problems = append(problems, "driver.phases must not be empty when the driver is enabled")
		}
		if c.Driver.From == "" {
			problems = append(problems, "driver.from is required when the driver is enabled")
		}
	}

	if c.Janitor.MaxAttempts <= 0 {
		problems = append(problems, "janitor.max_attempts must be positive")
	}

	if c.API.Enabled && c.API.Listen == "" {
		problems = append(problems, "api.listen is required when the API is enabled")
	}

	if len(problems) > 0 {
		return fmt.Errorf("%s", strings.Join(problems, "; "))
	}
	return nil
}
