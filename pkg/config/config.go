// Package config holds the daemon configuration: storage location, bonding
// notification tuning and per-service connection limits.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// ProfileConfig tunes one service's coordinator.
type ProfileConfig struct {
	// Ceiling is the maximum number of simultaneous links.
	Ceiling int `yaml:"ceiling" default:"1"`
	// ConnectTimeout bounds an unconfirmed outgoing connect.
	ConnectTimeout time.Duration `yaml:"connect_timeout" default:"30s"`
}

// UnmarshalYAML merges a document section into the profile config, leaving
// fields the document does not mention untouched. connect_timeout uses
// time.ParseDuration notation ("10s", "250ms").
func (p *ProfileConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Ceiling        *int    `yaml:"ceiling"`
		ConnectTimeout *string `yaml:"connect_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.Ceiling != nil {
		p.Ceiling = *raw.Ceiling
	}
	if raw.ConnectTimeout != nil {
		d, err := time.ParseDuration(*raw.ConnectTimeout)
		if err != nil {
			return fmt.Errorf("connect_timeout: %w", err)
		}
		p.ConnectTimeout = d
	}
	return nil
}

// Config holds application configuration.
type Config struct {
	LogLevel     string `yaml:"log_level" default:"info"`
	DatabasePath string `yaml:"database_path" default:"btstate.db"`

	// BondedNotificationDelay is how long a completed bond waits for service
	// discovery before its public notification fires anyway.
	BondedNotificationDelay time.Duration `yaml:"bonded_notification_delay" default:"6s"`

	Audio       ProfileConfig `yaml:"audio"`
	CallControl ProfileConfig `yaml:"callcontrol"`
	Input       ProfileConfig `yaml:"input"`
}

// UnmarshalYAML merges a document into the config, leaving fields the
// document does not mention at their current values. Durations use
// time.ParseDuration notation ("6s", "250ms").
func (c *Config) UnmarshalYAML(value *yaml.Node) error {
	raw := struct {
		LogLevel                *string        `yaml:"log_level"`
		DatabasePath            *string        `yaml:"database_path"`
		BondedNotificationDelay *string        `yaml:"bonded_notification_delay"`
		Audio                   *ProfileConfig `yaml:"audio"`
		CallControl             *ProfileConfig `yaml:"callcontrol"`
		Input                   *ProfileConfig `yaml:"input"`
	}{
		Audio:       &c.Audio,
		CallControl: &c.CallControl,
		Input:       &c.Input,
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.LogLevel != nil {
		c.LogLevel = *raw.LogLevel
	}
	if raw.DatabasePath != nil {
		c.DatabasePath = *raw.DatabasePath
	}
	if raw.BondedNotificationDelay != nil {
		d, err := time.ParseDuration(*raw.BondedNotificationDelay)
		if err != nil {
			return fmt.Errorf("bonded_notification_delay: %w", err)
		}
		c.BondedNotificationDelay = d
	}
	return nil
}

// Default returns the configuration with every field at its default value.
func Default() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	// Audio links two devices by default so a handoff target can connect
	// before the current holder drops.
	cfg.Audio.Ceiling = 2
	return cfg
}

// Load reads and parses a YAML configuration file. Fields absent from the
// file keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate rejects configurations the coordinators cannot honor.
func (c *Config) Validate() error {
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("unknown log level %q", c.LogLevel)
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.BondedNotificationDelay <= 0 {
		return fmt.Errorf("bonded_notification_delay must be positive")
	}
	for name, p := range map[string]ProfileConfig{
		"audio":       c.Audio,
		"callcontrol": c.CallControl,
		"input":       c.Input,
	} {
		if p.Ceiling < 1 {
			return fmt.Errorf("%s: ceiling must be at least 1", name)
		}
		if p.ConnectTimeout <= 0 {
			return fmt.Errorf("%s: connect_timeout must be positive", name)
		}
	}
	return nil
}

// NewLogger creates a configured logger instance.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	// Use structured logging format
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})

	return logger
}
