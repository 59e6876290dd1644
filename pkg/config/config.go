// Package config loads the engine configuration from a YAML file, with
// defaults for every option.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from strings like "5s",
// "30min", or "10d".
type Duration time.Duration

// UnmarshalYAML parses the duration, accepting a day suffix on top of
// the standard units.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	parsed, err := ParseDuration(raw)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// ParseDuration parses a duration string, extending time.ParseDuration
// with "d" (day) and "min" units.
func ParseDuration(raw string) (time.Duration, error) {
	trimmed := strings.TrimSpace(raw)
	if strings.HasSuffix(trimmed, "d") {
		if days, err := strconv.ParseFloat(strings.TrimSuffix(trimmed, "d"), 64); err == nil {
			return time.Duration(days * 24 * float64(time.Hour)), nil
		}
	}
	if strings.HasSuffix(trimmed, "min") {
		if minutes, err := strconv.ParseFloat(strings.TrimSuffix(trimmed, "min"), 64); err == nil {
			return time.Duration(minutes * float64(time.Minute)), nil
		}
	}
	parsed, err := time.ParseDuration(trimmed)
	if err != nil {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return parsed, nil
}

// Std returns the duration as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config holds every recognized option.
type Config struct {
	BasePath string `yaml:"base_path"`
	NodeName string `yaml:"node.name"`
	HTTPPort int    `yaml:"http.port"`

	ShardInterval          Duration `yaml:"shard.interval"`
	WriteSchedulerInterval Duration `yaml:"write.scheduler.interval"`
	QueryDefaultLimit      int      `yaml:"query.default_limit"`
	QueryTimeout           Duration `yaml:"query.timeout"`
	ReplicationFactor      int      `yaml:"replication.factor"`
	PassivateAfter         Duration `yaml:"passivate.after"`
}

// Default returns the configuration used when no file overrides it.
func Default() *Config {
	return &Config{
		BasePath:               "data",
		NodeName:               "node-0",
		HTTPPort:               9000,
		ShardInterval:          Duration(24 * time.Hour),
		WriteSchedulerInterval: Duration(5 * time.Second),
		QueryDefaultLimit:      1000,
		QueryTimeout:           Duration(10 * time.Second),
		ReplicationFactor:      1,
		PassivateAfter:         Duration(time.Hour),
	}
}

// Load reads the file at path over the defaults. A missing file is not
// an error; a malformed one is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %q: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %q: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects unusable option values.
func (c *Config) Validate() error {
	if c.BasePath == "" {
		return fmt.Errorf("base_path must not be empty")
	}
	if c.ShardInterval <= 0 {
		return fmt.Errorf("shard.interval must be positive")
	}
	if c.WriteSchedulerInterval <= 0 {
		return fmt.Errorf("write.scheduler.interval must be positive")
	}
	if c.QueryDefaultLimit <= 0 {
		return fmt.Errorf("query.default_limit must be positive")
	}
	if c.ReplicationFactor < 1 {
		return fmt.Errorf("replication.factor must be at least 1")
	}
	if c.HTTPPort <= 0 || c.HTTPPort > 65535 {
		return fmt.Errorf("http.port out of range")
	}
	return nil
}
