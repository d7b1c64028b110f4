// Package config loads the YAML configuration of the qrpc command.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the server and client settings.
type Config struct {
	Listen    string   `yaml:"listen"`    // Listen address, e.g. ":7070"
	Advertise string   `yaml:"advertise"` // Routable address written to the registry
	Service   string   `yaml:"service"`   // Name announced for the demo handlers
	Etcd      []string `yaml:"etcd"`      // Registry endpoints; empty disables discovery
	LogLevel  string   `yaml:"log_level"`

	Dispatch struct {
		SliceSize int           `yaml:"slice_size"` // Calls dispatched before yielding
		Timeout   time.Duration `yaml:"timeout"`    // Per-call handler timeout, 0 disables it
		RateLimit float64       `yaml:"rate_limit"` // Calls per second, 0 disables it
		Burst     int           `yaml:"burst"`
	} `yaml:"dispatch"`

	Client struct {
		PauseThreshold int    `yaml:"pause_threshold"`
		PoolSize       int    `yaml:"pool_size"`
		Balancer       string `yaml:"balancer"` // round_robin or weighted_random
	} `yaml:"client"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	cfg := &Config{
		Listen:   ":7070",
		Service:  "qrpc",
		LogLevel: "info",
	}
	cfg.Dispatch.SliceSize = 10
	cfg.Dispatch.Burst = 1
	cfg.Client.PauseThreshold = 40
	cfg.Client.PoolSize = 2
	cfg.Client.Balancer = "round_robin"
	return cfg
}

// Load reads the configuration from the given YAML file path.
// If the file does not exist, it returns the defaults with no error.
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
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects settings the components cannot run with.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.Dispatch.SliceSize <= 0 {
		return fmt.Errorf("dispatch.slice_size must be positive, got %d", c.Dispatch.SliceSize)
	}
	if c.Dispatch.RateLimit < 0 || c.Dispatch.Burst < 0 {
		return fmt.Errorf("dispatch rate limit must not be negative")
	}
	if c.Client.PauseThreshold <= 0 {
		return fmt.Errorf("client.pause_threshold must be positive, got %d", c.Client.PauseThreshold)
	}
	if c.Client.PoolSize <= 0 {
		return fmt.Errorf("client.pool_size must be positive, got %d", c.Client.PoolSize)
	}
	return nil
}

// AdvertiseAddr returns the address to register, defaulting to the listen address.
func (c *Config) AdvertiseAddr() string {
	if c.Advertise != "" {
		return c.Advertise
	}
	return c.Listen
}
