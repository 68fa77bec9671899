package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.courier/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	UserID         string  `toml:"user_id"`
	Remote         Remote  `toml:"remote"`
	Sync           Sync    `toml:"sync"`
	Network        Network `toml:"network"`
}

// Remote configures the remote document store endpoint.
type Remote struct {
	BaseURL        string `toml:"base_url"`
	RequestTimeout int    `toml:"request_timeout_secs"`
}

// Sync configures the synchronization engine.
type Sync struct {
	PageSize int `toml:"page_size"`
}

// Network configures the reachability monitor.
type Network struct {
	ProbeInterval int `toml:"probe_interval_secs"`
}

// Load reads config from the given path and applies defaults.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// Validate checks the fields a running daemon cannot do without.
func (c *Config) Validate() error {
	if c.UserID == "" {
		return fmt.Errorf("config: user_id is required")
	}
	if c.Remote.BaseURL == "" {
		return fmt.Errorf("config: remote.base_url is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.Remote.RequestTimeout <= 0 {
		c.Remote.RequestTimeout = 15
	}
	if c.Sync.PageSize <= 0 {
		c.Sync.PageSize = 50
	}
	if c.Network.ProbeInterval <= 0 {
		c.Network.ProbeInterval = 10
	}
}
