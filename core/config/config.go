// Package config loads and persists plait workspace configuration from
// .plait/config.yaml.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Queue   QueueConfig    `yaml:"queue"`
	Plugins []PluginConfig `yaml:"plugins"`
	Server  ServerConfig   `yaml:"server"`
	Watch   WatchConfig    `yaml:"watch"`
}

type QueueConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	BufferSize   int           `yaml:"buffer_size"`
}

// PluginConfig binds a plugin key to the file glob it owns. Built-in
// plugins register default globs; entries here override them.
type PluginConfig struct {
	Key  string `yaml:"key"`
	Glob string `yaml:"glob"`

	// UniqueColumn names the row-identity column for the csv plugin.
	UniqueColumn string `yaml:"unique_column,omitempty"`
}

type ServerConfig struct {
	Addr           string   `yaml:"addr"`
	AllowedOrigins []string `yaml:"allowed_origins"`
}

type WatchConfig struct {
	Enabled         bool     `yaml:"enabled"`
	ExcludePatterns []string `yaml:"exclude_patterns"`
	Debounce        string   `yaml:"debounce"`
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	return &Config{
		Queue: QueueConfig{
			Workers:      4,
			PollInterval: 50 * time.Millisecond,
			BufferSize:   256,
		},
		Server: ServerConfig{
			Addr:           "127.0.0.1:7411",
			AllowedOrigins: []string{"*"},
		},
		Watch: WatchConfig{
			Enabled:         false,
			ExcludePatterns: []string{".plait", ".git", "node_modules"},
			Debounce:        "100ms",
		},
	}
}

// Load reads config from path, applying defaults for absent fields.
// A missing file yields the defaults without error.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	applyDefaults(cfg)
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	def := Default()
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = def.Queue.Workers
	}
	if cfg.Queue.PollInterval <= 0 {
		cfg.Queue.PollInterval = def.Queue.PollInterval
	}
	if cfg.Queue.BufferSize <= 0 {
		cfg.Queue.BufferSize = def.Queue.BufferSize
	}
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = def.Server.Addr
	}
	if len(cfg.Server.AllowedOrigins) == 0 {
		cfg.Server.AllowedOrigins = def.Server.AllowedOrigins
	}
	if cfg.Watch.Debounce == "" {
		cfg.Watch.Debounce = def.Watch.Debounce
	}
	if len(cfg.Watch.ExcludePatterns) == 0 {
		cfg.Watch.ExcludePatterns = def.Watch.ExcludePatterns
	}
}

// Save writes the config to path, creating parent directories.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}

// DebounceDuration parses the watch debounce, falling back to 100ms.
func (w WatchConfig) DebounceDuration() time.Duration {
	d, err := time.ParseDuration(w.Debounce)
	if err != nil || d <= 0 {
		return 100 * time.Millisecond
	}
	return d
}

// PluginOverride returns the config entry for a plugin key, if any.
func (c *Config) PluginOverride(key string) (PluginConfig, bool) {
	for _, p := range c.Plugins {
		if p.Key == key {
			return p, true
		}
	}
	return PluginConfig{}, false
}
