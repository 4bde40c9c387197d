// Package config holds the tunable parameters of the messaging core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ResolverConfig tunes the tag resolver cache and batch executor.
type ResolverConfig struct {
	TTL            time.Duration `yaml:"ttl"`
	RefreshMargin  time.Duration `yaml:"refresh_margin"`
	BatchBaseDelay time.Duration `yaml:"batch_base_delay"`
	BatchMaxDelay  time.Duration `yaml:"batch_max_delay"`
	RatePerSec     float64       `yaml:"rate_per_sec"`
	Burst          int           `yaml:"burst"`
}

// DispatcherConfig tunes inbound exchange handling.
type DispatcherConfig struct {
	// CallStalenessMax caps the server-observed age of call-signaling
	// controls; older ones are silently stopped.
	CallStalenessMax time.Duration `yaml:"call_staleness_max"`
	// SyncStalenessMax caps the age of sync requests.
	SyncStalenessMax time.Duration `yaml:"sync_staleness_max"`
}

// ReadSyncConfig tunes the read-acknowledgement buffer.
type ReadSyncConfig struct {
	FlushDelay  time.Duration `yaml:"flush_delay"`
	MaxBuffered int           `yaml:"max_buffered"`
}

// StorageConfig locates the Pebble data directory.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// ExpirationConfig sets the default per-message TTL for new threads.
type ExpirationConfig struct {
	Default time.Duration `yaml:"default"`
}

// Config is the root configuration.
type Config struct {
	Resolver   ResolverConfig   `yaml:"resolver"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	ReadSync   ReadSyncConfig   `yaml:"read_sync"`
	Storage    StorageConfig    `yaml:"storage"`
	Expiration ExpirationConfig `yaml:"expiration"`
}

// Default returns production defaults.
func Default() *Config {
	return &Config{
		Resolver: ResolverConfig{
			TTL:            10 * time.Minute,
			RefreshMargin:  2 * time.Minute,
			BatchBaseDelay: 50 * time.Millisecond,
			BatchMaxDelay:  2 * time.Second,
			RatePerSec:     5,
			Burst:          5,
		},
		Dispatcher: DispatcherConfig{
			CallStalenessMax: 120 * time.Second,
			SyncStalenessMax: time.Hour,
		},
		ReadSync: ReadSyncConfig{
			FlushDelay:  2 * time.Second,
			MaxBuffered: 100,
		},
		Storage: StorageConfig{
			Path: "librelay.db",
		},
	}
}

// Load reads a yaml config file, layering it over defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	if c.Resolver.TTL <= 0 {
		return fmt.Errorf("resolver.ttl must be positive")
	}
	if c.Resolver.BatchBaseDelay <= 0 || c.Resolver.BatchMaxDelay < c.Resolver.BatchBaseDelay {
		return fmt.Errorf("resolver batch delays misconfigured")
	}
	if c.ReadSync.MaxBuffered <= 0 {
		return fmt.Errorf("read_sync.max_buffered must be positive")
	}
	if c.Dispatcher.CallStalenessMax <= 0 {
		return fmt.Errorf("dispatcher.call_staleness_max must be positive")
	}
	return nil
}
