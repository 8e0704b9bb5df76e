package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.beacon/config.toml.
type Config struct {
	DefaultProfile string  `toml:"default_profile"`
	Device         Device  `toml:"device"`
	Server         Server  `toml:"server"`
	Sync           Sync    `toml:"sync"`
	Storage        Storage `toml:"storage"`
}

// Device holds local identity settings.
type Device struct {
	// Nickname is sent at registration. Empty means the profile name.
	Nickname string `toml:"nickname"`
}

// Server holds remote endpoint settings.
type Server struct {
	BaseURL        string   `toml:"base_url"`
	RequestTimeout duration `toml:"request_timeout"`
}

// Sync holds replication tuning knobs.
type Sync struct {
	PushInterval duration `toml:"push_interval"`
	PullInterval duration `toml:"pull_interval"`
	PushBatch    int      `toml:"push_batch"`
	MaxRetries   int      `toml:"max_retries"`
	BackoffBase  duration `toml:"backoff_base"`
	BackoffCap   duration `toml:"backoff_cap"`
}

// Storage holds local store limits.
type Storage struct {
	// MessageHighWater is the row count above which the oldest synced
	// messages are evicted. Un-synced rows are never evicted.
	MessageHighWater int `toml:"message_high_water"`
}

// duration wraps time.Duration with TOML text (un)marshalling, e.g. "5s".
type duration time.Duration

func (d *duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = duration(v)
	return nil
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

// Duration returns the underlying time.Duration.
func (d duration) Duration() time.Duration { return time.Duration(d) }

// Default returns the configuration used when no file exists.
func Default() *Config {
	return &Config{
		DefaultProfile: "main",
		Server: Server{
			BaseURL:        "https://api.beaconmesh.dev",
			RequestTimeout: duration(15 * time.Second),
		},
		Sync: Sync{
			PushInterval: duration(500 * time.Millisecond),
			PullInterval: duration(5 * time.Second),
			PushBatch:    10,
			MaxRetries:   8,
			BackoffBase:  duration(time.Second),
			BackoffCap:   duration(30 * time.Second),
		},
		Storage: Storage{
			MessageHighWater: 50_000,
		},
	}
}

// Load reads config from the given path, applying defaults for unset fields.
// Returns an error if the file is missing or malformed.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.applyFloors()
	return cfg, nil
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

// applyFloors clamps values that would break the replication loops.
func (c *Config) applyFloors() {
	def := Default()
	if c.Sync.PushInterval <= 0 {
		c.Sync.PushInterval = def.Sync.PushInterval
	}
	if c.Sync.PullInterval <= 0 {
		c.Sync.PullInterval = def.Sync.PullInterval
	}
	if c.Sync.PushBatch <= 0 {
		c.Sync.PushBatch = def.Sync.PushBatch
	}
	if c.Sync.MaxRetries <= 0 {
		c.Sync.MaxRetries = def.Sync.MaxRetries
	}
	if c.Sync.BackoffBase <= 0 {
		c.Sync.BackoffBase = def.Sync.BackoffBase
	}
	if c.Sync.BackoffCap < c.Sync.BackoffBase {
		c.Sync.BackoffCap = def.Sync.BackoffCap
	}
	if c.Storage.MessageHighWater <= 0 {
		c.Storage.MessageHighWater = def.Storage.MessageHighWater
	}
}
