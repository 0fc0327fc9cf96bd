// Package config defines the process configuration: the HTTP listener,
// store backend, query protocol settings, and the set of tracked
// collections. Configuration is persisted as a versioned JSON envelope:
//
//	{"version": 1, "config": { ... }}
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const currentVersion = 1

// envelope is the versioned on-disk format.
type envelope struct {
	Version int     `json:"version"`
	Config  *Config `json:"config"`
}

// Duration is a time.Duration that marshals as a string ("90s", "5m").
type Duration time.Duration

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the standard library representation.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full process configuration.
type Config struct {
	Listen      string             `json:"listen,omitempty"`
	Store       StoreConfig        `json:"store"`
	Query       QueryConfig        `json:"query"`
	Auth        AuthConfig         `json:"auth"`
	RateLimit   RateLimitConfig    `json:"rate_limit"`
	Collections []CollectionConfig `json:"collections"`
}

// StoreConfig selects and configures the record store backend.
type StoreConfig struct {
	// Backend is "memory" or "sqlite".
	Backend string `json:"backend"`

	// Path is the sqlite database file (sqlite backend only).
	Path string `json:"path,omitempty"`

	// CheckpointPath persists the memory backend across restarts.
	CheckpointPath string `json:"checkpoint_path,omitempty"`

	// CheckpointInterval is how often the memory backend checkpoints;
	// zero disables periodic checkpoints.
	CheckpointInterval Duration `json:"checkpoint_interval,omitempty"`
}

// QueryConfig tunes the query protocol.
type QueryConfig struct {
	// Timeout bounds the wait for a query reply; zero means the
	// protocol default.
	Timeout Duration `json:"timeout,omitempty"`
}

// AuthConfig configures bearer token authentication.
// An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `json:"jwt_secret,omitempty"`
}

// RateLimitConfig configures per-client request limiting.
// A zero RPS disables limiting.
type RateLimitConfig struct {
	RPS   float64 `json:"rps,omitempty"`
	Burst int     `json:"burst,omitempty"`
}

// CollectionConfig describes one tracked collection.
type CollectionConfig struct {
	// Name is the collection name used in query paths.
	Name string `json:"name"`

	// Source names the collector implementation that observes this
	// collection's resources.
	Source string `json:"source"`

	// PollInterval is the observation cadence; zero means 60s.
	PollInterval Duration `json:"poll_interval,omitempty"`

	// Params carries source-specific settings.
	Params map[string]string `json:"params,omitempty"`
}

// Default returns a configuration with usable defaults and no
// collections.
func Default() *Config {
	return &Config{
		Listen: ":8080",
		Store:  StoreConfig{Backend: "memory"},
	}
}

// Load reads and validates the config file at path.
// Returns nil if the file does not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if env.Version == 0 {
		return nil, fmt.Errorf("unversioned config file; expected {\"version\": %d, ...}", currentVersion)
	}
	if env.Version > currentVersion {
		return nil, fmt.Errorf("config file version %d is newer than supported version %d", env.Version, currentVersion)
	}
	if env.Config == nil {
		return nil, fmt.Errorf("config file has no config object")
	}

	cfg := env.Config
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Store.Backend == "" {
		cfg.Store.Backend = "memory"
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the config atomically (temp file + rename).
func Save(path string, cfg *Config) error {
	data, err := json.MarshalIndent(envelope{Version: currentVersion, Config: cfg}, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("replace config: %w", err)
	}
	return nil
}

// Validate checks cross-field constraints.
func (c *Config) Validate() error {
	switch c.Store.Backend {
	case "memory":
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("sqlite backend requires store.path")
		}
	default:
		return fmt.Errorf("unknown store backend %q", c.Store.Backend)
	}

	seen := map[string]bool{}
	for _, cc := range c.Collections {
		if cc.Name == "" {
			return fmt.Errorf("collection with empty name")
		}
		if seen[cc.Name] {
			return fmt.Errorf("duplicate collection name %q", cc.Name)
		}
		seen[cc.Name] = true
		if cc.Source == "" {
			return fmt.Errorf("collection %q has no source", cc.Name)
		}
		if cc.PollInterval < 0 {
			return fmt.Errorf("collection %q has negative poll_interval", cc.Name)
		}
	}

	if c.Query.Timeout < 0 {
		return fmt.Errorf("query.timeout must not be negative")
	}
	if c.RateLimit.RPS < 0 {
		return fmt.Errorf("rate_limit.rps must not be negative")
	}
	return nil
}
