// Package config reads and writes the global ~/.chatsync/config.toml.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Feed transports.
const (
	TransportLocal = "local"
	TransportNATS  = "nats"
)

const (
	DefaultTypingDebounce = time.Second
	DefaultSubjectPrefix  = "chatsync.changes"
)

// Duration is a time.Duration that decodes from TOML strings like "1s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// FeedConfig selects the change-feed transport.
type FeedConfig struct {
	Transport     string `toml:"transport"`
	NATSURL       string `toml:"nats_url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// StoreConfig locates the backend database. An empty SharedPath keeps a
// private database per profile. A shared database is written by several
// daemons, so their changes must travel over the NATS feed.
type StoreConfig struct {
	SharedPath string `toml:"shared_path"`
}

// AuthConfig configures the local identity provider.
type AuthConfig struct {
	RequireConfirmation bool `toml:"require_confirmation"`
}

// Config represents the global ~/.chatsync/config.toml.
type Config struct {
	DefaultProfile string      `toml:"default_profile"`
	LogLevel       string      `toml:"log_level"`
	TypingDebounce Duration    `toml:"typing_debounce"`
	Feed           FeedConfig  `toml:"feed"`
	Store          StoreConfig `toml:"store"`
	Auth           AuthConfig  `toml:"auth"`
}

// Default returns the configuration used when no file exists.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
	if c.TypingDebounce.Duration <= 0 {
		c.TypingDebounce.Duration = DefaultTypingDebounce
	}
	if c.Feed.Transport == "" {
		c.Feed.Transport = TransportLocal
	}
	if c.Feed.SubjectPrefix == "" {
		c.Feed.SubjectPrefix = DefaultSubjectPrefix
	}
}

// Validate reports configuration values the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Feed.Transport {
	case TransportLocal:
	case TransportNATS:
		if c.Feed.NATSURL == "" {
			return errors.New("feed.nats_url is required when feed.transport = \"nats\"")
		}
	default:
		return fmt.Errorf("unknown feed.transport %q", c.Feed.Transport)
	}
	if c.Store.SharedPath != "" && c.Feed.Transport != TransportNATS {
		return errors.New("store.shared_path requires feed.transport = \"nats\"")
	}
	return nil
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// LoadOrDefault reads config from path, falling back to defaults when the
// file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
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
