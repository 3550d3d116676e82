package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
)

// Config represents the global ~/.isync/config.toml.
type Config struct {
	DefaultSession string         `toml:"default_session"`
	API            APIConfig      `toml:"api"`
	Realtime       RealtimeConfig `toml:"realtime"`
	Sync           SyncConfig     `toml:"sync"`
	Auth           AuthConfig     `toml:"auth"`
	Log            LogConfig      `toml:"log"`
}

// APIConfig points at the backend REST API.
type APIConfig struct {
	BaseURL string   `toml:"base_url"`
	Timeout Duration `toml:"timeout"`
}

// RealtimeConfig describes the chat websocket endpoint.
type RealtimeConfig struct {
	URL             string          `toml:"url"`
	Path            string          `toml:"path"`
	ConversationKey string          `toml:"conversation_key"`
	SendTimeout     Duration        `toml:"send_timeout"`
	AutoConnect     bool            `toml:"auto_connect"`
	Reconnect       ReconnectConfig `toml:"reconnect"`
}

// ReconnectConfig selects the reconnect delay strategy.
type ReconnectConfig struct {
	Policy          string   `toml:"policy"` // "exponential" or "fixed"
	InitialInterval Duration `toml:"initial_interval"`
	MaxInterval     Duration `toml:"max_interval"`
	Multiplier      float64  `toml:"multiplier"`
	Jitter          float64  `toml:"jitter"`
}

type SyncConfig struct {
	Interval Duration `toml:"interval"`
}

// AuthConfig locates the bearer token. An empty TokenFile means the
// session's token file.
type AuthConfig struct {
	TokenFile string `toml:"token_file"`
}

type LogConfig struct {
	Level      string `toml:"level"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// Duration is a time.Duration written as a string such as "30s" in TOML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Default returns the configuration used when no file or key overrides it.
func Default() *Config {
	return &Config{
		DefaultSession: "",
		API: APIConfig{
			BaseURL: "http://localhost:3000/api",
			Timeout: Duration{30 * time.Second},
		},
		Realtime: RealtimeConfig{
			URL:         "ws://localhost:3000",
			Path:        "/chat",
			SendTimeout: Duration{10 * time.Second},
			AutoConnect: true,
			Reconnect: ReconnectConfig{
				Policy:          "exponential",
				InitialInterval: Duration{time.Second},
				MaxInterval:     Duration{30 * time.Second},
				Multiplier:      2,
				Jitter:          0.2,
			},
		},
		Sync: SyncConfig{Interval: Duration{30 * time.Second}},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 28,
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if
// the file is missing or invalid.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// LoadOrDefault is Load, except a missing file yields Default.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// ApplyEnv overrides endpoint settings from ISYNC_API_URL, ISYNC_WS_URL and
// ISYNC_TOKEN_FILE when set.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("ISYNC_API_URL"); v != "" {
		c.API.BaseURL = v
	}
	if v := os.Getenv("ISYNC_WS_URL"); v != "" {
		c.Realtime.URL = v
	}
	if v := os.Getenv("ISYNC_TOKEN_FILE"); v != "" {
		c.Auth.TokenFile = v
	}
}

// Validate rejects settings the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Realtime.Reconnect.Policy {
	case "exponential", "fixed":
	default:
		return fmt.Errorf("realtime.reconnect.policy must be exponential or fixed, got %q", c.Realtime.Reconnect.Policy)
	}
	if c.Realtime.Reconnect.InitialInterval.Duration <= 0 {
		return errors.New("realtime.reconnect.initial_interval must be positive")
	}
	if c.Sync.Interval.Duration <= 0 {
		return errors.New("sync.interval must be positive")
	}
	return nil
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
