// Package config defines the Baton daemon configuration.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Config is the top-level daemon configuration.
type Config struct {
	Server   ServerConfig `json:"server" yaml:"server" toml:"server"`
	Auth     AuthConfig   `json:"auth" yaml:"auth" toml:"auth"`
	Broker   BrokerConfig `json:"broker" yaml:"broker" toml:"broker"`
	DataDir  string       `json:"data_dir" yaml:"data_dir" toml:"data_dir"`
	LogLevel string       `json:"log_level" yaml:"log_level" toml:"log_level"`
}

// ServerConfig controls the HTTP server.
type ServerConfig struct {
	Addr string `json:"addr" yaml:"addr" toml:"addr"` // listen address, e.g., ":9090"
}

// AuthConfig controls dashboard login. Leaving JWTSecret or AdminPassHash
// empty disables authentication.
type AuthConfig struct {
	JWTSecret     string `json:"jwt_secret" yaml:"jwt_secret" toml:"jwt_secret"`
	AdminUser     string `json:"admin_user" yaml:"admin_user" toml:"admin_user"`
	AdminPassHash string `json:"admin_pass_hash" yaml:"admin_pass_hash" toml:"admin_pass_hash"` // bcrypt hash
}

// Enabled reports whether login is required.
func (a AuthConfig) Enabled() bool { return a.JWTSecret != "" && a.AdminPassHash != "" }

// BrokerConfig holds the tunables applied to a running broker.
type BrokerConfig struct {
	Lease           Duration `json:"lease" yaml:"lease" toml:"lease"`
	ReaperInterval  Duration `json:"reaper_interval" yaml:"reaper_interval" toml:"reaper_interval"`
	SessionTimeout  Duration `json:"session_timeout" yaml:"session_timeout" toml:"session_timeout"`
	HandoffMaxReads int      `json:"handoff_max_reads" yaml:"handoff_max_reads" toml:"handoff_max_reads"`
}

// Duration is a time.Duration written as a string such as "90s" or "60m".
type Duration struct {
	time.Duration
}

func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(b)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", b, err)
	}
	d.Duration = v
	return nil
}

func (d *Duration) UnmarshalYAML(n *yaml.Node) error { return d.UnmarshalText([]byte(n.Value)) }

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Addr: ":9090",
		},
		Auth: AuthConfig{
			AdminUser: "admin",
		},
		Broker: BrokerConfig{
			Lease:           Duration{60 * time.Minute},
			ReaperInterval:  Duration{30 * time.Second},
			SessionTimeout:  Duration{5 * time.Minute},
			HandoffMaxReads: 3,
		},
		DataDir:  "./data",
		LogLevel: "info",
	}
}

// Load reads a YAML or TOML config file, chosen by extension, over the
// defaults and then applies environment overrides.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg := DefaultConfig()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, cfg)
	case ".yaml", ".yml", "":
		err = yaml.Unmarshal(data, cfg)
	default:
		return nil, fmt.Errorf("config %s: unsupported format %q", path, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// ApplyEnv overrides fields from BATON_ADDR, BATON_DATA_DIR and BATON_LOG_LEVEL.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("BATON_ADDR"); v != "" {
		c.Server.Addr = v
	}
	if v := os.Getenv("BATON_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("BATON_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate checks values that would make the broker misbehave.
func (c *Config) Validate() error {
	if c.Broker.Lease.Duration <= 0 {
		return fmt.Errorf("broker.lease must be positive")
	}
	if c.Broker.ReaperInterval.Duration <= 0 {
		return fmt.Errorf("broker.reaper_interval must be positive")
	}
	if c.Broker.SessionTimeout.Duration <= 0 {
		return fmt.Errorf("broker.session_timeout must be positive")
	}
	if c.Broker.HandoffMaxReads < 1 {
		return fmt.Errorf("broker.handoff_max_reads must be at least 1")
	}
	if _, err := ParseLevel(c.LogLevel); err != nil {
		return err
	}
	return nil
}

// DBPath is the SQLite database file inside DataDir.
func (c *Config) DBPath() string { return filepath.Join(c.DataDir, "baton.db") }

// ParseLevel maps a log_level string to a slog level. Empty means info.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if s == "" {
		return slog.LevelInfo, nil
	}
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("log_level %q: %w", s, err)
	}
	return l, nil
}
