// Package config loads mdns-watch settings from YAML.
//
// Config file locations (priority order):
//  1. $MDNS_WATCH_CONFIG
//  2. ./mdns-watch.yaml
//  3. $XDG_CONFIG_HOME/mdns-watch/config.yaml
//  4. ~/.config/mdns-watch/config.yaml
//
// Command-line flags override anything read from the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/Resonate-Protocol/mdns-watch/pkg/discovery"
	"gopkg.in/yaml.v3"
)

const (
	// EnvConfigPath is the environment variable for an explicit config path
	EnvConfigPath = "MDNS_WATCH_CONFIG"
	// ConfigFileName is the config file name looked up in the working directory
	ConfigFileName = "mdns-watch.yaml"
	// ConfigDirName is the config directory name under XDG
	ConfigDirName = "mdns-watch"

	DefaultServiceType = "_my-service._udp"
	DefaultFeedAddr    = ":8089"
	DefaultKeyPrefix   = "mdns-watch"
)

// Config is the full configuration file.
type Config struct {
	ServiceType string         `yaml:"service_type"`
	Interface   string         `yaml:"interface,omitempty"`
	Browse      BrowseConfig   `yaml:"browse"`
	Reporter    ReporterConfig `yaml:"reporter"`
	Feed        FeedConfig     `yaml:"feed"`
	Redis       RedisConfig    `yaml:"redis"`
	Log         LogConfig      `yaml:"log"`
}

// BrowseConfig tunes the multicast query loop.
type BrowseConfig struct {
	PollInterval   Duration `yaml:"poll_interval"`
	QueryTimeout   Duration `yaml:"query_timeout"`
	MissedPolls    int      `yaml:"missed_polls"`
	DisableIPv6    bool     `yaml:"disable_ipv6,omitempty"`
	ProbeConflicts bool     `yaml:"probe_conflicts,omitempty"`
}

// ReporterConfig controls snapshot delivery to sinks.
type ReporterConfig struct {
	// MinInterval throttles reports; zero reports every delivered snapshot.
	MinInterval Duration `yaml:"min_interval,omitempty"`
	Print       bool     `yaml:"print"`
	TUI         bool     `yaml:"tui,omitempty"`
}

// FeedConfig controls the HTTP/websocket snapshot feed.
type FeedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// RedisConfig controls the Redis mirror sink. An empty URL disables it.
type RedisConfig struct {
	URL       string   `yaml:"url,omitempty"`
	KeyPrefix string   `yaml:"key_prefix"`
	TTL       Duration `yaml:"ttl,omitempty"`
}

// LogConfig controls logger construction.
type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
	File   string `yaml:"file,omitempty"`
}

// Duration wraps time.Duration for YAML unmarshaling
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Duration returns the underlying time.Duration
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Load finds and loads the config file, or returns defaults if none found
func Load() (*Config, string, error) {
	path := FindConfigPath()
	if path == "" {
		return DefaultConfig(), "", nil
	}
	return LoadFromPath(path)
}

// LoadFromPath loads config from a specific path
func LoadFromPath(path string) (*Config, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, path, fmt.Errorf("read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, path, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()

	return cfg, path, nil
}

// DefaultConfig returns the settings used when no file exists
func DefaultConfig() *Config {
	cfg := &Config{
		ServiceType: DefaultServiceType,
		Reporter:    ReporterConfig{Print: true},
		Feed:        FeedConfig{Addr: DefaultFeedAddr},
		Redis:       RedisConfig{KeyPrefix: DefaultKeyPrefix},
		Log:         LogConfig{Format: "logfmt", Level: "info"},
	}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.ServiceType == "" {
		c.ServiceType = DefaultServiceType
	}
	if c.Browse.PollInterval <= 0 {
		c.Browse.PollInterval = Duration(5 * time.Second)
	}
	if c.Browse.QueryTimeout <= 0 {
		c.Browse.QueryTimeout = Duration(time.Second)
	}
	if c.Browse.MissedPolls <= 0 {
		c.Browse.MissedPolls = 3
	}
	if c.Feed.Addr == "" {
		c.Feed.Addr = DefaultFeedAddr
	}
	if c.Redis.KeyPrefix == "" {
		c.Redis.KeyPrefix = DefaultKeyPrefix
	}
	if c.Log.Format == "" {
		c.Log.Format = "logfmt"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// QualifiedServiceType returns the service type with the default domain appended.
func (c *Config) QualifiedServiceType() string {
	return discovery.QualifyServiceType(c.ServiceType)
}

// Validate reports every problem found in c.
func (c *Config) Validate() error {
	var errs []error

	if _, err := discovery.ParseServiceType(c.QualifiedServiceType()); err != nil {
		errs = append(errs, fmt.Errorf("service_type: %w", err))
	}
	if c.Browse.QueryTimeout > c.Browse.PollInterval {
		errs = append(errs, fmt.Errorf("browse.query_timeout %s exceeds poll_interval %s",
			c.Browse.QueryTimeout.Duration(), c.Browse.PollInterval.Duration()))
	}
	if c.Reporter.MinInterval < 0 {
		errs = append(errs, errors.New("reporter.min_interval must not be negative"))
	}
	switch c.Log.Format {
	case "logfmt", "json":
	default:
		errs = append(errs, fmt.Errorf("log.format %q: want logfmt or json", c.Log.Format))
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level %q: want debug, info, warn or error", c.Log.Level))
	}

	return errors.Join(errs...)
}

// FindConfigPath returns the first existing config file, or "" if none.
func FindConfigPath() string {
	if path := os.Getenv(EnvConfigPath); path != "" {
		if fileExists(path) {
			return path
		}
	}

	if fileExists(ConfigFileName) {
		if abs, err := filepath.Abs(ConfigFileName); err == nil {
			return abs
		}
		return ConfigFileName
	}

	if xdgHome := os.Getenv("XDG_CONFIG_HOME"); xdgHome != "" {
		path := filepath.Join(xdgHome, ConfigDirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}

	if home := os.Getenv("HOME"); home != "" {
		path := filepath.Join(home, ".config", ConfigDirName, "config.yaml")
		if fileExists(path) {
			return path
		}
	}

	return ""
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
