// Package config loads workbench settings from a YAML file, environment
// variables, and built-in defaults. Precedence: env > file > defaults,
// with env vars prefixed APIPLUS (APIPLUS_HOST, APIPLUS_SYNC_PERIOD, ...).
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all tunable settings.
type Config struct {
	// Host is the base URL of the remote service.
	Host string `mapstructure:"host" yaml:"host"`

	// DataDir holds the local database and log files.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// SyncPeriod is the base interval between sync cycles.
	SyncPeriod time.Duration `mapstructure:"sync_period" yaml:"sync_period"`

	// ActivityPort is the WebSocket activity feed port. 0 picks a free
	// port.
	ActivityPort int `mapstructure:"activity_port" yaml:"activity_port"`

	// LogFile receives daemon logs. Empty logs to stderr.
	LogFile string `mapstructure:"log_file" yaml:"log_file"`
}

// Loader wraps a viper instance so the daemon can watch for file edits.
type Loader struct {
	v    *viper.Viper
	path string
}

// DefaultDataDir is ~/.workbench, falling back to the working directory
// when the home directory cannot be resolved.
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".workbench"
	}
	return filepath.Join(home, ".workbench")
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetDefault("host", "https://api.apiplus.dev")
	v.SetDefault("data_dir", DefaultDataDir())
	v.SetDefault("sync_period", 150*time.Second)
	v.SetDefault("activity_port", 0)
	v.SetDefault("log_file", "")

	v.SetEnvPrefix("APIPLUS")
	v.AutomaticEnv()

	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads the config file at path. An empty path loads defaults and
// environment only; a missing file at an explicit path is an error.
func Load(path string) (*Config, *Loader, error) {
	v := newViper(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, nil, err
	}
	return cfg, &Loader{v: v, path: path}, nil
}

func (c *Config) validate() error {
	if c.Host == "" {
		return fmt.Errorf("config: host must not be empty")
	}
	if c.SyncPeriod < 0 {
		return fmt.Errorf("config: sync_period must not be negative")
	}
	if c.ActivityPort < 0 || c.ActivityPort > 65535 {
		return fmt.Errorf("config: activity_port %d out of range", c.ActivityPort)
	}
	return nil
}

// Watch re-reads the file on every change and hands the fresh config to
// onChange. Parse or validation errors keep the previous config; the
// callback never sees a broken one.
func (l *Loader) Watch(onChange func(*Config)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(_ fsnotify.Event) {
		cfg := &Config{}
		if err := l.v.Unmarshal(cfg); err != nil {
			return
		}
		if err := cfg.validate(); err != nil {
			return
		}
		onChange(cfg)
	})
	l.v.WatchConfig()
}

// WriteDefault writes a commented starter config to path, creating
// parent directories. Refuses to overwrite an existing file.
func WriteDefault(path string) error {
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config file %s already exists", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	// sync_period is a string here so the file reads "2m30s" rather
	// than raw nanoseconds.
	starter := struct {
		Host         string `yaml:"host"`
		DataDir      string `yaml:"data_dir"`
		SyncPeriod   string `yaml:"sync_period"`
		ActivityPort int    `yaml:"activity_port"`
		LogFile      string `yaml:"log_file"`
	}{
		Host:       "https://api.apiplus.dev",
		DataDir:    DefaultDataDir(),
		SyncPeriod: (150 * time.Second).String(),
	}
	data, err := yaml.Marshal(&starter)
	if err != nil {
		return fmt.Errorf("failed to render config: %w", err)
	}
	header := []byte("# workbench configuration\n# Environment variables prefixed APIPLUS_ override these values.\n")
	if err := os.WriteFile(path, append(header, data...), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}
