package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config carries every tunable the engine and CLI consume. Values come
// from defaults, then an optional yaml file, then FETCHY_* environment
// variables.
type Config struct {
	Connections      int           `mapstructure:"connections" yaml:"connections"`
	MaxConnections   int64         `mapstructure:"max_connections" yaml:"max_connections"`
	QueueConcurrency int           `mapstructure:"queue_concurrency" yaml:"queue_concurrency"`
	MaxRetries       int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryBackoff     time.Duration `mapstructure:"retry_backoff" yaml:"retry_backoff"`
	RetryBackoffCap  time.Duration `mapstructure:"retry_backoff_cap" yaml:"retry_backoff_cap"`
	ProbeRetries     int           `mapstructure:"probe_retries" yaml:"probe_retries"`
	ProbeTimeout     time.Duration `mapstructure:"probe_timeout" yaml:"probe_timeout"`
	ProgressInterval time.Duration `mapstructure:"progress_interval" yaml:"progress_interval"`
	UserAgent        string        `mapstructure:"user_agent" yaml:"user_agent"`
	DataDir          string        `mapstructure:"data_dir" yaml:"data_dir"`
}

// QueuePath is the sqlite file backing the persisted queue.
func (c *Config) QueuePath() string {
	return filepath.Join(c.DataDir, "queue.db")
}

// ResumeDir holds one JSON resume record per interrupted task.
func (c *Config) ResumeDir() string {
	return filepath.Join(c.DataDir, "resume")
}

// Load reads configuration from path, or from ~/.fetchy/config.yaml
// when path is empty. A missing file is not an error; defaults apply.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetDefault("connections", 4)
	v.SetDefault("max_connections", 64)
	v.SetDefault("queue_concurrency", 1)
	v.SetDefault("max_retries", 3)
	v.SetDefault("retry_backoff", 500*time.Millisecond)
	v.SetDefault("retry_backoff_cap", 10*time.Second)
	v.SetDefault("probe_retries", 2)
	v.SetDefault("probe_timeout", 10*time.Second)
	v.SetDefault("progress_interval", 300*time.Millisecond)
	v.SetDefault("user_agent", "")
	v.SetDefault("data_dir", defaultDataDir())

	explicit := path != ""
	if !explicit {
		path = filepath.Join(defaultDataDir(), "config.yaml")
	}
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		if _, statErr := os.Stat(path); statErr == nil {
			return nil, fmt.Errorf("error reading config file %s: %w", path, err)
		}
		if explicit {
			return nil, fmt.Errorf("config file not found: %s", path)
		}
		// Missing default config file: defaults and env apply.
	}

	v.SetEnvPrefix("FETCHY")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.Connections < 1 || c.Connections > 16 {
		return fmt.Errorf("connections must be between 1 and 16, got %d", c.Connections)
	}
	if c.MaxConnections < 1 {
		return fmt.Errorf("max_connections must be positive, got %d", c.MaxConnections)
	}
	if c.QueueConcurrency < 1 {
		return fmt.Errorf("queue_concurrency must be positive, got %d", c.QueueConcurrency)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", c.MaxRetries)
	}
	return nil
}

func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".fetchy"
	}
	return filepath.Join(home, ".fetchy")
}
