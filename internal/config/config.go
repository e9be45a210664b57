package config

import (
	"bytes"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileName is the workspace config file.
const FileName = "fieldline.yml"

// Config models fieldline.yml.
type Config struct {
	Device struct {
		ID string `yaml:"id"`
	} `yaml:"device"`
	Remote struct {
		BaseURL string        `yaml:"base_url"`
		Token   string        `yaml:"token,omitempty"`
		APIKey  string        `yaml:"api_key,omitempty"`
		Timeout time.Duration `yaml:"timeout"`
		Retry   struct {
			MaxAttempts     int           `yaml:"max_attempts"`
			InitialInterval time.Duration `yaml:"initial_interval"`
		} `yaml:"retry"`
	} `yaml:"remote"`
	Sync struct {
		Interval         time.Duration `yaml:"interval"`
		StaleAfterCycles int           `yaml:"stale_after_cycles"`
		RunTimeout       time.Duration `yaml:"run_timeout"`
	} `yaml:"sync"`
	Server struct {
		Addr      string `yaml:"addr"`
		BasePath  string `yaml:"base_path"`
		MediaDir  string `yaml:"media_dir"`
		PublicURL string `yaml:"public_url,omitempty"`
	} `yaml:"server"`
	Log struct {
		Level      string `yaml:"level"`
		File       string `yaml:"file,omitempty"`
		MaxSizeMB  int    `yaml:"max_size_mb"`
		MaxBackups int    `yaml:"max_backups"`
	} `yaml:"log"`
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; create one with fl config init", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Device.ID) == "" {
		return fmt.Errorf("config.device.id is required")
	}
	if c.Remote.BaseURL != "" {
		u, err := url.Parse(c.Remote.BaseURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("config.remote.base_url must be an http(s) URL")
		}
	}
	if c.Remote.Timeout < 0 {
		return fmt.Errorf("config.remote.timeout must not be negative")
	}
	if c.Remote.Retry.MaxAttempts < 1 {
		return fmt.Errorf("config.remote.retry.max_attempts must be at least 1")
	}
	if c.Sync.Interval <= 0 {
		return fmt.Errorf("config.sync.interval must be positive")
	}
	if c.Sync.StaleAfterCycles < 1 {
		return fmt.Errorf("config.sync.stale_after_cycles must be at least 1")
	}
	switch strings.ToLower(c.Log.Level) {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, FileName)
}

// GenerateDefault returns default config YAML.
func GenerateDefault(deviceID string) string {
	return fmt.Sprintf(defaultTemplate, deviceID)
}

// LoadOptional returns nil,nil if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the default Config struct for a device.
func Default(deviceID string) *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(fmt.Sprintf(defaultTemplate, deviceID))).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Keys missing from data
// keep their default values.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default("")
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

// Marshal renders the config as YAML.
func (c *Config) Marshal() ([]byte, error) {
	return yaml.Marshal(c)
}

const defaultTemplate = `device:
  id: %q

remote:
  base_url: http://127.0.0.1:8080
  timeout: 15s
  retry:
    max_attempts: 3
    initial_interval: 500ms

sync:
  interval: 1m
  stale_after_cycles: 1
  run_timeout: 0s

server:
  addr: 127.0.0.1:8080
  base_path: ""
  media_dir: .fieldline/media

log:
  level: info
  max_size_mb: 10
  max_backups: 3
`
