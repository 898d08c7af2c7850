// Package config handles configuration parsing for tunnelkeep.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigPath returns the default config file path:
// $XDG_CONFIG_HOME/tunnelkeep/config.yaml or ~/.config/tunnelkeep/config.yaml
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "tunnelkeep", "config.yaml")
}

// Config represents the top-level configuration.
type Config struct {
	API      APIConfig      `yaml:"api"`
	Manual   ManualConfig   `yaml:"manual"`
	Tunnel   TunnelConfig   `yaml:"tunnel"`
	Logging  LoggingConfig  `yaml:"logging"`
	Security SecurityConfig `yaml:"security"`
}

// APIConfig configures the remote credential endpoint.
type APIConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// ManualConfig holds CLI-style connection fields. A non-empty Host enables
// manual mode and disables the API fetch.
type ManualConfig struct {
	Host       string `yaml:"host"`
	User       string `yaml:"user"`
	Port       int    `yaml:"port"`
	Password   string `yaml:"password"`
	PrivateKey string `yaml:"private_key"`
}

// TunnelConfig configures the local SOCKS endpoint and supervision timing.
type TunnelConfig struct {
	LocalHost      string        `yaml:"local_host"`
	LocalPort      int           `yaml:"local_port"`
	SSHBinary      string        `yaml:"ssh_binary"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	TerminateGrace time.Duration `yaml:"terminate_grace"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

// LoggingConfig defines logging settings.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // "debug", "info", "warn", "error"
	Format   string `yaml:"format"`   // "text" or "json"
	Sanitize bool   `yaml:"sanitize"` // sanitize sensitive data from logs
}

// SecurityConfig defines security settings.
type SecurityConfig struct {
	UseKeyring bool `yaml:"use_keyring"` // store/look up manual-mode passwords in the OS keyring
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Timeout: 10 * time.Second,
		},
		Manual: ManualConfig{
			User: "root",
			Port: 22,
		},
		Tunnel: TunnelConfig{
			LocalHost:      "127.0.0.1",
			LocalPort:      1080,
			SSHBinary:      "ssh",
			ConnectTimeout: 5 * time.Second,
			PollInterval:   2 * time.Second,
			TerminateGrace: 5 * time.Second,
			BackoffInitial: 2 * time.Second,
			BackoffMax:     60 * time.Second,
		},
		Logging: LoggingConfig{
			Level:    "info",
			Format:   "text",
			Sanitize: true,
		},
	}
}

// Load loads configuration from a YAML file, applying defaults first.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			// No config file is fine; flags and env cover everything.
			return cfg, nil
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	return cfg, nil
}

// ManualMode reports whether a target host was supplied directly.
func (c *Config) ManualMode() bool {
	return c.Manual.Host != ""
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Tunnel.LocalPort <= 0 || c.Tunnel.LocalPort > 65535 {
		return fmt.Errorf("local_port %d out of range", c.Tunnel.LocalPort)
	}
	if c.Manual.Port <= 0 || c.Manual.Port > 65535 {
		return fmt.Errorf("ssh port %d out of range", c.Manual.Port)
	}
	if !c.ManualMode() && c.API.URL == "" {
		return fmt.Errorf("either a target host or an API URL is required")
	}
	if c.Tunnel.ConnectTimeout <= 0 {
		c.Tunnel.ConnectTimeout = 5 * time.Second
	}
	if c.Tunnel.PollInterval <= 0 {
		c.Tunnel.PollInterval = 2 * time.Second
	}
	if c.Tunnel.BackoffInitial <= 0 {
		c.Tunnel.BackoffInitial = 2 * time.Second
	}
	if c.Tunnel.BackoffMax < c.Tunnel.BackoffInitial {
		c.Tunnel.BackoffMax = 60 * time.Second
	}
	if c.Tunnel.SSHBinary == "" {
		c.Tunnel.SSHBinary = "ssh"
	}

	return nil
}
