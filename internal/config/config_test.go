package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

// ============================================================
// Defaults and loading
// ============================================================

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Tunnel.LocalHost != "127.0.0.1" || cfg.Tunnel.LocalPort != 1080 {
		t.Errorf("default SOCKS endpoint = %s:%d", cfg.Tunnel.LocalHost, cfg.Tunnel.LocalPort)
	}
	if cfg.Tunnel.SSHBinary != "ssh" {
		t.Errorf("default ssh binary = %q", cfg.Tunnel.SSHBinary)
	}
	if cfg.Manual.User != "root" || cfg.Manual.Port != 22 {
		t.Errorf("manual defaults = %s:%d", cfg.Manual.User, cfg.Manual.Port)
	}
	if !cfg.Logging.Sanitize {
		t.Error("sanitization must default on")
	}
	if cfg.ManualMode() {
		t.Error("no host configured, manual mode should be off")
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}
	if cfg.Tunnel.LocalPort != 1080 {
		t.Errorf("LocalPort = %d, want default", cfg.Tunnel.LocalPort)
	}
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
api:
  url: https://vpn.example.com/node
  timeout: 30s
manual:
  user: deploy
tunnel:
  local_port: 9050
  backoff_initial: 1s
  backoff_max: 30s
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() = %v", err)
	}

	if cfg.API.URL != "https://vpn.example.com/node" {
		t.Errorf("API.URL = %q", cfg.API.URL)
	}
	if cfg.API.Timeout != 30*time.Second {
		t.Errorf("API.Timeout = %v", cfg.API.Timeout)
	}
	if cfg.Manual.User != "deploy" {
		t.Errorf("Manual.User = %q", cfg.Manual.User)
	}
	if cfg.Manual.Port != 22 {
		t.Errorf("Manual.Port = %d, unset fields keep defaults", cfg.Manual.Port)
	}
	if cfg.Tunnel.LocalPort != 9050 {
		t.Errorf("LocalPort = %d", cfg.Tunnel.LocalPort)
	}
	if cfg.Tunnel.BackoffInitial != time.Second || cfg.Tunnel.BackoffMax != 30*time.Second {
		t.Errorf("backoff = %v..%v", cfg.Tunnel.BackoffInitial, cfg.Tunnel.BackoffMax)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q", cfg.Logging.Level)
	}
}

func TestLoad_MalformedYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte("tunnel: [not a map"), 0600); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected parse error")
	}
}

// ============================================================
// Validation
// ============================================================

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"manual_host", func(c *Config) { c.Manual.Host = "1.2.3.4" }, false},
		{"api_url", func(c *Config) { c.API.URL = "https://api.example.com" }, false},
		{"no_target", func(c *Config) {}, true},
		{"local_port_zero", func(c *Config) { c.Manual.Host = "h"; c.Tunnel.LocalPort = 0 }, true},
		{"local_port_high", func(c *Config) { c.Manual.Host = "h"; c.Tunnel.LocalPort = 70000 }, true},
		{"ssh_port_zero", func(c *Config) { c.Manual.Host = "h"; c.Manual.Port = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_ClampsZeroDurations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Manual.Host = "1.2.3.4"
	cfg.Tunnel.ConnectTimeout = 0
	cfg.Tunnel.PollInterval = -time.Second
	cfg.Tunnel.BackoffInitial = 0
	cfg.Tunnel.BackoffMax = time.Millisecond
	cfg.Tunnel.SSHBinary = ""

	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() = %v", err)
	}

	if cfg.Tunnel.ConnectTimeout <= 0 || cfg.Tunnel.PollInterval <= 0 {
		t.Error("timing fields not clamped")
	}
	if cfg.Tunnel.BackoffMax < cfg.Tunnel.BackoffInitial {
		t.Errorf("backoff ceiling %v below floor %v", cfg.Tunnel.BackoffMax, cfg.Tunnel.BackoffInitial)
	}
	if cfg.Tunnel.SSHBinary != "ssh" {
		t.Errorf("SSHBinary = %q", cfg.Tunnel.SSHBinary)
	}
}
