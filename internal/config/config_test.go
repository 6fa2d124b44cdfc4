package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("Server.Port = %d, want 8080", cfg.Server.Port)
	}
	if cfg.Relay.MaxActivities != 50 {
		t.Errorf("Relay.MaxActivities = %d, want 50", cfg.Relay.MaxActivities)
	}
	if cfg.Relay.MaxNotifications != 50 {
		t.Errorf("Relay.MaxNotifications = %d, want 50", cfg.Relay.MaxNotifications)
	}
	if cfg.Demo.KPIInterval != 10*time.Second {
		t.Errorf("Demo.KPIInterval = %v, want 10s", cfg.Demo.KPIInterval)
	}
	if cfg.Demo.MetricsInterval != 5*time.Second {
		t.Errorf("Demo.MetricsInterval = %v, want 5s", cfg.Demo.MetricsInterval)
	}
	if cfg.Bus.Driver != "" {
		t.Errorf("Bus.Driver = %q, want empty", cfg.Bus.Driver)
	}
	if cfg.Client.ReconnectInterval != 5*time.Second || cfg.Client.MaxReconnectAttempts != 5 {
		t.Errorf("Client backoff = %v x %d, want 5s x 5", cfg.Client.ReconnectInterval, cfg.Client.MaxReconnectAttempts)
	}
	if cfg.Client.HeartbeatInterval != 30*time.Second {
		t.Errorf("Client.HeartbeatInterval = %v, want 30s", cfg.Client.HeartbeatInterval)
	}
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.yaml")

	yaml := `
server:
  port: 9090
  allowed_origins:
    - "https://portal.example.com"
relay:
  max_notifications: 20
  rate_limit: 5
demo:
  enabled: false
  metrics_source: host
logging:
  level: debug
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("Server.Port = %d, want 9090", cfg.Server.Port)
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://portal.example.com" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Relay.MaxNotifications != 20 {
		t.Errorf("Relay.MaxNotifications = %d, want 20", cfg.Relay.MaxNotifications)
	}
	if cfg.Demo.Enabled {
		t.Error("Demo.Enabled = true, want false")
	}
	if cfg.Demo.MetricsSource != "host" {
		t.Errorf("Demo.MetricsSource = %q, want host", cfg.Demo.MetricsSource)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Relay.MaxActivities != 50 {
		t.Errorf("Relay.MaxActivities = %d, want default 50", cfg.Relay.MaxActivities)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want default", cfg.Server.Host)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(cfgPath, []byte("server:\n  port: 9090\n"), 0644); err != nil {
		t.Fatal(err)
	}

	t.Setenv("WS_PORT", "7070")
	t.Setenv("BUS_DRIVER", "memory")
	t.Setenv("DEMO_METRICS_INTERVAL", "2s")

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Errorf("Server.Port = %d, want 7070 from WS_PORT", cfg.Server.Port)
	}
	if cfg.Bus.Driver != "memory" {
		t.Errorf("Bus.Driver = %q, want memory", cfg.Bus.Driver)
	}
	if cfg.Demo.MetricsInterval != 2*time.Second {
		t.Errorf("Demo.MetricsInterval = %v, want 2s", cfg.Demo.MetricsInterval)
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "relay.yaml")
	if err := os.WriteFile(cfgPath, []byte("server: [not a map"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load() should fail on malformed YAML")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port zero", func(c *Config) { c.Server.Port = 0 }},
		{"port too large", func(c *Config) { c.Server.Port = 70000 }},
		{"negative max connections", func(c *Config) { c.Relay.MaxConnections = -1 }},
		{"zero activity cap", func(c *Config) { c.Relay.MaxActivities = 0 }},
		{"zero send buffer", func(c *Config) { c.Relay.SendBuffer = 0 }},
		{"zero demo interval", func(c *Config) { c.Demo.KPIInterval = 0 }},
		{"unknown metrics source", func(c *Config) { c.Demo.MetricsSource = "prometheus" }},
		{"unknown bus driver", func(c *Config) { c.Bus.Driver = "kafka" }},
		{"redis without addr", func(c *Config) { c.Bus.Driver = "redis"; c.Bus.RedisAddr = "" }},
		{"zero reconnect interval", func(c *Config) { c.Client.ReconnectInterval = 0 }},
		{"zero reconnect attempts", func(c *Config) { c.Client.MaxReconnectAttempts = 0 }},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); err == nil {
				t.Error("Validate() = nil, want error")
			}
		})
	}

	if err := defaultConfig().Validate(); err != nil {
		t.Errorf("default config should validate, got %v", err)
	}
}

func TestAddr(t *testing.T) {
	cfg := defaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 9001
	if got := cfg.Addr(); got != "127.0.0.1:9001" {
		t.Errorf("Addr() = %q, want 127.0.0.1:9001", got)
	}
}
