package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Relay   RelayConfig   `yaml:"relay"`
	Demo    DemoConfig    `yaml:"demo"`
	Bus     BusConfig     `yaml:"bus"`
	Client  ClientConfig  `yaml:"client"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Port            int           `yaml:"port" env:"WS_PORT"`
	Host            string        `yaml:"host" env:"WS_HOST"`
	AllowedOrigins  []string      `yaml:"allowed_origins" env:"WS_ALLOWED_ORIGINS" envSeparator:","`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"WS_SHUTDOWN_TIMEOUT"`
}

type RelayConfig struct {
	MaxConnections   int           `yaml:"max_connections" env:"RELAY_MAX_CONNECTIONS"`
	MaxActivities    int           `yaml:"max_activities" env:"RELAY_MAX_ACTIVITIES"`
	MaxNotifications int           `yaml:"max_notifications" env:"RELAY_MAX_NOTIFICATIONS"`
	SendBuffer       int           `yaml:"send_buffer" env:"RELAY_SEND_BUFFER"`
	ReadLimit        int64         `yaml:"read_limit" env:"RELAY_READ_LIMIT"`
	WriteTimeout     time.Duration `yaml:"write_timeout" env:"RELAY_WRITE_TIMEOUT"`
	PongTimeout      time.Duration `yaml:"pong_timeout" env:"RELAY_PONG_TIMEOUT"`
	RateLimit        float64       `yaml:"rate_limit" env:"RELAY_RATE_LIMIT"`
	RateBurst        int           `yaml:"rate_burst" env:"RELAY_RATE_BURST"`
}

type DemoConfig struct {
	Enabled         bool          `yaml:"enabled" env:"DEMO_ENABLED"`
	KPIInterval     time.Duration `yaml:"kpi_interval" env:"DEMO_KPI_INTERVAL"`
	MetricsInterval time.Duration `yaml:"metrics_interval" env:"DEMO_METRICS_INTERVAL"`
	MetricsSource   string        `yaml:"metrics_source" env:"DEMO_METRICS_SOURCE"`
}

// BusConfig selects the cross-instance fan-out driver. An empty driver keeps
// the relay single-instance.
type BusConfig struct {
	Driver        string `yaml:"driver" env:"BUS_DRIVER"`
	Channel       string `yaml:"channel" env:"BUS_CHANNEL"`
	RedisAddr     string `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string `yaml:"redis_password" env:"REDIS_PASS"`
	RedisDB       int    `yaml:"redis_db" env:"REDIS_DB"`
}

// ClientConfig drives relay-watch.
type ClientConfig struct {
	URL                  string        `yaml:"url" env:"RELAY_URL"`
	ReconnectInterval    time.Duration `yaml:"reconnect_interval" env:"RELAY_RECONNECT_INTERVAL"`
	MaxReconnectAttempts int           `yaml:"max_reconnect_attempts" env:"RELAY_MAX_RECONNECT_ATTEMPTS"`
	HeartbeatInterval    time.Duration `yaml:"heartbeat_interval" env:"RELAY_HEARTBEAT_INTERVAL"`
	User                 string        `yaml:"user" env:"RELAY_USER"`
	Mock                 bool          `yaml:"mock" env:"RELAY_MOCK"`
}

type LoggingConfig struct {
	Level       string `yaml:"level" env:"LOG_LEVEL"`
	Development bool   `yaml:"development" env:"LOG_DEV"`
	// File receives client logs; the terminal belongs to the UI.
	File string `yaml:"file" env:"LOG_FILE"`
}

func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Relay: RelayConfig{
			MaxActivities:    50,
			MaxNotifications: 50,
			SendBuffer:       64,
			ReadLimit:        64 * 1024,
			WriteTimeout:     10 * time.Second,
			PongTimeout:      60 * time.Second,
			RateLimit:        20,
			RateBurst:        40,
		},
		Demo: DemoConfig{
			Enabled:         true,
			KPIInterval:     10 * time.Second,
			MetricsInterval: 5 * time.Second,
			MetricsSource:   "random",
		},
		Bus: BusConfig{
			Channel:   "relay:events",
			RedisAddr: "localhost:6379",
		},
		Client: ClientConfig{
			URL:                  "ws://localhost:8080",
			ReconnectInterval:    5 * time.Second,
			MaxReconnectAttempts: 5,
			HeartbeatInterval:    30 * time.Second,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load builds the configuration from defaults, the optional YAML file at path
// and finally the environment. A missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		}
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}
	if c.Relay.MaxConnections < 0 {
		return fmt.Errorf("max_connections must not be negative")
	}
	if c.Relay.MaxActivities < 1 || c.Relay.MaxNotifications < 1 {
		return fmt.Errorf("max_activities and max_notifications must be at least 1")
	}
	if c.Relay.SendBuffer < 1 {
		return fmt.Errorf("send_buffer must be at least 1")
	}
	if c.Relay.RateLimit < 0 || c.Relay.RateBurst < 0 {
		return fmt.Errorf("rate_limit and rate_burst must not be negative")
	}
	if c.Demo.Enabled && (c.Demo.KPIInterval <= 0 || c.Demo.MetricsInterval <= 0) {
		return fmt.Errorf("demo intervals must be positive")
	}
	switch c.Demo.MetricsSource {
	case "random", "host":
	default:
		return fmt.Errorf("invalid metrics_source: %q (must be random or host)", c.Demo.MetricsSource)
	}
	switch c.Bus.Driver {
	case "", "memory":
	case "redis":
		if c.Bus.RedisAddr == "" {
			return fmt.Errorf("redis bus requires redis_addr")
		}
	default:
		return fmt.Errorf("invalid bus driver: %q", c.Bus.Driver)
	}
	if c.Client.ReconnectInterval <= 0 || c.Client.HeartbeatInterval <= 0 {
		return fmt.Errorf("client intervals must be positive")
	}
	if c.Client.MaxReconnectAttempts < 1 {
		return fmt.Errorf("max_reconnect_attempts must be at least 1")
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	return nil
}

func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
