package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the relay daemon configuration
type Config struct {
	Listen   string         `yaml:"listen"`
	Auth     AuthConfig     `yaml:"auth"`
	Presence PresenceConfig `yaml:"presence"`
	Gateway  GatewayConfig  `yaml:"gateway"`
	Logging  LoggingConfig  `yaml:"logging"`
}

type AuthConfig struct {
	JWTSecret string        `yaml:"jwt_secret"` // base64; empty means generate
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type PresenceConfig struct {
	Backend       string        `yaml:"backend"` // "redis" or "memory"
	RedisAddr     string        `yaml:"redis_addr"`
	RedisPassword string        `yaml:"redis_password"`
	RedisDB       int           `yaml:"redis_db"`
	TTL           time.Duration `yaml:"ttl"`
}

type GatewayConfig struct {
	SimulatedAIDelay time.Duration `yaml:"simulated_ai_delay"`
	EventRate        float64       `yaml:"event_rate"`  // events/sec per connection
	EventBurst       int           `yaml:"event_burst"` // burst size per connection
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Listen: ":8480",
		Auth: AuthConfig{
			TokenTTL: 24 * time.Hour,
		},
		Presence: PresenceConfig{
			Backend:   "redis",
			RedisAddr: "127.0.0.1:6379",
			TTL:       time.Hour,
		},
		Gateway: GatewayConfig{
			SimulatedAIDelay: time.Second,
			EventRate:        50,
			EventBurst:       100,
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a file, applies env overrides, and
// validates the result. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	// Override with environment variables if present
	if secret := os.Getenv("RELAY_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("RELAY_REDIS_ADDR"); addr != "" {
		cfg.Presence.RedisAddr = addr
	}
	if listen := os.Getenv("RELAY_LISTEN"); listen != "" {
		cfg.Listen = listen
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("listen is required")
	}
	if c.Presence.Backend != "redis" && c.Presence.Backend != "memory" {
		return fmt.Errorf("presence.backend must be 'redis' or 'memory'")
	}
	if c.Presence.Backend == "redis" && c.Presence.RedisAddr == "" {
		return fmt.Errorf("presence.redis_addr is required for the redis backend")
	}
	if c.Presence.TTL <= 0 {
		return fmt.Errorf("presence.ttl must be positive")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Gateway.EventRate <= 0 {
		return fmt.Errorf("gateway.event_rate must be positive")
	}
	if c.Gateway.EventBurst <= 0 {
		return fmt.Errorf("gateway.event_burst must be positive")
	}
	switch c.Logging.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of debug, info, warn, error")
	}
	return nil
}
