package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":8480" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":8480")
	}
	if cfg.Presence.Backend != "redis" {
		t.Errorf("Presence.Backend = %q, want %q", cfg.Presence.Backend, "redis")
	}
	if cfg.Presence.TTL != time.Hour {
		t.Errorf("Presence.TTL = %v, want %v", cfg.Presence.TTL, time.Hour)
	}
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	content := `
listen: ":9000"
presence:
  backend: memory
  ttl: 30m
gateway:
  simulated_ai_delay: 250ms
logging:
  level: debug
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":9000")
	}
	if cfg.Presence.Backend != "memory" {
		t.Errorf("Presence.Backend = %q, want %q", cfg.Presence.Backend, "memory")
	}
	if cfg.Presence.TTL != 30*time.Minute {
		t.Errorf("Presence.TTL = %v, want %v", cfg.Presence.TTL, 30*time.Minute)
	}
	if cfg.Gateway.SimulatedAIDelay != 250*time.Millisecond {
		t.Errorf("SimulatedAIDelay = %v, want 250ms", cfg.Gateway.SimulatedAIDelay)
	}
	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	// Unset fields keep their defaults.
	if cfg.Gateway.EventRate != 50 {
		t.Errorf("EventRate = %v, want 50", cfg.Gateway.EventRate)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_LISTEN", ":7777")
	t.Setenv("RELAY_REDIS_ADDR", "redis.internal:6379")
	t.Setenv("RELAY_JWT_SECRET", "c2VjcmV0")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":7777" {
		t.Errorf("Listen = %q, want %q", cfg.Listen, ":7777")
	}
	if cfg.Presence.RedisAddr != "redis.internal:6379" {
		t.Errorf("RedisAddr = %q, want %q", cfg.Presence.RedisAddr, "redis.internal:6379")
	}
	if cfg.Auth.JWTSecret != "c2VjcmV0" {
		t.Errorf("JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "c2VjcmV0")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults valid", func(c *Config) {}, false},
		{"empty listen", func(c *Config) { c.Listen = "" }, true},
		{"bad backend", func(c *Config) { c.Presence.Backend = "etcd" }, true},
		{"redis without addr", func(c *Config) { c.Presence.RedisAddr = "" }, true},
		{"memory without addr", func(c *Config) { c.Presence.Backend = "memory"; c.Presence.RedisAddr = "" }, false},
		{"zero presence ttl", func(c *Config) { c.Presence.TTL = 0 }, true},
		{"zero token ttl", func(c *Config) { c.Auth.TokenTTL = 0 }, true},
		{"zero event rate", func(c *Config) { c.Gateway.EventRate = 0 }, true},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr && err == nil {
				t.Error("expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("unexpected error: %v", err)
			}
		})
	}
}

func TestWatchReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "relay.yaml")
	write := func(level string) {
		content := "presence:\n  backend: memory\nlogging:\n  level: " + level + "\n"
		if err := os.WriteFile(path, []byte(content), 0644); err != nil {
			t.Fatalf("WriteFile: %v", err)
		}
	}
	write("info")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changed := make(chan *Config, 1)
	done := make(chan struct{})
	go func() {
		defer close(done)
		Watch(ctx, path, func(cfg *Config) {
			select {
			case changed <- cfg:
			default:
			}
		})
	}()

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	write("debug")

	select {
	case cfg := <-changed:
		if cfg.Logging.Level != "debug" {
			t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for config reload")
	}

	cancel()
	<-done
}
