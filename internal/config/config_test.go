package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("SIMULATOR_ENABLED", "")
	t.Setenv("SIMULATOR_INTERVAL", "")
	t.Setenv("HTTP_PORT", "")

	cfg := Load()
	if cfg.HTTPPort != 8081 {
		t.Fatalf("expected default port 8081, got %d", cfg.HTTPPort)
	}
	if !cfg.Simulator.Enabled {
		t.Fatal("expected simulator enabled by default")
	}
	if cfg.Simulator.AutoStart {
		t.Fatal("expected simulator auto start disabled by default")
	}
	if cfg.Simulator.Interval != 500*time.Millisecond {
		t.Fatalf("expected default interval 500ms, got %s", cfg.Simulator.Interval)
	}
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("HTTP_PORT", "9090")
	t.Setenv("SIMULATOR_ENABLED", "false")
	t.Setenv("SIMULATOR_INTERVAL", "2s")
	t.Setenv("INTERNAL_TOKEN", "tok")
	t.Setenv("ALLOWED_ORIGINS", "https://a.example, https://b.example")

	cfg := Load()
	if cfg.HTTPPort != 9090 {
		t.Fatalf("expected port 9090, got %d", cfg.HTTPPort)
	}
	if cfg.Simulator.Enabled {
		t.Fatal("expected simulator disabled from env")
	}
	if cfg.Simulator.Interval != 2*time.Second {
		t.Fatalf("expected interval 2s, got %s", cfg.Simulator.Interval)
	}
	if cfg.InternalToken != "tok" {
		t.Fatalf("expected token from env, got %q", cfg.InternalToken)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("expected parsed origins, got %v", cfg.AllowedOrigins)
	}
}

func TestConfigDSN(t *testing.T) {
	cfg := &Config{
		DBHost:     "localhost",
		DBPort:     5432,
		DBUser:     "user",
		DBPassword: "pass",
		DBName:     "db",
	}
	expected := "host=localhost port=5432 user=user password=pass dbname=db sslmode=disable"
	if cfg.DSN() != expected {
		t.Fatalf("expected DSN %s, got %s", expected, cfg.DSN())
	}
}
