package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "production") // skip .env lookup
	t.Setenv("CONFIG_PATH", filepath.Join(t.TempDir(), "missing.yaml"))

	cfg := Load()
	if cfg.ServerURL != "http://localhost:8080" {
		t.Errorf("ServerURL = %q", cfg.ServerURL)
	}
	if cfg.WSURL != "ws://localhost:8080/ws" {
		t.Errorf("WSURL = %q, want derived from ServerURL", cfg.WSURL)
	}
	if cfg.HTTPTimeout != 15*time.Second {
		t.Errorf("HTTPTimeout = %v", cfg.HTTPTimeout)
	}
	if cfg.ReconnectMaxAttempts != 5 {
		t.Errorf("ReconnectMaxAttempts = %d", cfg.ReconnectMaxAttempts)
	}
}

func TestLoadYAMLThenEnvOverride(t *testing.T) {
	t.Setenv("APP_ENV", "production")

	dir := t.TempDir()
	path := filepath.Join(dir, "client.yaml")
	yaml := "server_url: https://chat.example.com\nreconnect_max_attempts: 9\nredis_url: redis://localhost:6379/0\n"
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("CONFIG_PATH", path)
	t.Setenv("RECONNECT_MAX_ATTEMPTS", "3")

	cfg := Load()
	if cfg.ServerURL != "https://chat.example.com" {
		t.Errorf("ServerURL = %q, want YAML value", cfg.ServerURL)
	}
	if cfg.WSURL != "wss://chat.example.com/ws" {
		t.Errorf("WSURL = %q, want wss derivation", cfg.WSURL)
	}
	if cfg.ReconnectMaxAttempts != 3 {
		t.Errorf("ReconnectMaxAttempts = %d, want env override 3", cfg.ReconnectMaxAttempts)
	}
	if cfg.RedisURL != "redis://localhost:6379/0" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
}

func TestDeriveWSURL(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"http://localhost:8080", "ws://localhost:8080/ws"},
		{"https://chat.example.com", "wss://chat.example.com/ws"},
		{"localhost:9000", "ws://localhost:9000/ws"},
	}
	for _, tt := range tests {
		if got := deriveWSURL(tt.in); got != tt.want {
			t.Errorf("deriveWSURL(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoadEnvFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, ".env")
	content := "# comment\nTEST_CFG_KEY=plain\nTEST_CFG_QUOTED=\"with spaces\"\n\nBROKENLINE\n"
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Setenv("TEST_CFG_KEY", "")
	t.Setenv("TEST_CFG_QUOTED", "")

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	loadEnvFrom(f)

	if got := os.Getenv("TEST_CFG_KEY"); got != "plain" {
		t.Errorf("TEST_CFG_KEY = %q", got)
	}
	if got := os.Getenv("TEST_CFG_QUOTED"); got != "with spaces" {
		t.Errorf("TEST_CFG_QUOTED = %q", got)
	}
}
