package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "config.yaml")

	yaml := `
server:
  port: 9100
  host: "0.0.0.0"
  auth_token: "abc"
  allowed_origins:
    - "https://viewer.example.com"
target:
  host: "10.0.0.5"
  width: 1024
  height: 768
  layout: fr
  password_hash: "0a1b2c"
bridge:
  broadcast_interval: 50ms
input:
  rate_limit: 200
`
	if err := os.WriteFile(cfgPath, []byte(yaml), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(cfgPath)
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}

	if cfg.Server.Port != 9100 {
		t.Errorf("Server.Port = %d, want 9100", cfg.Server.Port)
	}
	if cfg.Server.Host != "0.0.0.0" {
		t.Errorf("Server.Host = %q, want %q", cfg.Server.Host, "0.0.0.0")
	}
	if len(cfg.Server.AllowedOrigins) != 1 || cfg.Server.AllowedOrigins[0] != "https://viewer.example.com" {
		t.Errorf("Server.AllowedOrigins = %v", cfg.Server.AllowedOrigins)
	}
	if cfg.Target.Width != 1024 || cfg.Target.Height != 768 {
		t.Errorf("Target size = %dx%d, want 1024x768", cfg.Target.Width, cfg.Target.Height)
	}
	if cfg.Bridge.BroadcastInterval != 50*time.Millisecond {
		t.Errorf("Bridge.BroadcastInterval = %v, want 50ms", cfg.Bridge.BroadcastInterval)
	}
	if cfg.Input.RateLimit != 200 {
		t.Errorf("Input.RateLimit = %v, want 200", cfg.Input.RateLimit)
	}

	// Defaults should still be applied for unspecified fields.
	if cfg.Target.Port != 3389 {
		t.Errorf("Target.Port = %d, want default 3389", cfg.Target.Port)
	}
	if cfg.Bridge.QueuePollInterval != 50*time.Millisecond {
		t.Errorf("Bridge.QueuePollInterval = %v, want default 50ms", cfg.Bridge.QueuePollInterval)
	}
	if cfg.Input.Burst != 50 {
		t.Errorf("Input.Burst = %d, want default 50", cfg.Input.Burst)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v", err)
	}
	s := cfg.Settings()
	if s.Addr() != "10.0.0.5:3389" || s.Layout != "fr" || !s.UseNLA {
		t.Errorf("Settings() = %+v", s)
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("Load() on missing file should return error")
	}
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	for _, path := range []string{"", "/nonexistent/path/config.yaml"} {
		cfg, err := LoadOrDefault(path)
		if err != nil {
			t.Fatalf("LoadOrDefault(%q) error: %v", path, err)
		}
		if cfg.Server.Port != 9000 {
			t.Errorf("Server.Port = %d, want default 9000", cfg.Server.Port)
		}
		if cfg.Server.Host != "127.0.0.1" {
			t.Errorf("Server.Host = %q, want default %q", cfg.Server.Host, "127.0.0.1")
		}
		if cfg.Target.Width != 1600 || cfg.Target.Height != 1200 {
			t.Errorf("Target size = %dx%d, want default 1600x1200", cfg.Target.Width, cfg.Target.Height)
		}
	}
}

func TestLoadInvalidYAML(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "bad.yaml")
	if err := os.WriteFile(cfgPath, []byte(":::not valid yaml"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := Load(cfgPath); err == nil {
		t.Fatal("Load() with invalid YAML should return error")
	}
	if _, err := LoadOrDefault(cfgPath); err == nil {
		t.Fatal("LoadOrDefault() with invalid YAML should return error")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero width", func(c *Config) { c.Target.Width = 0 }},
		{"negative height", func(c *Config) { c.Target.Height = -1 }},
		{"oversized width", func(c *Config) { c.Target.Width = 70000 }},
		{"bad hash", func(c *Config) { c.Target.PasswordHash = "zz" }},
		{"bad layout", func(c *Config) { c.Target.Layout = "de" }},
		{"server port", func(c *Config) { c.Server.Port = 70000 }},
		{"no engine", func(c *Config) { c.Target.Engine = "" }},
		{"zero broadcast interval", func(c *Config) { c.Bridge.BroadcastInterval = 0 }},
		{"negative rate", func(c *Config) { c.Input.RateLimit = -1 }},
		{"negative max connections", func(c *Config) { c.Server.MaxConnections = -1 }},
	}

	if err := defaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestGenerateToken(t *testing.T) {
	tok, err := GenerateToken()
	if err != nil {
		t.Fatalf("GenerateToken() error: %v", err)
	}
	if len(tok) != 32 { // 16 bytes = 32 hex chars
		t.Errorf("token length = %d, want 32", len(tok))
	}

	// Tokens should be unique.
	tok2, _ := GenerateToken()
	if tok == tok2 {
		t.Error("two generated tokens should not be identical")
	}
}

func TestDiffNoChanges(t *testing.T) {
	if changes := Diff(defaultConfig(), defaultConfig()); len(changes) != 0 {
		t.Errorf("Diff of identical configs = %v, want empty", changes)
	}
}

func TestDiffDetectsChanges(t *testing.T) {
	old := defaultConfig()
	new := defaultConfig()

	new.Server.Port = 9100
	new.Server.AuthToken = "hunter2"
	new.Target.Password = "hunter3"
	new.Target.Width = 800
	new.Server.AllowedOrigins = []string{"https://a.example"}
	new.Bridge.BroadcastInterval = 100 * time.Millisecond

	changes := Diff(old, new)
	found := map[string]bool{}
	for _, c := range changes {
		found[c] = true
	}

	want := []string{
		"server.port: 9000 → 9100",
		"server.auth_token: changed",
		"target.password: changed",
		"target.width: 1600 → 800",
		"server.allowed_origins: [] → [https://a.example]",
		"bridge.broadcast_interval: 33ms → 100ms",
	}
	for _, w := range want {
		if !found[w] {
			t.Errorf("Missing expected change: %q\nGot: %v", w, changes)
		}
	}
	for _, c := range changes {
		if strings.Contains(c, "hunter") {
			t.Errorf("Diff leaked a secret: %q", c)
		}
	}
}
