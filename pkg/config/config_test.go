package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadOrCreateWritesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enginebridge.toml")
	cfg, err := LoadOrCreateServerConfig(path)
	if err != nil {
		t.Fatalf("load or create: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:8080" {
		t.Fatalf("unexpected default listen addr %q", cfg.ListenAddr)
	}
	if cfg.Conversations.TTLMinutes != 60 {
		t.Fatalf("unexpected default ttl %d", cfg.Conversations.TTLMinutes)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected config file to exist: %v", err)
	}
}

func TestLoadServerConfigOverridesAndNormalizes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "enginebridge.toml")
	raw := `
listen_addr = "0.0.0.0:9090"
pool_access_key = " pool-key "
models = ["engine-chat", " ", "engine-pro"]

[upstream]
host = "https://engine.example.com/"

[identity]
base_url = "https://clerk.example.com/"

[store]
backend = "SQLite"
`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := LoadServerConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:9090" {
		t.Fatalf("listen addr not applied: %q", cfg.ListenAddr)
	}
	if cfg.PoolAccessKey != "pool-key" {
		t.Fatalf("pool key not trimmed: %q", cfg.PoolAccessKey)
	}
	if cfg.Upstream.Host != "engine.example.com" {
		t.Fatalf("upstream host not normalized: %q", cfg.Upstream.Host)
	}
	if cfg.Identity.BaseURL != "https://clerk.example.com" {
		t.Fatalf("identity base not normalized: %q", cfg.Identity.BaseURL)
	}
	if cfg.Store.Backend != "sqlite" {
		t.Fatalf("store backend not normalized: %q", cfg.Store.Backend)
	}
	if cfg.Store.Path == "" {
		t.Fatal("expected default store path for non-memory backend")
	}
	if len(cfg.Models) != 2 || cfg.Models[1] != "engine-pro" {
		t.Fatalf("models not cleaned: %v", cfg.Models)
	}
}

func TestValidateRejectsBadBackend(t *testing.T) {
	cfg := NewDefaultServerConfig()
	cfg.Store.Backend = "postgres"
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected validation error for unknown backend")
	}
}
