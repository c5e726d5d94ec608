package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

const defaultConfigFileName = "enginebridge.toml"

type UpstreamConfig struct {
	// Host of the proprietary chat backend, without scheme. The realtime
	// channel uses wss://<host>, the trigger and delete calls https://<host>.
	Host           string `toml:"host"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type IdentityConfig struct {
	BaseURL        string `toml:"base_url"`
	TimeoutSeconds int    `toml:"timeout_seconds,omitempty"`
}

type ConversationsConfig struct {
	TTLMinutes    int    `toml:"ttl_minutes,omitempty"`
	SweepSchedule string `toml:"sweep_schedule,omitempty"`
}

type StoreConfig struct {
	Backend string `toml:"backend,omitempty"`
	Path    string `toml:"path,omitempty"`
}

type LogsConfig struct {
	Level    string `toml:"level,omitempty"`
	MaxLines int    `toml:"max_lines,omitempty"`
}

type TLSConfig struct {
	Enabled  bool   `toml:"enabled"`
	Domain   string `toml:"domain"`
	Email    string `toml:"email"`
	CacheDir string `toml:"cache_dir"`
}

type ServerConfig struct {
	ListenAddr    string              `toml:"listen_addr"`
	PoolAccessKey string              `toml:"pool_access_key,omitempty"`
	AdminKey      string              `toml:"admin_key,omitempty"`
	Models        []string            `toml:"models,omitempty"`
	Upstream      UpstreamConfig      `toml:"upstream"`
	Identity      IdentityConfig      `toml:"identity"`
	Conversations ConversationsConfig `toml:"conversations"`
	Store         StoreConfig         `toml:"store"`
	Logs          LogsConfig          `toml:"logs"`
	TLS           TLSConfig           `toml:"tls"`
}

func DefaultServerConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return defaultConfigFileName
	}
	return filepath.Join(home, ".config", "enginebridge", defaultConfigFileName)
}

func DefaultStorePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "enginebridge.db"
	}
	return filepath.Join(home, ".cache", "enginebridge", "enginebridge.db")
}

func DefaultTLSCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "tls-autocert"
	}
	return filepath.Join(home, ".cache", "enginebridge", "tls-autocert")
}

func NewDefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr: "127.0.0.1:8080",
		Models:     []string{"engine-chat", "engine-chat-thinking"},
		Upstream: UpstreamConfig{
			TimeoutSeconds: 60,
		},
		Identity: IdentityConfig{
			TimeoutSeconds: 30,
		},
		Conversations: ConversationsConfig{
			TTLMinutes:    60,
			SweepSchedule: "@every 10m",
		},
		Store: StoreConfig{
			Backend: "memory",
		},
		Logs: LogsConfig{
			Level:    "info",
			MaxLines: 5000,
		},
		TLS: TLSConfig{
			Enabled:  false,
			CacheDir: DefaultTLSCacheDir(),
		},
	}
}

func LoadServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := toml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse toml: %w", err)
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func LoadOrCreateServerConfig(path string) (*ServerConfig, error) {
	cfg := NewDefaultServerConfig()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create config dir: %w", err)
	}
	_, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		if err := SaveServerConfig(path, cfg); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		cfg.Normalize()
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("stat config: %w", err)
	}
	return LoadServerConfig(path)
}

func SaveServerConfig(path string, cfg *ServerConfig) error {
	b, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("encode toml: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write config temp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename config: %w", err)
	}
	return nil
}

func (c *ServerConfig) Normalize() {
	c.ListenAddr = strings.TrimSpace(c.ListenAddr)
	if c.ListenAddr == "" {
		c.ListenAddr = "127.0.0.1:8080"
	}
	c.PoolAccessKey = strings.TrimSpace(c.PoolAccessKey)
	c.AdminKey = strings.TrimSpace(c.AdminKey)
	c.Upstream.Host = strings.TrimSpace(strings.TrimSuffix(c.Upstream.Host, "/"))
	c.Upstream.Host = strings.TrimPrefix(strings.TrimPrefix(c.Upstream.Host, "https://"), "wss://")
	if c.Upstream.TimeoutSeconds <= 0 {
		c.Upstream.TimeoutSeconds = 60
	}
	c.Identity.BaseURL = strings.TrimSpace(strings.TrimSuffix(c.Identity.BaseURL, "/"))
	if c.Identity.TimeoutSeconds <= 0 {
		c.Identity.TimeoutSeconds = 30
	}
	if c.Conversations.TTLMinutes <= 0 {
		c.Conversations.TTLMinutes = 60
	}
	if strings.TrimSpace(c.Conversations.SweepSchedule) == "" {
		c.Conversations.SweepSchedule = "@every 10m"
	}
	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	if c.Store.Backend == "" {
		c.Store.Backend = "memory"
	}
	if c.Store.Backend != "memory" && strings.TrimSpace(c.Store.Path) == "" {
		c.Store.Path = DefaultStorePath()
	}
	if c.Logs.MaxLines <= 0 {
		c.Logs.MaxLines = 5000
	}
	if strings.TrimSpace(c.Logs.Level) == "" {
		c.Logs.Level = "info"
	}
	if len(c.Models) == 0 {
		c.Models = []string{"engine-chat", "engine-chat-thinking"}
	}
	out := c.Models[:0]
	for _, m := range c.Models {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	c.Models = out
}

func (c *ServerConfig) Validate() error {
	switch c.Store.Backend {
	case "memory", "file", "sqlite":
	default:
		return fmt.Errorf("invalid store backend %q", c.Store.Backend)
	}
	if c.TLS.Enabled && strings.TrimSpace(c.TLS.Domain) == "" {
		return fmt.Errorf("tls enabled but no domain configured")
	}
	return nil
}
