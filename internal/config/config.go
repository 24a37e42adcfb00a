package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Config represents ~/.chatd/config.toml.
type Config struct {
	DefaultInstance string   `toml:"default_instance"`
	Addr            string   `toml:"addr"`
	AllowedOrigins  []string `toml:"allowed_origins"`
	JWTSecret       string   `toml:"jwt_secret"`

	Presence PresenceConfig `toml:"presence"`
	Cache    CacheConfig    `toml:"cache"`
}

// PresenceConfig controls online-status expiry.
type PresenceConfig struct {
	Timeout Duration `toml:"timeout"`
}

// CacheConfig selects the conversation-list cache backend. An empty
// RedisURL keeps the cache in process memory.
type CacheConfig struct {
	RedisURL string   `toml:"redis_url"`
	TTL      Duration `toml:"ttl"`
}

// Duration is a time.Duration that round-trips through TOML as "15s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

const (
	DefaultAddr            = ":8080"
	DefaultPresenceTimeout = 15 * time.Second
	DefaultCacheTTL        = 5 * time.Minute
)

// Default returns a config with every default applied.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Addr == "" {
		c.Addr = DefaultAddr
	}
	if c.Presence.Timeout.Duration <= 0 {
		c.Presence.Timeout.Duration = DefaultPresenceTimeout
	}
	if c.Cache.TTL.Duration <= 0 {
		c.Cache.TTL.Duration = DefaultCacheTTL
	}
}

// Load reads config from the given path. Returns zero config and error if file missing.
func Load(path string) (*Config, error) {
	var cfg Config
	_, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &cfg, nil
}

// Resolve loads the config file when present, then applies environment
// overrides (a .env file in the working directory is honored). A missing
// file is not an error.
func Resolve(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, fs.ErrNotExist) {
		cfg, err = Default(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load config %s: %w", path, err)
	}
	_ = godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("CHATD_ADDR"); v != "" {
		c.Addr = v
	}
	if v := os.Getenv("CHATD_JWT_SECRET"); v != "" {
		c.JWTSecret = v
	}
	if v := os.Getenv("CHATD_ALLOWED_ORIGINS"); v != "" {
		c.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv("CHATD_REDIS_URL"); v != "" {
		c.Cache.RedisURL = v
	}
	if v := os.Getenv("CHATD_PRESENCE_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("CHATD_PRESENCE_TIMEOUT: %w", err)
		}
		c.Presence.Timeout.Duration = d
	}
	c.applyDefaults()
	return nil
}

// Validate reports settings the daemon cannot start without.
func (c *Config) Validate() error {
	if c.JWTSecret == "" {
		return errors.New("jwt_secret is required (config file or CHATD_JWT_SECRET)")
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}
