// Package config loads server settings from the environment and an
// optional YAML tunables file.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"ginger/server/internal/jobs"
	"ginger/server/internal/vibe"
)

// Store backends.
const (
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config is the full server configuration.
type Config struct {
	Port           string
	DatabaseURL    string
	JWTSecret      string
	AllowedOrigins string
	Store          string
	RedisURL       string
	STUNURLs       []string
	LogLevel       string
	LogFormat      string

	Avatar Avatar

	Vibe   vibe.Config
	Reaper jobs.Config
}

// Avatar configures presigned avatar URLs. An empty Bucket disables
// presigning and avatar references are served as stored.
type Avatar struct {
	Bucket          string
	Region          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	URLTTL          time.Duration
}

// Tunables is the layout of the VIBE_CONFIG file.
type Tunables struct {
	Vibe   vibe.Config `yaml:"vibe"`
	Reaper jobs.Config `yaml:"reaper"`
}

// Load reads .env when present, then the environment.
func Load() (Config, error) {
	// Load .env file (ignore error if not exists)
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds the configuration from getenv.
func FromEnv(getenv func(string) string) (Config, error) {
	env := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	cfg := Config{
		Port:           env("PORT", "8080"),
		DatabaseURL:    env("DATABASE_URL", ""),
		JWTSecret:      env("JWT_SECRET", ""),
		AllowedOrigins: env("ALLOWED_ORIGINS", "http://localhost:3000"),
		Store:          strings.ToLower(env("STORE", StorePostgres)),
		RedisURL:       env("REDIS_URL", ""),
		STUNURLs:       splitList(env("STUN_URLS", "")),
		LogLevel:       env("LOG_LEVEL", "info"),
		LogFormat:      env("LOG_FORMAT", "json"),
		Avatar: Avatar{
			Bucket:   env("AVATAR_BUCKET", ""),
			Region:   env("AVATAR_REGION", "auto"),
			Endpoint: env("AVATAR_ENDPOINT", ""),

			AccessKeyID:     env("AVATAR_ACCESS_KEY_ID", ""),
			SecretAccessKey: env("AVATAR_SECRET_ACCESS_KEY", ""),
		},
		Vibe:   vibe.DefaultConfig(),
		Reaper: jobs.DefaultConfig(),
	}
	if len(cfg.STUNURLs) == 0 {
		cfg.STUNURLs = vibe.DefaultSTUNURLs
	}

	ttl, err := time.ParseDuration(env("AVATAR_URL_TTL", "1h"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid AVATAR_URL_TTL: %w", err)
	}
	cfg.Avatar.URLTTL = ttl

	if path := env("VIBE_CONFIG", ""); path != "" {
		if err := cfg.loadTunables(path); err != nil {
			return Config{}, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// loadTunables overlays the YAML file onto the defaults. Keys missing
// from the file keep their default.
func (c *Config) loadTunables(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read tunables: %w", err)
	}

	t := Tunables{Vibe: c.Vibe, Reaper: c.Reaper}
	if err := yaml.Unmarshal(data, &t); err != nil {
		return fmt.Errorf("failed to parse tunables %s: %w", path, err)
	}
	c.Vibe = t.Vibe
	c.Reaper = t.Reaper
	return nil
}

// Validate checks required settings for the selected backend.
func (c Config) Validate() error {
	if c.JWTSecret == "" {
		return fmt.Errorf("JWT_SECRET is required")
	}
	switch c.Store {
	case StorePostgres:
		if c.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required when STORE=%s", StorePostgres)
		}
	case StoreMemory:
	default:
		return fmt.Errorf("unknown STORE %q", c.Store)
	}
	if c.Avatar.URLTTL <= 0 {
		return fmt.Errorf("AVATAR_URL_TTL must be positive")
	}
	if err := c.Vibe.Validate(); err != nil {
		return fmt.Errorf("invalid vibe tunables: %w", err)
	}
	if err := c.Reaper.Validate(); err != nil {
		return fmt.Errorf("invalid reaper tunables: %w", err)
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
