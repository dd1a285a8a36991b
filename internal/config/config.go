// Package config loads and validates the gateway configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration consumed by the gateway.
type Config struct {
	Server       ServerConfig                 `yaml:"server"`
	Logging      LoggingConfig                `yaml:"logging"`
	Auth         AuthConfig                   `yaml:"auth"`
	Providers    []ProviderConfig             `yaml:"providers"`
	RequestTypes map[string]RequestTypeConfig `yaml:"request_types"`
	Health       HealthConfig                 `yaml:"health"`
	Fetch        FetchConfig                  `yaml:"fetch"`
	Cache        CacheConfig                  `yaml:"cache"`
}

// ServerConfig controls the HTTP boundary.
type ServerConfig struct {
	ListenAddress     string `yaml:"listen_address"`
	RequestsPerSecond int    `yaml:"requests_per_second"`
	Burst             int    `yaml:"burst"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	FilePrefix string `yaml:"file_prefix"`
}

// AuthConfig controls the credential gate.
type AuthConfig struct {
	// JWTSecret is the HMAC secret for bearer tokens. Empty disables JWT.
	JWTSecret string `yaml:"jwt_secret"`
	// APIKeyHashes maps key id to a bcrypt hash of the key material.
	APIKeyHashes map[string]string `yaml:"api_key_hashes"`
}

// ProviderConfig declares one upstream provider.
type ProviderConfig struct {
	ID         string   `yaml:"id"`
	Endpoint   string   `yaml:"endpoint"`
	Weight     float64  `yaml:"weight"`
	Namespaces []string `yaml:"namespaces"`
	Methods    []string `yaml:"methods"`
	ResultPath string   `yaml:"result_path"`
}

// RequestTypeConfig tunes reconciliation and caching per method.
type RequestTypeConfig struct {
	Mode string `yaml:"mode"` // "numeric" or "exact"
	// Quorum is the minimum number of successful observations.
	Quorum int `yaml:"quorum"`
	// Tolerance is the maximum deviation from the median before an
	// observation is rejected. Interpreted as a ratio when Relative is
	// true, otherwise as an absolute difference.
	Tolerance      string        `yaml:"tolerance"`
	Relative       bool          `yaml:"relative"`
	TightTolerance string        `yaml:"tight_tolerance"`
	CacheTTL       time.Duration `yaml:"cache_ttl"`
}

// HealthConfig tunes provider health transitions.
type HealthConfig struct {
	DegradedAfter    int           `yaml:"degraded_after"`
	DownAfter        int           `yaml:"down_after"`
	SuccessRateFloor float64       `yaml:"success_rate_floor"`
	CoolDown         time.Duration `yaml:"cool_down"`
	WindowSize       int           `yaml:"window_size"`
	ProbeSchedule    string        `yaml:"probe_schedule"`
	ProbeMethod      string        `yaml:"probe_method"`
}

// FetchConfig tunes the orchestrator.
type FetchConfig struct {
	Deadline       time.Duration `yaml:"deadline"`
	PerCallTimeout time.Duration `yaml:"per_call_timeout"`
	MaxCandidates  int           `yaml:"max_candidates"`
}

// CacheConfig tunes the result cache.
type CacheConfig struct {
	Capacity   int           `yaml:"capacity"`
	DefaultTTL time.Duration `yaml:"default_ttl"`
	// RedisAddress enables the shared Redis tier when non-empty.
	RedisAddress  string `yaml:"redis_address"`
	RedisPassword string `yaml:"redis_password"`
	RedisDB       int    `yaml:"redis_db"`
}

// envOverrides are environment settings that take precedence over the file.
type envOverrides struct {
	ListenAddress string `env:"GATEWAY_LISTEN_ADDRESS"`
	LogLevel      string `env:"GATEWAY_LOG_LEVEL"`
	JWTSecret     string `env:"GATEWAY_JWT_SECRET"`
	RedisAddress  string `env:"GATEWAY_REDIS_ADDRESS"`
}

// Load reads config/gateway.yaml, applies environment overrides and
// validates the result.
func Load() (*Config, error) {
	return LoadFromPath(filepath.Join("config", "gateway.yaml"))
}

// LoadFromPath reads configuration from a specific file.
func LoadFromPath(path string) (*Config, error) {
	_ = godotenv.Load()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	var env envOverrides
	if err := envdecode.Decode(&env); err == nil {
		if env.ListenAddress != "" {
			cfg.Server.ListenAddress = env.ListenAddress
		}
		if env.LogLevel != "" {
			cfg.Logging.Level = env.LogLevel
		}
		if env.JWTSecret != "" {
			cfg.Auth.JWTSecret = env.JWTSecret
		}
		if env.RedisAddress != "" {
			cfg.Cache.RedisAddress = env.RedisAddress
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		Server: ServerConfig{
			ListenAddress:     ":8080",
			RequestsPerSecond: 20,
			Burst:             40,
		},
		Logging: LoggingConfig{Level: "info", Format: "text", Output: "stdout"},
		Health: HealthConfig{
			DegradedAfter:    3,
			DownAfter:        3,
			SuccessRateFloor: 0.5,
			CoolDown:         30 * time.Second,
			WindowSize:       32,
			ProbeSchedule:    "@every 15s",
		},
		Fetch: FetchConfig{
			Deadline:       10 * time.Second,
			PerCallTimeout: 5 * time.Second,
			MaxCandidates:  5,
		},
		Cache: CacheConfig{
			Capacity:   4096,
			DefaultTTL: 30 * time.Second,
		},
	}
}

// Validate rejects configurations that would only fail at request time.
func (c *Config) Validate() error {
	if len(c.Providers) == 0 {
		return fmt.Errorf("config: at least one provider is required")
	}
	seen := make(map[string]bool, len(c.Providers))
	for _, p := range c.Providers {
		if p.ID == "" {
			return fmt.Errorf("config: provider id is required")
		}
		if seen[p.ID] {
			return fmt.Errorf("config: duplicate provider id %q", p.ID)
		}
		seen[p.ID] = true
		if p.Endpoint == "" {
			return fmt.Errorf("config: provider %s: endpoint is required", p.ID)
		}
		if p.Weight < 0 {
			return fmt.Errorf("config: provider %s: weight must be >= 0", p.ID)
		}
	}
	for name, rt := range c.RequestTypes {
		if rt.Quorum <= 0 {
			return fmt.Errorf("config: request type %s: quorum must be positive", name)
		}
		if rt.Quorum > len(c.Providers) {
			return fmt.Errorf("config: request type %s: quorum %d exceeds provider count %d",
				name, rt.Quorum, len(c.Providers))
		}
		if rt.Mode != "" && rt.Mode != "numeric" && rt.Mode != "exact" {
			return fmt.Errorf("config: request type %s: unknown mode %q", name, rt.Mode)
		}
	}
	if c.Fetch.Deadline <= 0 {
		return fmt.Errorf("config: fetch deadline must be positive")
	}
	if c.Fetch.PerCallTimeout <= 0 {
		return fmt.Errorf("config: per-call timeout must be positive")
	}
	if c.Fetch.MaxCandidates <= 0 {
		return fmt.Errorf("config: max candidates must be positive")
	}
	if c.Health.WindowSize <= 0 {
		return fmt.Errorf("config: health window size must be positive")
	}
	if c.Cache.Capacity <= 0 {
		return fmt.Errorf("config: cache capacity must be positive")
	}
	return nil
}
