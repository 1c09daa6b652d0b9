// Package config provides unified configuration for rowcache.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Config holds the unified configuration for rowcache.
type Config struct {
	// Debug enables verbose logging of record saves and API traffic
	Debug bool `json:"debug" yaml:"debug" env:"DEBUG"`

	// DefinitionsDir is the directory holding entity definition files
	DefinitionsDir string `json:"definitions_dir" yaml:"definitions_dir" env:"DEFINITIONS_DIR"`

	// Preload boots every entity at startup instead of on first access
	Preload bool `json:"preload" yaml:"preload" env:"PRELOAD"`

	// Cache configuration
	Cache CacheConfig `json:"cache" yaml:"cache" envPrefix:"CACHE_"`

	// API configuration for remote-backed entities
	API APIConfig `json:"api" yaml:"api" envPrefix:"API_"`

	// HTTP configuration
	HTTP HTTPConfig `json:"http" yaml:"http" envPrefix:"HTTP_"`

	// gRPC configuration
	GRPC GRPCConfig `json:"grpc" yaml:"grpc" envPrefix:"GRPC_"`
}

// CacheConfig controls where cache files are written.
type CacheConfig struct {
	// Path is the cache directory; it must already exist to enable on-disk caching
	Path string `json:"path" yaml:"path" env:"PATH"`

	// Prefix is the cache file name prefix
	Prefix string `json:"prefix" yaml:"prefix" env:"PREFIX"`
}

// APIConfig holds the remote API client configuration.
type APIConfig struct {
	// URL is the base URL requests are resolved against
	URL string `json:"url" yaml:"url" env:"URL"`

	// Token is the static bearer token sent with every request
	Token string `json:"token" yaml:"token" env:"TOKEN"`

	// Timeout bounds each API request
	Timeout time.Duration `json:"timeout" yaml:"timeout" env:"TIMEOUT"`
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`

	// ReadTimeout is the HTTP read timeout
	ReadTimeout time.Duration `json:"read_timeout" yaml:"read_timeout" env:"READ_TIMEOUT"`

	// WriteTimeout is the HTTP write timeout
	WriteTimeout time.Duration `json:"write_timeout" yaml:"write_timeout" env:"WRITE_TIMEOUT"`

	// IdleTimeout is the HTTP idle timeout
	IdleTimeout time.Duration `json:"idle_timeout" yaml:"idle_timeout" env:"IDLE_TIMEOUT"`
}

// GRPCConfig holds gRPC health server configuration.
type GRPCConfig struct {
	// Addr is the gRPC server address
	Addr string `json:"addr" yaml:"addr" env:"ADDR"`

	// Enabled controls whether the gRPC health server runs
	Enabled bool `json:"enabled" yaml:"enabled" env:"ENABLED"`
}

// Defaults for the cache surface.
const (
	DefaultCachePath   = "./storage/framework/cache"
	DefaultCachePrefix = "rowcache"
)

// EnvPrefix prefixes every environment variable read by LoadFromEnv.
const EnvPrefix = "ROWCACHE_"

// DefaultConfig returns the default configuration for local development.
func DefaultConfig() *Config {
	return &Config{
		DefinitionsDir: "./entities",
		Cache: CacheConfig{
			Path:   DefaultCachePath,
			Prefix: DefaultCachePrefix,
		},
		API: APIConfig{
			Timeout: 30 * time.Second,
		},
		HTTP: HTTPConfig{
			Addr:         ":8080",
			ReadTimeout:  30 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		GRPC: GRPCConfig{
			Addr:    ":9090",
			Enabled: false,
		},
	}
}

// Resolve fills empty values with defaults and makes the cache path absolute.
// A missing cache directory is left missing: callers fall back to in-memory stores.
func (c *Config) Resolve() {
	if c.Cache.Path == "" {
		c.Cache.Path = DefaultCachePath
	}
	if c.Cache.Prefix == "" {
		c.Cache.Prefix = DefaultCachePrefix
	}
	if abs, err := filepath.Abs(c.Cache.Path); err == nil {
		c.Cache.Path = abs
	}
	if c.API.Timeout <= 0 {
		c.API.Timeout = 30 * time.Second
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Cache.Prefix == "" {
		return fmt.Errorf("cache.prefix is required")
	}
	if strings.ContainsAny(c.Cache.Prefix, `/\`) {
		return fmt.Errorf("cache.prefix must not contain path separators, got %q", c.Cache.Prefix)
	}
	if c.API.URL != "" && !strings.HasPrefix(c.API.URL, "http://") && !strings.HasPrefix(c.API.URL, "https://") {
		return fmt.Errorf("api.url must be an http(s) URL, got %q", c.API.URL)
	}
	if c.GRPC.Enabled && c.GRPC.Addr == "" {
		return fmt.Errorf("grpc.addr is required when grpc is enabled")
	}
	return nil
}

// LoadFromFile loads configuration from a YAML or JSON file.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()

	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse YAML config: %w", err)
		}
	case ".json":
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported config file format: %s", ext)
	}

	return cfg, nil
}

// LoadFromEnv applies ROWCACHE_* environment variables on top of cfg.
// Unset variables leave the current values untouched.
func LoadFromEnv(cfg *Config) error {
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}
