package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config models psma.yml. Environment variables with the PSMA_ prefix
// override file values; that merge happens in the CLI via viper.
type Config struct {
	Listen   string `yaml:"listen"`
	BasePath string `yaml:"base_path"`

	CORSOrigins string `yaml:"cors_origins"`

	HTTPTimeoutSeconds float64 `yaml:"http_timeout_seconds"`
	UserAgent          string  `yaml:"user_agent"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	TMDBAPIKey string `yaml:"tmdb_api_key"`

	// Optional bearer-token secret. Empty disables auth entirely.
	AuthSecret string `yaml:"auth_secret"`

	// Optional catalog override; empty uses the embedded registry.
	RegistryPath string `yaml:"registry_path"`

	Cache CacheConfig `yaml:"cache"`
}

type CacheConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Dir      string `yaml:"dir"`
	TTLHours int    `yaml:"ttl_hours"`
}

// Default returns the config used when no file is present.
func Default() *Config {
	return &Config{
		Listen:             "127.0.0.1:8080",
		CORSOrigins:        "http://localhost:3000",
		HTTPTimeoutSeconds: 10,
		UserAgent:          "psma/0.1 (local dev)",
		LogLevel:           "info",
		LogFormat:          "json",
		Cache: CacheConfig{
			Dir:      ".psma",
			TTLHours: 6,
		},
	}
}

// Load reads config from path, falling back to defaults when the file does
// not exist.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config on top of defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config.listen is required")
	}
	if c.HTTPTimeoutSeconds <= 0 {
		return fmt.Errorf("config.http_timeout_seconds must be positive")
	}
	switch c.LogFormat {
	case "json", "text":
	default:
		return fmt.Errorf("config.log_format must be json or text")
	}
	switch strings.ToLower(c.LogLevel) {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config.log_level %q not recognized", c.LogLevel)
	}
	if c.Cache.Enabled && c.Cache.TTLHours <= 0 {
		return fmt.Errorf("config.cache.ttl_hours must be positive when cache is enabled")
	}
	return nil
}

// Origins splits the configured CORS origin list.
func (c *Config) Origins() []string {
	var out []string
	for _, o := range strings.Split(c.CORSOrigins, ",") {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
