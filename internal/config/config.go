// Package config loads the process configuration: a YAML file for
// structural settings plus environment variables for secrets and
// deployment bindings.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v2"
)

type Config struct {
	Server ServerConfig `yaml:"server"`
	Store  StoreConfig  `yaml:"store"`
	Model  ModelConfig  `yaml:"model"`
	Events EventsConfig `yaml:"events"`

	// From the environment, never the file.
	AdminToken string `yaml:"-"`
	CORSOrigin string `yaml:"-"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"`
}

type StoreConfig struct {
	// Backend is "pebble" (embedded, default) or "postgres".
	Backend     string `yaml:"backend"`
	Path        string `yaml:"path"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type ModelConfig struct {
	BaseURL   string `yaml:"base_url"`
	Primary   string `yaml:"primary"`
	Fast      string `yaml:"fast"`
	APIKeyEnv string `yaml:"api_key_env"`
	APIKey    string `yaml:"-"`
}

type EventsConfig struct {
	RedisAddr   string `yaml:"redis_addr"`
	RedisStream string `yaml:"redis_stream"`
}

// Defaults fills unset fields.
func (c *Config) Defaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Store.Backend == "" {
		c.Store.Backend = "pebble"
	}
	if c.Store.Path == "" {
		c.Store.Path = "data/mesh"
	}
	if c.Model.BaseURL == "" {
		c.Model.BaseURL = "https://openrouter.ai/api/v1"
	}
	if c.Model.APIKeyEnv == "" {
		c.Model.APIKeyEnv = "MODEL_API_KEY"
	}
	if c.CORSOrigin == "" {
		c.CORSOrigin = "*"
	}
}

// Load reads the optional YAML file and the environment. A .env file is
// applied first when present.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		buf, err := os.ReadFile(path)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("config: read %s: %w", path, err)
			}
		} else if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.CORSOrigin = os.Getenv("CORS_ORIGIN")
	cfg.Defaults()
	cfg.Model.APIKey = os.Getenv(cfg.Model.APIKeyEnv)
	return &cfg, nil
}

// MissingBindings lists required bindings that are absent; a non-empty
// list makes /health report unhealthy.
func (c *Config) MissingBindings() []string {
	var missing []string
	if c.AdminToken == "" {
		missing = append(missing, "ADMIN_TOKEN")
	}
	return missing
}
