// Package config assembles process configuration from defaults, an optional
// yaml file named by PERPSYNC_CONFIG, and environment overrides (which win).
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/sawpanic/perpsync/internal/bulk"
	"github.com/sawpanic/perpsync/internal/exchange"
	applog "github.com/sawpanic/perpsync/internal/log"
	"github.com/sawpanic/perpsync/internal/ratelimit"
	"github.com/sawpanic/perpsync/internal/refresh"
	"github.com/sawpanic/perpsync/internal/store"
	"github.com/sawpanic/perpsync/internal/stream"
)

// Config is the full process configuration tree.
type Config struct {
	Port         int    `yaml:"port"`
	Development  bool   `yaml:"development"`
	FrontendURL  string `yaml:"frontend_url"`
	AutoStartBot bool   `yaml:"auto_start_bot"`
	RedisURL     string `yaml:"redis_url"`
	CacheSize    int    `yaml:"cache_size"`

	Log       applog.Config    `yaml:"log"`
	Store     store.Config     `yaml:"store"`
	Exchange  exchange.Config  `yaml:"exchange"`
	Governor  ratelimit.Config `yaml:"governor"`
	Stream    stream.Config    `yaml:"stream"`
	Bulk      bulk.Config      `yaml:"bulk"`
	Refresh   refresh.Config   `yaml:"refresh"`
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Port:      3001,
		CacheSize: 1000,
		Store:     store.DefaultConfig(),
		Exchange:  exchange.DefaultConfig(),
		Governor:  ratelimit.DefaultConfig(),
		Stream:    stream.DefaultConfig(),
		Bulk:      bulk.DefaultConfig(),
		Refresh:   refresh.DefaultConfig(),
	}
}

// Load builds the effective configuration: defaults, then the yaml file named
// by PERPSYNC_CONFIG (if any), then environment variables.
func Load() (Config, error) {
	cfg := Default()

	if path := os.Getenv("PERPSYNC_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if !cfg.Development && cfg.Store.DSN == "" {
		return cfg, fmt.Errorf("DATABASE_URL is required outside development")
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("NODE_ENV"); v != "" {
		c.Development = strings.EqualFold(v, "development")
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		c.Store.DSN = v
	}
	if v := os.Getenv("DEMO_MODE"); v != "" {
		c.Exchange.Demo = envBool(v)
	}
	if v := os.Getenv("BINGX_API_KEY"); v != "" {
		c.Exchange.APIKey = v
	}
	if v := os.Getenv("BINGX_SECRET_KEY"); v != "" {
		c.Exchange.SecretKey = v
	}
	if v := os.Getenv("FRONTEND_URL"); v != "" {
		c.FrontendURL = v
	}
	if v := os.Getenv("PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil && port > 0 {
			c.Port = port
		}
	}
	if v := os.Getenv("AUTO_START_BOT"); v != "" {
		c.AutoStartBot = envBool(v)
	}
	if v := os.Getenv("LOG_DIR"); v != "" {
		c.Log.Dir = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		c.RedisURL = v
	}

	c.Log.Development = c.Development
	c.Store.Development = c.Development
	c.Governor.DevMode = c.Development
}

func envBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// HasCredentials reports whether private endpoints can be signed.
func (c *Config) HasCredentials() bool {
	return c.Exchange.APIKey != "" && c.Exchange.SecretKey != ""
}

// Validate rejects configurations the process cannot run with.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Port)
	}
	if !c.Exchange.Demo && !c.Development && !c.HasCredentials() {
		// Public market-data endpoints still work; private ones will fail
		// with AUTH errors. Not fatal, but worth refusing when the trading
		// collaborator is requested.
		if c.AutoStartBot {
			return fmt.Errorf("AUTO_START_BOT requires BINGX_API_KEY and BINGX_SECRET_KEY")
		}
	}
	return nil
}
