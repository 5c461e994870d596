// Package config loads gateway configuration from a YAML file with
// environment-variable overrides for deployment-level settings.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// CORS is the handshake origin policy section.
type CORS struct {
	// Mode is one of "allow-all", "disabled", "allowed-origins".
	Mode string `yaml:"mode"`

	// ReadCookie applies in disabled mode.
	ReadCookie bool `yaml:"read_cookie"`

	Domains   []string `yaml:"domains"`
	Wildcards []string `yaml:"wildcards"`
}

// JWT is the authenticator section.
type JWT struct {
	HMACSecret          string `yaml:"hmac_secret"`
	PublicKeyFile       string `yaml:"public_key_file"`
	AdminSecret         string `yaml:"admin_secret"`
	UnauthenticatedRole string `yaml:"unauthenticated_role"`
}

// Cache is the query-result cache section.
type Cache struct {
	Size       int `yaml:"size"`
	MaxTTLSecs int `yaml:"max_ttl_seconds"`
}

// SQLGen carries the SQL generation context handed to the planner.
type SQLGen struct {
	StringifyNumerics bool `yaml:"stringify_numerics"`
}

// Config is the full gateway configuration.
type Config struct {
	ListenAddr       string `yaml:"listen_addr"`
	KeepAliveSecs    int    `yaml:"keepalive_seconds"`
	EnableAllowList  bool   `yaml:"enable_allow_list"`
	PollIntervalMS   int    `yaml:"poll_interval_ms"`
	LogLevel         string `yaml:"log_level"`

	CORS   CORS   `yaml:"cors"`
	JWT    JWT    `yaml:"jwt"`
	Cache  Cache  `yaml:"cache"`
	SQLGen SQLGen `yaml:"sql_gen"`
}

// Default returns the production defaults, honouring PORT.
func Default() Config {
	addr := ":8080"
	if port := os.Getenv("PORT"); port != "" {
		addr = ":" + port
	}
	return Config{
		ListenAddr:     addr,
		KeepAliveSecs:  5,
		PollIntervalMS: 1000,
		LogLevel:       "info",
		CORS:           CORS{Mode: "allow-all"},
		Cache:          Cache{Size: 1024, MaxTTLSecs: 300},
	}
}

// Load reads path (optional) over the defaults and applies env
// overrides.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("reading config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parsing config: %w", err)
		}
	}
	applyEnv(&cfg)
	return cfg, cfg.validate()
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_JWT_SECRET"); v != "" {
		cfg.JWT.HMACSecret = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_SECRET"); v != "" {
		cfg.JWT.AdminSecret = v
	}
	if v := os.Getenv("GATEWAY_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
}

func (c Config) validate() error {
	switch c.CORS.Mode {
	case "allow-all", "disabled", "allowed-origins":
	default:
		return fmt.Errorf("cors.mode %q is not one of allow-all, disabled, allowed-origins", c.CORS.Mode)
	}
	if c.KeepAliveSecs <= 0 {
		return fmt.Errorf("keepalive_seconds must be positive")
	}
	return nil
}

// KeepAlive returns the keepalive interval.
func (c Config) KeepAlive() time.Duration {
	return time.Duration(c.KeepAliveSecs) * time.Second
}

// PollInterval returns the poller refetch interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// CacheTTL returns the cache-wide maximum entry TTL.
func (c Config) CacheTTL() time.Duration {
	return time.Duration(c.Cache.MaxTTLSecs) * time.Second
}
