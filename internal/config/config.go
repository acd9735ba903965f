// Package config loads the relay configuration from a yaml file with
// environment-variable overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the relay configuration.
type Config struct {
	ListenAddr string         `yaml:"listen_addr"`
	Database   DatabaseConfig `yaml:"database"`
	Auth       AuthConfig     `yaml:"auth"`
	Limits     LimitsConfig   `yaml:"limits"`
	Logging    LoggingConfig  `yaml:"logging"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type AuthConfig struct {
	// JWTSecret is base64-encoded. Usually left empty in the file and
	// supplied via COURIER_JWT_SECRET, or auto-generated and persisted.
	JWTSecret string        `yaml:"jwt_secret"`
	TokenTTL  time.Duration `yaml:"token_ttl"`
}

type LimitsConfig struct {
	// MessagesPerSec/MessageBurst bound the per-connection message rate.
	MessagesPerSec float64 `yaml:"messages_per_sec"`
	MessageBurst   int     `yaml:"message_burst"`
	// LoginPerSec/LoginBurst bound credential attempts per client IP.
	LoginPerSec float64 `yaml:"login_per_sec"`
	LoginBurst  int     `yaml:"login_burst"`
	// MaxBodyBytes caps a single message body.
	MaxBodyBytes int `yaml:"max_body_bytes"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		ListenAddr: ":8080",
		Database:   DatabaseConfig{Path: "courier.db"},
		Auth:       AuthConfig{TokenTTL: 72 * time.Hour},
		Limits: LimitsConfig{
			MessagesPerSec: 20,
			MessageBurst:   40,
			LoginPerSec:    1,
			LoginBurst:     5,
			MaxBodyBytes:   4096,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads configuration from a file, fills unset fields with defaults,
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Override with environment variables if present
	if secret := os.Getenv("COURIER_JWT_SECRET"); secret != "" {
		cfg.Auth.JWTSecret = secret
	}
	if addr := os.Getenv("COURIER_LISTEN_ADDR"); addr != "" {
		cfg.ListenAddr = addr
	}
	if db := os.Getenv("COURIER_DB"); db != "" {
		cfg.Database.Path = db
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Limits.MessagesPerSec <= 0 || c.Limits.MessageBurst <= 0 {
		return fmt.Errorf("limits.messages_per_sec and limits.message_burst must be positive")
	}
	if c.Limits.LoginPerSec <= 0 || c.Limits.LoginBurst <= 0 {
		return fmt.Errorf("limits.login_per_sec and limits.login_burst must be positive")
	}
	if c.Limits.MaxBodyBytes <= 0 {
		return fmt.Errorf("limits.max_body_bytes must be positive")
	}
	return nil
}
