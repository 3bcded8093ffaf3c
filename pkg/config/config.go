// Package config loads access-layer settings from the environment and an
// optional .env file.
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/auth"
	"github.com/sharanreddy34/EPIC-FHIR-sub002/pkg/client"
)

// Config holds everything needed to stand up an authenticated client.
type Config struct {
	FHIRBaseURL string `mapstructure:"FHIR_BASE_URL"`

	ClientID       string `mapstructure:"FHIR_CLIENT_ID"`
	PrivateKeyPath string `mapstructure:"FHIR_PRIVATE_KEY_PATH"`
	KeyID          string `mapstructure:"FHIR_KEY_ID"`
	JWKSURL        string `mapstructure:"FHIR_JWKS_URL"`
	TokenURL       string `mapstructure:"FHIR_TOKEN_URL"`
	Scope          string `mapstructure:"FHIR_SCOPE"`

	TimeoutSeconds int `mapstructure:"FHIR_TIMEOUT_SECONDS"`
	MaxRetries     int `mapstructure:"FHIR_MAX_RETRIES"`
	BackoffBaseMS  int `mapstructure:"FHIR_BACKOFF_BASE_MS"`
	BackoffCapMS   int `mapstructure:"FHIR_BACKOFF_CAP_MS"`
	PageSize       int `mapstructure:"FHIR_PAGE_SIZE"`
	MaxConcurrency int `mapstructure:"FHIR_MAX_CONCURRENCY"`

	TokenCachePath string `mapstructure:"FHIR_TOKEN_CACHE_PATH"`
	RedisURL       string `mapstructure:"REDIS_URL"`

	LogLevel  string `mapstructure:"LOG_LEVEL"`
	LogFormat string `mapstructure:"LOG_FORMAT"`
}

// Load reads configuration from environment variables and, when present,
// a .env file in the working directory.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.SetConfigType("env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("FHIR_SCOPE", "system/*.read")
	v.SetDefault("FHIR_TIMEOUT_SECONDS", 30)
	v.SetDefault("FHIR_MAX_RETRIES", 3)
	v.SetDefault("FHIR_BACKOFF_BASE_MS", 1000)
	v.SetDefault("FHIR_BACKOFF_CAP_MS", 30000)
	v.SetDefault("FHIR_PAGE_SIZE", 100)
	v.SetDefault("FHIR_MAX_CONCURRENCY", 5)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("FHIR_BASE_URL")
	v.BindEnv("FHIR_CLIENT_ID")
	v.BindEnv("FHIR_PRIVATE_KEY_PATH")
	v.BindEnv("FHIR_KEY_ID")
	v.BindEnv("FHIR_JWKS_URL")
	v.BindEnv("FHIR_TOKEN_URL")
	v.BindEnv("FHIR_SCOPE")
	v.BindEnv("FHIR_TIMEOUT_SECONDS")
	v.BindEnv("FHIR_MAX_RETRIES")
	v.BindEnv("FHIR_BACKOFF_BASE_MS")
	v.BindEnv("FHIR_BACKOFF_CAP_MS")
	v.BindEnv("FHIR_PAGE_SIZE")
	v.BindEnv("FHIR_MAX_CONCURRENCY")
	v.BindEnv("FHIR_TOKEN_CACHE_PATH")
	v.BindEnv("REDIS_URL")
	v.BindEnv("LOG_LEVEL")
	v.BindEnv("LOG_FORMAT")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields every deployment must set.
func (c *Config) Validate() error {
	if c.FHIRBaseURL == "" {
		return fmt.Errorf("FHIR_BASE_URL is required")
	}
	if c.ClientID == "" {
		return fmt.Errorf("FHIR_CLIENT_ID is required")
	}
	if c.PrivateKeyPath == "" {
		return fmt.Errorf("FHIR_PRIVATE_KEY_PATH is required")
	}
	if c.TokenURL == "" {
		return fmt.Errorf("FHIR_TOKEN_URL is required")
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("FHIR_MAX_RETRIES must not be negative")
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("FHIR_PAGE_SIZE must be positive")
	}
	return nil
}

// Credentials builds signing credentials, loading the private key from disk.
func (c *Config) Credentials() (auth.Credentials, error) {
	key, err := auth.LoadPrivateKey(c.PrivateKeyPath)
	if err != nil {
		return auth.Credentials{}, fmt.Errorf("load private key: %w", err)
	}
	return auth.Credentials{
		ClientID:   c.ClientID,
		PrivateKey: key,
		KeyID:      c.KeyID,
		JWKSURL:    c.JWKSURL,
		TokenURL:   c.TokenURL,
		Scope:      c.Scope,
	}, nil
}

// ClientConfig translates the loaded settings into REST client configuration.
func (c *Config) ClientConfig() client.Config {
	cfg := client.DefaultConfig(c.FHIRBaseURL)
	cfg.Timeout = time.Duration(c.TimeoutSeconds) * time.Second
	cfg.MaxRetries = c.MaxRetries
	cfg.BackoffBase = time.Duration(c.BackoffBaseMS) * time.Millisecond
	cfg.BackoffCap = time.Duration(c.BackoffCapMS) * time.Millisecond
	cfg.PageSize = c.PageSize
	return cfg
}
