package config

import (
	"errors"
	"fmt"
	"strings"

	libconfig "energymeter/backend/libs/config"
)

// Config defines ingest service configuration.
type Config struct {
	HTTP struct {
		Port string `yaml:"port" env:"INGEST_HTTP_PORT"`
	} `yaml:"http"`
	Database struct {
		DSN string `yaml:"dsn" env:"INGEST_POSTGRES_DSN"`
	} `yaml:"database"`
	Auth struct {
		TokenSecret string `yaml:"token_secret" env:"INGEST_TOKEN_SECRET"`
	} `yaml:"auth"`
}

// Load configuration using shared helper.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.HTTP.Port = "8085"

	if err := libconfig.LoadConfig(cfg); err != nil {
		return nil, err
	}

	if strings.TrimSpace(cfg.Database.DSN) == "" {
		return nil, errors.New("config: database dsn required")
	}
	if strings.TrimSpace(cfg.Auth.TokenSecret) == "" {
		return nil, errors.New("config: token secret required")
	}
	return cfg, nil
}

// HTTPAddress returns :port style.
func (c *Config) HTTPAddress() string {
	port := strings.TrimSpace(c.HTTP.Port)
	if port == "" {
		port = "8085"
	}
	if strings.HasPrefix(port, ":") {
		return port
	}
	return fmt.Sprintf(":%s", port)
}
