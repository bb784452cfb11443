// Package config loads service configuration from environment variables.
package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config is the host configuration surface consumed by cmd/server.
type Config struct {
	ListenAddr  string `env:"LISTEN_ADDR" envDefault:":8080"`
	MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`
	DatabaseURL string `env:"DATABASE_URL"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"INFO"`

	EnableAutoResolution          bool `env:"ENABLE_AUTO_RESOLUTION" envDefault:"false"`
	MaxRecommendationsPerConflict int  `env:"MAX_RECOMMENDATIONS_PER_CONFLICT" envDefault:"3"`
	TopN                          int  `env:"TOP_N" envDefault:"5"`
}

// Load parses configuration from the environment.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}
