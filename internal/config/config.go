// Package config loads deployment settings from environment variables and
// owns the runtime option file (KEY=VALUE) that drives the pipeline.
package config

import (
	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Bootstrap holds deployment-level settings read once at process start.
// Runtime options (backends, prompts, retrieval tuning) live in the option
// file managed by Store, not here.
type Bootstrap struct {
	ServerAddr string `env:"SERVER_ADDR" envDefault:":8080"`
	ConfigFile string `env:"CONFIG_FILE" envDefault:".env"`
	LogLevel   string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load loads bootstrap configuration from .env file (if present) and
// environment variables.
func Load() (*Bootstrap, error) {
	// Load .env file if it exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Bootstrap{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
