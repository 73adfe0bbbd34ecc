package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v10"
)

type Config struct {
	Environment string `env:"ENV" envDefault:"development"`
	HTTP        struct {
		Port            int           `env:"HTTP_PORT" envDefault:"8080"`
		ReadTimeout     time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"30s"`
		WriteTimeout    time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
		IdleTimeout     time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"120s"`
		ShutdownTimeout time.Duration `env:"HTTP_SHUTDOWN_TIMEOUT" envDefault:"30s"`
	}
	Logging struct {
		Level  string `env:"LOG_LEVEL"`
		Format string `env:"LOG_FORMAT" envDefault:"json"`
		Output string `env:"LOG_OUTPUT" envDefault:"stderr"`
	}
	Store struct {
		Type string `env:"STORE_TYPE" envDefault:"memory"`
		Path string `env:"STORE_PATH" envDefault:"data/devopt.db"`
	}
	Cache struct {
		// Backend is memory (one cache per run) or redis (shared, keyed by run).
		Backend  string        `env:"CACHE_BACKEND" envDefault:"memory"`
		RedisURL string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
		Prefix   string        `env:"CACHE_PREFIX" envDefault:"devopt:eval:"`
		TTL      time.Duration `env:"CACHE_TTL" envDefault:"24h"`
	}
	Simulator struct {
		// AllowCommands lets run specs start external simulator processes.
		AllowCommands bool `env:"SIM_ALLOW_COMMANDS" envDefault:"false"`
	}
	Optimization struct {
		MaxActiveRuns  int `env:"OPT_MAX_ACTIVE_RUNS" envDefault:"4"`
		MaxConcurrency int `env:"OPT_MAX_CONCURRENCY" envDefault:"8"`
		// MaxEvaluations caps the real-evaluation budget of every run; zero
		// leaves budgets alone.
		MaxEvaluations int `env:"OPT_MAX_EVALUATIONS" envDefault:"0"`
	}
}

func Load() (*Config, error) {
	cfg := &Config{}

	// Parse environment variables
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}

	// Set default logging level based on environment
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
		if cfg.Environment == "development" {
			cfg.Logging.Level = "debug"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	// Ensure the data directory exists
	if cfg.Store.Type == "sqlite" {
		if err := os.MkdirAll(filepath.Dir(cfg.Store.Path), 0o755); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Validate checks the enumerated settings and limits.
func (c *Config) Validate() error {
	switch c.Store.Type {
	case "memory", "sqlite":
	default:
		return fmt.Errorf("STORE_TYPE: unsupported store %q", c.Store.Type)
	}
	switch c.Cache.Backend {
	case "memory", "redis":
	default:
		return fmt.Errorf("CACHE_BACKEND: unsupported cache %q", c.Cache.Backend)
	}
	switch c.Logging.Format {
	case "json", "text":
	default:
		return fmt.Errorf("LOG_FORMAT: unsupported format %q", c.Logging.Format)
	}
	if c.Optimization.MaxActiveRuns < 1 {
		return fmt.Errorf("OPT_MAX_ACTIVE_RUNS: must be positive, got %d", c.Optimization.MaxActiveRuns)
	}
	if c.Optimization.MaxConcurrency < 1 {
		return fmt.Errorf("OPT_MAX_CONCURRENCY: must be positive, got %d", c.Optimization.MaxConcurrency)
	}
	if c.Optimization.MaxEvaluations < 0 {
		return fmt.Errorf("OPT_MAX_EVALUATIONS: must not be negative, got %d", c.Optimization.MaxEvaluations)
	}
	return nil
}
