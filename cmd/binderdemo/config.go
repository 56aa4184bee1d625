package main

import (
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Config is read from BINDER_* environment variables.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"info"`
	// BufferSize is the size of each process's transfer buffer.
	BufferSize int    `envconfig:"BUFFER_SIZE" default:"1048576"`
	MaxThreads uint32 `envconfig:"MAX_THREADS" default:"0"`
	Iterations int    `envconfig:"ITERATIONS" default:"1000"`
	// MetricsAddr enables a /metrics listener when set.
	MetricsAddr string `envconfig:"METRICS_ADDR"`
}

// Load reads the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("binder", &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to load config")
	}
	if cfg.BufferSize <= 0 {
		return nil, errors.Errorf("invalid buffer size %d", cfg.BufferSize)
	}
	if cfg.Iterations < 0 {
		return nil, errors.Errorf("invalid iteration count %d", cfg.Iterations)
	}
	return &cfg, nil
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		LogLevel:   "info",
		BufferSize: 1 << 20,
		Iterations: 1000,
	}
}
