// Package config loads bridge configuration from the environment, or
// from a TOML file for deployments that prefer files.
package config

import (
	"fmt"
	"os"

	"github.com/kelseyhightower/envconfig"
	"github.com/pelletier/go-toml/v2"
)

// Config holds all bridge configuration.
type Config struct {
	Kernel  KernelConfig
	IPC     IPCConfig
	Logging LogConfig
}

// KernelConfig locates the kernel IPC facility.
type KernelConfig struct {
	// Socket is the unix socket path of an out-of-process facility.
	// Empty selects the in-memory facility, for development and tests.
	Socket string `envconfig:"MACHIPC_KERNEL_SOCKET" default:""`
}

// IPCConfig tunes exchange defaults.
type IPCConfig struct {
	// RecvCapacity is the default receive buffer capacity in bytes. It
	// must cover the largest expected reply.
	RecvCapacity int `envconfig:"MACHIPC_RECV_CAPACITY" default:"1000"`

	// TimeoutMillis bounds each exchange; 0 waits indefinitely.
	TimeoutMillis int `envconfig:"MACHIPC_TIMEOUT_MS" default:"0"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"MACHIPC_LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"MACHIPC_LOG_DEV" default:"false"`
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadFile reads a TOML configuration file. Values absent from the
// file keep their defaults; the file takes precedence over the
// environment, so deployments pick one source.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	cfg := Default()
	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	return cfg, nil
}

// LoadOrDefault loads configuration from the environment or returns
// defaults.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Kernel: KernelConfig{Socket: ""},
		IPC: IPCConfig{
			RecvCapacity:  1000,
			TimeoutMillis: 0,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
	}
}
