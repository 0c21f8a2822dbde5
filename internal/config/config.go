// Package config loads the pool supervisor's static configuration and the
// operator-maintained "bad connections" blocklist file.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/ini.v1"
)

// Config is the pool's static, process-lifetime configuration. It is loaded
// once at startup from an .ini file and never mutated afterwards — any
// request attempting to change it at runtime is rejected (see Echo and
// Matches).
type Config struct {
	Pool PoolConf `ini:"pool"`
	Log  LogConf  `ini:"log"`
}

// PoolConf holds the recognized pool-sizing and timing keys from §6.
type PoolConf struct {
	ContainerPoolSize int `ini:"container_pool_size"`
	PortMin           int `ini:"port_min"`
	PortMax           int `ini:"port_max"`
	HealthTimeoutSec  int `ini:"health_timeout"`
	RequestTimeoutSec int `ini:"request_timeout"`
	MaxAttempts       int `ini:"max_attempts"`
}

// LogConf carries the ambient logging configuration.
type LogConf struct {
	Level string `ini:"level"`
}

// HealthTimeout is PoolConf.HealthTimeoutSec as a time.Duration.
func (c PoolConf) HealthTimeout() time.Duration {
	return time.Duration(c.HealthTimeoutSec) * time.Second
}

// RequestTimeout is PoolConf.RequestTimeoutSec as a time.Duration.
func (c PoolConf) RequestTimeout() time.Duration {
	return time.Duration(c.RequestTimeoutSec) * time.Second
}

// Defaults fills in the documented defaults (§6: container_pool_size default
// 8) for any key left at its zero value.
func (c *Config) Defaults() {
	if c.Pool.ContainerPoolSize <= 0 {
		c.Pool.ContainerPoolSize = 8
	}
	if c.Pool.PortMin <= 0 {
		c.Pool.PortMin = 20000
	}
	if c.Pool.PortMax <= 0 {
		c.Pool.PortMax = 20999
	}
	if c.Pool.HealthTimeoutSec <= 0 {
		c.Pool.HealthTimeoutSec = 10
	}
	if c.Pool.RequestTimeoutSec <= 0 {
		c.Pool.RequestTimeoutSec = 10
	}
	if c.Pool.MaxAttempts <= 0 {
		c.Pool.MaxAttempts = 3
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

// Load reads and validates the pool's .ini configuration file.
func Load(path string) (*Config, error) {
	iniFile, err := ini.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config %q: %w", path, err)
	}

	cfg := new(Config)
	if err := iniFile.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("map config %q: %w", path, err)
	}
	cfg.Defaults()

	if cfg.Pool.ContainerPoolSize < 1 {
		return nil, fmt.Errorf("container_pool_size must be >= 1, got %d", cfg.Pool.ContainerPoolSize)
	}
	if cfg.Pool.PortMin < 1 || cfg.Pool.PortMax > 65535 || cfg.Pool.PortMin > cfg.Pool.PortMax {
		return nil, fmt.Errorf("invalid port range [%d, %d]", cfg.Pool.PortMin, cfg.Pool.PortMax)
	}
	return cfg, nil
}

// Echo is the subset of Config a client may echo back on a /new_proxy
// request to assert they agree with the pool's active configuration (§6).
// Any field present and differing from the active Config is a mismatch.
type Echo struct {
	ContainerPoolSize *int `json:"container_pool_size,omitempty"`
	PortMin           *int `json:"port_min,omitempty"`
	PortMax           *int `json:"port_max,omitempty"`
	HealthTimeout     *int `json:"health_timeout,omitempty"`
	RequestTimeout    *int `json:"request_timeout,omitempty"`
	MaxAttempts       *int `json:"max_attempts,omitempty"`
}

// Matches reports whether every field the caller actually set in echo agrees
// with the active configuration. An empty Echo always matches.
func (c *Config) Matches(echo Echo) bool {
	if echo.ContainerPoolSize != nil && *echo.ContainerPoolSize != c.Pool.ContainerPoolSize {
		return false
	}
	if echo.PortMin != nil && *echo.PortMin != c.Pool.PortMin {
		return false
	}
	if echo.PortMax != nil && *echo.PortMax != c.Pool.PortMax {
		return false
	}
	if echo.HealthTimeout != nil && *echo.HealthTimeout != c.Pool.HealthTimeoutSec {
		return false
	}
	if echo.RequestTimeout != nil && *echo.RequestTimeout != c.Pool.RequestTimeoutSec {
		return false
	}
	if echo.MaxAttempts != nil && *echo.MaxAttempts != c.Pool.MaxAttempts {
		return false
	}
	return true
}

// fileExists is a tiny helper used by the blocklist loader.
func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
