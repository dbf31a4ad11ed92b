package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

func (c *Config) Validate() error {
	if err := c.validateServer(); err != nil {
		return fmt.Errorf("server config: %w", err)
	}

	if err := c.validateArchive(); err != nil {
		return fmt.Errorf("archive config: %w", err)
	}

	if err := c.validateMetrics(); err != nil {
		return fmt.Errorf("metrics config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

func (c *Config) validateServer() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.Host == "" {
		return fmt.Errorf("host is required")
	}

	return nil
}

func (c *Config) validateArchive() error {
	switch c.Archive.Type {
	case "none", "memory":
	case "redis":
		if c.Archive.Redis == nil {
			return fmt.Errorf("redis config is required when type is redis")
		}
		if c.Archive.Redis.Address == "" {
			return fmt.Errorf("redis address is required")
		}
	default:
		return fmt.Errorf("invalid type: %s (must be none, memory, or redis)", c.Archive.Type)
	}

	if c.Archive.TTL < time.Second {
		return fmt.Errorf("ttl must be at least 1 second")
	}

	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.Bind == "" {
		return nil
	}

	if _, _, err := net.SplitHostPort(c.Metrics.Bind); err != nil {
		return fmt.Errorf("invalid bind %q: %w", c.Metrics.Bind, err)
	}

	if c.Metrics.Bind == c.Addr() {
		return fmt.Errorf("bind %q collides with the request listener", c.Metrics.Bind)
	}

	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" {
		return fmt.Errorf("invalid level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "json" && format != "text" {
		return fmt.Errorf("invalid format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
