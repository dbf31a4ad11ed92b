package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Output  OutputConfig  `yaml:"output"`
	Archive ArchiveConfig `yaml:"archive"`
	Metrics MetricsConfig `yaml:"metrics"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Host          string `yaml:"host"`
	Port          int    `yaml:"port"`
	Concurrent    bool   `yaml:"concurrent"`
	IsolateErrors bool   `yaml:"isolate_errors"`
}

type OutputConfig struct {
	Verbose bool `yaml:"verbose"`
}

type ArchiveConfig struct {
	Type  string        `yaml:"type"`
	TTL   time.Duration `yaml:"ttl"`
	Redis *RedisConfig  `yaml:"redis,omitempty"`
}

type RedisConfig struct {
	Address    string `yaml:"address"`
	Password   string `yaml:"password"`
	DB         int    `yaml:"db"`
	PoolSize   int    `yaml:"pool_size"`
	MaxRetries int    `yaml:"max_retries"`
}

type MetricsConfig struct {
	Bind string `yaml:"bind"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads the YAML file at path. An empty path yields the defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}

		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.setDefaults()
	cfg.loadSecretsFromEnv()

	return &cfg, nil
}

func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "127.0.0.1"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}

	if c.Archive.Type == "" {
		c.Archive.Type = "none"
	}
	if c.Archive.TTL == 0 {
		c.Archive.TTL = time.Hour
	}
	if c.Archive.Type == "redis" && c.Archive.Redis != nil {
		if c.Archive.Redis.PoolSize == 0 {
			c.Archive.Redis.PoolSize = 10
		}
		if c.Archive.Redis.MaxRetries == 0 {
			c.Archive.Redis.MaxRetries = 3
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}
}

func (c *Config) loadSecretsFromEnv() {
	if c.Archive.Type == "redis" && c.Archive.Redis != nil {
		if envPassword := os.Getenv("REDIS_PASSWORD"); envPassword != "" {
			c.Archive.Redis.Password = envPassword
		}
	}
}

// Addr is the host:port the request listener binds to.
func (c *Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}
