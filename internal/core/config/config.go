package config

import (
	"time"

	"github.com/hausnet/linkguard/internal/core/domain"
	redisclient "github.com/hausnet/linkguard/internal/infra/redis"
	"github.com/hausnet/linkguard/internal/infra/storage/postgres"
	"github.com/hausnet/linkguard/internal/recovery"
	"github.com/hausnet/linkguard/internal/resilience"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server    ServerConfig             `yaml:"server"`
	Endpoints []EndpointConfig         `yaml:"endpoints"`
	Primary   domain.EndpointID        `yaml:"primary"`
	Breaker   resilience.BreakerConfig `yaml:"circuit_breaker"`
	Recovery  recovery.Config          `yaml:"recovery"`
	Watch     WatchConfig              `yaml:"watch"`
	Logging   LoggingConfig            `yaml:"logging"`
	Redis     redisclient.Config       `yaml:"redis"`
	Database  postgres.Config          `yaml:"database"`
}

// ServerConfig holds HTTP diagnostics server settings.
type ServerConfig struct {
	Port int `yaml:"port"`
}

// WatchConfig tunes the connection checker loop.
type WatchConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// EndpointConfig holds settings for one controller interface endpoint.
type EndpointConfig struct {
	ID           domain.EndpointID   `yaml:"id"`
	Kind         domain.EndpointKind `yaml:"kind"` // "xmlrpc" or "jsonrpc"
	Host         string              `yaml:"host"`
	Port         int                 `yaml:"port"` // 0 = kind default
	TLS          bool                `yaml:"tls"`
	CheckTimeout time.Duration       `yaml:"check_timeout"`
}
