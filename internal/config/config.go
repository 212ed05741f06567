package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

// Session persistence backends
const (
	SessionBackendMemory = "memory"
	SessionBackendRedis  = "redis"
)

// Config holds all configuration for the realtime client
type Config struct {
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Local status server; 0 disables it
	StatusPort  int    `env:"STATUS_PORT" envDefault:"0"`
	StatusToken string `env:"STATUS_TOKEN"`

	// Mirror dispatched events to Redis Streams
	EventsMirror bool `env:"EVENTS_MIRROR" envDefault:"false"`

	Comfy ComfyConfig

	Session SessionConfig

	// Redis configuration
	Redis RedisConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// ComfyConfig locates the compute server
type ComfyConfig struct {
	Host    string `env:"COMFY_HOST" envDefault:"127.0.0.1:8188"`
	Secure  bool   `env:"COMFY_SECURE" envDefault:"false"`
	APIBase string `env:"COMFY_API_BASE" envDefault:""`
	WSPath  string `env:"COMFY_WS_PATH" envDefault:"/ws"`
	User    string `env:"COMFY_USER"`
	Token   string `env:"COMFY_TOKEN"`

	ReconnectDelay time.Duration `env:"COMFY_RECONNECT_DELAY" envDefault:"300ms"`
	PollInterval   time.Duration `env:"COMFY_POLL_INTERVAL" envDefault:"1s"`
	RequestTimeout time.Duration `env:"COMFY_REQUEST_TIMEOUT" envDefault:"30s"`
}

// SessionConfig selects where the session identifier is persisted
type SessionConfig struct {
	Backend  string        `env:"SESSION_BACKEND" envDefault:"memory"`
	Instance string        `env:"SESSION_INSTANCE" envDefault:"default"`
	TTL      time.Duration `env:"SESSION_TTL" envDefault:"24h"`
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables. A .env file in the
// working directory, if present, is applied first without overriding
// variables already set.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.StatusPort < 0 || c.StatusPort > 65535 {
		return fmt.Errorf("invalid status port: %d", c.StatusPort)
	}

	if c.Comfy.Host == "" {
		return fmt.Errorf("compute server host is required")
	}
	if c.Comfy.ReconnectDelay <= 0 {
		return fmt.Errorf("reconnect delay must be positive")
	}
	if c.Comfy.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.Comfy.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	switch c.Session.Backend {
	case SessionBackendMemory:
	case SessionBackendRedis:
		if c.Redis.Addr == "" {
			return fmt.Errorf("redis address is required for the redis session backend")
		}
	default:
		return fmt.Errorf("unsupported session backend: %s (must be memory or redis)", c.Session.Backend)
	}
	if c.Session.Instance == "" {
		return fmt.Errorf("session instance is required")
	}

	if c.EventsMirror && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required to mirror events")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// NeedsRedis reports whether any component is backed by Redis
func (c *Config) NeedsRedis() bool {
	return c.Session.Backend == SessionBackendRedis || c.EventsMirror
}

// GetStatusAddr returns the local status server address
func (c *Config) GetStatusAddr() string {
	return fmt.Sprintf(":%d", c.StatusPort)
}

// BaseURL returns the HTTP base of the compute server including the API
// base path, e.g. http://127.0.0.1:8188/comfy
func (c *Config) BaseURL() string {
	scheme := "http"
	if c.Comfy.Secure {
		scheme = "https"
	}
	return scheme + "://" + c.Comfy.Host + strings.TrimSuffix(c.Comfy.APIBase, "/")
}

// RealtimeURL returns the realtime endpoint without the session query
func (c *Config) RealtimeURL() string {
	scheme := "ws"
	if c.Comfy.Secure {
		scheme = "wss"
	}
	u := url.URL{
		Scheme: scheme,
		Host:   c.Comfy.Host,
		Path:   strings.TrimSuffix(c.Comfy.APIBase, "/") + c.Comfy.WSPath,
	}
	return u.String()
}
