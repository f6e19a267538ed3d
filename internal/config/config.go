package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/foxzi/sendgate/internal/auth"
	"github.com/foxzi/sendgate/internal/presend"
	"github.com/foxzi/sendgate/internal/quota"
)

// Config is the main configuration structure
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	API       APIConfig       `yaml:"api"`
	Storage   StorageConfig   `yaml:"storage"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	RateLimit RateLimitConfig `yaml:"rate_limit"` // Login attempt limiting
	Quota     *quota.Config   `yaml:"quota"`      // Per-domain send quotas
	PreSend   presend.Config  `yaml:"presend"`
	Health    HealthConfig    `yaml:"health"`
	DNS       DNSConfig       `yaml:"dns"`
	Auth      AuthConfig      `yaml:"auth"`
}

// ServerConfig contains server-wide settings
type ServerConfig struct {
	Hostname        string        `yaml:"hostname"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"` // Default: 30s
}

// APIConfig contains HTTP API settings
type APIConfig struct {
	ListenAddr     string        `yaml:"listen_addr"`
	APIKey         string        `yaml:"api_key"`
	MaxHeaderBytes int           `yaml:"max_header_bytes"` // Max HTTP header size (default: 1MB)
	MaxBodyBytes   int64         `yaml:"max_body_bytes"`   // Max request body (default: 10MB)
	ReadTimeout    time.Duration `yaml:"read_timeout"`     // HTTP read timeout (default: 30s)
	WriteTimeout   time.Duration `yaml:"write_timeout"`    // HTTP write timeout (default: 30s)
	IdleTimeout    time.Duration `yaml:"idle_timeout"`     // HTTP idle timeout (default: 60s)
	AllowedIPs     []string      `yaml:"allowed_ips"`      // IP addresses/CIDRs allowed to access API (empty = allow all)
	TrustProxy     bool          `yaml:"trust_proxy"`      // Use X-Forwarded-For for client IP
	WebhookSecret  string        `yaml:"webhook_secret"`   // Shared secret for the events webhook (empty = API key)
}

// StorageConfig contains storage settings
type StorageConfig struct {
	Backend      string `yaml:"backend"` // bolt or postgres
	Path         string `yaml:"path"`    // Bolt file, also used for quota counters
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"max_open_conns"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, text
}

// MetricsConfig contains Prometheus metrics settings
type MetricsConfig struct {
	Enabled    bool     `yaml:"enabled"`
	ListenAddr string   `yaml:"listen_addr"` // Default: :9090
	Path       string   `yaml:"path"`        // Default: /metrics
	AllowedIPs []string `yaml:"allowed_ips"` // IP addresses/CIDRs allowed to access metrics
}

// RateLimitConfig contains login limiter settings
type RateLimitConfig struct {
	Backend       string        `yaml:"backend"` // memory or redis
	RedisURL      string        `yaml:"redis_url"`
	KeyPrefix     string        `yaml:"key_prefix"`
	SweepInterval time.Duration `yaml:"sweep_interval"` // In-memory eviction interval
	Email         LimitConfig   `yaml:"email"`
	IP            LimitConfig   `yaml:"ip"`
}

// LimitConfig contains sliding window values
type LimitConfig struct {
	MaxRequests       int           `yaml:"max_requests"`
	Window            time.Duration `yaml:"window"`
	LockoutMultiplier float64       `yaml:"lockout_multiplier"`
}

// HealthConfig contains domain health sweep settings
type HealthConfig struct {
	SweepInterval time.Duration `yaml:"sweep_interval"` // Default: 24h
	MinVolume     int64         `yaml:"min_volume"`     // Sends required before automatic suspension
}

// DNSConfig contains DNS verification settings
type DNSConfig struct {
	CacheTTL     time.Duration `yaml:"cache_ttl"`     // Default: 5m
	DKIMSelector string        `yaml:"dkim_selector"` // Default: sendgate
}

// AuthConfig contains admin login settings
type AuthConfig struct {
	Users []auth.User `yaml:"users"`
}

// Load loads configuration from a YAML file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// setDefaults sets default values for configuration
func (c *Config) setDefaults() {
	if c.Server.Hostname == "" {
		hostname, _ := os.Hostname()
		c.Server.Hostname = hostname
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30 * time.Second
	}

	if c.API.ListenAddr == "" {
		c.API.ListenAddr = ":8080"
	}
	if c.API.MaxHeaderBytes == 0 {
		c.API.MaxHeaderBytes = 1 << 20 // 1 MB
	}
	if c.API.MaxBodyBytes == 0 {
		c.API.MaxBodyBytes = 10 << 20 // 10 MB
	}
	if c.API.ReadTimeout == 0 {
		c.API.ReadTimeout = 30 * time.Second
	}
	if c.API.WriteTimeout == 0 {
		c.API.WriteTimeout = 30 * time.Second
	}
	if c.API.IdleTimeout == 0 {
		c.API.IdleTimeout = 60 * time.Second
	}

	if c.Storage.Backend == "" {
		c.Storage.Backend = "bolt"
	}
	if c.Storage.Path == "" {
		c.Storage.Path = "/var/lib/sendgate/sendgate.db"
	}
	if c.Storage.MaxOpenConns == 0 {
		c.Storage.MaxOpenConns = 10
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.ListenAddr == "" {
		c.Metrics.ListenAddr = ":9090"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}

	// Login limiter defaults: 3 per 30m by email, 10 per 30m by IP
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.KeyPrefix == "" {
		c.RateLimit.KeyPrefix = "sendgate:login"
	}
	if c.RateLimit.SweepInterval == 0 {
		c.RateLimit.SweepInterval = time.Minute
	}
	c.RateLimit.Email.setDefaults(3)
	c.RateLimit.IP.setDefaults(10)

	if c.Quota == nil {
		c.Quota = &quota.Config{}
	}
	if c.Quota.FlushInterval == 0 {
		c.Quota.FlushInterval = 10 * time.Second
	}

	if c.PreSend.StoreTimeout == 0 {
		c.PreSend.StoreTimeout = presend.DefaultStoreTimeout
	}
	if c.PreSend.SpamErrorThreshold == 0 {
		c.PreSend.SpamErrorThreshold = presend.DefaultSpamErrorThreshold
	}
	if c.PreSend.SpamWarningThreshold == 0 {
		c.PreSend.SpamWarningThreshold = presend.DefaultSpamWarningThreshold
	}

	if c.Health.SweepInterval == 0 {
		c.Health.SweepInterval = 24 * time.Hour
	}
	if c.Health.MinVolume == 0 {
		c.Health.MinVolume = 100
	}

	if c.DNS.CacheTTL == 0 {
		c.DNS.CacheTTL = 5 * time.Minute
	}
	if c.DNS.DKIMSelector == "" {
		c.DNS.DKIMSelector = "sendgate"
	}
}

func (l *LimitConfig) setDefaults(maxRequests int) {
	if l.MaxRequests == 0 {
		l.MaxRequests = maxRequests
	}
	if l.Window == 0 {
		l.Window = 30 * time.Minute
	}
	if l.LockoutMultiplier == 0 {
		l.LockoutMultiplier = 2
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("invalid logging.level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}

	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[c.Logging.Format] {
		return fmt.Errorf("invalid logging.format: %s (must be json or text)", c.Logging.Format)
	}

	switch c.Storage.Backend {
	case "bolt":
	case "postgres":
		if c.Storage.DSN == "" {
			return fmt.Errorf("storage.dsn is required when backend is postgres")
		}
	default:
		return fmt.Errorf("invalid storage.backend: %s (must be bolt or postgres)", c.Storage.Backend)
	}

	if err := c.validateRateLimit(); err != nil {
		return err
	}

	if c.PreSend.SpamWarningThreshold > c.PreSend.SpamErrorThreshold {
		return fmt.Errorf("presend.spam_warning_threshold must not exceed spam_error_threshold")
	}
	if c.PreSend.StoreTimeout < 0 {
		return fmt.Errorf("presend.store_timeout must not be negative")
	}

	for i, u := range c.Auth.Users {
		if u.Email == "" {
			return fmt.Errorf("auth.users[%d].email is required", i)
		}
		if u.PasswordHash == "" {
			return fmt.Errorf("auth.users[%d].password_hash is required", i)
		}
	}

	return nil
}

// validateRateLimit validates login limiter configuration
func (c *Config) validateRateLimit() error {
	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisURL == "" {
			return fmt.Errorf("rate_limit.redis_url is required when backend is redis")
		}
	default:
		return fmt.Errorf("invalid rate_limit.backend: %s (must be memory or redis)", c.RateLimit.Backend)
	}

	for name, l := range map[string]LimitConfig{"email": c.RateLimit.Email, "ip": c.RateLimit.IP} {
		if l.MaxRequests < 1 {
			return fmt.Errorf("rate_limit.%s.max_requests must be positive", name)
		}
		if l.Window <= 0 {
			return fmt.Errorf("rate_limit.%s.window must be positive", name)
		}
		if l.LockoutMultiplier < 1 {
			return fmt.Errorf("rate_limit.%s.lockout_multiplier must be at least 1", name)
		}
	}

	return nil
}
