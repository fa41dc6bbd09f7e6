// Package config provides configuration management for the thunderpush server.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/mroth/thunderpush"
)

// Config holds all configuration for the server.
type Config struct {
	Server       ServerConfig             `mapstructure:"server"`
	Connection   ConnectionConfig         `mapstructure:"connection"`
	API          APIConfig                `mapstructure:"api"`
	Admin        AdminConfig              `mapstructure:"admin"`
	Metrics      MetricsConfig            `mapstructure:"metrics"`
	Logging      LoggingConfig            `mapstructure:"logging"`
	Provisioning ProvisioningConfig       `mapstructure:"provisioning"`
	Tenants      []thunderpush.Credential `mapstructure:"tenants"`
	TenantsFile  string                   `mapstructure:"tenants_file"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// ConnectionConfig holds per-client-session settings.
type ConnectionConfig struct {
	SendBuffer     int           `mapstructure:"send_buffer"`
	MaxMessageSize int64         `mapstructure:"max_message_size"`
	PingInterval   time.Duration `mapstructure:"ping_interval"`
	AllowedOrigins []string      `mapstructure:"allowed_origins"`
}

// APIConfig holds backend API settings.
type APIConfig struct {
	RequireSecretKey bool            `mapstructure:"require_secret_key"`
	MaxPayloadBytes  int64           `mapstructure:"max_payload_bytes"`
	RateLimiter      RateLimitConfig `mapstructure:"rate_limiter"`
}

// RateLimitConfig holds rate limiter configuration.
type RateLimitConfig struct {
	Enabled           bool    `mapstructure:"enabled"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	BurstSize         int     `mapstructure:"burst_size"`
}

// AdminConfig toggles the admin status endpoints.
type AdminConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// MetricsConfig holds Prometheus metrics configuration.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// ProvisioningConfig selects how duplicate tenants are handled at startup.
type ProvisioningConfig struct {
	// Strict makes a duplicate public key a startup failure instead of a
	// logged warning.
	Strict bool `mapstructure:"strict"`
}

// Load reads configuration from file and environment variables, then merges
// in the tenants file if one is configured.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("thunderpush")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/thunderpush/")
	}

	v.SetEnvPrefix("THUNDERPUSH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// a missing config file is fine, defaults and env still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if cfg.TenantsFile != "" {
		tenants, err := LoadTenantsFile(cfg.TenantsFile)
		if err != nil {
			return nil, err
		}
		cfg.Tenants = append(cfg.Tenants, tenants...)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// tenantsFile is the layout of a standalone tenants file:
//
//	tenants:
//	  - public_key: key
//	    secret_key: secretkey
type tenantsFile struct {
	Tenants []thunderpush.Credential `yaml:"tenants"`
}

// LoadTenantsFile reads tenant credentials from a YAML file.
func LoadTenantsFile(path string) ([]thunderpush.Credential, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read tenants file: %w", err)
	}
	var f tenantsFile
	if err := yaml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("failed to parse tenants file %s: %w", path, err)
	}
	return f.Tenants, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "30s")
	v.SetDefault("server.idle_timeout", "120s")
	v.SetDefault("server.shutdown_timeout", "15s")

	v.SetDefault("connection.send_buffer", thunderpush.DefaultConnBufSize)
	v.SetDefault("connection.max_message_size", thunderpush.DefaultMaxMessageSize)
	v.SetDefault("connection.ping_interval", thunderpush.DefaultPingInterval)
	v.SetDefault("connection.allowed_origins", []string{"*"})

	v.SetDefault("api.require_secret_key", false)
	v.SetDefault("api.max_payload_bytes", 64<<10)
	v.SetDefault("api.rate_limiter.enabled", false)
	v.SetDefault("api.rate_limiter.requests_per_second", 1000.0)
	v.SetDefault("api.rate_limiter.burst_size", 100)

	v.SetDefault("admin.enabled", true)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("provisioning.strict", true)
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server address is required")
	}
	if c.Server.ShutdownTimeout <= 0 {
		return fmt.Errorf("invalid shutdown timeout: %s", c.Server.ShutdownTimeout)
	}
	if c.Connection.SendBuffer <= 0 {
		return fmt.Errorf("invalid connection send buffer: %d", c.Connection.SendBuffer)
	}
	if c.Connection.MaxMessageSize <= 0 {
		return fmt.Errorf("invalid connection max message size: %d", c.Connection.MaxMessageSize)
	}
	if c.Connection.PingInterval <= 0 {
		return fmt.Errorf("invalid connection ping interval: %s", c.Connection.PingInterval)
	}
	if c.API.MaxPayloadBytes <= 0 {
		return fmt.Errorf("invalid api max payload bytes: %d", c.API.MaxPayloadBytes)
	}
	if c.API.RateLimiter.Enabled && c.API.RateLimiter.RequestsPerSecond <= 0 {
		return fmt.Errorf("invalid rate limit: %v", c.API.RateLimiter.RequestsPerSecond)
	}
	if c.Metrics.Enabled && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("metrics path must start with /: %q", c.Metrics.Path)
	}
	for i, t := range c.Tenants {
		if t.PublicKey == "" {
			return fmt.Errorf("tenant %d: public_key is required", i)
		}
		if c.API.RequireSecretKey && t.SecretKey == "" {
			return fmt.Errorf("tenant %q: secret_key is required when api.require_secret_key is set", t.PublicKey)
		}
	}
	return nil
}
