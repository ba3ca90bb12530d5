// File: internal/config/config.go
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable read by viper.
const EnvPrefix = "SAG"

// Config holds the entire application configuration.
type Config struct {
	Logger LoggerConfig `mapstructure:"logger" yaml:"logger"`
	Client ClientConfig `mapstructure:"client" yaml:"client"`
	Cache  CacheConfig  `mapstructure:"cache" yaml:"cache"`
	Auth   AuthConfig   `mapstructure:"auth" yaml:"auth"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string      `mapstructure:"level" yaml:"level"`
	Format      string      `mapstructure:"format" yaml:"format"`
	AddSource   bool        `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string      `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string      `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int         `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int         `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int         `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool        `mapstructure:"compress" yaml:"compress"`
	Colors      ColorConfig `mapstructure:"colors" yaml:"colors"`
}

// ColorConfig defines the color codes for different log levels.
type ColorConfig struct {
	Debug  string `mapstructure:"debug" yaml:"debug"`
	Info   string `mapstructure:"info" yaml:"info"`
	Warn   string `mapstructure:"warn" yaml:"warn"`
	Error  string `mapstructure:"error" yaml:"error"`
	DPanic string `mapstructure:"dpanic" yaml:"dpanic"`
	Panic  string `mapstructure:"panic" yaml:"panic"`
	Fatal  string `mapstructure:"fatal" yaml:"fatal"`
}

// ClientConfig is the connection target and transport tuning of the CouchDB
// client.
type ClientConfig struct {
	Host      string `mapstructure:"host" yaml:"host"`
	Port      string `mapstructure:"port" yaml:"port"`
	Transport string `mapstructure:"transport" yaml:"transport"`
	SSL       bool   `mapstructure:"ssl" yaml:"ssl"`
	// SSLCert is an optional PEM CA bundle used to verify the server.
	SSLCert string `mapstructure:"ssl_cert" yaml:"ssl_cert"`

	OpenTimeout     time.Duration `mapstructure:"open_timeout" yaml:"open_timeout"`
	RWTimeout       time.Duration `mapstructure:"rw_timeout" yaml:"rw_timeout"`
	MaxRedirects    int           `mapstructure:"max_redirects" yaml:"max_redirects"`
	MaxIdlePerHost  int           `mapstructure:"max_idle_per_host" yaml:"max_idle_per_host"`
	IdleConnTimeout time.Duration `mapstructure:"idle_conn_timeout" yaml:"idle_conn_timeout"`
	// RateLimit caps requests per second. Zero means unlimited.
	RateLimit float64 `mapstructure:"rate_limit" yaml:"rate_limit"`
	RateBurst int     `mapstructure:"rate_burst" yaml:"rate_burst"`

	Decode            bool   `mapstructure:"decode" yaml:"decode"`
	Database          string `mapstructure:"database" yaml:"database"`
	PathPrefix        string `mapstructure:"path_prefix" yaml:"path_prefix"`
	StaleDefault      bool   `mapstructure:"stale_default" yaml:"stale_default"`
	AcceptCompression bool   `mapstructure:"accept_compression" yaml:"accept_compression"`
	UserAgent         string `mapstructure:"user_agent" yaml:"user_agent"`
}

// CacheConfig selects and sizes the response cache.
type CacheConfig struct {
	// Type is one of none, memory, file or postgres.
	Type        string `mapstructure:"type" yaml:"type"`
	Dir         string `mapstructure:"dir" yaml:"dir"`
	MaxSize     int64  `mapstructure:"max_size" yaml:"max_size"`
	PostgresURL string `mapstructure:"postgres_url" yaml:"postgres_url"`
}

// AuthConfig holds the credentials used by the CLI.
type AuthConfig struct {
	// Type is one of none, basic, cookie or jwt.
	Type      string        `mapstructure:"type" yaml:"type"`
	User      string        `mapstructure:"user" yaml:"user"`
	Password  string        `mapstructure:"password" yaml:"password"`
	JWTSecret string        `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	JWTTTL    time.Duration `mapstructure:"jwt_ttl" yaml:"jwt_ttl"`
}

// NewDefaultConfig creates a new configuration struct populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// This should not happen with defaults, but good to be safe.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// SetDefaults initializes default values for various configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "sag")
	v.SetDefault("logger.log_file", "")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)
	v.SetDefault("logger.colors.debug", "cyan")
	v.SetDefault("logger.colors.info", "green")
	v.SetDefault("logger.colors.warn", "yellow")
	v.SetDefault("logger.colors.error", "red")

	// -- Client --
	v.SetDefault("client.host", "127.0.0.1")
	v.SetDefault("client.port", "5984")
	v.SetDefault("client.transport", "native")
	v.SetDefault("client.ssl", false)
	v.SetDefault("client.ssl_cert", "")
	v.SetDefault("client.open_timeout", "0s")
	v.SetDefault("client.rw_timeout", "0s")
	v.SetDefault("client.max_redirects", 10)
	v.SetDefault("client.max_idle_per_host", 4)
	v.SetDefault("client.idle_conn_timeout", "90s")
	v.SetDefault("client.rate_limit", 0.0)
	v.SetDefault("client.rate_burst", 1)
	v.SetDefault("client.decode", true)
	v.SetDefault("client.database", "")
	v.SetDefault("client.path_prefix", "")
	v.SetDefault("client.stale_default", false)
	v.SetDefault("client.accept_compression", false)

	// -- Cache --
	v.SetDefault("cache.type", "none")
	v.SetDefault("cache.dir", "~/.sag/cache")
	v.SetDefault("cache.max_size", 1000000)
	v.SetDefault("cache.postgres_url", "")

	// -- Auth --
	v.SetDefault("auth.type", "none")
	v.SetDefault("auth.jwt_ttl", "1h")
}

// ConfigureEnv makes every key overridable through SAG_-prefixed environment
// variables, e.g. SAG_CLIENT_HOST.
func ConfigureEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
}

// NewConfigFromViper creates a new configuration instance from a viper object.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	var cfg Config

	// Bind environment variables for sensitive data
	v.BindEnv("auth.password", "SAG_AUTH_PASSWORD")
	v.BindEnv("auth.jwt_secret", "SAG_AUTH_JWT_SECRET")

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Manually load the secret if Unmarshal didn't pick it up
	if cfg.Auth.Type == "jwt" && cfg.Auth.JWTSecret == "" {
		cfg.Auth.JWTSecret = os.Getenv("SAG_AUTH_JWT_SECRET")
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Client.Validate(); err != nil {
		return fmt.Errorf("client configuration invalid: %w", err)
	}
	if err := c.Cache.Validate(); err != nil {
		return fmt.Errorf("cache configuration invalid: %w", err)
	}
	if err := c.Auth.Validate(); err != nil {
		return fmt.Errorf("auth configuration invalid: %w", err)
	}
	return nil
}

// Validate checks the client settings.
func (c *ClientConfig) Validate() error {
	if c.Host == "" {
		return fmt.Errorf("host is required")
	}
	switch c.Transport {
	case "native", "stdlib":
	default:
		return fmt.Errorf("transport must be native or stdlib, got %q", c.Transport)
	}
	if c.OpenTimeout < 0 || c.RWTimeout < 0 || c.IdleConnTimeout < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative")
	}
	if c.MaxIdlePerHost < 0 {
		return fmt.Errorf("max_idle_per_host must not be negative")
	}
	return nil
}

// Validate checks the cache settings.
func (c *CacheConfig) Validate() error {
	switch c.Type {
	case "", "none", "memory":
	case "file":
		if c.Dir == "" {
			return fmt.Errorf("dir is required for the file cache")
		}
	case "postgres":
		if c.PostgresURL == "" {
			return fmt.Errorf("postgres_url is required for the postgres cache")
		}
	default:
		return fmt.Errorf("unknown cache type %q", c.Type)
	}
	if c.Type != "" && c.Type != "none" && c.Type != "memory" && c.MaxSize <= 0 {
		return fmt.Errorf("max_size must be a positive integer")
	}
	return nil
}

// Validate checks the auth settings.
func (a *AuthConfig) Validate() error {
	switch a.Type {
	case "", "none":
		return nil
	case "basic", "cookie":
	case "jwt":
		if a.JWTSecret == "" {
			return fmt.Errorf("JWT secret is required but not found. Ensure SAG_AUTH_JWT_SECRET is set")
		}
	default:
		return fmt.Errorf("unknown auth type %q", a.Type)
	}
	if a.User == "" {
		return fmt.Errorf("user is required for %s auth", a.Type)
	}
	return nil
}
