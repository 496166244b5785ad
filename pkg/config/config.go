// Package config loads server configuration from environment variables and
// optional config files using viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DatabaseType enumerates supported persistence engines
type DatabaseType string

const (
	DatabasePostgres DatabaseType = "postgresql"
	DatabaseSQLite   DatabaseType = "sqlite"
)

// AuthMode selects how the server resolves the authenticated user
type AuthMode string

const (
	AuthModeProduction AuthMode = "production"
	AuthModeTesting    AuthMode = "testing"
)

// DatabaseConfig holds connection and pool settings
type DatabaseConfig struct {
	Type     DatabaseType `mapstructure:"database_type"`
	Host     string       `mapstructure:"database_host"`
	Port     int          `mapstructure:"database_port"`
	Name     string       `mapstructure:"database_name"`
	User     string       `mapstructure:"database_user"`
	Password string       `mapstructure:"database_password"`
	SSLMode  string       `mapstructure:"database_ssl_mode"`
	// Path is the on-disk file for sqlite (test mode only)
	Path string `mapstructure:"database_path"`

	PoolSize    int           `mapstructure:"pool_size"`
	MaxOverflow int           `mapstructure:"max_overflow"`
	PoolTimeout time.Duration `mapstructure:"pool_timeout"`
	PoolRecycle time.Duration `mapstructure:"pool_recycle"`
	PrePing     bool          `mapstructure:"pre_ping"`
}

// DSN renders the connection string for the configured engine
func (c DatabaseConfig) DSN() string {
	if c.Type == DatabaseSQLite {
		if c.Path == "" {
			return "file::memory:?cache=shared"
		}
		return c.Path
	}
	return fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s sslmode=%s",
		c.Host, c.Port, c.Name, c.User, c.Password, c.SSLMode)
}

// RedisConfig holds cache connection settings
type RedisConfig struct {
	Address  string `mapstructure:"redis_address"`
	Password string `mapstructure:"redis_password"`
	Database int    `mapstructure:"redis_database"`
}

// AuthConfig holds authentication settings. Hard-coded fallback identities
// are forbidden: when auth fails the request is rejected with FORBIDDEN.
type AuthConfig struct {
	Enabled    bool     `mapstructure:"auth_enabled"`
	Mode       AuthMode `mapstructure:"mcp_auth_mode"`
	TestUserID string   `mapstructure:"test_user_id"`
}

// Config is the root configuration for the server
type Config struct {
	ListenAddress string         `mapstructure:"listen_address"`
	Database      DatabaseConfig `mapstructure:",squash"`
	Redis         RedisConfig    `mapstructure:",squash"`
	Auth          AuthConfig     `mapstructure:",squash"`

	// CacheTTL bounds inheritance-cache and repository-cache entries
	CacheTTL time.Duration `mapstructure:"cache_ttl"`
	// SweepInterval is the orchestrator session-timeout sweep period
	SweepInterval time.Duration `mapstructure:"sweep_interval"`
	// TestMode permits sqlite and the testing auth mode
	TestMode bool `mapstructure:"test_mode"`
}

// Load reads configuration from the environment (and an optional config
// file path) and validates it.
func Load(configFile string) (*Config, error) {
	v := viper.New()

	v.SetDefault("listen_address", ":8080")
	v.SetDefault("database_type", string(DatabasePostgres))
	v.SetDefault("database_host", "localhost")
	v.SetDefault("database_port", 5432)
	v.SetDefault("database_name", "taskmesh")
	v.SetDefault("database_user", "taskmesh")
	v.SetDefault("database_ssl_mode", "prefer")
	v.SetDefault("pool_size", 10)
	v.SetDefault("max_overflow", 5)
	v.SetDefault("pool_timeout", "30s")
	v.SetDefault("pool_recycle", "30m")
	v.SetDefault("pre_ping", true)
	v.SetDefault("redis_address", "localhost:6379")
	v.SetDefault("auth_enabled", true)
	v.SetDefault("mcp_auth_mode", string(AuthModeProduction))
	v.SetDefault("cache_ttl", "300s")
	v.SetDefault("sweep_interval", "30s")
	v.SetDefault("test_mode", false)

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate enforces cross-field constraints
func (c *Config) Validate() error {
	switch c.Database.Type {
	case DatabasePostgres:
	case DatabaseSQLite:
		if !c.TestMode {
			return fmt.Errorf("sqlite is only permitted in test mode")
		}
	default:
		return fmt.Errorf("unsupported database type: %q", c.Database.Type)
	}

	switch c.Auth.Mode {
	case AuthModeProduction:
	case AuthModeTesting:
		if !c.TestMode {
			return fmt.Errorf("auth mode %q is only permitted in test mode", c.Auth.Mode)
		}
		if c.Auth.TestUserID == "" {
			return fmt.Errorf("test_user_id is required when mcp_auth_mode=testing")
		}
	default:
		return fmt.Errorf("unsupported auth mode: %q", c.Auth.Mode)
	}

	if c.CacheTTL <= 0 {
		return fmt.Errorf("cache_ttl must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	return nil
}
