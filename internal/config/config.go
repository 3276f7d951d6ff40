// Package config provides configuration management for the membership service.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete application configuration.
type Config struct {
	Server         ServerConfig         `mapstructure:"server"`
	Database       DatabaseConfig       `mapstructure:"database"`
	Redis          RedisConfig          `mapstructure:"redis"`
	Logging        LoggingConfig        `mapstructure:"logging"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
	Security       SecurityConfig       `mapstructure:"security"`
	PasswordPolicy PasswordPolicyConfig `mapstructure:"password_policy"`
	Notification   NotificationConfig   `mapstructure:"notification"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
}

// Addr returns the listen address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds database connection settings.
// Supports PostgreSQL, SQLite and an in-process memory store.
type DatabaseConfig struct {
	// Driver specifies the database driver: "postgres", "sqlite" or "memory".
	Driver string `mapstructure:"driver"`

	// PostgreSQL settings (used when Driver is "postgres")
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// SQLite settings (used when Driver is "sqlite")
	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	CacheSize       int    `mapstructure:"cache_size"`       // Page cache size (negative = KB)
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF
}

// DSN returns the PostgreSQL connection string.
// Only valid when Driver is "postgres".
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// URL returns the PostgreSQL connection string in URL form, as migration tools expect.
func (c DatabaseConfig) URL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.User, c.Password, c.Host, c.Port, c.Database, c.SSLMode,
	)
}

// IsEmbedded returns true if using an embedded database (SQLite).
func (c DatabaseConfig) IsEmbedded() bool {
	return c.Driver == "sqlite"
}

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Enabled     bool          `mapstructure:"enabled"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Path is the URL path for the metrics endpoint.
	Path string `mapstructure:"path"`
}

// SecurityConfig holds the account policy. It is read once at startup and
// passed explicitly to the account service.
type SecurityConfig struct {
	// MultiTenant enables per-call tenants. When false every call uses DefaultTenant.
	MultiTenant   bool   `mapstructure:"multi_tenant"`
	DefaultTenant string `mapstructure:"default_tenant"`

	// EmailIsUnique enforces one account per email within a tenant.
	EmailIsUnique bool `mapstructure:"email_is_unique"`

	// EmailIsUsername makes the email address the login name. Requires EmailIsUnique.
	EmailIsUsername bool `mapstructure:"email_is_username"`

	// UsernamesUniqueAcrossTenants widens username uniqueness to every tenant.
	UsernamesUniqueAcrossTenants bool `mapstructure:"usernames_unique_across_tenants"`

	RequireAccountVerification     bool `mapstructure:"require_account_verification"`
	AllowLoginAfterAccountCreation bool `mapstructure:"allow_login_after_account_creation"`

	// AccountLockoutFailedLoginAttempts is the failure count that triggers lockout.
	AccountLockoutFailedLoginAttempts int `mapstructure:"account_lockout_failed_login_attempts"`

	// AccountLockoutDuration is the trailing window in which failures count toward lockout.
	AccountLockoutDuration time.Duration `mapstructure:"account_lockout_duration"`

	// AllowAccountDeletion removes verified accounts outright instead of closing them.
	AllowAccountDeletion bool `mapstructure:"allow_account_deletion"`

	// VerificationKeyLifetime is how long one-time keys stay valid.
	VerificationKeyLifetime time.Duration `mapstructure:"verification_key_lifetime"`

	// PasswordHashingCost is the bcrypt cost for new password hashes.
	PasswordHashingCost int `mapstructure:"password_hashing_cost"`

	// SerializeCredentialChecks holds a per-account lock around Authenticate
	// and ChangePassword. Off, concurrent failures may undercount.
	SerializeCredentialChecks bool `mapstructure:"serialize_credential_checks"`
}

// Validate checks the security policy for contradictions.
func (c SecurityConfig) Validate() error {
	if c.EmailIsUsername && !c.EmailIsUnique {
		return fmt.Errorf("security.email_is_unique must be true when security.email_is_username is true")
	}
	if !c.MultiTenant && strings.TrimSpace(c.DefaultTenant) == "" {
		return fmt.Errorf("security.default_tenant is required when multi_tenant is false")
	}
	if c.AccountLockoutFailedLoginAttempts <= 0 {
		return fmt.Errorf("security.account_lockout_failed_login_attempts must be greater than zero")
	}
	if c.AccountLockoutDuration < 0 {
		return fmt.Errorf("security.account_lockout_duration must not be negative")
	}
	if c.VerificationKeyLifetime <= 0 {
		return fmt.Errorf("security.verification_key_lifetime must be greater than zero")
	}
	return nil
}

// PasswordPolicyConfig holds password strength requirements.
type PasswordPolicyConfig struct {
	// Enabled turns the policy on. When false any non-empty password is accepted.
	Enabled bool `mapstructure:"enabled"`

	MinLength          int `mapstructure:"min_length"`
	MinUpperCase       int `mapstructure:"min_upper_case"`
	MinLowerCase       int `mapstructure:"min_lower_case"`
	MinDigits          int `mapstructure:"min_digits"`
	MinNonAlphanumeric int `mapstructure:"min_non_alphanumeric"`
}

// NotificationConfig holds outbound notification settings.
type NotificationConfig struct {
	// Enabled turns account emails on.
	Enabled bool `mapstructure:"enabled"`

	// Delivery selects the transport: "log", "smtp" or "redis".
	Delivery string `mapstructure:"delivery"`

	ApplicationName string `mapstructure:"application_name"`
	EmailSignature  string `mapstructure:"email_signature"`

	// BaseURL prefixes the links placed in emails.
	BaseURL string `mapstructure:"base_url"`

	// From is the sender address for SMTP delivery.
	From string `mapstructure:"from"`

	SMTP  SMTPConfig  `mapstructure:"smtp"`
	Retry RetryConfig `mapstructure:"retry"`

	// Stream is the Redis stream name used by the "redis" delivery.
	Stream string `mapstructure:"stream"`
}

// SMTPConfig holds SMTP relay settings.
type SMTPConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

// Addr returns the SMTP address in host:port format.
func (c SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RetryConfig holds delivery retry settings.
type RetryConfig struct {
	MaxAttempts uint64        `mapstructure:"max_attempts"`
	BaseDelay   time.Duration `mapstructure:"base_delay"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with MEMBERSHIP_ and use _ as separator.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("MEMBERSHIP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file configuration
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/membership")
	}

	// Read config file (optional - environment variables can be used instead)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 15*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_size", 1024*1024) // 1MB

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "membership")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "membership")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	// SQLite defaults
	v.SetDefault("database.path", "./data/membership.db")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.busy_timeout", 5000)
	v.SetDefault("database.cache_size", -2000)
	v.SetDefault("database.synchronous_mode", "NORMAL")

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.enabled", false)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")

	// Security defaults
	v.SetDefault("security.multi_tenant", false)
	v.SetDefault("security.default_tenant", "default")
	v.SetDefault("security.email_is_unique", true)
	v.SetDefault("security.email_is_username", false)
	v.SetDefault("security.usernames_unique_across_tenants", false)
	v.SetDefault("security.require_account_verification", true)
	v.SetDefault("security.allow_login_after_account_creation", true)
	v.SetDefault("security.account_lockout_failed_login_attempts", 10)
	v.SetDefault("security.account_lockout_duration", 5*time.Minute)
	v.SetDefault("security.allow_account_deletion", true)
	v.SetDefault("security.verification_key_lifetime", 24*time.Hour)
	v.SetDefault("security.password_hashing_cost", 10)
	v.SetDefault("security.serialize_credential_checks", false)

	// Password policy defaults
	v.SetDefault("password_policy.enabled", true)
	v.SetDefault("password_policy.min_length", 8)
	v.SetDefault("password_policy.min_upper_case", 0)
	v.SetDefault("password_policy.min_lower_case", 0)
	v.SetDefault("password_policy.min_digits", 1)
	v.SetDefault("password_policy.min_non_alphanumeric", 0)

	// Notification defaults
	v.SetDefault("notification.enabled", true)
	v.SetDefault("notification.delivery", "log")
	v.SetDefault("notification.application_name", "Membership")
	v.SetDefault("notification.email_signature", "Thanks,\nThe Membership Team")
	v.SetDefault("notification.base_url", "http://localhost:8080")
	v.SetDefault("notification.from", "noreply@localhost")
	v.SetDefault("notification.smtp.host", "localhost")
	v.SetDefault("notification.smtp.port", 25)
	v.SetDefault("notification.retry.max_attempts", 3)
	v.SetDefault("notification.retry.base_delay", 200*time.Millisecond)
	v.SetDefault("notification.stream", "membership:notifications")
}

// Validate checks the configuration for required values and valid ranges.
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Validate database configuration
	validDrivers := map[string]bool{"postgres": true, "sqlite": true, "memory": true}
	if !validDrivers[c.Database.Driver] {
		return fmt.Errorf("database.driver must be 'postgres', 'sqlite' or 'memory'")
	}

	if c.Database.Driver == "postgres" {
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for postgres driver")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required for postgres driver")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required for postgres driver")
		}
	} else if c.Database.Driver == "sqlite" {
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite driver")
		}
	}

	if err := c.Security.Validate(); err != nil {
		return err
	}

	// Validate notification configuration
	if c.Notification.Enabled {
		validDeliveries := map[string]bool{"log": true, "smtp": true, "redis": true}
		if !validDeliveries[c.Notification.Delivery] {
			return fmt.Errorf("notification.delivery must be one of: log, smtp, redis")
		}
		if c.Notification.Delivery == "redis" && !c.Redis.Enabled {
			return fmt.Errorf("redis.enabled must be true for redis notification delivery")
		}
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
