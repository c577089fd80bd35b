// Package config provides configuration loading for the Flowmatic platform.
// Values come from an optional YAML file (via viper) overridden by
// FLOWMATIC_-prefixed environment variables, and are validated on load.
package config

import (
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full platform configuration wired through main.
type Config struct {
	Service   ServiceConfig
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Auth      AuthConfig
	Engine    EngineConfig
	Cache     CacheConfig
	Metering  MeteringConfig
	Storage   StorageConfig
	Queue     QueueConfig
	AI        AIConfig
	Connector ConnectorConfig
	Notify    NotifyConfig
	Retention RetentionConfig
}

// ServiceConfig identifies the service instance.
type ServiceConfig struct {
	Name        string
	Environment string
	LogLevel    string
	LogFormat   string
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int
	BodyLimit       string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
	RateLimit       float64
}

// DatabaseConfig configures the relational store.
type DatabaseConfig struct {
	DSN             string
	MaxIdleConns    int
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

// RedisConfig configures the cache tier.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// AuthConfig configures authentication.
type AuthConfig struct {
	JWTSecret              string
	JWTExpiration          time.Duration
	RefreshTokenExpiration time.Duration
	MaxFailedAttempts      int
	LockoutDuration        time.Duration
	EncryptionKey          string
}

// EngineConfig configures the execution scheduler and runner.
type EngineConfig struct {
	Workers          int
	QueueSize        int
	FanOut           int
	MaxRetries       int
	ExecutionTimeout time.Duration
	LeaseWindow      time.Duration
	CancelGrace      time.Duration
	RetryBackoffBase time.Duration
	OverflowPath     string
}

// CacheConfig configures the semantic cache.
type CacheConfig struct {
	TTL time.Duration
}

// MeteringConfig configures usage metering.
type MeteringConfig struct {
	ResetInterval time.Duration
}

// StorageConfig configures the document object store.
type StorageConfig struct {
	Bucket   string
	Region   string
	Endpoint string
}

// QueueConfig configures the optional external broker adapter.
type QueueConfig struct {
	RabbitMQURL string
	QueueName   string
}

// AIConfig configures the AI service collaborator.
type AIConfig struct {
	URL          string
	APIKey       string
	DefaultModel string
	Timeout      time.Duration
}

// ConnectorConfig configures the connector service collaborator.
type ConnectorConfig struct {
	URL     string
	Timeout time.Duration
}

// NotifyConfig configures the notifier collaborator.
type NotifyConfig struct {
	URL     string
	APIKey  string
	Timeout time.Duration
}

// RetentionConfig configures log retention sweeps.
type RetentionConfig struct {
	ExecutionLogs time.Duration
	AuditLogs     time.Duration
	KeepVersions  int
}

// Load reads configuration from the optional file at path (empty means no
// file) and the environment, then validates it.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("FLOWMATIC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
	}

	cfg := &Config{
		Service: ServiceConfig{
			Name:        v.GetString("service.name"),
			Environment: v.GetString("service.environment"),
			LogLevel:    v.GetString("service.log_level"),
			LogFormat:   v.GetString("service.log_format"),
		},
		Server: ServerConfig{
			Port:            v.GetInt("server.port"),
			BodyLimit:       v.GetString("server.body_limit"),
			ReadTimeout:     v.GetDuration("server.read_timeout"),
			WriteTimeout:    v.GetDuration("server.write_timeout"),
			ShutdownTimeout: v.GetDuration("server.shutdown_timeout"),
			AllowedOrigins:  v.GetStringSlice("server.allowed_origins"),
			RateLimit:       v.GetFloat64("server.rate_limit"),
		},
		Database: DatabaseConfig{
			DSN:             v.GetString("database.dsn"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			ConnMaxLifetime: v.GetDuration("database.conn_max_lifetime"),
		},
		Redis: RedisConfig{
			Addr:     v.GetString("redis.addr"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
		},
		Auth: AuthConfig{
			JWTSecret:              v.GetString("auth.jwt_secret"),
			JWTExpiration:          v.GetDuration("auth.jwt_expiration"),
			RefreshTokenExpiration: v.GetDuration("auth.refresh_token_expiration"),
			MaxFailedAttempts:      v.GetInt("auth.max_failed_attempts"),
			LockoutDuration:        v.GetDuration("auth.lockout_duration"),
			EncryptionKey:          v.GetString("auth.encryption_key"),
		},
		Engine: EngineConfig{
			Workers:          v.GetInt("engine.workers"),
			QueueSize:        v.GetInt("engine.queue_size"),
			FanOut:           v.GetInt("engine.fan_out"),
			MaxRetries:       v.GetInt("engine.max_retries"),
			ExecutionTimeout: v.GetDuration("engine.execution_timeout"),
			LeaseWindow:      v.GetDuration("engine.lease_window"),
			CancelGrace:      v.GetDuration("engine.cancel_grace"),
			RetryBackoffBase: v.GetDuration("engine.retry_backoff_base"),
			OverflowPath:     v.GetString("engine.overflow_path"),
		},
		Cache: CacheConfig{
			TTL: v.GetDuration("cache.ttl"),
		},
		Metering: MeteringConfig{
			ResetInterval: v.GetDuration("metering.reset_interval"),
		},
		Storage: StorageConfig{
			Bucket:   v.GetString("storage.bucket"),
			Region:   v.GetString("storage.region"),
			Endpoint: v.GetString("storage.endpoint"),
		},
		Queue: QueueConfig{
			RabbitMQURL: v.GetString("queue.rabbitmq_url"),
			QueueName:   v.GetString("queue.queue_name"),
		},
		AI: AIConfig{
			URL:          v.GetString("ai.url"),
			APIKey:       v.GetString("ai.api_key"),
			DefaultModel: v.GetString("ai.default_model"),
			Timeout:      v.GetDuration("ai.timeout"),
		},
		Connector: ConnectorConfig{
			URL:     v.GetString("connector.url"),
			Timeout: v.GetDuration("connector.timeout"),
		},
		Notify: NotifyConfig{
			URL:     v.GetString("notify.url"),
			APIKey:  v.GetString("notify.api_key"),
			Timeout: v.GetDuration("notify.timeout"),
		},
		Retention: RetentionConfig{
			ExecutionLogs: v.GetDuration("retention.execution_logs"),
			AuditLogs:     v.GetDuration("retention.audit_logs"),
			KeepVersions:  v.GetInt("retention.keep_versions"),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.name", "flowmatic")
	v.SetDefault("service.environment", "development")
	v.SetDefault("service.log_level", "info")
	v.SetDefault("service.log_format", "text")

	v.SetDefault("server.port", 8080)
	v.SetDefault("server.body_limit", "10M")
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("server.rate_limit", 0.0)

	v.SetDefault("database.max_idle_conns", 10)
	v.SetDefault("database.max_open_conns", 100)
	v.SetDefault("database.conn_max_lifetime", time.Hour)

	v.SetDefault("redis.addr", "localhost:6379")

	v.SetDefault("auth.jwt_expiration", 15*time.Minute)
	v.SetDefault("auth.refresh_token_expiration", 7*24*time.Hour)
	v.SetDefault("auth.max_failed_attempts", 5)
	v.SetDefault("auth.lockout_duration", 30*time.Minute)

	v.SetDefault("engine.workers", runtime.NumCPU()*4)
	v.SetDefault("engine.queue_size", 256)
	v.SetDefault("engine.fan_out", 4)
	v.SetDefault("engine.max_retries", 3)
	v.SetDefault("engine.execution_timeout", time.Hour)
	v.SetDefault("engine.lease_window", 2*time.Minute)
	v.SetDefault("engine.cancel_grace", 10*time.Second)
	v.SetDefault("engine.retry_backoff_base", time.Minute)
	v.SetDefault("engine.overflow_path", "flowmatic-overflow.db")

	v.SetDefault("cache.ttl", 24*time.Hour)

	v.SetDefault("metering.reset_interval", time.Minute)

	v.SetDefault("storage.region", "us-east-1")

	v.SetDefault("queue.queue_name", "flowmatic.executions")

	v.SetDefault("ai.default_model", "gemini-1.5-pro")
	v.SetDefault("ai.timeout", 60*time.Second)
	v.SetDefault("connector.timeout", 30*time.Second)
	v.SetDefault("notify.timeout", 10*time.Second)

	v.SetDefault("retention.execution_logs", 30*24*time.Hour)
	v.SetDefault("retention.audit_logs", 365*24*time.Hour)
	v.SetDefault("retention.keep_versions", 10)
}

// Validate checks the loaded configuration for values the platform cannot
// run without.
func (c *Config) Validate() error {
	var problems []string

	if c.Auth.JWTSecret == "" {
		problems = append(problems, "auth.jwt_secret is required")
	}
	if c.Auth.EncryptionKey == "" {
		problems = append(problems, "auth.encryption_key is required")
	} else if len(c.Auth.EncryptionKey) < 16 {
		problems = append(problems, "auth.encryption_key must be at least 16 characters")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		problems = append(problems, "server.port must be between 1 and 65535")
	}
	if c.Engine.Workers <= 0 {
		problems = append(problems, "engine.workers must be positive")
	}
	if c.Engine.FanOut <= 0 {
		problems = append(problems, "engine.fan_out must be positive")
	}
	switch c.Service.Environment {
	case "development", "staging", "production":
	default:
		problems = append(problems, "service.environment must be one of: development, staging, production")
	}

	if len(problems) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(problems, "; "))
	}
	return nil
}
