package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all service configuration
type Config struct {
	Service  ServiceConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Worker   WorkerConfig
	Auth     AuthConfig
	Limits   LimitConfig
}

// ServiceConfig holds service-specific settings
type ServiceConfig struct {
	Name        string
	Port        int
	Environment string
	LogLevel    string
	LogFormat   string
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host        string
	Port        int
	Database    string
	User        string
	Password    string
	MaxConns    int
	MinConns    int
	MaxIdleTime time.Duration
	MaxLifetime time.Duration
}

// RedisConfig holds Redis settings for rate limiting and the execution log stream.
// Redis is optional: when Enabled is false both features degrade to no-ops.
type RedisConfig struct {
	Enabled   bool
	Addr      string
	Password  string
	DB        int
	LogStream string
}

// WorkerConfig holds worker manager settings
type WorkerConfig struct {
	MaxActiveAPIs   int
	InactiveTTL     time.Duration
	CleanupInterval time.Duration
	StatsInterval   time.Duration
}

// AuthConfig holds identity extraction settings
type AuthConfig struct {
	RequireAdmin bool
	AdminToken   string
}

// LimitConfig holds dispatch rate limit settings
type LimitConfig struct {
	Enabled        bool
	GlobalPerMin   int64
	EndpointPerMin int64
}

// Load loads configuration from environment variables
func Load(serviceName string) (*Config, error) {
	cfg := &Config{
		Service: ServiceConfig{
			Name:        serviceName,
			Port:        getEnvInt("PORT", 8001),
			Environment: getEnv("ENVIRONMENT", "development"),
			LogLevel:    getEnv("LOG_LEVEL", "info"),
			LogFormat:   getEnv("LOG_FORMAT", "text"), // Default to text for development
		},
		Database: DatabaseConfig{
			Host:        getEnv("POSTGRES_HOST", "localhost"),
			Port:        getEnvInt("POSTGRES_PORT", 5432),
			Database:    getEnv("POSTGRES_DB", "dataplane"),
			User:        getEnv("POSTGRES_USER", "dataplane"),
			Password:    getEnv("POSTGRES_PASSWORD", "dataplane"),
			MaxConns:    getEnvInt("POSTGRES_MAX_CONNS", 50),
			MinConns:    getEnvInt("POSTGRES_MIN_CONNS", 10),
			MaxIdleTime: getEnvDuration("POSTGRES_MAX_IDLE_TIME", 30*time.Minute),
			MaxLifetime: getEnvDuration("POSTGRES_MAX_LIFETIME", 1*time.Hour),
		},
		Redis: RedisConfig{
			Enabled:   getEnvBool("REDIS_ENABLED", false),
			Addr:      getEnv("REDIS_ADDR", "localhost:6379"),
			Password:  getEnv("REDIS_PASSWORD", ""),
			DB:        getEnvInt("REDIS_DB", 0),
			LogStream: getEnv("EXECUTION_LOG_STREAM", "dataplane:executions"),
		},
		Worker: WorkerConfig{
			MaxActiveAPIs:   getEnvInt("MAX_ACTIVE_APIS", 50),
			InactiveTTL:     time.Duration(getEnvInt("API_INACTIVE_TTL_HOURS", 2)) * time.Hour,
			CleanupInterval: time.Duration(getEnvInt("WORKER_CLEANUP_INTERVAL_MINUTES", 30)) * time.Minute,
			StatsInterval:   time.Duration(getEnvInt("WORKER_STATS_INTERVAL_MINUTES", 60)) * time.Minute,
		},
		Auth: AuthConfig{
			RequireAdmin: getEnvBool("REQUIRE_ADMIN_FOR_STATS", true),
			AdminToken:   getEnv("ADMIN_TOKEN", ""),
		},
		Limits: LimitConfig{
			Enabled:        getEnvBool("RATE_LIMIT_ENABLED", false),
			GlobalPerMin:   int64(getEnvInt("RATE_LIMIT_GLOBAL_PER_MIN", 600)),
			EndpointPerMin: int64(getEnvInt("RATE_LIMIT_ENDPOINT_PER_MIN", 120)),
		},
	}

	return cfg, cfg.Validate()
}

// Validate checks if configuration is valid
func (c *Config) Validate() error {
	if c.Service.Port < 1 || c.Service.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Service.Port)
	}

	if c.Database.Host == "" {
		return fmt.Errorf("database host is required")
	}

	if c.Database.MaxConns < c.Database.MinConns {
		return fmt.Errorf("max_conns must be >= min_conns")
	}

	if c.Worker.MaxActiveAPIs < 1 {
		return fmt.Errorf("MAX_ACTIVE_APIS must be >= 1")
	}

	if c.Worker.InactiveTTL <= 0 {
		return fmt.Errorf("API_INACTIVE_TTL_HOURS must be positive")
	}

	if c.Limits.Enabled && !c.Redis.Enabled {
		return fmt.Errorf("rate limiting requires Redis to be enabled")
	}

	return nil
}

// DatabaseURL returns the PostgreSQL connection string
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		c.Database.User,
		c.Database.Password,
		c.Database.Host,
		c.Database.Port,
		c.Database.Database,
	)
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
