// Package config provides configuration handling for chatflow.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/tcmartin/chatflow/pkg/logging"
)

// Config represents the application configuration
type Config struct {
	// Server configuration
	Server ServerConfig `json:"server"`

	// Storage configuration
	Storage StorageConfig `json:"storage"`

	// Engine configuration
	Engine EngineConfig `json:"engine"`

	// Logging configuration
	Logging logging.Config `json:"logging"`
}

// ServerConfig contains HTTP server settings
type ServerConfig struct {
	// Host to bind to
	Host string `json:"host"`

	// Port to listen on
	Port int `json:"port"`
}

// StorageConfig contains storage settings
type StorageConfig struct {
	// Type of storage to use
	Type string `json:"type"` // "memory", "redis", "postgres", "dynamodb"

	// Redis configuration
	Redis RedisConfig `json:"redis"`

	// PostgreSQL configuration
	Postgres PostgresConfig `json:"postgres"`

	// DynamoDB configuration
	DynamoDB DynamoDBConfig `json:"dynamodb"`
}

// RedisConfig contains Redis settings
type RedisConfig struct {
	// Addr is the host:port of the Redis server
	Addr string `json:"addr"`

	// Password for the Redis server
	Password string `json:"password"`

	// DB is the Redis database number
	DB int `json:"db"`

	// KeyPrefix is prepended to every key
	KeyPrefix string `json:"key_prefix"`
}

// PostgresConfig contains PostgreSQL settings
type PostgresConfig struct {
	// Host is the database host
	Host string `json:"host"`

	// Port is the database port
	Port int `json:"port"`

	// Database is the database name
	Database string `json:"database"`

	// User is the database user
	User string `json:"user"`

	// Password is the database password
	Password string `json:"password"`

	// SSLMode is the SSL mode
	SSLMode string `json:"ssl_mode"`
}

// DynamoDBConfig contains DynamoDB settings
type DynamoDBConfig struct {
	// Region is the AWS region
	Region string `json:"region"`

	// Endpoint is the DynamoDB endpoint (for local development)
	Endpoint string `json:"endpoint"`

	// TablePrefix is the prefix for all tables
	TablePrefix string `json:"table_prefix"`
}

// EngineConfig contains flow engine settings
type EngineConfig struct {
	// WebhookTimeoutSeconds bounds a single webhook call
	WebhookTimeoutSeconds int `json:"webhook_timeout_seconds"`

	// WebhookRetryBackoffMs is the pause before the single webhook retry
	WebhookRetryBackoffMs int `json:"webhook_retry_backoff_ms"`

	// InputRetryBudget is how many failed validations an input node tolerates
	InputRetryBudget int `json:"input_retry_budget"`

	// MaxStepsPerEvent bounds auto-advance steps for one event
	MaxStepsPerEvent int `json:"max_steps_per_event"`

	// HistoryLimit caps the per-conversation trace length
	HistoryLimit int `json:"history_limit"`
}

// LoadConfig loads the configuration from a file
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig()
	if err := json.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	config.ApplyEnv()
	return config, nil
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host: "localhost",
			Port: 8080,
		},
		Storage: StorageConfig{
			Type: "memory",
			Redis: RedisConfig{
				Addr:      "localhost:6379",
				KeyPrefix: "chatflow:",
			},
			Postgres: PostgresConfig{
				Host:     "localhost",
				Port:     5432,
				Database: "chatflow",
				User:     "chatflow",
				SSLMode:  "disable",
			},
			DynamoDB: DynamoDBConfig{
				Region:      "us-west-2",
				TablePrefix: "chatflow_",
			},
		},
		Engine: EngineConfig{
			WebhookTimeoutSeconds: 10,
			WebhookRetryBackoffMs: 1000,
			InputRetryBudget:      3,
			MaxStepsPerEvent:      50,
			HistoryLimit:          50,
		},
		Logging: logging.Config{
			Level:  "info",
			Format: "json",
		},
	}
}

// ApplyEnv overrides file values from the environment. Only the settings
// that change between deployments are overridable.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("CHATFLOW_HOST"); v != "" {
		c.Server.Host = v
	}
	if v := os.Getenv("CHATFLOW_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Server.Port = port
		}
	}
	if v := os.Getenv("CHATFLOW_STORAGE_TYPE"); v != "" {
		c.Storage.Type = v
	}
	if v := os.Getenv("CHATFLOW_REDIS_ADDR"); v != "" {
		c.Storage.Redis.Addr = v
	}
	if v := os.Getenv("CHATFLOW_REDIS_PASSWORD"); v != "" {
		c.Storage.Redis.Password = v
	}
	if v := os.Getenv("CHATFLOW_POSTGRES_HOST"); v != "" {
		c.Storage.Postgres.Host = v
	}
	if v := os.Getenv("CHATFLOW_POSTGRES_PASSWORD"); v != "" {
		c.Storage.Postgres.Password = v
	}
	if v := os.Getenv("CHATFLOW_DYNAMODB_ENDPOINT"); v != "" {
		c.Storage.DynamoDB.Endpoint = v
	}
	if v := os.Getenv("CHATFLOW_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
}

// SaveConfig saves the configuration to a file
func SaveConfig(config *Config, path string) error {
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
