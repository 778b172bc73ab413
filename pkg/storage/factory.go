package storage

import (
	"fmt"

	"github.com/tcmartin/chatflow/pkg/config"
)

// NewProviderFromConfig builds the storage provider selected by the
// configuration. The provider still needs Initialize before use.
func NewProviderFromConfig(cfg config.StorageConfig) (Provider, error) {
	switch cfg.Type {
	case "", "memory":
		return NewMemoryProvider(), nil

	case "redis":
		return NewRedisProvider(RedisOptions{
			Addr:      cfg.Redis.Addr,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		}), nil

	case "postgres":
		return NewPostgresProvider(PostgresOptions{
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			Database: cfg.Postgres.Database,
			SSLMode:  cfg.Postgres.SSLMode,
		})

	case "dynamodb":
		return NewDynamoDBProvider(DynamoDBOptions{
			Region:      cfg.DynamoDB.Region,
			Endpoint:    cfg.DynamoDB.Endpoint,
			TablePrefix: cfg.DynamoDB.TablePrefix,
		})

	default:
		return nil, fmt.Errorf("unknown storage type %q", cfg.Type)
	}
}
