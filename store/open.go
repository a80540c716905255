package store

import (
	"context"
	"fmt"
	"strings"
)

// Backend kinds accepted by Open.
const (
	KindMemory   = "memory"
	KindSQLite   = "sqlite"
	KindMySQL    = "mysql"
	KindPostgres = "postgres"
	KindRedis    = "redis"
	KindMongo    = "mongo"
)

// Settings selects and configures a backend. Field tags follow
// github.com/caarlos0/env.
type Settings struct {
	Kind string `env:"STORE" envDefault:"sqlite"`

	// DSN is the SQLite file path, or the MySQL/PostgreSQL connection string.
	DSN       string `env:"DSN" envDefault:"warden.db"`
	TableName string `env:"TABLE_NAME" envDefault:"warden_sessions"`

	RedisURL       string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisKeyPrefix string `env:"REDIS_KEY_PREFIX" envDefault:"warden:"`

	MongoURL        string   `env:"MONGO_URL" envDefault:"mongodb://localhost:27017"`
	MongoDatabase   string   `env:"MONGO_DATABASE" envDefault:"warden"`
	MongoCollection string   `env:"MONGO_COLLECTION" envDefault:"sessions"`
	MongoIndexes    []string `env:"MONGO_INDEXES" envDefault:"PRINCIPAL_NAME" envSeparator:","`
}

// Open connects to the backend named by s.Kind.
func Open(ctx context.Context, s Settings) (Backend, error) {
	sqlOpts := SQLOptions{TableName: s.TableName}

	switch strings.ToLower(s.Kind) {
	case KindMemory:
		return NewMemoryStore(), nil
	case KindSQLite, "":
		return NewSQLite(ctx, s.DSN, sqlOpts)
	case KindMySQL:
		return NewMySQLFromDSN(ctx, s.DSN, sqlOpts)
	case KindPostgres, "postgresql":
		return NewPostgresFromDSN(ctx, s.DSN, sqlOpts)
	case KindRedis:
		return NewRedisFromConfig(ctx, RedisConfig{URL: s.RedisURL, KeyPrefix: s.RedisKeyPrefix})
	case KindMongo, "mongodb":
		return NewMongoFromURL(ctx, s.MongoURL, MongoOptions{
			Database:   s.MongoDatabase,
			Collection: s.MongoCollection,
			IndexNames: s.MongoIndexes,
		})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, s.Kind)
	}
}
