package conversation

import (
	"context"
	"fmt"
	"strings"
)

// NewStore picks an engine. In "auto" mode a postgres URL wins over a redis
// URL, and with neither the store is in-memory.
func NewStore(ctx context.Context, backend, databaseURL, redisURL string) (Store, error) {
	backend = strings.ToLower(strings.TrimSpace(backend))
	if backend == "" {
		backend = "auto"
	}

	switch backend {
	case "auto":
		if strings.TrimSpace(databaseURL) != "" {
			return NewPostgresStore(ctx, databaseURL)
		}
		if strings.TrimSpace(redisURL) != "" {
			return NewRedisStore(ctx, redisURL)
		}
		return NewInMemoryStore(), nil
	case "memory":
		return NewInMemoryStore(), nil
	case "postgres":
		if strings.TrimSpace(databaseURL) == "" {
			return nil, fmt.Errorf("DATABASE_URL is required for the postgres store")
		}
		return NewPostgresStore(ctx, databaseURL)
	case "redis":
		if strings.TrimSpace(redisURL) == "" {
			return nil, fmt.Errorf("REDIS_URL is required for the redis store")
		}
		return NewRedisStore(ctx, redisURL)
	default:
		return nil, fmt.Errorf("unsupported store backend %q", backend)
	}
}

// Mode names the engine behind a store for health output.
func Mode(s Store) string {
	switch s.(type) {
	case *InMemoryStore:
		return "in-memory"
	case *PostgresStore:
		return "postgres"
	case *RedisStore:
		return "redis"
	default:
		return "custom"
	}
}
