package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

type RedisConfig struct {
	Host     string `env:"REDIS_HOST" env-default:"localhost"`
	Port     string `env:"REDIS_PORT" env-default:"6380"`
	Password string `env:"REDIS_PASSWORD" env-default:""`
	Db       int    `env:"REDIS_DB" env-default:"0"`
	// PoolSize of 0 keeps the go-redis default. The relay holds one
	// connection for its subscription.
	PoolSize int `env:"REDIS_POOL_SIZE" env-default:"0"`
}

func (c RedisConfig) Addr() string {
	return c.Host + ":" + c.Port
}

func New(cfg RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr(),
		Password: cfg.Password,
		DB:       cfg.Db,
		PoolSize: cfg.PoolSize,
	})
}

// Connect builds a client and checks the server answers.
func Connect(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := New(cfg)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("cannot connect to redis at %s: %w", cfg.Addr(), err)
	}
	return client, nil
}
