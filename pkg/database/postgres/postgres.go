package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Config struct {
	Host     string `env:"POSTGRES_HOST" env-default:"localhost"`
	Port     uint16 `env:"POSTGRES_PORT" env-default:"5433"`
	Username string `env:"POSTGRES_USER" env-default:"rooms"`
	Password string `env:"POSTGRES_PASSWORD" env-default:"rooms"`
	Database string `env:"POSTGRES_DB"   env-default:"rooms"`
	MaxConns int32  `env:"POSTGRES_MAX_CONNS" env-default:"10"`
}

func (c Config) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?pool_max_conns=%d",
		c.Username,
		c.Password,
		c.Host,
		c.Port,
		c.Database,
		c.MaxConns,
	)
}

// New opens a connection pool. Room actors load and save concurrently, so a
// single pgx.Conn is not enough here.
func New(ctx context.Context, config Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, config.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return pool, nil
}
