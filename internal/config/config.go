package config

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"room-sync-service/internal/MinIO"
	"room-sync-service/pkg/database/postgres"
	"room-sync-service/pkg/database/redis"
)

const path = "./config/local.env"

type Config struct {
	GRPCPort    string `env:"GRPC_SERVER_PORT" env-default:"50051"`
	MetricsPort string `env:"METRICS_PORT" env-default:"9090"`
	JWTSecret   string `env:"JWT_TOKEN"`
	// InstanceID tags relay messages. Empty means a random id per process.
	InstanceID   string `env:"INSTANCE_ID"`
	RelayEnabled bool   `env:"RELAY_ENABLED" env-default:"false"`

	Sync     SyncConfig
	Postgres postgres.Config
	Redis    redis.RedisConfig
	MinIO    MinIO.Config
}

// SyncConfig holds the room timing knobs.
type SyncConfig struct {
	SyncTimeout       time.Duration `env:"SYNC_TIMEOUT" env-default:"2s"`
	SaveInterval      time.Duration `env:"SAVE_INTERVAL" env-default:"3s"`
	BroadcastDebounce time.Duration `env:"BROADCAST_DEBOUNCE" env-default:"50ms"`
	StoreTimeout      time.Duration `env:"STORE_TIMEOUT" env-default:"10s"`
	OutboxSize        int           `env:"OUTBOX_SIZE" env-default:"64"`
	TicketTTL         time.Duration `env:"TICKET_TTL" env-default:"15m"`
}

// New loads ./config/local.env into the environment and fills Config from
// it. Keys missing from the file fall back to the process environment, then
// to the defaults.
func New() (*Config, error) {
	var cfg Config
	if err := cleanenv.ReadConfig(path, &cfg); err != nil {
		return nil, fmt.Errorf("cannot read config %s: %w", path, err)
	}
	return &cfg, nil
}

// SyncFromEnv reads only the timing knobs from the process environment.
// Clients share them with the server but have no config file.
func SyncFromEnv() (SyncConfig, error) {
	var cfg SyncConfig
	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return SyncConfig{}, fmt.Errorf("cannot read sync config: %w", err)
	}
	return cfg, nil
}
