package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Netflix/go-env"
	"github.com/joho/godotenv"
)

const (
	backendPostgres = "postgres"
	backendSQLite   = "sqlite"
	backendMemory   = "memory"
)

type Config struct {
	DatabaseDSN  string `env:"DATABASE_DSN"`
	RabbitMQURL  string `env:"RABBITMQ_URL,required=true"`
	RedisURL     string `env:"REDIS_URL"`
	StoreBackend string `env:"STORE_BACKEND,default=postgres"`
	SQLitePath   string `env:"SQLITE_PATH,default=ndr.db"`

	CarrierBaseURL         string        `env:"CARRIER_BASE_URL,required=true"`
	CarrierAPIToken        string        `env:"CARRIER_API_TOKEN,required=true"`
	CarrierTimeout         time.Duration `env:"CARRIER_TIMEOUT,default=30s"`
	CarrierMaxRetries      int           `env:"CARRIER_MAX_RETRIES,default=3"`
	CarrierRateLimitPerSec int           `env:"CARRIER_RATE_LIMIT_PER_SEC,default=10"`
	CarrierBulkEnabled     bool          `env:"CARRIER_BULK_ENABLED,default=false"`

	BulkConcurrency  int           `env:"BULK_CONCURRENCY,default=5"`
	BulkTimeout      time.Duration `env:"BULK_TIMEOUT,default=2m"`
	MaxBulkSize      int           `env:"MAX_BULK_SIZE,default=500"`
	UpdateMaxRetries int           `env:"UPDATE_MAX_RETRIES,default=5"`

	ReconcileInterval  time.Duration `env:"RECONCILE_INTERVAL,default=1m"`
	ReconcileBatchSize int           `env:"RECONCILE_BATCH_SIZE,default=50"`

	TrackingQueue  string `env:"TRACKING_QUEUE,default=carrier.tracking"`
	EventsQueue    string `env:"EVENTS_QUEUE,default=ndr.events"`
	WorkerPrefetch int    `env:"WORKER_PREFETCH,default=10"`

	APIPort  int    `env:"API_PORT,default=8080"`
	LogLevel string `env:"LOG_LEVEL,default=info"`
}

// Load reads an optional .env file, then the process environment.
// Variables already set in the environment win over the file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to read .env: %w", err)
	}

	var cfg Config
	_, err := env.UnmarshalFromEnviron(&cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// UsesMemoryStore reports whether NDRs live in process memory only.
func (c *Config) UsesMemoryStore() bool {
	return c.StoreBackend == backendMemory
}

func (c *Config) validate() error {
	c.StoreBackend = strings.ToLower(strings.TrimSpace(c.StoreBackend))

	switch c.StoreBackend {
	case backendPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("DATABASE_DSN is required for the %s backend", backendPostgres)
		}
	case backendSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			return fmt.Errorf("SQLITE_PATH is required for the %s backend", backendSQLite)
		}
	case backendMemory:
	default:
		return fmt.Errorf("unsupported STORE_BACKEND %q", c.StoreBackend)
	}

	if c.StoreBackend != backendMemory && strings.TrimSpace(c.RedisURL) == "" {
		return fmt.Errorf("REDIS_URL is required for the %s backend", c.StoreBackend)
	}

	if c.CarrierRateLimitPerSec <= 0 {
		return fmt.Errorf("CARRIER_RATE_LIMIT_PER_SEC must be positive")
	}
	if c.BulkConcurrency <= 0 || c.MaxBulkSize <= 0 {
		return fmt.Errorf("BULK_CONCURRENCY and MAX_BULK_SIZE must be positive")
	}
	if c.APIPort <= 0 || c.APIPort > 65535 {
		return fmt.Errorf("API_PORT %d is out of range", c.APIPort)
	}
	return nil
}
