// Package bootstrap builds the shared infrastructure both binaries run on.
package bootstrap

import (
	"context"
	"fmt"
	"strings"

	"github.com/kursadbilgin/ndr-engine/internal/carrier"
	"github.com/kursadbilgin/ndr-engine/internal/config"
	"github.com/kursadbilgin/ndr-engine/internal/infra/postgresql"
	"github.com/kursadbilgin/ndr-engine/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/ndr-engine/internal/infra/redis"
	"github.com/kursadbilgin/ndr-engine/internal/infra/sqlite"
	"github.com/kursadbilgin/ndr-engine/internal/observability"
	"github.com/kursadbilgin/ndr-engine/internal/ratelimit"
	"github.com/kursadbilgin/ndr-engine/internal/repository"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Store is an opened repository and the function that releases it.
type Store struct {
	Repo  repository.NDRRepository
	Close func() error
}

// OpenStore opens and migrates the configured backend.
func OpenStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Store, error) {
	backend, err := repository.ParseBackend(cfg.StoreBackend)
	if err != nil {
		return nil, err
	}

	var db *gorm.DB
	repo, err := repository.Open(backend, func() (*gorm.DB, error) {
		var err error
		switch backend {
		case repository.BackendSQLite:
			db, err = sqlite.NewSQLite(cfg.SQLitePath)
		default:
			db, err = postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
		}
		if err != nil {
			return nil, err
		}
		if err := migrations.Migrate(db); err != nil {
			return nil, fmt.Errorf("database migrations failed: %w", err)
		}
		return db, nil
	})
	if err != nil {
		return nil, err
	}

	logger.Info("store opened", zap.String("backend", string(backend)))

	store := &Store{Repo: repo, Close: func() error { return nil }}
	if db != nil {
		sqlDB, err := db.DB()
		if err != nil {
			return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
		}
		store.Close = sqlDB.Close
	}
	return store, nil
}

// ConnectRedis returns nil without error when no REDIS_URL is configured.
func ConnectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, nil
	}
	return infraredis.NewRedis(ctx, cfg.RedisURL)
}

// NewCarrierClient wraps the HTTP carrier client in the shared rate limit and
// retry policy. Without redis the limit only holds for this process.
func NewCarrierClient(cfg *config.Config, rdb *redis.Client, metrics *observability.Metrics, logger *zap.Logger) (*carrier.RetryingClient, error) {
	httpClient, err := carrier.NewHTTPClient(cfg.CarrierBaseURL, cfg.CarrierAPIToken, cfg.CarrierTimeout)
	if err != nil {
		return nil, err
	}

	var limiter ratelimit.RateLimiter
	if rdb != nil {
		limiter, err = infraredis.NewCarrierRateLimiter(rdb, cfg.CarrierRateLimitPerSec)
		if err != nil {
			return nil, err
		}
	} else {
		logger.Warn("redis not configured; carrier rate limit is process local")
		limiter = ratelimit.NewLocalRateLimiter(cfg.CarrierRateLimitPerSec)
	}

	return carrier.NewRetryingClient(httpClient, limiter, carrier.RetryOptions{
		CallTimeout: cfg.CarrierTimeout,
		MaxAttempts: cfg.CarrierMaxRetries,
	}, metrics, logger), nil
}
