package services

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/abdelmounim-dev/collab-coordinator/config"
)

const (
	pingTimeout    = 5 * time.Second
	connectTimeout = 30 * time.Second
)

// NewRedisClient connects to Redis, retrying the initial ping with
// exponential backoff until connectTimeout elapses.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig, logger *zap.Logger) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:        cfg.Address,
		DB:          cfg.DB,
		Password:    cfg.Password,
		PoolSize:    cfg.PoolSize,
		PoolTimeout: time.Duration(cfg.PoolTimeout) * time.Second,
	})

	strategy := backoff.NewExponentialBackOff(backoff.WithMaxElapsedTime(connectTimeout))
	ping := func() error {
		pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
		defer cancel()
		return client.Ping(pingCtx).Err()
	}
	err := backoff.RetryNotify(ping, backoff.WithContext(strategy, ctx), func(err error, d time.Duration) {
		logger.Warn("Redis not reachable yet",
			zap.String("addr", cfg.Address), zap.Error(err), zap.Duration("next_attempt", d))
	})
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address), zap.Int("db", cfg.DB))
	return client, nil
}

func CloseRedisClient(client *redis.Client) error {
	if client == nil {
		return nil
	}
	return client.Close()
}
