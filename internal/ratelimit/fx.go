package ratelimit

import (
	"context"
	"strings"

	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/usageledger/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("rate.limit",
	fx.Provide(NewRedisClient),
	fx.Provide(NewLocker),
	fx.Provide(NewTokenBucket),
	fx.Provide(func(locker *Locker, cfg config.Config, log *zap.Logger) *RunLock {
		return NewRunLock(locker, cfg.RunBudget+cfg.RunDateBudget, log)
	}),
)

// NewRedisClient returns nil when REDIS_ADDR is unset; every consumer
// degrades to process-local behaviour.
func NewRedisClient(lc fx.Lifecycle, cfg config.Config) redis.UniversalClient {
	addr := strings.TrimSpace(cfg.RedisAddr)
	if addr == "" {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: strings.TrimSpace(cfg.RedisPassword),
		DB:       cfg.RedisDB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client
}

// NewWritePacer paces warehouse writes at the configured engine budget.
func NewWritePacer(engine *config.EngineConfigHolder, bucket *TokenBucket, log *zap.Logger) *Pacer {
	return NewPacer(engine.Get().Writer.BatchesPerSecond, bucket, log)
}
