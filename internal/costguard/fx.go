package costguard

import (
	redis "github.com/redis/go-redis/v9"
	"github.com/smallbiznis/billingsync/internal/config"
	"go.uber.org/fx"
)

func newRedisClient(cfg config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
}

func newCounterStore(client *redis.Client) CounterStore {
	return NewRedisCounterStore(client)
}

// Module wires the redis-backed cost breaker.
var Module = fx.Module("costguard",
	fx.Provide(newRedisClient),
	fx.Provide(newCounterStore),
	fx.Provide(NewBreaker),
)
