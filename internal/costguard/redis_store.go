package costguard

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
)

// RedisCounterStore backs the breaker counters with redis. INCRBYFLOAT gives
// the atomic add; a lost-update read-modify-write race is not possible.
type RedisCounterStore struct {
	client *redis.Client
}

func NewRedisCounterStore(client *redis.Client) *RedisCounterStore {
	return &RedisCounterStore{client: client}
}

func (s *RedisCounterStore) IncrByFloat(ctx context.Context, key string, amount float64, ttl time.Duration) (float64, error) {
	pipe := s.client.TxPipeline()
	incr := pipe.IncrByFloat(ctx, key, amount)
	pipe.Expire(ctx, key, ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (s *RedisCounterStore) Get(ctx context.Context, key string) (float64, error) {
	value, err := s.client.Get(ctx, key).Float64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, err
	}
	return value, nil
}
