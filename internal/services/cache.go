package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	gobreaker "github.com/sony/gobreaker/v2"
)

// ErrCacheMiss is returned by Cache.Get when the key is absent.
var ErrCacheMiss = errors.New("cache miss")

// Cache stores serialized recommendation responses.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// RedisCache is a Cache backed by Redis. Calls go through a circuit breaker so
// an unavailable Redis costs one fast failure instead of a timeout per request.
type RedisCache struct {
	client  redis.Cmdable
	breaker *gobreaker.CircuitBreaker[[]byte]
	logger  *logrus.Logger
}

func NewRedisCache(client redis.Cmdable, logger *logrus.Logger) *RedisCache {
	settings := gobreaker.Settings{
		Name:        "recommendation-cache",
		MaxRequests: 3,
		Interval:    30 * time.Second,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrCacheMiss)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("Cache circuit breaker changed state")
		},
	}
	return &RedisCache{
		client:  client,
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
		logger:  logger,
	}
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	return c.breaker.Execute(func() ([]byte, error) {
		data, err := c.client.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		if err != nil {
			return nil, fmt.Errorf("redis get %s: %w", key, err)
		}
		return data, nil
	})
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	_, err := c.breaker.Execute(func() ([]byte, error) {
		if err := c.client.Set(ctx, key, value, ttl).Err(); err != nil {
			return nil, fmt.Errorf("redis set %s: %w", key, err)
		}
		return nil, nil
	})
	return err
}

// State reports the breaker state for health checks.
func (c *RedisCache) State() gobreaker.State {
	return c.breaker.State()
}
