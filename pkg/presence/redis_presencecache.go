package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisConfig points the presence backend at a Redis server.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
	// CacheTTL expires a device's record this long after its last message.
	// Zero keeps records until they are deleted.
	CacheTTL time.Duration
	// KeyPrefix is prepended to every device key.
	KeyPrefix string
}

// RedisPresenceCache keeps one JSON value per key with a sliding TTL. Records
// outlive a bridge restart and are visible to every replica sharing the server.
type RedisPresenceCache[K comparable, V any] struct {
	rdb        redis.UniversalClient
	ttl        time.Duration
	prefix     string
	ownsClient bool
}

// WrapRedisClient builds a cache on a client the caller already manages.
// Close leaves that client open.
func WrapRedisClient[K comparable, V any](rdb redis.UniversalClient, ttl time.Duration, keyPrefix string) (*RedisPresenceCache[K, V], error) {
	if rdb == nil {
		return nil, errors.New("redis client cannot be nil")
	}
	if ttl < 0 {
		return nil, fmt.Errorf("redis presence TTL cannot be negative, got %s", ttl)
	}
	return &RedisPresenceCache[K, V]{rdb: rdb, ttl: ttl, prefix: keyPrefix}, nil
}

// NewRedisPresenceCache dials cfg.Addr, checks the server answers, and owns
// the resulting client.
func NewRedisPresenceCache[K comparable, V any](ctx context.Context, cfg *RedisConfig, logger zerolog.Logger) (*RedisPresenceCache[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("presence: redis at %s unreachable: %w", cfg.Addr, err)
	}

	c, err := WrapRedisClient[K, V](rdb, cfg.CacheTTL, cfg.KeyPrefix)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	c.ownsClient = true
	logger.Info().Str("redis_address", cfg.Addr).Dur("ttl", cfg.CacheTTL).Msg("Using Redis for PresenceCache.")
	return c, nil
}

func (c *RedisPresenceCache[K, V]) redisKey(key K) string {
	return c.prefix + fmt.Sprint(key)
}

// Set overwrites the record and restarts its TTL.
func (c *RedisPresenceCache[K, V]) Set(ctx context.Context, key K, value V) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("presence: encode %v: %w", key, err)
	}
	if err := c.rdb.Set(ctx, c.redisKey(key), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("presence: redis set %v: %w", key, err)
	}
	return nil
}

// Fetch returns the stored record. Missing and expired keys wrap ErrNotFound.
func (c *RedisPresenceCache[K, V]) Fetch(ctx context.Context, key K) (V, error) {
	var value V
	data, err := c.rdb.Get(ctx, c.redisKey(key)).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return value, fmt.Errorf("device %v: %w", key, ErrNotFound)
	case err != nil:
		return value, fmt.Errorf("presence: redis get %v: %w", key, err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, fmt.Errorf("presence: decode %v: %w", key, err)
	}
	return value, nil
}

// Delete removes the record. Deleting a missing key is not an error.
func (c *RedisPresenceCache[K, V]) Delete(ctx context.Context, key K) error {
	if err := c.rdb.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("presence: redis del %v: %w", key, err)
	}
	return nil
}

// Close releases the client if this cache dialled it.
func (c *RedisPresenceCache[K, V]) Close() error {
	if !c.ownsClient {
		return nil
	}
	return c.rdb.Close()
}
