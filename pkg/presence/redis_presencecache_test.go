package presence_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/illmade-knight/go-mqttbridge/pkg/presence"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type presenceTestValue struct {
	Site        string `json:"site"`
	ConnectedAt int64  `json:"connectedAt"`
}

func TestRedisPresenceCache(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	srv := miniredis.RunT(t)
	cfg := &presence.RedisConfig{
		Addr:      srv.Addr(),
		CacheTTL:  time.Minute,
		KeyPrefix: "test:",
	}

	c, err := presence.NewRedisPresenceCache[string, presenceTestValue](ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	value := presenceTestValue{Site: "reservoir-3", ConnectedAt: 1700000000}

	t.Run("Set, Fetch, and Delete cycle", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "arduino_001", value))
		assert.True(t, srv.Exists("test:arduino_001"), "key should be written with the prefix")

		got, err := c.Fetch(ctx, "arduino_001")
		require.NoError(t, err)
		assert.Equal(t, value, got)

		require.NoError(t, c.Delete(ctx, "arduino_001"))
		assert.False(t, srv.Exists("test:arduino_001"))
		_, err = c.Fetch(ctx, "arduino_001")
		assert.ErrorIs(t, err, presence.ErrNotFound)
	})

	t.Run("TTL causes key expiration", func(t *testing.T) {
		require.NoError(t, c.Set(ctx, "ttl-key", value))
		assert.Equal(t, time.Minute, srv.TTL("test:ttl-key"))

		srv.FastForward(2 * time.Minute)
		_, err := c.Fetch(ctx, "ttl-key")
		assert.ErrorIs(t, err, presence.ErrNotFound)
	})
}

func TestNewRedisPresenceCache_ConnectFailure(t *testing.T) {
	srv := miniredis.RunT(t)
	addr := srv.Addr()
	srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	t.Cleanup(cancel)
	_, err := presence.NewRedisPresenceCache[string, string](ctx, &presence.RedisConfig{Addr: addr}, zerolog.Nop())
	assert.Error(t, err)
}

func TestWrapRedisClient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	srv := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	_, err := presence.WrapRedisClient[string, presenceTestValue](nil, time.Minute, "")
	assert.Error(t, err)
	_, err = presence.WrapRedisClient[string, presenceTestValue](rdb, -time.Second, "")
	assert.Error(t, err)

	c, err := presence.WrapRedisClient[string, presenceTestValue](rdb, 0, "shared:")
	require.NoError(t, err)
	require.NoError(t, c.Set(ctx, "esp32_004", presenceTestValue{Site: "pump-house"}))
	assert.Equal(t, time.Duration(0), srv.TTL("shared:esp32_004"), "zero TTL keeps the record")
	require.NoError(t, c.Delete(ctx, "never-seen"))

	require.NoError(t, c.Close())
	assert.NoError(t, rdb.Ping(ctx).Err(), "a wrapped client stays open after Close")
}
