package buffer_test

import (
	"testing"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/buffer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnv(t *testing.T) {
	t.Run("Default values are set correctly", func(t *testing.T) {
		cfg := buffer.LoadConfigFromEnv()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 1000, cfg.MaxBufferSize)
		assert.Equal(t, 0.7, cfg.FlushThreshold)
		assert.Equal(t, 5*time.Second, cfg.FlushInterval)
		assert.Equal(t, 100, cfg.ChunkSize)
	})

	t.Run("Values are loaded from environment", func(t *testing.T) {
		t.Setenv("BUFFER_FLUSH_INTERVAL", "2s")
		t.Setenv("BUFFER_MAX_SIZE", "500")
		t.Setenv("BUFFER_FLUSH_THRESHOLD", "0.8")
		t.Setenv("BUFFER_CHUNK_SIZE", "50")

		cfg := buffer.LoadConfigFromEnv()
		require.NoError(t, cfg.Validate())
		assert.Equal(t, 2*time.Second, cfg.FlushInterval)
		assert.Equal(t, 500, cfg.MaxBufferSize)
		assert.Equal(t, 0.8, cfg.FlushThreshold)
		assert.Equal(t, 50, cfg.ChunkSize)
	})

	t.Run("Invalid values fall back to defaults", func(t *testing.T) {
		t.Setenv("BUFFER_FLUSH_INTERVAL", "often")
		t.Setenv("BUFFER_MAX_SIZE", "big")
		cfg := buffer.LoadConfigFromEnv()
		assert.Equal(t, 5*time.Second, cfg.FlushInterval)
		assert.Equal(t, 1000, cfg.MaxBufferSize)
	})
}

func TestConfig_Validate(t *testing.T) {
	testCases := []struct {
		name   string
		mutate func(c *buffer.Config)
	}{
		{"zero max size", func(c *buffer.Config) { c.MaxBufferSize = 0 }},
		{"threshold zero", func(c *buffer.Config) { c.FlushThreshold = 0 }},
		{"threshold above one", func(c *buffer.Config) { c.FlushThreshold = 1.5 }},
		{"zero interval", func(c *buffer.Config) { c.FlushInterval = 0 }},
		{"zero chunk", func(c *buffer.Config) { c.ChunkSize = 0 }},
		{"chunk equals max size", func(c *buffer.Config) { c.ChunkSize = c.MaxBufferSize }},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := buffer.DefaultConfig()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
