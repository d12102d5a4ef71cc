package buffer

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

// Config controls buffer sizing and flush triggers.
type Config struct {
	// MaxBufferSize is the per-topic capacity used to compute utilization, and
	// the grand total across all topics that forces a flush of every buffer.
	MaxBufferSize int
	// FlushThreshold is the utilization fraction at which a topic is flushed early.
	FlushThreshold float64
	// FlushInterval is the period of the safety-net flush of all buffers.
	FlushInterval time.Duration
	// ChunkSize bounds the number of entries handed to the publisher per call.
	ChunkSize int
}

// Env constants for buffer settings.
const (
	BufferFlushInterval  = "BUFFER_FLUSH_INTERVAL"
	BufferMaxSize        = "BUFFER_MAX_SIZE"
	BufferFlushThreshold = "BUFFER_FLUSH_THRESHOLD"
	BufferChunkSize      = "BUFFER_CHUNK_SIZE"
)

// DefaultConfig returns the standard buffer settings.
func DefaultConfig() *Config {
	return &Config{
		MaxBufferSize:  1000,
		FlushThreshold: 0.7,
		FlushInterval:  5 * time.Second,
		ChunkSize:      100,
	}
}

// LoadConfigFromEnv starts from DefaultConfig and applies any environment
// overrides. Unparseable values are logged and ignored; call Validate on the
// result.
func LoadConfigFromEnv() *Config {
	cfg := DefaultConfig()
	if v := os.Getenv(BufferFlushInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.FlushInterval = d
		} else {
			log.Warn().Err(err).Str("env", BufferFlushInterval).Msg("buffer: invalid duration, using default")
		}
	}
	if v := os.Getenv(BufferMaxSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxBufferSize = n
		} else {
			log.Warn().Err(err).Str("env", BufferMaxSize).Msg("buffer: invalid integer, using default")
		}
	}
	if v := os.Getenv(BufferFlushThreshold); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.FlushThreshold = f
		} else {
			log.Warn().Err(err).Str("env", BufferFlushThreshold).Msg("buffer: invalid float, using default")
		}
	}
	if v := os.Getenv(BufferChunkSize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChunkSize = n
		} else {
			log.Warn().Err(err).Str("env", BufferChunkSize).Msg("buffer: invalid integer, using default")
		}
	}
	return cfg
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	switch {
	case c.MaxBufferSize <= 0:
		return fmt.Errorf("max buffer size must be positive, got %d", c.MaxBufferSize)
	case c.FlushThreshold <= 0 || c.FlushThreshold > 1:
		return fmt.Errorf("flush threshold must be in (0,1], got %v", c.FlushThreshold)
	case c.FlushInterval <= 0:
		return fmt.Errorf("flush interval must be positive, got %s", c.FlushInterval)
	case c.ChunkSize <= 0 || c.ChunkSize >= c.MaxBufferSize:
		return fmt.Errorf("chunk size must be in [1,%d), got %d", c.MaxBufferSize, c.ChunkSize)
	}
	return nil
}
