package presence

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
)

// Record is the last-seen state of one device.
type Record struct {
	DeviceID    string         `json:"deviceId" firestore:"deviceId"`
	LastSeen    time.Time      `json:"lastSeen" firestore:"lastSeen"`
	Topic       string         `json:"topic" firestore:"topic"`
	Destination string         `json:"destination" firestore:"destination"`
	Priority    types.Priority `json:"priority" firestore:"priority"`
}

// Backends.
const (
	BackendMemory    = "memory"
	BackendRedis     = "redis"
	BackendFirestore = "firestore"
)

// Config selects and configures the presence backend.
type Config struct {
	Backend    string
	MemorySize int
	// WriteTimeout bounds each presence write on the message path.
	WriteTimeout time.Duration
	Redis        RedisConfig
	Firestore    FirestoreConfig
}

// Env constants for presence settings.
const (
	PresenceBackend             = "PRESENCE_BACKEND"
	PresenceMemorySize          = "PRESENCE_MEMORY_SIZE"
	PresenceTTL                 = "PRESENCE_TTL"
	RedisAddr                   = "REDIS_ADDR"
	RedisPassword               = "REDIS_PASSWORD"
	RedisDB                     = "REDIS_DB"
	FirestoreProjectID          = "GCP_PROJECT_ID"
	PresenceFirestoreCollection = "PRESENCE_FIRESTORE_COLLECTION"
)

// LoadConfigFromEnv returns the presence config; the in-memory backend is the default.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Backend:      BackendMemory,
		MemorySize:   10000,
		WriteTimeout: 250 * time.Millisecond,
		Redis: RedisConfig{
			Addr:      os.Getenv(RedisAddr),
			Password:  os.Getenv(RedisPassword),
			CacheTTL:  24 * time.Hour,
			KeyPrefix: "mqtt-bridge:presence:",
		},
		Firestore: FirestoreConfig{
			ProjectID:  os.Getenv(FirestoreProjectID),
			Collection: "device-presence",
		},
	}
	if v := os.Getenv(PresenceFirestoreCollection); v != "" {
		cfg.Firestore.Collection = v
	}
	if v := os.Getenv(PresenceBackend); v != "" {
		cfg.Backend = v
	}
	if v := os.Getenv(PresenceMemorySize); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MemorySize = n
		}
	}
	if v := os.Getenv(PresenceTTL); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Redis.CacheTTL = d
		}
	}
	if v := os.Getenv(RedisDB); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = n
		}
	}
	return cfg
}

// Tracker records device presence off the back of routed messages. Failures
// are logged and never surface to the data path.
type Tracker struct {
	cache        PresenceCache[string, Record]
	writeTimeout time.Duration
	logger       zerolog.Logger
}

// NewTracker wraps an existing cache.
func NewTracker(cache PresenceCache[string, Record], writeTimeout time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		cache:        cache,
		writeTimeout: writeTimeout,
		logger:       logger.With().Str("component", "PresenceTracker").Logger(),
	}
}

// NewTrackerFromConfig builds the configured backend.
func NewTrackerFromConfig(ctx context.Context, cfg *Config, logger zerolog.Logger) (*Tracker, error) {
	var (
		cache PresenceCache[string, Record]
		err   error
	)
	switch cfg.Backend {
	case BackendMemory:
		cache, err = NewLRUPresenceCache[string, Record](cfg.MemorySize)
	case BackendRedis:
		if cfg.Redis.Addr == "" {
			return nil, fmt.Errorf("%s is required for the redis presence backend", RedisAddr)
		}
		cache, err = NewRedisPresenceCache[string, Record](ctx, &cfg.Redis, logger)
	case BackendFirestore:
		cache, err = DialFirestorePresenceCache[string, Record](ctx, &cfg.Firestore, logger)
	default:
		return nil, fmt.Errorf("unknown presence backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, err
	}
	return NewTracker(cache, cfg.WriteTimeout, logger), nil
}

// Touch records rec as the device's latest state.
func (t *Tracker) Touch(ctx context.Context, rec Record) {
	if t.writeTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, t.writeTimeout)
		defer cancel()
	}
	if err := t.cache.Set(ctx, rec.DeviceID, rec); err != nil {
		t.logger.Warn().Err(err).Str("device_id", rec.DeviceID).Msg("Failed to record device presence.")
	}
}

// Lookup returns the last-seen record of a device.
func (t *Tracker) Lookup(ctx context.Context, deviceID string) (Record, error) {
	return t.cache.Fetch(ctx, deviceID)
}

// Close releases the backend.
func (t *Tracker) Close() error {
	return t.cache.Close()
}
