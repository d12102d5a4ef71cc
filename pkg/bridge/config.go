// Package bridge wires the MQTT connection, buffers, publisher and control
// plane into a single service.
package bridge

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/buffer"
	"github.com/illmade-knight/go-mqttbridge/pkg/deadletter"
	"github.com/illmade-knight/go-mqttbridge/pkg/memory"
	"github.com/illmade-knight/go-mqttbridge/pkg/mqttconverter"
	"github.com/illmade-knight/go-mqttbridge/pkg/presence"
	"github.com/illmade-knight/go-mqttbridge/pkg/publisher"
	"github.com/rs/zerolog/log"
)

// ErrMissingRequired is wrapped by configuration errors for unset required variables.
var ErrMissingRequired = errors.New("missing required configuration")

// Env constants for bridge-level settings.
const (
	EnvLogLevel          = "LOG_LEVEL"
	EnvHTTPPort          = "HTTP_PORT"
	EnvCORSOrigins       = "CORS_ALLOWED_ORIGINS"
	EnvSensorTopic       = "PUBSUB_TOPIC_SENSOR_READINGS"
	EnvRegistrationTopic = "PUBSUB_TOPIC_DEVICE_REGISTRATION"
	EnvGracePeriod       = "SHUTDOWN_GRACE_PERIOD"
	EnvFlushTimeout      = "SHUTDOWN_FLUSH_TIMEOUT"
)

// Config is the complete bridge configuration.
type Config struct {
	LogLevel       string
	HTTPPort       string
	AllowedOrigins []string

	// SensorTopic and RegistrationTopic are the destination Pub/Sub topic IDs.
	SensorTopic       string
	RegistrationTopic string

	// ShutdownGracePeriod bounds the whole shutdown. FinalFlushTimeout bounds
	// the final buffer flush inside it and must be shorter.
	ShutdownGracePeriod time.Duration
	FinalFlushTimeout   time.Duration

	MQTT       *mqttconverter.MQTTClientConfig
	Pubsub     *publisher.PubsubConfig
	Publisher  publisher.Config
	Buffer     *buffer.Config
	Memory     *memory.Config
	Presence   *presence.Config
	DeadLetter *deadletter.Config
}

// LoadConfigFromEnv loads and validates the configuration. Missing required
// values produce an error wrapping ErrMissingRequired.
func LoadConfigFromEnv() (*Config, error) {
	cfg := &Config{
		LogLevel:            "info",
		HTTPPort:            ":8080",
		AllowedOrigins:      []string{"http://localhost:3000", "http://localhost:5173"},
		SensorTopic:         "iot-sensor-readings",
		RegistrationTopic:   "iot-device-registration",
		ShutdownGracePeriod: 30 * time.Second,
		FinalFlushTimeout:   20 * time.Second,
		MQTT:                mqttconverter.LoadMQTTClientConfigFromEnv(),
		Pubsub:              publisher.LoadPubsubConfigFromEnv(),
		Publisher:           publisher.DefaultConfig(),
		Buffer:              buffer.LoadConfigFromEnv(),
		Memory:              memory.LoadConfigFromEnv(),
		Presence:            presence.LoadConfigFromEnv(),
		DeadLetter:          deadletter.LoadConfigFromEnv(),
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(EnvHTTPPort); v != "" {
		if !strings.Contains(v, ":") {
			v = ":" + v
		}
		cfg.HTTPPort = v
	}
	if v := os.Getenv(EnvCORSOrigins); v != "" {
		cfg.AllowedOrigins = splitList(v)
	}
	if v := os.Getenv(EnvSensorTopic); v != "" {
		cfg.SensorTopic = v
	}
	if v := os.Getenv(EnvRegistrationTopic); v != "" {
		cfg.RegistrationTopic = v
	}
	cfg.ShutdownGracePeriod = durationFromEnv(EnvGracePeriod, cfg.ShutdownGracePeriod)
	cfg.FinalFlushTimeout = durationFromEnv(EnvFlushTimeout, cfg.FinalFlushTimeout)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks required values first, then the consistency of every sub-config.
func (c *Config) Validate() error {
	var missing []string
	if c.MQTT == nil || c.MQTT.BrokerURL == "" {
		missing = append(missing, mqttconverter.MqttBrokerURL)
	}
	if c.MQTT != nil && !c.MQTT.AllowPublicBroker {
		if c.MQTT.Username == "" {
			missing = append(missing, mqttconverter.MqttUsername)
		}
		if c.MQTT.Password == "" {
			missing = append(missing, mqttconverter.MqttPassword)
		}
	}
	if c.Pubsub == nil || c.Pubsub.ProjectID == "" {
		missing = append(missing, publisher.PubsubProjectID)
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingRequired, strings.Join(missing, ", "))
	}

	if err := c.MQTT.Validate(); err != nil {
		return fmt.Errorf("invalid MQTT config: %w", err)
	}
	if c.Buffer == nil {
		return fmt.Errorf("buffer config is required")
	}
	if err := c.Buffer.Validate(); err != nil {
		return fmt.Errorf("invalid buffer config: %w", err)
	}
	if c.Memory == nil {
		return fmt.Errorf("memory config is required")
	}
	if err := c.Memory.Validate(); err != nil {
		return fmt.Errorf("invalid memory config: %w", err)
	}
	if c.SensorTopic == "" || c.RegistrationTopic == "" {
		return fmt.Errorf("destination topics cannot be empty")
	}
	if c.SensorTopic == c.RegistrationTopic {
		return fmt.Errorf("sensor and registration topics must differ, both are %q", c.SensorTopic)
	}
	if c.ShutdownGracePeriod <= 0 {
		return fmt.Errorf("shutdown grace period must be positive")
	}
	if c.FinalFlushTimeout <= 0 || c.FinalFlushTimeout >= c.ShutdownGracePeriod {
		return fmt.Errorf("final flush timeout %s must be positive and shorter than the grace period %s", c.FinalFlushTimeout, c.ShutdownGracePeriod)
	}
	return nil
}

func durationFromEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Invalid duration, using default.")
		return def
	}
	return d
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
