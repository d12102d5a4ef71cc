package mqttconverter

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// MQTTClientConfig holds all necessary configuration for the Paho MQTT client.
// It defines connection parameters, security settings, and the bridge status topic.
type MQTTClientConfig struct {
	// BrokerURL is the full URL of the MQTT broker to connect to.
	// Example: "tls://mqtt.example.com:8883"
	BrokerURL string
	// ClientIDPrefix is a prefix for the MQTT client ID. A unique suffix is
	// automatically added to ensure client uniqueness, which is required by most brokers.
	ClientIDPrefix string
	// AllowPublicBroker permits connecting without a username and password.
	// This should only be enabled for trusted, local brokers. Defaults to false.
	AllowPublicBroker bool
	// Username for authenticating with the MQTT broker.
	Username string
	// Password for authenticating with the MQTT broker.
	Password string
	// StatusTopic receives the bridge's retained online/offline status and last will.
	StatusTopic string
	// KeepAlive is the interval at which the client sends keep-alive pings to the broker.
	KeepAlive time.Duration
	// ConnectTimeout is the timeout for the initial connection attempt.
	ConnectTimeout time.Duration
	// ReconnectPeriod is the maximum time to wait between reconnect attempts.
	ReconnectPeriod time.Duration
	// CACertFile is an optional path to a CA certificate file for verifying the broker's certificate.
	CACertFile string
	// ClientCertFile is an optional path to a client certificate file for mTLS authentication.
	ClientCertFile string
	// ClientKeyFile is an optional path to a client key file for mTLS authentication.
	ClientKeyFile string
	// InsecureSkipVerify skips TLS certificate verification.
	// This is NOT recommended for production environments.
	InsecureSkipVerify bool
}

// Env constants for setting Mqtt settings
const (
	MqttBrokerURL              = "MQTT_BROKER_URL"
	MqttUsername               = "MQTT_USERNAME"
	MqttPassword               = "MQTT_PASSWORD"
	MqttAllowPublicBroker      = "MQTT_ALLOW_PUBLIC_BROKER"
	MqttClientIDPrefix         = "MQTT_CLIENT_ID_PREFIX"
	MqttStatusTopic            = "MQTT_STATUS_TOPIC"
	MqttSkipVerify             = "MQTT_INSECURE_SKIP_VERIFY"
	MqttKeepAliveSeconds       = "MQTT_KEEP_ALIVE_SECONDS"
	MqttConnectTimeoutSeconds  = "MQTT_CONNECT_TIMEOUT_SECONDS"
	MqttReconnectPeriodSeconds = "MQTT_RECONNECT_PERIOD_SECONDS"
	MqttCACertFile             = "MQTT_CA_CERT_FILE"
	MqttClientCertFile         = "MQTT_CLIENT_CERT_FILE"
	MqttClientKeyFile          = "MQTT_CLIENT_KEY_FILE"
	defaultStatusTopic         = "bridge/status"
	defaultMqttClientIDPrefix  = "mqtt-bridge-"
)

// LoadMQTTClientConfigFromEnv loads MQTT configuration from environment variables.
// Operational settings like timeouts and keep-alive fall back to sensible
// defaults when unset or unparseable. Call Validate on the result.
func LoadMQTTClientConfigFromEnv() *MQTTClientConfig {
	cfg := &MQTTClientConfig{
		BrokerURL:       os.Getenv(MqttBrokerURL),
		Username:        os.Getenv(MqttUsername),
		Password:        os.Getenv(MqttPassword),
		CACertFile:      os.Getenv(MqttCACertFile),
		ClientCertFile:  os.Getenv(MqttClientCertFile),
		ClientKeyFile:   os.Getenv(MqttClientKeyFile),
		StatusTopic:     defaultStatusTopic,
		KeepAlive:       60 * time.Second, // Default
		ConnectTimeout:  10 * time.Second, // Default
		ReconnectPeriod: 5 * time.Second,  // Default
		ClientIDPrefix:  defaultMqttClientIDPrefix,
	}
	if skipVerify := os.Getenv(MqttSkipVerify); skipVerify == "true" {
		cfg.InsecureSkipVerify = true
	}
	if public := os.Getenv(MqttAllowPublicBroker); public == "true" {
		cfg.AllowPublicBroker = true
	}
	if prefix := os.Getenv(MqttClientIDPrefix); prefix != "" {
		cfg.ClientIDPrefix = prefix
	}
	if topic := os.Getenv(MqttStatusTopic); topic != "" {
		cfg.StatusTopic = topic
	}

	// Parse durations if set in env, otherwise use defaults
	cfg.KeepAlive = secondsFromEnv(MqttKeepAliveSeconds, cfg.KeepAlive)
	cfg.ConnectTimeout = secondsFromEnv(MqttConnectTimeoutSeconds, cfg.ConnectTimeout)
	cfg.ReconnectPeriod = secondsFromEnv(MqttReconnectPeriodSeconds, cfg.ReconnectPeriod)

	return cfg
}

func secondsFromEnv(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v + "s")
	if err != nil {
		log.Printf("mqttconverter: error parsing %s: %s, using default", key, err)
		return def
	}
	return d
}

// Validate checks that the broker URL is well formed and that credentials are
// present unless a public broker is explicitly allowed.
func (c *MQTTClientConfig) Validate() error {
	if c.BrokerURL == "" {
		return fmt.Errorf("MQTT broker URL is required")
	}
	if !strings.Contains(c.BrokerURL, "://") {
		return fmt.Errorf("MQTT broker URL %q must include a scheme such as tcp:// or tls://", c.BrokerURL)
	}
	if !c.AllowPublicBroker && (c.Username == "" || c.Password == "") {
		return fmt.Errorf("MQTT username and password are required unless %s=true", MqttAllowPublicBroker)
	}
	if c.StatusTopic == "" {
		return fmt.Errorf("MQTT status topic cannot be empty")
	}
	return nil
}
