package mqttconverter

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/illmade-knight/go-mqttbridge/pkg/presence"
	"github.com/illmade-knight/go-mqttbridge/pkg/routing"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
)

// State is the connection lifecycle state of a ConnectionManager.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateClosed:
		return "closed"
	default:
		return "disconnected"
	}
}

// Sink receives routed entries. The buffer manager satisfies it.
type Sink interface {
	Add(topic string, entry types.BufferedEntry)
}

// LatencyObserver records per-class handling latency.
type LatencyObserver interface {
	ObserveLatency(class string, d time.Duration)
}

// PresenceRecorder records that a device was seen.
type PresenceRecorder interface {
	Touch(ctx context.Context, rec presence.Record)
}

// ClientFactory builds the Paho client. It exists so tests can inject a mock.
type ClientFactory func(opts *mqtt.ClientOptions) mqtt.Client

// Option customises a ConnectionManager.
type Option func(*ConnectionManager)

// WithClientFactory replaces mqtt.NewClient.
func WithClientFactory(f ClientFactory) Option {
	return func(c *ConnectionManager) { c.factory = f }
}

// WithLatencyObserver attaches a latency observer to the message path.
func WithLatencyObserver(o LatencyObserver) Option {
	return func(c *ConnectionManager) { c.latency = o }
}

// WithPresence records every routed message against its device.
func WithPresence(p PresenceRecorder) Option {
	return func(c *ConnectionManager) { c.presence = p }
}

// OnConnected registers a hook run once, after the first successful connection.
// Subsequent reconnects do not run it again.
func OnConnected(fn func(ctx context.Context)) Option {
	return func(c *ConnectionManager) { c.onConnected = append(c.onConnected, fn) }
}

// OnFatal registers the callback invoked when message handling panics.
func OnFatal(fn func(err error)) Option {
	return func(c *ConnectionManager) { c.onFatal = fn }
}

// ConnectionManager owns the MQTT session: it subscribes to every routed
// pattern, publishes the bridge status, and converts inbound messages into
// buffered entries handed to a Sink.
type ConnectionManager struct {
	cfg      *MQTTClientConfig
	router   *routing.Router
	sink     Sink
	logger   zerolog.Logger
	clientID string

	factory     ClientFactory
	latency     LatencyObserver
	presence    PresenceRecorder
	onConnected []func(ctx context.Context)
	onFatal     func(err error)

	mu     sync.Mutex
	client mqtt.Client
	ctx    context.Context

	state       atomic.Int32
	initialOnce sync.Once
	closeOnce   sync.Once
	now         func() time.Time
}

// NewConnectionManager creates a ConnectionManager. It does not connect until Start is called.
func NewConnectionManager(cfg *MQTTClientConfig, router *routing.Router, sink Sink, logger zerolog.Logger, opts ...Option) (*ConnectionManager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("MQTT config is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if router == nil || sink == nil {
		return nil, fmt.Errorf("router and sink are required")
	}
	c := &ConnectionManager{
		cfg:      cfg,
		router:   router,
		sink:     sink,
		logger:   logger.With().Str("component", "ConnectionManager").Logger(),
		clientID: cfg.ClientIDPrefix + uuid.NewString()[:8],
		factory:  mqtt.NewClient,
		ctx:      context.Background(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ClientID is the unique client identifier presented to the broker.
func (c *ConnectionManager) ClientID() string {
	return c.clientID
}

// State returns the current lifecycle state.
func (c *ConnectionManager) State() State {
	return State(c.state.Load())
}

// IsConnected reports whether the underlying client has a live session.
func (c *ConnectionManager) IsConnected() bool {
	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	return client != nil && c.State() == StateConnected && client.IsConnected()
}

// Start builds the client and begins connecting. A failed first attempt is
// logged and retried in the background by the Paho client.
func (c *ConnectionManager) Start(ctx context.Context) error {
	if c.State() == StateClosed {
		return fmt.Errorf("connection manager is closed")
	}
	opts := c.createMqttOptions()
	client := c.factory(opts)

	c.mu.Lock()
	c.client = client
	c.ctx = ctx
	c.mu.Unlock()

	c.setState(StateConnecting)
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Str("client_id", c.clientID).Msg("Attempting to connect to MQTT broker...")
	if token := client.Connect(); token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
		c.logger.Error().Err(token.Error()).Msg("Failed to connect to MQTT broker on startup. The Paho client will continue to retry in the background.")
	}
	return nil
}

// Close publishes the retained offline status and disconnects. It is idempotent.
func (c *ConnectionManager) Close(ctx context.Context) error {
	var err error
	c.closeOnce.Do(func() {
		c.logger.Info().Msg("Closing MQTT connection...")
		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		c.setState(StateClosed)
		if client == nil {
			return
		}
		if client.IsConnected() {
			err = c.publishStatus(ctx, client, StatusOffline, ReasonGracefulShutdown)
			client.Disconnect(250)
		}
		c.logger.Info().Msg("MQTT client disconnected.")
	})
	return err
}

// MessageHandler returns the callback used for all subscriptions.
func (c *ConnectionManager) MessageHandler() mqtt.MessageHandler {
	return c.handleMessage
}

func (c *ConnectionManager) setState(s State) {
	for {
		cur := c.state.Load()
		if State(cur) == StateClosed {
			return
		}
		if c.state.CompareAndSwap(cur, int32(s)) {
			return
		}
	}
}

func (c *ConnectionManager) handleMessage(_ mqtt.Client, msg mqtt.Message) {
	receivedAt := c.now()
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic handling message on %s: %v", msg.Topic(), r)
			c.logger.Error().Err(err).Msg("Unrecoverable error in message handler.")
			if c.onFatal != nil {
				c.onFatal(err)
			}
		}
	}()

	route, ok := c.router.Route(msg.Topic())
	if !ok {
		c.logger.Debug().Str("topic", msg.Topic()).Msg("No route for MQTT topic, dropping message.")
		return
	}

	payloadCopy := make([]byte, len(msg.Payload()))
	copy(payloadCopy, msg.Payload())
	in := InMessage{
		Payload:   payloadCopy,
		Topic:     msg.Topic(),
		MessageID: fmt.Sprintf("%d", msg.MessageID()),
		Timestamp: receivedAt.UTC(),
		Duplicate: msg.Duplicate(),
	}
	c.sink.Add(route.Destination, ToBufferedEntry(in, route))
	if c.latency != nil {
		c.latency.ObserveLatency(route.Class, c.now().Sub(receivedAt))
	}

	if c.presence != nil {
		c.presence.Touch(c.context(), presence.Record{
			DeviceID:    route.DeviceID,
			LastSeen:    in.Timestamp,
			Topic:       in.Topic,
			Destination: route.Destination,
			Priority:    route.Priority,
		})
	}
}

func (c *ConnectionManager) context() context.Context {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ctx
}

func (c *ConnectionManager) onConnect(client mqtt.Client) {
	if c.State() == StateClosed {
		return
	}
	c.setState(StateConnected)
	c.logger.Info().Str("broker", c.cfg.BrokerURL).Msg("Paho client connected to MQTT broker.")

	if err := c.publishStatus(c.context(), client, StatusOnline, ""); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to publish online status.")
	}

	for pattern, qos := range c.router.Subscriptions() {
		token := client.Subscribe(pattern, qos, c.handleMessage)
		if token.WaitTimeout(c.cfg.ConnectTimeout) && token.Error() != nil {
			c.logger.Error().Err(token.Error()).Str("topic", pattern).Msg("Failed to subscribe to MQTT topic.")
			continue
		}
		c.logger.Info().Str("topic", pattern).Uint8("qos", qos).Msg("Subscribed to MQTT topic.")
	}

	c.initialOnce.Do(func() {
		ctx := c.context()
		for _, hook := range c.onConnected {
			hook(ctx)
		}
	})
}

func (c *ConnectionManager) publishStatus(ctx context.Context, client mqtt.Client, status, reason string) error {
	payload := encodeStatus(newStatusMessage(status, c.clientID, reason, c.now()))
	token := client.Publish(c.cfg.StatusTopic, routing.QoSAtLeastOnce, true, payload)

	wait := c.cfg.ConnectTimeout
	if deadline, ok := ctx.Deadline(); ok {
		wait = min(wait, time.Until(deadline))
	}
	if !token.WaitTimeout(wait) {
		return fmt.Errorf("timed out publishing %s status to %s", status, c.cfg.StatusTopic)
	}
	return token.Error()
}

// createMqttOptions assembles the Paho client options from the config.
func (c *ConnectionManager) createMqttOptions() *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(c.cfg.BrokerURL)
	opts.SetClientID(c.clientID)
	opts.SetUsername(c.cfg.Username)
	opts.SetPassword(c.cfg.Password)
	opts.SetKeepAlive(c.cfg.KeepAlive)
	opts.SetConnectTimeout(c.cfg.ConnectTimeout)
	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(c.cfg.ReconnectPeriod)
	opts.SetMaxReconnectInterval(c.cfg.ReconnectPeriod)
	opts.SetOrderMatters(false)
	opts.SetDefaultPublishHandler(c.handleMessage)

	will := encodeStatus(newStatusMessage(StatusOffline, c.clientID, ReasonUnexpectedDisconnect, c.now()))
	opts.SetBinaryWill(c.cfg.StatusTopic, will, routing.QoSAtLeastOnce, true)

	opts.SetOnConnectHandler(c.onConnect)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.setState(StateReconnecting)
		c.logger.Error().Err(err).Msg("Paho client lost MQTT connection.")
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		c.setState(StateReconnecting)
		c.logger.Warn().Msg("Reconnecting to MQTT broker...")
	})

	if strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "tls://") ||
		strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "ssl://") ||
		strings.HasPrefix(strings.ToLower(c.cfg.BrokerURL), "mqtts://") {
		tlsConfig, err := newTLSConfig(c.cfg)
		if err != nil {
			c.logger.Error().Err(err).Msg("Failed to create TLS config, proceeding without it.")
		} else {
			opts.SetTLSConfig(tlsConfig)
			c.logger.Info().Msg("TLS configured for MQTT client.")
		}
	}
	return opts
}

// newTLSConfig is a helper to create a tls.Config.
func newTLSConfig(cfg *MQTTClientConfig) (*tls.Config, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: cfg.InsecureSkipVerify}
	if cfg.CACertFile != "" {
		caCert, err := os.ReadFile(cfg.CACertFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read CA cert file %s: %w", cfg.CACertFile, err)
		}
		caCertPool := x509.NewCertPool()
		if !caCertPool.AppendCertsFromPEM(caCert) {
			return nil, fmt.Errorf("failed to append CA cert from %s", cfg.CACertFile)
		}
		tlsConfig.RootCAs = caCertPool
	}
	if cfg.ClientCertFile != "" && cfg.ClientKeyFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.ClientCertFile, cfg.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate/key pair: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{cert}
	}
	return tlsConfig, nil
}
