package bridge

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/buffer"
	"github.com/illmade-knight/go-mqttbridge/pkg/deadletter"
	"github.com/illmade-knight/go-mqttbridge/pkg/memory"
	"github.com/illmade-knight/go-mqttbridge/pkg/metrics"
	"github.com/illmade-knight/go-mqttbridge/pkg/microservice"
	"github.com/illmade-knight/go-mqttbridge/pkg/mqttconverter"
	"github.com/illmade-knight/go-mqttbridge/pkg/presence"
	"github.com/illmade-knight/go-mqttbridge/pkg/publisher"
	"github.com/illmade-knight/go-mqttbridge/pkg/routing"
	"github.com/rs/zerolog"
)

// Stopper is implemented by batch clients that hold resources to release on shutdown.
type Stopper interface {
	Stop(ctx context.Context) error
}

// Option customises the construction of a Bridge.
type Option func(*options)

type options struct {
	mqttOptions []mqttconverter.Option
	sampler     memory.Sampler
	tracker     *presence.Tracker
	deadLetter  deadletter.Store
}

// WithMQTTOptions forwards options to the connection manager.
func WithMQTTOptions(opts ...mqttconverter.Option) Option {
	return func(o *options) { o.mqttOptions = append(o.mqttOptions, opts...) }
}

// WithMemorySampler replaces the runtime memory sampler.
func WithMemorySampler(s memory.Sampler) Option {
	return func(o *options) { o.sampler = s }
}

// WithPresenceTracker uses tracker instead of building one from the config.
func WithPresenceTracker(t *presence.Tracker) Option {
	return func(o *options) { o.tracker = t }
}

// WithDeadLetterStore supplies the object store used when a dead-letter
// bucket is configured.
func WithDeadLetterStore(s deadletter.Store) Option {
	return func(o *options) { o.deadLetter = s }
}

// Bridge is the running service: a single MQTT session feeding per-topic
// buffers that are flushed to Pub/Sub through a circuit-broken publisher.
type Bridge struct {
	*microservice.BaseServer

	cfg       *Config
	logger    zerolog.Logger
	metrics   *metrics.Metrics
	router    *routing.Router
	client    publisher.BatchClient
	publisher *publisher.Publisher
	buffers   *buffer.Manager
	monitor   *memory.Monitor
	presence  *presence.Tracker
	conn      *mqttconverter.ConnectionManager
	startedAt time.Time

	fatalCh   chan error
	fatalOnce sync.Once

	shutdownOnce sync.Once
	shutdownErr  error
}

// New builds every component but starts nothing. client delivers batches to
// Pub/Sub; if it also implements Stopper it is stopped last during shutdown.
func New(ctx context.Context, cfg *Config, client publisher.BatchClient, logger zerolog.Logger, opts ...Option) (*Bridge, error) {
	if cfg == nil {
		return nil, fmt.Errorf("bridge config cannot be nil")
	}
	if client == nil {
		return nil, fmt.Errorf("batch client cannot be nil")
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	b := &Bridge{
		cfg:     cfg,
		logger:  logger.With().Str("component", "Bridge").Logger(),
		metrics: metrics.New(),
		client:  client,
		fatalCh: make(chan error, 1),
	}

	router, err := routing.NewRouter(routing.DefaultMappings(cfg.SensorTopic, cfg.RegistrationTopic), cfg.RegistrationTopic)
	if err != nil {
		return nil, fmt.Errorf("failed to build topic router: %w", err)
	}
	b.router = router

	b.publisher, err = publisher.New(cfg.Publisher, client, b.metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create publisher: %w", err)
	}
	var bufferOpts []buffer.Option
	if cfg.DeadLetter.Enabled() {
		archiver, err := deadletter.NewArchiver(o.deadLetter, cfg.DeadLetter, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create dead-letter archiver: %w", err)
		}
		bufferOpts = append(bufferOpts, buffer.WithDeadLetter(archiver))
	}
	b.buffers, err = buffer.NewManager(cfg.Buffer, b.publisher, b.metrics, logger, bufferOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create buffer manager: %w", err)
	}
	b.monitor, err = memory.NewMonitor(cfg.Memory, o.sampler, b.buffers, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create memory monitor: %w", err)
	}

	b.presence = o.tracker
	if b.presence == nil {
		b.presence, err = presence.NewTrackerFromConfig(ctx, cfg.Presence, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to create presence tracker: %w", err)
		}
	}

	connOpts := append([]mqttconverter.Option{
		mqttconverter.WithLatencyObserver(b.metrics),
		mqttconverter.WithPresence(b.presence),
		mqttconverter.OnConnected(b.startBackground),
		mqttconverter.OnFatal(b.Fatal),
	}, o.mqttOptions...)
	b.conn, err = mqttconverter.NewConnectionManager(cfg.MQTT, router, b.buffers, logger, connOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create MQTT connection manager: %w", err)
	}

	b.BaseServer = microservice.NewBaseServer(logger, cfg.HTTPPort, cfg.AllowedOrigins)
	b.registerHandlers()
	return b, nil
}

// Start opens the control plane and the MQTT session. The buffer ticker and
// memory monitor start once the first connection succeeds.
func (b *Bridge) Start(ctx context.Context) error {
	b.startedAt = time.Now()
	if err := b.BaseServer.Start(); err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}
	if err := b.conn.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MQTT connection: %w", err)
	}
	b.logger.Info().
		Str("client_id", b.conn.ClientID()).
		Str("sensor_topic", b.cfg.SensorTopic).
		Str("registration_topic", b.cfg.RegistrationTopic).
		Msg("Bridge started.")
	return nil
}

func (b *Bridge) startBackground(ctx context.Context) {
	b.buffers.Start(ctx)
	b.monitor.Start(ctx)
}

// Fatal reports an unrecoverable runtime error. Only the first is kept.
func (b *Bridge) Fatal(err error) {
	b.fatalOnce.Do(func() {
		b.logger.Error().Err(err).Msg("Fatal error, requesting shutdown.")
		b.fatalCh <- err
	})
}

// FatalErrors delivers the first error passed to Fatal.
func (b *Bridge) FatalErrors() <-chan error {
	return b.fatalCh
}

// Metrics exposes the runtime counters.
func (b *Bridge) Metrics() *metrics.Metrics {
	return b.metrics
}

// Buffers exposes the buffer manager.
func (b *Bridge) Buffers() *buffer.Manager {
	return b.buffers
}

// Connection exposes the MQTT connection manager.
func (b *Bridge) Connection() *mqttconverter.ConnectionManager {
	return b.conn
}
