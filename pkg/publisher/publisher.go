// Package publisher delivers chunks of buffered entries to the durable queue
// through a circuit breaker with bounded, jittered retry.
package publisher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

// BatchClient publishes a batch of entries to one destination topic.
type BatchClient interface {
	PublishBatch(ctx context.Context, topicID string, entries []types.BufferedEntry) error
}

// Recorder receives publish outcomes. *metrics.Metrics satisfies it.
type Recorder interface {
	AddPublished(topic string, n int)
	AddFailed(topic string, n int)
	SetCircuitOpen(open bool)
}

// BreakerConfig configures the circuit breaker guarding every publish call.
type BreakerConfig struct {
	// ErrorThreshold is the failure ratio at or above which the breaker opens.
	ErrorThreshold float64
	// MinRequests is the number of calls within Interval required before the
	// ratio is evaluated.
	MinRequests uint32
	// Interval is the rolling window after which counts are cleared while closed.
	Interval time.Duration
	// ResetTimeout is how long the breaker stays open before a trial call.
	ResetTimeout time.Duration
}

// Config holds the publisher's retry and breaker settings.
type Config struct {
	CallTimeout       time.Duration
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier float64
	// Jitter is the randomization factor applied to each backoff delay.
	Jitter  float64
	Breaker BreakerConfig
}

// DefaultConfig returns the standard publish policy: 3 attempts starting at
// 100ms, 3s per call, opening at 50% errors for 30s.
func DefaultConfig() Config {
	return Config{
		CallTimeout:       3 * time.Second,
		MaxAttempts:       3,
		InitialBackoff:    100 * time.Millisecond,
		MaxBackoff:        5 * time.Second,
		BackoffMultiplier: 2,
		Jitter:            0.5,
		Breaker: BreakerConfig{
			ErrorThreshold: 0.5,
			MinRequests:    5,
			Interval:       10 * time.Second,
			ResetTimeout:   30 * time.Second,
		},
	}
}

// Publisher sends chunks through a process-wide circuit breaker.
type Publisher struct {
	client   BatchClient
	recorder Recorder
	breaker  *gobreaker.CircuitBreaker
	cfg      Config
	logger   zerolog.Logger
}

// New creates a Publisher around client.
func New(cfg Config, client BatchClient, recorder Recorder, logger zerolog.Logger) (*Publisher, error) {
	if client == nil {
		return nil, fmt.Errorf("batch client cannot be nil for publisher")
	}
	if recorder == nil {
		return nil, fmt.Errorf("recorder cannot be nil for publisher")
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.BackoffMultiplier < 1 {
		cfg.BackoffMultiplier = DefaultConfig().BackoffMultiplier
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultConfig().CallTimeout
	}
	if cfg.Breaker.ErrorThreshold <= 0 || cfg.Breaker.ErrorThreshold > 1 {
		return nil, fmt.Errorf("breaker error threshold must be in (0,1], got %v", cfg.Breaker.ErrorThreshold)
	}

	p := &Publisher{
		client:   client,
		recorder: recorder,
		cfg:      cfg,
		logger:   logger.With().Str("component", "Publisher").Logger(),
	}
	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "pubsub-publish",
		MaxRequests: 1,
		Interval:    cfg.Breaker.Interval,
		Timeout:     cfg.Breaker.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.Breaker.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.Breaker.ErrorThreshold
		},
		OnStateChange: p.onStateChange,
	})
	return p, nil
}

func (p *Publisher) onStateChange(name string, from, to gobreaker.State) {
	p.recorder.SetCircuitOpen(to == gobreaker.StateOpen)
	event := p.logger.Info()
	if to == gobreaker.StateOpen {
		event = p.logger.Warn()
	}
	event.Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed.")
}

// State returns the breaker state: "closed", "half-open" or "open".
func (p *Publisher) State() string {
	return p.breaker.State().String()
}

// PublishChunk delivers one chunk. Each attempt runs through the breaker with
// its own timeout; attempts are spaced by jittered exponential backoff. A
// chunk that fails every attempt is counted as failed and its error returned.
func (p *Publisher) PublishChunk(ctx context.Context, topic string, chunk []types.BufferedEntry) error {
	if len(chunk) == 0 {
		return nil
	}

	attempt := 0
	op := func() error {
		attempt++
		_, err := p.breaker.Execute(func() (interface{}, error) {
			callCtx, cancel := context.WithTimeout(ctx, p.cfg.CallTimeout)
			defer cancel()
			return nil, p.client.PublishBatch(callCtx, topic, chunk)
		})
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// The breaker is rejecting calls; waiting out the backoff cannot help.
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		p.logger.Debug().Err(err).Str("topic", topic).Int("attempt", attempt).Dur("retry_in", wait).Msg("Publish attempt failed, retrying.")
	}

	if err := backoff.RetryNotify(op, p.newBackOff(ctx), notify); err != nil {
		p.recorder.AddFailed(topic, len(chunk))
		p.logger.Error().Err(err).Str("topic", topic).Int("chunk_size", len(chunk)).Int("attempts", attempt).Msg("Failed to publish chunk.")
		return fmt.Errorf("publish %d entries to %s: %w", len(chunk), topic, err)
	}

	p.recorder.AddPublished(topic, len(chunk))
	p.logger.Debug().Str("topic", topic).Int("chunk_size", len(chunk)).Msg("Chunk published.")
	return nil
}

func (p *Publisher) newBackOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.InitialBackoff
	b.MaxInterval = p.cfg.MaxBackoff
	b.Multiplier = p.cfg.BackoffMultiplier
	b.RandomizationFactor = p.cfg.Jitter
	b.MaxElapsedTime = 0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(p.cfg.MaxAttempts-1)), ctx)
}
