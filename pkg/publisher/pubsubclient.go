package publisher

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
)

// PubsubConfig holds the Google Pub/Sub client batching limits.
type PubsubConfig struct {
	ProjectID string
	// CountThreshold, DelayThreshold and ByteThreshold map onto the client's
	// PublishSettings.
	CountThreshold     int
	DelayThreshold     time.Duration
	ByteThreshold      int
	NumGoroutines      int
	TopicExistsTimeout time.Duration
}

// Env keys for the Pub/Sub client.
const (
	PubsubProjectID     = "GCP_PROJECT_ID"
	PubsubBatchMessages = "PUBSUB_BATCH_MAX_MESSAGES"
	PubsubBatchDelay    = "PUBSUB_BATCH_MAX_DELAY"
	PubsubBatchBytes    = "PUBSUB_BATCH_MAX_BYTES"
	PubsubNumGoroutines = "PUBSUB_NUM_GOROUTINES"
	PubsubExistsTimeout = "PUBSUB_TOPIC_EXISTS_TIMEOUT"
)

// LoadPubsubConfigFromEnv provides a config with sensible defaults, overridden
// by any environment variables that are set and parse cleanly.
func LoadPubsubConfigFromEnv() *PubsubConfig {
	cfg := &PubsubConfig{
		ProjectID:          os.Getenv(PubsubProjectID),
		CountThreshold:     100,
		DelayThreshold:     50 * time.Millisecond,
		ByteThreshold:      1e6,
		NumGoroutines:      5,
		TopicExistsTimeout: 15 * time.Second,
	}
	if v := os.Getenv(PubsubBatchMessages); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.CountThreshold = n
		}
	}
	if v := os.Getenv(PubsubBatchDelay); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.DelayThreshold = d
		}
	}
	if v := os.Getenv(PubsubBatchBytes); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ByteThreshold = n
		}
	}
	if v := os.Getenv(PubsubNumGoroutines); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.NumGoroutines = n
		}
	}
	if v := os.Getenv(PubsubExistsTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.TopicExistsTimeout = d
		}
	}
	return cfg
}

// PubsubBatchClient implements BatchClient on Google Cloud Pub/Sub. Topic
// handles are created lazily and reused, so the client's own batching applies
// across calls.
type PubsubBatchClient struct {
	client *pubsub.Client
	cfg    *PubsubConfig
	logger zerolog.Logger

	mu     sync.Mutex
	topics map[string]*pubsub.Topic
}

// NewPubsubBatchClient wraps an existing Pub/Sub client.
func NewPubsubBatchClient(client *pubsub.Client, cfg *PubsubConfig, logger zerolog.Logger) (*PubsubBatchClient, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for batch client")
	}
	if cfg == nil {
		cfg = LoadPubsubConfigFromEnv()
	}
	return &PubsubBatchClient{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "PubsubBatchClient").Logger(),
		topics: make(map[string]*pubsub.Topic),
	}, nil
}

func (c *PubsubBatchClient) topic(topicID string) *pubsub.Topic {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.topics[topicID]; ok {
		return t
	}
	t := c.client.Topic(topicID)
	t.PublishSettings.CountThreshold = c.cfg.CountThreshold
	t.PublishSettings.DelayThreshold = c.cfg.DelayThreshold
	t.PublishSettings.ByteThreshold = c.cfg.ByteThreshold
	t.PublishSettings.NumGoroutines = c.cfg.NumGoroutines
	c.topics[topicID] = t
	return t
}

// EnsureTopics verifies that every topic exists before the bridge starts.
func (c *PubsubBatchClient) EnsureTopics(ctx context.Context, topicIDs ...string) error {
	for _, id := range topicIDs {
		existsCtx, cancel := context.WithTimeout(ctx, c.cfg.TopicExistsTimeout)
		exists, err := c.topic(id).Exists(existsCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("failed to check for topic %s: %w", id, err)
		}
		if !exists {
			return fmt.Errorf("pubsub topic %s does not exist", id)
		}
		c.logger.Info().Str("topic_id", id).Msg("Pub/Sub topic verified.")
	}
	return nil
}

// PublishBatch queues every entry on the topic and then waits for every
// result. It fails if any entry in the batch failed.
func (c *PubsubBatchClient) PublishBatch(ctx context.Context, topicID string, entries []types.BufferedEntry) error {
	t := c.topic(topicID)
	results := make([]*pubsub.PublishResult, len(entries))
	for i, e := range entries {
		results[i] = t.Publish(ctx, &pubsub.Message{
			Data:       e.Payload,
			Attributes: e.Attributes,
		})
	}

	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d of %d messages failed on topic %s: %w", len(errs), len(entries), topicID, errors.Join(errs...))
	}
	return nil
}

// Stop flushes every topic handle, respecting the context's deadline.
func (c *PubsubBatchClient) Stop(ctx context.Context) error {
	c.mu.Lock()
	topics := make([]*pubsub.Topic, 0, len(c.topics))
	for _, t := range c.topics {
		topics = append(topics, t)
	}
	c.mu.Unlock()

	// topic.Stop() is blocking and doesn't take a context.
	stopDone := make(chan struct{})
	go func() {
		for _, t := range topics {
			t.Stop()
		}
		close(stopDone)
	}()

	select {
	case <-stopDone:
		c.logger.Info().Int("topics", len(topics)).Msg("Pub/Sub topics flushed and stopped.")
		return nil
	case <-ctx.Done():
		c.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for Pub/Sub topics to flush and stop.")
		return ctx.Err()
	}
}
