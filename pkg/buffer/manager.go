// Package buffer accumulates queue-ready entries per destination topic and
// decides when to hand them to the publisher.
package buffer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/illmade-knight/go-mqttbridge/pkg/types"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ChunkPublisher delivers one chunk of entries to a destination topic.
type ChunkPublisher interface {
	PublishChunk(ctx context.Context, topic string, chunk []types.BufferedEntry) error
}

// Recorder receives buffer events. *metrics.Metrics satisfies it.
type Recorder interface {
	IncReceived(topic string)
	IncFlush()
	AddFailed(topic string, n int)
	SetBufferUtilization(topic string, utilization float64)
}

// DeadLetterSink receives the entries dropped by an aborted flush.
type DeadLetterSink interface {
	Archive(ctx context.Context, topic string, entries []types.BufferedEntry, cause error) error
}

// Option customises a Manager.
type Option func(*Manager)

// WithDeadLetter archives every entry a failed flush drops.
func WithDeadLetter(sink DeadLetterSink) Option {
	return func(m *Manager) { m.deadLetter = sink }
}

// Manager owns the per-topic buffer map. All access to the map goes through
// its methods; the take-and-replace of a topic's slice under mu is the only
// point where entries change hands.
type Manager struct {
	cfg       Config
	publisher ChunkPublisher
	recorder  Recorder
	logger    zerolog.Logger

	deadLetter DeadLetterSink

	mu         sync.Mutex
	buffers    map[string][]types.BufferedEntry
	pending    map[string]bool // an async flush of the topic is scheduled but has not taken its snapshot yet
	allPending bool

	inflight sync.WaitGroup

	tickerMu   sync.Mutex
	stopTicker context.CancelFunc
	tickerDone chan struct{}
	stopped    bool
}

// NewManager creates a Manager. It validates cfg.
func NewManager(cfg *Config, publisher ChunkPublisher, recorder Recorder, logger zerolog.Logger, opts ...Option) (*Manager, error) {
	if cfg == nil {
		return nil, fmt.Errorf("buffer config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid buffer config: %w", err)
	}
	if publisher == nil || recorder == nil {
		return nil, fmt.Errorf("publisher and recorder cannot be nil")
	}
	m := &Manager{
		cfg:       *cfg,
		publisher: publisher,
		recorder:  recorder,
		logger:    logger.With().Str("component", "BufferManager").Logger(),
		buffers:   make(map[string][]types.BufferedEntry),
		pending:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Add appends entry to the topic's buffer. When the topic's utilization
// reaches the flush threshold, that topic is flushed asynchronously; when the
// total across all topics reaches MaxBufferSize, every buffer is. Add never
// blocks on publishing.
func (m *Manager) Add(topic string, entry types.BufferedEntry) {
	m.mu.Lock()
	buf := append(m.buffers[topic], entry)
	m.buffers[topic] = buf
	length := len(buf)
	total := 0
	for _, b := range m.buffers {
		total += len(b)
	}
	utilization := float64(length) / float64(m.cfg.MaxBufferSize)

	flushTopic := utilization >= m.cfg.FlushThreshold && !m.pending[topic]
	if flushTopic {
		m.pending[topic] = true
	}
	flushAll := total >= m.cfg.MaxBufferSize && !m.allPending
	if flushAll {
		m.allPending = true
	}
	m.mu.Unlock()

	m.recorder.IncReceived(topic)
	m.recorder.SetBufferUtilization(topic, utilization)

	if flushTopic {
		m.logger.Debug().Str("topic", topic).Float64("utilization", utilization).Msg("Flush threshold reached.")
		m.goFlush(func(ctx context.Context) error { return m.Flush(ctx, topic) })
	}
	if flushAll {
		m.logger.Info().Int("total_buffered", total).Msg("Total buffer cap reached, flushing all buffers.")
		m.goFlush(m.FlushAll)
	}
}

func (m *Manager) goFlush(fn func(ctx context.Context) error) {
	m.inflight.Add(1)
	go func() {
		defer m.inflight.Done()
		// Errors are already logged and counted by the flush itself.
		_ = fn(context.Background())
	}()
}

// take swaps out the topic's buffer for an empty one and returns the old contents.
// The caller must hold mu.
func (m *Manager) take(topic string) []types.BufferedEntry {
	snapshot := m.buffers[topic]
	if len(snapshot) > 0 {
		m.buffers[topic] = make([]types.BufferedEntry, 0, len(snapshot))
	}
	delete(m.pending, topic)
	return snapshot
}

// Flush publishes the topic's current buffer in chunks. Entries arriving
// during the flush land in a fresh buffer. Flushing an empty buffer is a
// no-op. The first chunk that fails aborts the remaining chunks; their entries
// are counted as failed and dropped.
func (m *Manager) Flush(ctx context.Context, topic string) error {
	m.mu.Lock()
	snapshot := m.take(topic)
	m.mu.Unlock()
	if len(snapshot) > 0 {
		m.recorder.SetBufferUtilization(topic, 0)
	}
	return m.publishSnapshot(ctx, topic, snapshot)
}

// FlushAll flushes every known topic concurrently and waits for all of them.
// A failing topic does not stop the others; the failures are joined.
func (m *Manager) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	snapshots := make(map[string][]types.BufferedEntry, len(m.buffers))
	for topic := range m.buffers {
		if s := m.take(topic); len(s) > 0 {
			snapshots[topic] = s
		}
	}
	m.allPending = false
	m.mu.Unlock()

	if len(snapshots) == 0 {
		return nil
	}

	var (
		g     errgroup.Group
		errMu sync.Mutex
		errs  []error
	)
	for topic, snapshot := range snapshots {
		m.recorder.SetBufferUtilization(topic, 0)
		g.Go(func() error {
			if err := m.publishSnapshot(ctx, topic, snapshot); err != nil {
				errMu.Lock()
				errs = append(errs, err)
				errMu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}

func (m *Manager) publishSnapshot(ctx context.Context, topic string, snapshot []types.BufferedEntry) error {
	if len(snapshot) == 0 {
		return nil
	}
	m.recorder.IncFlush()
	start := time.Now()

	for offset := 0; offset < len(snapshot); offset += m.cfg.ChunkSize {
		end := min(offset+m.cfg.ChunkSize, len(snapshot))
		if err := m.publisher.PublishChunk(ctx, topic, snapshot[offset:end]); err != nil {
			// The publisher has already counted the failed chunk itself.
			if remaining := len(snapshot) - end; remaining > 0 {
				m.recorder.AddFailed(topic, remaining)
			}
			m.logger.Error().Err(err).Str("topic", topic).Int("flushed", offset).Int("dropped", len(snapshot)-offset).Msg("Flush aborted.")
			if m.deadLetter != nil {
				if dlErr := m.deadLetter.Archive(ctx, topic, snapshot[offset:], err); dlErr != nil {
					m.logger.Error().Err(dlErr).Str("topic", topic).Msg("Failed to archive dropped entries.")
				}
			}
			return fmt.Errorf("flush %s: %w", topic, err)
		}
	}
	m.logger.Debug().Str("topic", topic).Int("entries", len(snapshot)).Dur("took", time.Since(start)).Msg("Buffer flushed.")
	return nil
}

// Start runs the periodic safety-net FlushAll until Stop is called or ctx is
// done. Calling Start again, or after Stop, does nothing.
func (m *Manager) Start(ctx context.Context) {
	m.tickerMu.Lock()
	defer m.tickerMu.Unlock()
	if m.stopTicker != nil || m.stopped {
		return
	}
	tickCtx, cancel := context.WithCancel(ctx)
	// A flush already in progress when the ticker stops should still complete.
	flushCtx := context.WithoutCancel(ctx)
	m.stopTicker = cancel
	m.tickerDone = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.cfg.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-tickCtx.Done():
				return
			case <-ticker.C:
				if err := m.FlushAll(flushCtx); err != nil {
					m.logger.Warn().Err(err).Msg("Periodic flush completed with errors.")
				}
			}
		}
	}(m.tickerDone)
	m.logger.Info().Dur("interval", m.cfg.FlushInterval).Msg("Periodic buffer flush started.")
}

// Stop cancels the periodic flush and waits for its goroutine to exit. Once
// stopped, the ticker cannot be restarted.
func (m *Manager) Stop() {
	m.tickerMu.Lock()
	defer m.tickerMu.Unlock()
	m.stopped = true
	if m.stopTicker == nil {
		return
	}
	m.stopTicker()
	<-m.tickerDone
	m.stopTicker = nil
	m.logger.Info().Msg("Periodic buffer flush stopped.")
}

// Wait blocks until all threshold-triggered flushes have finished.
func (m *Manager) Wait() {
	m.inflight.Wait()
}

// Lengths returns the number of entries pending per topic.
func (m *Manager) Lengths() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.buffers))
	for topic, b := range m.buffers {
		out[topic] = len(b)
	}
	return out
}

// Utilization returns length / MaxBufferSize per topic.
func (m *Manager) Utilization() map[string]float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]float64, len(m.buffers))
	for topic, b := range m.buffers {
		out[topic] = float64(len(b)) / float64(m.cfg.MaxBufferSize)
	}
	return out
}

// Total returns the number of entries pending across all topics.
func (m *Manager) Total() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, b := range m.buffers {
		total += len(b)
	}
	return total
}

// Snapshot returns a copy of the topic's pending entries, in arrival order.
func (m *Manager) Snapshot(topic string) []types.BufferedEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]types.BufferedEntry(nil), m.buffers[topic]...)
}
