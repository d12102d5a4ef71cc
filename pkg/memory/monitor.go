// Package memory samples process memory and relieves pressure before the
// process runs out of it.
package memory

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v4/process"
)

// Usage is one memory sample.
type Usage struct {
	HeapUsed  uint64  `json:"heapUsed"`
	HeapTotal uint64  `json:"heapTotal"`
	RSS       uint64  `json:"rss"`
	Percent   float64 `json:"percent"`
}

// Level classifies a sample against the thresholds.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// Sampler produces memory samples.
type Sampler interface {
	Sample() Usage
}

// SamplerFunc adapts a function to Sampler.
type SamplerFunc func() Usage

// Sample calls f.
func (f SamplerFunc) Sample() Usage { return f() }

// RuntimeSampler reads the Go heap from the runtime and the resident set size
// from the operating system.
type RuntimeSampler struct {
	proc *process.Process
}

// NewRuntimeSampler creates a sampler for the current process. RSS is
// reported as zero when the OS cannot provide it.
func NewRuntimeSampler() *RuntimeSampler {
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &RuntimeSampler{proc: proc}
}

// Sample reports HeapAlloc over HeapSys as the pressure ratio.
func (s *RuntimeSampler) Sample() Usage {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	u := Usage{HeapUsed: ms.HeapAlloc, HeapTotal: ms.HeapSys}
	if ms.HeapSys > 0 {
		u.Percent = float64(ms.HeapAlloc) / float64(ms.HeapSys) * 100
	}
	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil {
			u.RSS = info.RSS
		}
	}
	return u
}

// Thresholds are fractions (0..1) of heap used over heap total.
type Thresholds struct {
	Warning  float64
	Critical float64
}

// Classify returns the level of u.
func (t Thresholds) Classify(u Usage) Level {
	ratio := u.Percent / 100
	switch {
	case ratio > t.Critical:
		return LevelCritical
	case ratio > t.Warning:
		return LevelWarning
	default:
		return LevelNormal
	}
}

// Flusher is called to release buffered data under memory pressure.
type Flusher interface {
	FlushAll(ctx context.Context) error
}

// Config configures a Monitor.
type Config struct {
	Interval   time.Duration
	Thresholds Thresholds
	// ForceGC runs the garbage collector and returns memory to the OS before
	// the emergency flush.
	ForceGC bool
}

// Env constants for memory monitor settings.
const (
	MemoryCheckInterval     = "MEMORY_CHECK_INTERVAL"
	MemoryWarningThreshold  = "MEMORY_WARNING_THRESHOLD"
	MemoryCriticalThreshold = "MEMORY_CRITICAL_THRESHOLD"
	MemoryForceGC           = "MEMORY_FORCE_GC"
)

// LoadConfigFromEnv returns the monitor config, defaulting to a 60s check with
// 90% warning and 95% critical thresholds.
func LoadConfigFromEnv() *Config {
	cfg := &Config{
		Interval:   60 * time.Second,
		Thresholds: Thresholds{Warning: 0.90, Critical: 0.95},
		ForceGC:    true,
	}
	if v := os.Getenv(MemoryCheckInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Interval = d
		}
	}
	if v := os.Getenv(MemoryWarningThreshold); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Thresholds.Warning = f
		}
	}
	if v := os.Getenv(MemoryCriticalThreshold); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			cfg.Thresholds.Critical = f
		}
	}
	if v := os.Getenv(MemoryForceGC); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.ForceGC = b
		}
	}
	return cfg
}

// Validate checks the interval and that 0 < warning <= critical <= 1.
func (c *Config) Validate() error {
	if c.Interval <= 0 {
		return fmt.Errorf("memory check interval must be positive, got %s", c.Interval)
	}
	t := c.Thresholds
	if t.Warning <= 0 || t.Critical > 1 || t.Warning > t.Critical {
		return fmt.Errorf("memory thresholds must satisfy 0 < warning <= critical <= 1, got %v/%v", t.Warning, t.Critical)
	}
	return nil
}

// Monitor periodically samples memory and, above the critical threshold,
// forces a collection and an emergency flush.
type Monitor struct {
	cfg     Config
	sampler Sampler
	flusher Flusher
	logger  zerolog.Logger
	gc      func()

	mu   sync.RWMutex
	last Usage

	runMu   sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	stopped bool
}

// NewMonitor creates a Monitor. A nil sampler uses NewRuntimeSampler.
func NewMonitor(cfg *Config, sampler Sampler, flusher Flusher, logger zerolog.Logger) (*Monitor, error) {
	if cfg == nil {
		return nil, fmt.Errorf("memory config cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if flusher == nil {
		return nil, fmt.Errorf("flusher cannot be nil for memory monitor")
	}
	if sampler == nil {
		sampler = NewRuntimeSampler()
	}
	m := &Monitor{
		cfg:     *cfg,
		sampler: sampler,
		flusher: flusher,
		logger:  logger.With().Str("component", "MemoryMonitor").Logger(),
		gc: func() {
			runtime.GC()
			debug.FreeOSMemory()
		},
	}
	m.last = sampler.Sample()
	return m, nil
}

// Thresholds returns the configured thresholds.
func (m *Monitor) Thresholds() Thresholds {
	return m.cfg.Thresholds
}

// Sample takes a fresh sample without acting on it.
func (m *Monitor) Sample() Usage {
	u := m.sampler.Sample()
	m.mu.Lock()
	m.last = u
	m.mu.Unlock()
	return u
}

// Last returns the most recent sample.
func (m *Monitor) Last() Usage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.last
}

// Check samples memory once. At the critical level it forces a collection
// (when enabled) and flushes all buffers; flush failures are only logged. The
// warning level is reported, not acted on.
func (m *Monitor) Check(ctx context.Context) Level {
	u := m.Sample()
	level := m.cfg.Thresholds.Classify(u)
	switch level {
	case LevelCritical:
		m.logger.Warn().Float64("heap_percent", u.Percent).Uint64("heap_used", u.HeapUsed).Msg("Critical memory usage, forcing emergency flush.")
		if m.cfg.ForceGC {
			m.gc()
		}
		if err := m.flusher.FlushAll(ctx); err != nil {
			m.logger.Error().Err(err).Msg("Emergency flush failed.")
		}
	case LevelWarning:
		m.logger.Warn().Float64("heap_percent", u.Percent).Msg("High memory usage.")
	}
	return level
}

// Start runs Check every Interval until Stop or ctx is done. It is a no-op
// if already running or stopped.
func (m *Monitor) Start(ctx context.Context) {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.cancel != nil || m.stopped {
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	// An emergency flush already in progress when Stop is called must finish.
	flushCtx := context.WithoutCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(m.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				m.Check(flushCtx)
			}
		}
	}(m.done)
	m.logger.Info().Dur("interval", m.cfg.Interval).Msg("Memory monitor started.")
}

// Stop halts the periodic check and waits for it to exit, including any
// emergency flush it started.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	m.stopped = true
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	m.logger.Info().Msg("Memory monitor stopped.")
}
