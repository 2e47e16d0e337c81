// Package monitor watches running workflow threads for stalled heartbeats
// and triggers automatic resumes. A thread whose executor dies keeps its
// checkpoint; the monitor notices the heartbeat going stale and re-invokes
// the orchestrator with the same thread id.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/studio-ai/studio/registry"
	"github.com/studio-ai/studio/storage"
	"github.com/studio-ai/studio/workflow"
)

// Defaults per the scan loop.
const (
	DefaultScanInterval = 30 * time.Second
	DefaultStaleness    = 2 * time.Minute
	DefaultMaxAttempts  = 3
)

// ResumeFunc re-invokes a stalled thread. The orchestrator rehydrates the
// checkpoint and continues from the last terminal step.
type ResumeFunc func(ctx context.Context, threadID string) error

// Config tunes the watchdog. Zero values take the defaults.
type Config struct {
	ScanInterval time.Duration `yaml:"scan_interval"`
	Staleness    time.Duration `yaml:"staleness"`
	MaxAttempts  int           `yaml:"max_attempts"`
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.ScanInterval <= 0 {
		out.ScanInterval = DefaultScanInterval
	}
	if out.Staleness <= 0 {
		out.Staleness = DefaultStaleness
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = DefaultMaxAttempts
	}
	return out
}

type watchEntry struct {
	attempts int
}

// Monitor is the heartbeat watchdog.
type Monitor struct {
	store    storage.Store
	registry *registry.Registry
	resume   ResumeFunc
	config   Config
	logger   *slog.Logger

	// Lifecycle
	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}

	// watched maps thread id to its recovery attempt count.
	watchMu sync.Mutex
	watched map[string]*watchEntry

	// Metrics
	scansPerformed   atomic.Int64
	stallsDetected   atomic.Int64
	resumesAttempted atomic.Int64
	resumesFailed    atomic.Int64
}

// New creates a monitor. resume is called for each stalled thread.
func New(store storage.Store, reg *registry.Registry, resume ResumeFunc, config Config, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		store:    store,
		registry: reg,
		resume:   resume,
		config:   config.withDefaults(),
		logger:   logger,
		watched:  make(map[string]*watchEntry),
	}
}

// Watch registers a thread for heartbeat supervision. Watching twice
// resets nothing; the attempt count survives until Unwatch.
func (m *Monitor) Watch(threadID string) {
	m.watchMu.Lock()
	if _, ok := m.watched[threadID]; !ok {
		m.watched[threadID] = &watchEntry{}
	}
	m.watchMu.Unlock()
}

// Unwatch stops supervising a thread.
func (m *Monitor) Unwatch(threadID string) {
	m.watchMu.Lock()
	delete(m.watched, threadID)
	m.watchMu.Unlock()
}

// Watched returns the supervised thread count.
func (m *Monitor) Watched() int {
	m.watchMu.Lock()
	defer m.watchMu.Unlock()
	return len(m.watched)
}

// Start begins the scan loop.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return fmt.Errorf("monitor already running")
	}
	m.running = true

	subCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})
	m.mu.Unlock()

	go m.scanLoop(subCtx)

	m.logger.Info("Heartbeat monitor started",
		"scan_interval", m.config.ScanInterval,
		"staleness", m.config.Staleness,
		"max_attempts", m.config.MaxAttempts)
	return nil
}

// Stop halts the scan loop.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return nil
	}
	m.running = false
	cancel := m.cancel
	done := m.done
	m.mu.Unlock()

	cancel()
	<-done

	m.logger.Info("Heartbeat monitor stopped",
		"scans", m.scansPerformed.Load(),
		"stalls", m.stallsDetected.Load(),
		"resumes", m.resumesAttempted.Load())
	return nil
}

func (m *Monitor) scanLoop(ctx context.Context) {
	defer close(m.done)

	ticker := time.NewTicker(m.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan checks every watched thread once. Exposed so tests and operators
// can force a pass without waiting for the ticker.
func (m *Monitor) Scan(ctx context.Context) {
	m.scansPerformed.Add(1)

	m.watchMu.Lock()
	ids := make([]string, 0, len(m.watched))
	for id := range m.watched {
		ids = append(ids, id)
	}
	m.watchMu.Unlock()

	for _, threadID := range ids {
		if ctx.Err() != nil {
			return
		}
		m.checkThread(ctx, threadID)
	}
}

func (m *Monitor) checkThread(ctx context.Context, threadID string) {
	st, err := m.store.Load(ctx, threadID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			// Deleted under us; nothing left to supervise.
			m.Unwatch(threadID)
			return
		}
		m.logger.Warn("Monitor failed to load checkpoint", "thread_id", threadID, "error", err)
		return
	}

	if st.Status != workflow.RunRunning {
		// Finished, suspended, or aborted: supervision is over. A
		// suspended thread resumes on an external decision, not a
		// heartbeat.
		m.Unwatch(threadID)
		return
	}

	age := time.Since(st.LastHeartbeat)
	if age < m.config.Staleness {
		return
	}

	// Heartbeats only move on step transitions, so a single long step
	// (one slow LLM call) goes quiet without meaning a stall. Resume
	// only threads no live executor owns.
	if m.registry != nil && m.registry.IsLive(threadID) {
		m.logger.Debug("Stale heartbeat on live thread, skipping",
			"thread_id", threadID,
			"heartbeat_age", age)
		return
	}

	m.stallsDetected.Add(1)

	m.watchMu.Lock()
	entry, ok := m.watched[threadID]
	if !ok {
		m.watchMu.Unlock()
		return
	}
	if entry.attempts >= m.config.MaxAttempts {
		m.watchMu.Unlock()
		m.logger.Error("Giving up on stalled thread",
			"thread_id", threadID,
			"attempts", entry.attempts,
			"heartbeat_age", age)
		m.Unwatch(threadID)
		return
	}
	entry.attempts++
	attempt := entry.attempts
	m.watchMu.Unlock()

	m.logger.Warn("Stalled thread detected, resuming",
		"thread_id", threadID,
		"heartbeat_age", age,
		"attempt", attempt)

	m.resumesAttempted.Add(1)
	if err := m.resume(ctx, threadID); err != nil {
		m.resumesFailed.Add(1)
		m.logger.Error("Resume failed", "thread_id", threadID, "attempt", attempt, "error", err)
	}
}

// Recoveries returns the number of resume attempts made.
func (m *Monitor) Recoveries() int64 {
	return m.resumesAttempted.Load()
}
