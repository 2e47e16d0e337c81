package approval

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// DefaultSweepInterval is how often the background sweep runs.
const DefaultSweepInterval = 30 * time.Second

// Sweeper periodically runs ProcessExpired so approvals time out even
// when nobody calls the sweep endpoint.
type Sweeper struct {
	orchestrator *Orchestrator
	interval     time.Duration
	logger       *slog.Logger

	// Lifecycle
	running   bool
	startTime time.Time
	mu        sync.RWMutex
	cancel    context.CancelFunc
	done      chan struct{}

	// Metrics
	sweepsPerformed  atomic.Int64
	approvalsExpired atomic.Int64
	lastSweepMu      sync.RWMutex
	lastSweep        time.Time
}

// NewSweeper creates the sweep loop. interval <= 0 uses the default.
func NewSweeper(orchestrator *Orchestrator, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		orchestrator: orchestrator,
		interval:     interval,
		logger:       logger,
	}
}

// Start begins the sweep loop.
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("sweeper already running")
	}
	s.running = true
	s.startTime = time.Now()

	subCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.mu.Unlock()

	go s.sweepLoop(subCtx)

	s.logger.Info("Approval sweeper started", "interval", s.interval)
	return nil
}

// Stop halts the sweep loop and waits for the current sweep to finish.
func (s *Sweeper) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	done := s.done
	s.mu.Unlock()

	cancel()
	<-done

	s.logger.Info("Approval sweeper stopped",
		"sweeps", s.sweepsPerformed.Load(),
		"expired", s.approvalsExpired.Load())
	return nil
}

func (s *Sweeper) sweepLoop(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Run immediately on start
	s.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	s.sweepsPerformed.Add(1)
	s.lastSweepMu.Lock()
	s.lastSweep = time.Now()
	s.lastSweepMu.Unlock()

	n, err := s.orchestrator.ProcessExpired(ctx)
	if err != nil {
		if ctx.Err() == nil {
			s.logger.Warn("Approval sweep failed", "error", err)
		}
		return
	}
	if n > 0 {
		s.approvalsExpired.Add(int64(n))
		s.logger.Info("Approval sweep expired approvals", "count", n)
	}
}

// Expired returns the total approvals transitioned by the sweep loop.
func (s *Sweeper) Expired() int64 {
	return s.approvalsExpired.Load()
}
