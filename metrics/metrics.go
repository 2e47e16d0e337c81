// Package metrics exposes Prometheus collectors for the workflow engine.
// Counters are driven off the event bus so the executor never touches
// prometheus directly; gauges sample live state at scrape time.
package metrics

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/studio-ai/studio/events"
)

// Namespace prefixes every metric name.
const Namespace = "studio"

// Metrics owns the registry and the collectors.
type Metrics struct {
	Registry *prometheus.Registry

	StepsCompleted  *prometheus.CounterVec
	RunsFinished    *prometheus.CounterVec
	RunsSuspended   prometheus.Counter
	ApprovalEvents  *prometheus.CounterVec
	TokensEmitted   prometheus.Counter
	EventsCollected prometheus.Counter
}

// New creates the metric set on a fresh registry, including the standard
// Go runtime and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		Registry: reg,
		StepsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "steps_completed_total",
			Help:      "Workflow steps reaching a terminal status.",
		}, []string{"status"}),
		RunsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_finished_total",
			Help:      "Workflow runs reaching a final status.",
		}, []string{"status"}),
		RunsSuspended: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "runs_suspended_total",
			Help:      "Workflow runs suspended awaiting approval.",
		}),
		ApprovalEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "approval_events_total",
			Help:      "Approval lifecycle events.",
		}, []string{"action"}),
		TokensEmitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "agent_tokens_emitted_total",
			Help:      "Streamed LLM tokens forwarded to subscribers.",
		}),
		EventsCollected: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: Namespace,
			Name:      "bus_events_collected_total",
			Help:      "Bus events processed by the metrics collector.",
		}),
	}

	reg.MustRegister(
		m.StepsCompleted,
		m.RunsFinished,
		m.RunsSuspended,
		m.ApprovalEvents,
		m.TokensEmitted,
		m.EventsCollected,
	)
	return m
}

// Gauge registers a sampled gauge. f runs at scrape time, so it must be
// cheap and must not block.
func (m *Metrics) Gauge(name, help string, f func() float64) {
	m.Registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: Namespace,
		Name:      name,
		Help:      help,
	}, f))
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// Collector translates bus events into counter increments.
type Collector struct {
	bus     *events.Bus
	metrics *Metrics
	logger  *slog.Logger

	running bool
	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewCollector creates a collector over the given bus.
func NewCollector(bus *events.Bus, m *Metrics, logger *slog.Logger) *Collector {
	if logger == nil {
		logger = slog.Default()
	}
	return &Collector{
		bus:     bus,
		metrics: m,
		logger:  logger,
	}
}

// Start subscribes to all threads and begins counting.
func (c *Collector) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return fmt.Errorf("metrics collector already running")
	}
	c.running = true

	subCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()

	ch, unsubscribe := c.bus.Subscribe("")
	go c.collect(subCtx, ch, unsubscribe)

	c.logger.Info("Metrics collector started")
	return nil
}

// Stop unsubscribes and halts counting.
func (c *Collector) Stop() error {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return nil
	}
	c.running = false
	cancel := c.cancel
	done := c.done
	c.mu.Unlock()

	cancel()
	<-done

	c.logger.Info("Metrics collector stopped")
	return nil
}

func (c *Collector) collect(ctx context.Context, ch <-chan events.Event, unsubscribe func()) {
	defer close(c.done)
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			c.record(ev)
		}
	}
}

func (c *Collector) record(ev events.Event) {
	c.metrics.EventsCollected.Inc()

	switch ev.Type {
	case events.WorkflowStepCompleted:
		c.metrics.StepsCompleted.WithLabelValues("success").Inc()
	case events.WorkflowStepFailed:
		// The payload distinguishes a hard failure from a blocked verdict.
		status, _ := ev.Payload["status"].(string)
		if status == "" {
			status = "failed"
		}
		c.metrics.StepsCompleted.WithLabelValues(status).Inc()
	case events.WorkflowCompleted:
		status, _ := ev.Payload["status"].(string)
		if status == "" {
			status = "completed"
		}
		c.metrics.RunsFinished.WithLabelValues(status).Inc()
	case events.WorkflowAborted:
		c.metrics.RunsFinished.WithLabelValues("aborted").Inc()
	case events.WorkflowSuspended:
		c.metrics.RunsSuspended.Inc()
	case events.ApprovalCreated:
		c.metrics.ApprovalEvents.WithLabelValues("created").Inc()
	case events.ApprovalResolved:
		c.metrics.ApprovalEvents.WithLabelValues("resolved").Inc()
	case events.ApprovalExpired:
		c.metrics.ApprovalEvents.WithLabelValues("expired").Inc()
	case events.AgentTokenEmitted:
		c.metrics.TokensEmitted.Inc()
	}
}
