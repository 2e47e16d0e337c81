package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/studio-ai/studio/agent"
	"github.com/studio-ai/studio/approval"
	"github.com/studio-ai/studio/config"
	"github.com/studio-ai/studio/events"
	"github.com/studio-ai/studio/llm"
	"github.com/studio-ai/studio/metrics"
	"github.com/studio-ai/studio/monitor"
	"github.com/studio-ai/studio/operator"
	"github.com/studio-ai/studio/orchestrator"
	"github.com/studio-ai/studio/registry"
	"github.com/studio-ai/studio/storage"
)

// App is the main application that wires together all components.
type App struct {
	cfg    *config.Config
	logger *slog.Logger

	// NATS
	embeddedServer *server.Server
	natsConn       *nats.Conn
	js             jetstream.JetStream

	// Services
	bus          *events.Bus
	metrics      *metrics.Metrics
	collector    *metrics.Collector
	agents       *agent.Registry
	sweeper      *approval.Sweeper
	monitor      *monitor.Monitor
	orchestrator *orchestrator.Orchestrator
	httpServer   *http.Server

	forwardCancel context.CancelFunc
	watchCancel   context.CancelFunc
}

// NewApp creates a new application instance.
func NewApp(cfg *config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return &App{cfg: cfg, logger: logger}, nil
}

// Start initializes and starts all components.
func (a *App) Start(ctx context.Context) error {
	// Start NATS (embedded or connect to external)
	if err := a.startNATS(ctx); err != nil {
		return fmt.Errorf("start NATS: %w", err)
	}

	// Checkpoint and approval stores on JetStream KV
	store, err := storage.NewKVStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize checkpoint store: %w", err)
	}
	approvalStore, err := approval.NewKVStore(ctx, a.js)
	if err != nil {
		return fmt.Errorf("initialize approval store: %w", err)
	}

	// Event bus with cross-process fan-out
	a.bus = events.NewBus(a.logger)
	forwarder, err := events.NewForwarder(ctx, a.js, a.logger)
	if err != nil {
		return fmt.Errorf("initialize event forwarder: %w", err)
	}
	forwardCtx, forwardCancel := context.WithCancel(context.Background())
	a.forwardCancel = forwardCancel
	go forwarder.Run(forwardCtx, a.bus)

	// Metrics
	a.metrics = metrics.New()
	a.collector = metrics.NewCollector(a.bus, a.metrics, a.logger)
	if err := a.collector.Start(ctx); err != nil {
		return fmt.Errorf("start metrics collector: %w", err)
	}

	// Agent registry with hot reload
	a.agents = agent.NewRegistry()
	if agents, err := agent.LoadDir(a.cfg.Agents.Dir, a.logger); err != nil {
		a.logger.Warn("Agent directory unavailable", "dir", a.cfg.Agents.Dir, "error", err)
	} else {
		a.agents.Replace(agents)
		a.logger.Info("Loaded agent definitions", "dir", a.cfg.Agents.Dir, "count", len(agents))
	}
	if a.cfg.Agents.Watch {
		watchCtx, watchCancel := context.WithCancel(context.Background())
		a.watchCancel = watchCancel
		go func() {
			if err := agent.Watch(watchCtx, a.cfg.Agents.Dir, a.agents, a.logger); err != nil {
				a.logger.Warn("Agent watcher stopped", "error", err)
			}
		}()
	}

	// LLM client
	invoker, err := a.buildLLMClient()
	if err != nil {
		return fmt.Errorf("initialize LLM client: %w", err)
	}

	// Operator
	var op operator.Operator
	if a.cfg.Operator.Enabled {
		opCfg := operator.DefaultConfig()
		opCfg.Model = a.cfg.Operator.Model
		if opCfg.Model == "" {
			opCfg.Model = a.cfg.Model.Default
		}
		llmOp, err := operator.NewLLMOperator(invoker, opCfg, a.logger)
		if err != nil {
			return fmt.Errorf("initialize operator: %w", err)
		}
		op = llmOp
	}

	// Approvals
	approvals := approval.NewOrchestrator(approvalStore, a.bus, nil, a.logger)
	a.sweeper = approval.NewSweeper(approvals, a.cfg.Approvals.SweepInterval, a.logger)
	if err := a.sweeper.Start(ctx); err != nil {
		return fmt.Errorf("start approval sweeper: %w", err)
	}

	// Thread registry and orchestrator
	reg := registry.New(store, a.logger)
	a.orchestrator = &orchestrator.Orchestrator{
		Store:          store,
		Registry:       reg,
		Agents:         a.agents,
		Approvals:      approvals,
		Bus:            a.bus,
		LLM:            invoker,
		Operator:       op,
		MaxConcurrency: a.cfg.Engine.MaxConcurrency,
		Logger:         a.logger,
	}

	// Heartbeat monitor resumes stalled threads through the orchestrator
	a.monitor = monitor.New(store, reg, a.orchestrator.Resume, a.cfg.Monitor, a.logger)
	a.orchestrator.Monitor = a.monitor
	if err := a.monitor.Start(ctx); err != nil {
		return fmt.Errorf("start monitor: %w", err)
	}

	// Pick up threads orphaned by a previous process
	if err := a.orchestrator.RecoverStalled(ctx); err != nil {
		a.logger.Warn("Orphan recovery failed", "error", err)
	}

	a.registerGauges(reg, approvalStore)
	a.startHTTP(approvals)

	a.logger.Info("Components initialized")
	return nil
}

func (a *App) startNATS(ctx context.Context) error {
	if a.cfg.NATS.URL != "" && !a.cfg.NATS.Embedded {
		// Connect to external NATS
		a.logger.Info("Connecting to NATS", "url", a.cfg.NATS.URL)
		conn, err := nats.Connect(a.cfg.NATS.URL,
			nats.Name(appName),
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second))
		if err != nil {
			return fmt.Errorf("connect to NATS: %w", err)
		}
		a.natsConn = conn
	} else {
		// Start embedded NATS server
		a.logger.Info("Starting embedded NATS server")
		opts := &server.Options{
			Port:      -1, // Random available port
			JetStream: true,
			StoreDir:  a.cfg.NATS.StoreDir,
			NoLog:     true,
			NoSigs:    true,
		}
		if opts.StoreDir == "" {
			opts.StoreDir = defaultStoreDir()
		}

		ns, err := server.NewServer(opts)
		if err != nil {
			return fmt.Errorf("create embedded NATS server: %w", err)
		}

		go ns.Start()

		// Wait for server to be ready
		if !ns.ReadyForConnections(5 * time.Second) {
			ns.Shutdown()
			return fmt.Errorf("embedded NATS server failed to start")
		}

		a.embeddedServer = ns

		// Connect to embedded server
		conn, err := nats.Connect(ns.ClientURL())
		if err != nil {
			ns.Shutdown()
			return fmt.Errorf("connect to embedded NATS: %w", err)
		}
		a.natsConn = conn
	}

	// Get JetStream context
	js, err := jetstream.New(a.natsConn)
	if err != nil {
		return fmt.Errorf("create JetStream context: %w", err)
	}
	a.js = js

	return nil
}

func (a *App) buildLLMClient() (llm.Invoker, error) {
	retry := llm.DefaultRetryConfig()
	if a.cfg.Model.MaxRetries > 0 {
		retry.MaxAttempts = a.cfg.Model.MaxRetries + 1
	}

	timeout := a.cfg.Model.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	return llm.NewClient(a.cfg.Model.Provider, a.cfg.Model.Default, a.cfg.Model.Endpoint,
		llm.WithLogger(a.logger),
		llm.WithRetryConfig(retry),
		llm.WithHTTPClient(&http.Client{Timeout: timeout}))
}

func (a *App) registerGauges(reg *registry.Registry, approvalStore approval.Store) {
	a.metrics.Gauge("live_threads", "Workflow threads executing in this process.", func() float64 {
		return float64(reg.LiveCount())
	})
	a.metrics.Gauge("watched_threads", "Threads under heartbeat supervision.", func() float64 {
		return float64(a.monitor.Watched())
	})
	a.metrics.Gauge("pending_approvals", "Approvals awaiting a decision.", func() float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		pending, err := approvalStore.List(ctx)
		if err != nil {
			return 0
		}
		n := 0
		for _, ap := range pending {
			if ap.Status == approval.StatusPending {
				n++
			}
		}
		return float64(n)
	})
	a.metrics.Gauge("bus_subscribers", "Active event bus subscribers.", func() float64 {
		return float64(a.bus.SubscriberCount())
	})
}

func (a *App) startHTTP(approvals *approval.Orchestrator) {
	mux := http.NewServeMux()

	orchestrator.NewHTTPHandler(a.orchestrator, a.logger).RegisterHTTPHandlers("/api", mux)
	approval.NewHTTPHandler(approvals, a.logger).RegisterHTTPHandlers("/api/approvals", mux)
	events.NewStreamHandler(a.bus, a.logger).RegisterHTTPHandlers("/api/events", mux)

	mux.Handle("GET /metrics", a.metrics.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"status":"ok","version":%q}`, Version)
	})

	a.httpServer = &http.Server{
		Addr:    a.cfg.Server.Addr,
		Handler: mux,
	}

	go func() {
		a.logger.Info("HTTP server listening", "addr", a.cfg.Server.Addr)
		if err := a.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", "error", err)
		}
	}()
}

// Shutdown gracefully stops all components.
func (a *App) Shutdown(timeout time.Duration) {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if a.httpServer != nil {
		if err := a.httpServer.Shutdown(ctx); err != nil {
			a.logger.Warn("HTTP shutdown error", "error", err)
		}
	}
	if a.monitor != nil {
		_ = a.monitor.Stop()
	}
	if a.sweeper != nil {
		_ = a.sweeper.Stop()
	}
	if a.collector != nil {
		_ = a.collector.Stop()
	}
	if a.watchCancel != nil {
		a.watchCancel()
	}
	if a.forwardCancel != nil {
		a.forwardCancel()
	}

	// Close NATS connection
	if a.natsConn != nil {
		_ = a.natsConn.Drain()
		a.natsConn.Close()
	}

	// Shutdown embedded server
	if a.embeddedServer != nil {
		a.embeddedServer.Shutdown()
		a.embeddedServer.WaitForShutdown()
	}
}

func defaultStoreDir() string {
	cache, err := os.UserCacheDir()
	if err != nil {
		return ""
	}
	return cache + "/studio/jetstream"
}
