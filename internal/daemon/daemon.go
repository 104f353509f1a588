package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/realty/internal/config"
	"github.com/harun/realty/internal/logger"
	"github.com/harun/realty/internal/observability"
	"github.com/harun/realty/internal/tracing"
	"github.com/harun/realty/pkg/agent"
	"github.com/harun/realty/pkg/classifier"
	"github.com/harun/realty/pkg/commandqueue"
	"github.com/harun/realty/pkg/dispatch"
	"github.com/harun/realty/pkg/gateway"
	"github.com/harun/realty/pkg/router"
	"github.com/harun/realty/pkg/session"
)

// Daemon owns every long-lived component of the realty service
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	queue       *commandqueue.CommandQueue
	store       *session.Store
	source      *classifier.Source
	watcher     *classifier.Watcher
	dispatcher  *dispatch.Dispatcher
	coordinator *router.Coordinator

	// Services
	gatewayServer *gateway.Server

	// Internal
	eventLoop *EventLoop
	lifecycle *LifecycleManager
	serveErr  chan error

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

type options struct {
	providers agent.ProviderSource
	agents    map[classifier.Category]agent.Agent
}

// Option customizes how New builds the daemon.
type Option func(*options)

// WithProviders replaces the SDK-backed provider factory.
func WithProviders(p agent.ProviderSource) Option {
	return func(o *options) { o.providers = p }
}

// WithAgents binds the given agents instead of building LLM agents from
// the config. No AI profile is required then.
func WithAgents(table map[classifier.Category]agent.Agent) Option {
	return func(o *options) { o.agents = table }
}

// New creates a new daemon instance
func New(cfg *config.Config, log *logger.Logger, opts ...Option) (*Daemon, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()

	d := &Daemon{
		config:   cfg,
		logger:   log,
		ctx:      ctx,
		cancel:   cancel,
		serveErr: make(chan error, 1),
	}

	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, cfg.Tracing.SampleRatio); err != nil {
			log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			log.Info().Msg("Tracing initialized successfully")
		}
	}

	if err := d.initializeCoreModules(o); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize core modules: %w", err)
	}

	if err := d.initializeServices(); err != nil {
		d.abort()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	d.eventLoop = NewEventLoop(d)
	d.lifecycle = NewLifecycleManager(d)

	return d, nil
}

func (d *Daemon) abort() {
	d.cancel()
	if d.queue != nil {
		_ = d.queue.Close()
	}
	if d.watcher != nil {
		_ = d.watcher.Stop()
	}
	if d.store != nil {
		_ = d.store.Close()
	}
	if d.tracingEnabled {
		_ = tracing.ShutdownOpenTelemetry(context.Background())
		d.tracingEnabled = false
	}
}

// initializeCoreModules builds the session store, classifier, agents,
// dispatcher and coordinator in dependency order
func (d *Daemon) initializeCoreModules(o *options) error {
	if err := os.MkdirAll(d.config.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	d.queue = commandqueue.New()
	d.logger.Info().Msg("Command queue initialized")

	auditPath := filepath.Join(d.config.DataDir, "audit.log")
	if err := observability.InitAuditLogger(auditPath); err != nil {
		d.logger.Warn().Err(err).Msg("Failed to initialize audit logger, using default stderr")
	} else {
		d.logger.Info().Str("path", auditPath).Msg("Audit logger initialized")
	}

	if d.config.Sessions.Backend != "jsonl" {
		if err := os.MkdirAll(filepath.Dir(d.config.Sessions.Path), 0755); err != nil {
			return fmt.Errorf("failed to create session store directory: %w", err)
		}
	}
	backend, err := session.Open(d.config.Sessions.Backend, d.config.Sessions.Path)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	d.store = session.NewStore(backend)
	d.logger.Info().
		Str("backend", d.config.Sessions.Backend).
		Str("path", d.config.Sessions.Path).
		Msg("Session store initialized")

	c, err := BuildClassifier(d.config)
	if err != nil {
		return fmt.Errorf("failed to build classifier: %w", err)
	}
	d.source = classifier.NewSource(c)
	d.logger.Info().
		Int("rules", len(c.Rules())).
		Str("fallback", string(c.Fallback())).
		Msg("Classifier initialized")

	table := o.agents
	if table == nil {
		if err := d.config.RequireProviders(); err != nil {
			return err
		}
		table, err = buildAgents(d.config, o.providers, d.logger.GetZerolog())
		if err != nil {
			return fmt.Errorf("failed to build agents: %w", err)
		}
	}
	d.dispatcher, err = dispatch.New(table)
	if err != nil {
		return fmt.Errorf("failed to create dispatcher: %w", err)
	}
	if err := d.checkBindings(c); err != nil {
		return err
	}
	d.logger.Info().Int("agents", len(table)).Msg("Dispatcher initialized")

	if d.config.Classifier.Watch && d.config.Classifier.RulesFile != "" {
		watcher, err := classifier.NewWatcher(classifier.WatcherConfig{
			Path:     d.config.Classifier.RulesFile,
			Source:   d.source,
			Validate: d.checkBindings,
		})
		if err != nil {
			return fmt.Errorf("failed to create rules watcher: %w", err)
		}
		d.watcher = watcher
	}

	zl := d.logger.GetZerolog()
	d.coordinator, err = router.New(router.Config{
		Classifier:     d.source,
		Sessions:       d.store,
		Dispatcher:     d.dispatcher,
		Queue:          d.queue,
		Logger:         &zl,
		QueueWarnAfter: 30 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create coordinator: %w", err)
	}

	return nil
}

// initializeServices builds the HTTP gateway
func (d *Daemon) initializeServices() error {
	rateLimit := 0
	if d.config.Server.RateLimit.Enabled {
		rateLimit = d.config.Server.RateLimit.Requests
	}

	zl := d.logger.GetZerolog()
	server, err := gateway.NewServer(gateway.Config{
		Host:           d.config.Server.Host,
		Port:           d.config.Server.Port,
		AllowedOrigins: d.config.Server.AllowedOrigins,
		RequestTimeout: time.Duration(d.config.Server.RequestTimeout) * time.Second,
		RateLimit:      rateLimit,
		RateWindow:     time.Duration(d.config.Server.RateLimit.WindowSeconds) * time.Second,
		TrustProxy:     d.config.Server.TrustProxy,
		Handler:        d.coordinator,
		Sessions:       d.store,
		Logger:         &zl,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway server: %w", err)
	}
	d.gatewayServer = server
	return nil
}

// checkBindings rejects a classifier that can produce a category with no
// agent behind it.
func (d *Daemon) checkBindings(c *classifier.Classifier) error {
	for _, category := range c.Categories() {
		if _, ok := d.dispatcher.AgentFor(category); !ok {
			return fmt.Errorf("no agent bound to category %s", category)
		}
	}
	return nil
}

// Start starts all services without blocking
func (d *Daemon) Start() error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Starting realty daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if d.watcher != nil {
		if err := d.watcher.Start(); err != nil {
			logger.Warn().Err(err).Msg("Failed to start rules watcher")
		} else {
			logger.Info().Str("path", d.config.Classifier.RulesFile).Msg("Rules watcher started")
		}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.gatewayServer.Start(); err != nil {
			logger.Error().Err(err).Msg("Gateway server error")
			d.serveErr <- err
		}
	}()
	logger.Info().Msg("Gateway server started")

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop.Run(d.ctx)
	}()

	logger.Info().Msg("Daemon started successfully")
	return nil
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Stop drains in-flight requests and releases every resource
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	logger := d.logger.GetZerolog().With().Str("trace_id", traceID).Logger()
	logger.Info().Msg("Stopping realty daemon")

	timeout := time.Duration(d.config.Server.ShutdownTimeout) * time.Second
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := d.gatewayServer.Stop(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Failed to stop gateway server")
	}

	d.eventLoop.HandleShutdown()
	if err := d.queue.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close command queue")
	}
	logger.Info().Msg("Command queue stopped")

	if d.watcher != nil {
		if err := d.watcher.Stop(); err != nil {
			logger.Error().Err(err).Msg("Failed to stop rules watcher")
		}
	}

	d.cancel()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("All goroutines stopped")
	case <-time.After(5 * time.Second):
		logger.Warn().Msg("Timeout waiting for goroutines to stop")
	}

	if err := d.lifecycle.Stop(); err != nil {
		logger.Error().Err(err).Msg("Failed to stop lifecycle manager")
	}

	if err := d.store.Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close session store")
	}

	if d.tracingEnabled {
		tracingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(tracingCtx); err != nil {
			logger.Error().Err(err).Msg("Failed to shutdown tracing")
		}
		cancel()
		d.tracingEnabled = false
	}

	if err := observability.GetAuditLogger().Close(); err != nil {
		logger.Error().Err(err).Msg("Failed to close audit logger")
	}

	logger.Info().Msg("Daemon stopped successfully")
	return nil
}

// Run starts the daemon and blocks until ctx ends, SIGINT or SIGTERM
// arrives, or the gateway fails. It always stops the daemon before
// returning.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var serveErr error
	select {
	case <-sigCtx.Done():
		d.logger.Info().Msg("Shutdown signal received")
	case serveErr = <-d.serveErr:
	}

	if err := d.Stop(); err != nil {
		return errors.Join(serveErr, err)
	}
	return serveErr
}

// Status represents daemon status
type Status struct {
	Running   bool
	Uptime    time.Duration
	StartTime time.Time
	Sessions  int
}

// Status returns the current daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running:  d.running,
		Sessions: d.store.Len(),
	}

	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
	}

	return status
}

// GetConfig returns the daemon configuration
func (d *Daemon) GetConfig() *config.Config {
	return d.config
}

// GetCoordinator returns the request coordinator
func (d *Daemon) GetCoordinator() *router.Coordinator {
	return d.coordinator
}

// GetSessionStore returns the session store
func (d *Daemon) GetSessionStore() *session.Store {
	return d.store
}

// GetClassifier returns the live classifier source
func (d *Daemon) GetClassifier() *classifier.Source {
	return d.source
}

// GetGatewayServer returns the HTTP gateway
func (d *Daemon) GetGatewayServer() *gateway.Server {
	return d.gatewayServer
}

// GetQueue returns the command queue
func (d *Daemon) GetQueue() *commandqueue.CommandQueue {
	return d.queue
}
