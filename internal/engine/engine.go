// Package engine orchestrates a set of named spiders: it owns their registry,
// their cron jobs, their concurrent launch, and their coordinated shutdown.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/spider-engine/internal/config"
	"github.com/JakeFAU/spider-engine/internal/crawler"
	collyfetcher "github.com/JakeFAU/spider-engine/internal/fetcher/colly"
	"github.com/JakeFAU/spider-engine/internal/metrics"
	"github.com/JakeFAU/spider-engine/internal/queue/memory"
	"github.com/JakeFAU/spider-engine/internal/schedule"
	"github.com/JakeFAU/spider-engine/internal/spider"
)

const defaultStopTimeout = 5 * time.Second

// AgentFactory builds a spider bound to the engine's shared queue.
type AgentFactory func(name string, queue crawler.Queue) crawler.Agent

// SchedulerFactory builds the trigger engine around the engine's dispatch callback.
type SchedulerFactory func(dispatch schedule.DispatchFunc, logger *zap.Logger) schedule.Scheduler

// Consumer is an inbound request source started by Run and closed by Shutdown.
type Consumer interface {
	Start(ctx context.Context) error
	Close() error
}

// Monitor serves the status surface.
type Monitor interface {
	Start(port int) error
	Shutdown(ctx context.Context) error
}

// Options wires an Engine's collaborators. Zero values select defaults.
type Options struct {
	Config    config.EngineConfig
	Queue     crawler.Queue
	Factory   AgentFactory
	Scheduler SchedulerFactory
	Logger    *zap.Logger
}

type engineState int32

const (
	stateIdle engineState = iota
	stateRunning
	stateStopping
	stateStopped
)

func (s engineState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// Engine is the crawl orchestrator.
type Engine struct {
	cfg       config.EngineConfig
	logger    *zap.Logger
	queue     crawler.Queue
	factory   AgentFactory
	scheduler schedule.Scheduler

	agents *agentRegistry
	jobs   *jobRegistry
	jobSeq atomic.Uint64
	state  atomic.Int32

	// ctx is shared by every spider's Run and every trigger's push, and is
	// cancelled by Shutdown before it waits on the scheduler.
	ctx             context.Context
	cancel          context.CancelFunc
	group           errgroup.Group
	dispatchTimeout time.Duration

	mu             sync.Mutex
	proxyJobs      map[string]struct{}
	proxy          crawler.ProxySource
	publisher      crawler.RegistryPublisher
	provider       crawler.ProviderInfo
	consumers      []Consumer
	monitor        Monitor
	monitorPort    int
	monitorRunning bool
}

// New constructs an idle Engine.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("engine")

	cfg := opts.Config
	if cfg.Port <= 0 {
		cfg.Port = config.DefaultPort
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = defaultStopTimeout
	}

	queue := opts.Queue
	if queue == nil {
		queue = memory.NewQueue(cfg.QueueDepth)
	}

	factory := opts.Factory
	if factory == nil {
		factory = defaultFactory(logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		queue:     queue,
		factory:   factory,
		agents:    newAgentRegistry(),
		jobs:      newJobRegistry(),
		ctx:       ctx,
		cancel:    cancel,
		proxyJobs: make(map[string]struct{}),

		dispatchTimeout: dispatchTimeout,
	}
	if opts.Scheduler != nil {
		e.scheduler = opts.Scheduler(e.dispatch, logger)
	} else {
		e.scheduler = schedule.NewCronScheduler(e.dispatch, logger.Named("scheduler"))
	}
	metrics.Init()
	return e
}

func defaultFactory(logger *zap.Logger) AgentFactory {
	fetcher := collyfetcher.New(collyfetcher.Config{})
	return func(name string, queue crawler.Queue) crawler.Agent {
		return spider.New(name, queue, fetcher, spider.Config{}, logger)
	}
}

// Queue returns the shared work queue.
func (e *Engine) Queue() crawler.Queue {
	return e.queue
}

// AddAgent registers agent. A name that is already taken leaves the registry
// unchanged and returns ErrAgentExists. Agents added while the engine is
// running are launched immediately.
func (e *Engine) AddAgent(agent crawler.Agent) error {
	if agent == nil {
		return ErrNilAgent
	}
	if e.stopping() {
		return ErrEngineStopped
	}
	entry, ok := e.agents.register(agent)
	if !ok {
		return fmt.Errorf("add %q: %w", agent.Name(), ErrAgentExists)
	}
	e.logger.Info("spider registered", zap.String("spider", entry.name))
	e.launchIfRunning(entry)
	return nil
}

// CreateAgent builds a spider named name through the engine's factory and
// registers it.
func (e *Engine) CreateAgent(name string) (crawler.Agent, error) {
	if strings.TrimSpace(name) == "" {
		return nil, ErrInvalidAgentName
	}
	if e.stopping() {
		return nil, ErrEngineStopped
	}
	entry, ok := e.agents.create(name, func() crawler.Agent {
		return e.factory(name, e.queue)
	})
	if !ok {
		return nil, fmt.Errorf("create %q: %w", name, ErrAgentExists)
	}
	e.logger.Info("spider created", zap.String("spider", name))
	e.launchIfRunning(entry)
	return entry.agent, nil
}

// Agent looks up a registered spider.
func (e *Engine) Agent(name string) (crawler.Agent, bool) {
	entry, ok := e.agents.get(name)
	if !ok {
		return nil, false
	}
	return entry.agent, true
}

// Agents lists registered spider names in sorted order.
func (e *Engine) Agents() []string {
	return e.agents.names()
}

// StopAgent sends the named spider its single Stop call.
func (e *Engine) StopAgent(name string) error {
	entry, ok := e.agents.get(name)
	if !ok {
		return fmt.Errorf("stop %q: %w", name, ErrUnknownAgent)
	}
	if _, err := entry.stop(); err != nil {
		return fmt.Errorf("stop %q: %w", name, err)
	}
	e.logger.Info("spider stop requested", zap.String("spider", name))
	return nil
}

// StopAgents sends every registered spider its single Stop call without
// waiting for them to exit.
func (e *Engine) StopAgents() {
	for _, entry := range e.agents.list() {
		if _, err := entry.stop(); err != nil {
			e.logger.Error("spider stop failed", zap.String("spider", entry.name), zap.Error(err))
		}
	}
}

// Submit pushes an ad-hoc request to its spider's queue partition. It reports
// false when the duplicate filter dropped the request.
func (e *Engine) Submit(ctx context.Context, req crawler.Request) (bool, error) {
	if _, ok := e.agents.get(req.Spider); !ok {
		return false, fmt.Errorf("submit %q: %w", req.Spider, ErrUnknownAgent)
	}
	accepted, err := e.queue.Push(ctx, req)
	if err != nil {
		return false, fmt.Errorf("submit %q: %w", req.Spider, err)
	}
	if accepted {
		metrics.ObserveDispatch(req.Spider, "submit")
	}
	return accepted, nil
}

// SetProxySource attaches the proxy pool used by AddProxies and refresh jobs.
func (e *Engine) SetProxySource(src crawler.ProxySource) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.proxy = src
}

func (e *Engine) proxySource() crawler.ProxySource {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proxy
}

// AddProxies seeds the attached proxy source.
func (e *Engine) AddProxies(proxies []crawler.Proxy) error {
	src := e.proxySource()
	if src == nil {
		return ErrNoProxySource
	}
	if err := src.AddProxies(proxies); err != nil {
		return fmt.Errorf("add proxies: %w", err)
	}
	return nil
}

// StartProxyPool performs one synchronous refresh of the proxy source from
// sources. A nil map is a no-op.
func (e *Engine) StartProxyPool(ctx context.Context, sources map[string]string) error {
	if sources == nil {
		return nil
	}
	src := e.proxySource()
	if src == nil {
		return ErrNoProxySource
	}
	if err := src.Refresh(ctx, sources); err != nil {
		return fmt.Errorf("start proxy pool: %w", err)
	}
	return nil
}

// SetRegistry attaches the discovery publisher invoked once by Run. A blank
// provider ID is replaced with a random one.
func (e *Engine) SetRegistry(publisher crawler.RegistryPublisher, provider crawler.ProviderInfo) {
	if provider.ID == "" {
		provider.ID = uuid.NewString()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.publisher = publisher
	e.provider = provider
}

// RegisterConsumers attaches inbound request sources started by Run.
func (e *Engine) RegisterConsumers(consumers ...Consumer) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range consumers {
		if c != nil {
			e.consumers = append(e.consumers, c)
		}
	}
}

// SetMonitor attaches the status server used by Httpd and Run.
func (e *Engine) SetMonitor(m Monitor) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.monitor = m
}

// Httpd starts the monitor on port. A non-positive port uses the configured one.
func (e *Engine) Httpd(port int) error {
	if port <= 0 {
		port = e.cfg.Port
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.monitor == nil {
		return ErrNoMonitor
	}
	if e.monitorRunning {
		return nil
	}
	if err := e.monitor.Start(port); err != nil {
		return fmt.Errorf("start monitor on %d: %w", port, err)
	}
	e.monitorRunning = true
	e.monitorPort = port
	e.logger.Info("monitor listening", zap.Int("port", port))
	return nil
}

// CloseHTTPServer stops the monitor if it is serving.
func (e *Engine) CloseHTTPServer(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.monitorRunning {
		return nil
	}
	e.monitorRunning = false
	if err := e.monitor.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop monitor: %w", err)
	}
	return nil
}

// Run announces the engine, starts consumers and triggers, and launches every
// registered spider concurrently. It returns once everything is started.
func (e *Engine) Run(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(stateIdle), int32(stateRunning)) {
		if e.stopping() {
			return ErrEngineStopped
		}
		return ErrAlreadyRunning
	}

	names := e.agents.names()
	e.logger.Info("spider engine starting",
		zap.Int("spiders", len(names)),
		zap.Strings("names", names),
		zap.Int("jobs", e.jobs.len()),
		zap.Bool("use_monitor", e.cfg.UseMonitor),
	)

	if e.cfg.UseMonitor {
		switch err := e.Httpd(e.cfg.Port); {
		case errors.Is(err, ErrNoMonitor):
			e.logger.Debug("use_monitor set without an attached monitor")
		case err != nil:
			e.state.Store(int32(stateIdle))
			return err
		}
	}

	e.publish(ctx)
	e.startConsumers()
	e.scheduler.Start()
	e.launchAll()
	return nil
}

func (e *Engine) publish(ctx context.Context) {
	e.mu.Lock()
	publisher, provider, port := e.publisher, e.provider, e.monitorPort
	e.mu.Unlock()
	if publisher == nil || provider.Name == "" {
		return
	}
	if port == 0 {
		port = e.cfg.Port
	}
	if err := publisher.Register(ctx, provider, port); err != nil {
		e.logger.Warn("registry publish failed", zap.String("provider", provider.Name), zap.Error(err))
		return
	}
	e.logger.Info("registered with discovery",
		zap.String("provider", provider.Name),
		zap.String("id", provider.ID),
		zap.Int("port", port),
	)
}

func (e *Engine) startConsumers() {
	e.mu.Lock()
	consumers := append([]Consumer(nil), e.consumers...)
	e.mu.Unlock()
	for _, c := range consumers {
		if err := c.Start(e.ctx); err != nil {
			e.logger.Warn("consumer start failed", zap.Error(err))
		}
	}
}

func (e *Engine) stopping() bool {
	s := engineState(e.state.Load())
	return s == stateStopping || s == stateStopped
}
