package engine

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-engine/internal/config"
	"github.com/JakeFAU/spider-engine/internal/crawler"
	"github.com/JakeFAU/spider-engine/internal/schedule"
)

// fakeAgent blocks in Run until stopped and counts every call.
type fakeAgent struct {
	name       string
	ignoreStop bool
	runFn      func(ctx context.Context) error

	runs    atomic.Int32
	stops   atomic.Int32
	started chan struct{}
	halt    chan struct{}
	once    sync.Once
	start   sync.Once
}

func newFakeAgent(name string) *fakeAgent {
	return &fakeAgent{
		name:    name,
		started: make(chan struct{}),
		halt:    make(chan struct{}),
	}
}

func (a *fakeAgent) Name() string { return a.name }

func (a *fakeAgent) Run(ctx context.Context) error {
	a.runs.Add(1)
	a.start.Do(func() { close(a.started) })
	if a.runFn != nil {
		return a.runFn(ctx)
	}
	if a.ignoreStop {
		<-ctx.Done()
		return ctx.Err()
	}
	select {
	case <-a.halt:
	case <-ctx.Done():
	}
	return nil
}

func (a *fakeAgent) Stop() {
	a.stops.Add(1)
	a.once.Do(func() { close(a.halt) })
}

func (a *fakeAgent) Stats() crawler.AgentStats {
	return crawler.AgentStats{Pages: 3, Failures: 1}
}

// fakeScheduler records jobs and fires them on demand.
type fakeScheduler struct {
	mu        sync.Mutex
	dispatch  schedule.DispatchFunc
	jobs      map[string]schedule.Job
	started   bool
	shutdowns int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{jobs: make(map[string]schedule.Job)}
}

func (s *fakeScheduler) factory(dispatch schedule.DispatchFunc, _ *zap.Logger) schedule.Scheduler {
	s.dispatch = dispatch
	return s
}

func (s *fakeScheduler) Add(job schedule.Job) error {
	if err := schedule.Validate(job.Cron); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[job.Name]; ok {
		return schedule.ErrDuplicateJob
	}
	s.jobs[job.Name] = job
	return nil
}

func (s *fakeScheduler) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[name]; !ok {
		return schedule.ErrJobNotFound
	}
	delete(s.jobs, name)
	return nil
}

func (s *fakeScheduler) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	names := make([]string, 0, len(s.jobs))
	for name := range s.jobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *fakeScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = true
}

func (s *fakeScheduler) Shutdown(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdowns++
	return nil
}

// Fire triggers name the way a timer would; cancelled jobs are skipped.
func (s *fakeScheduler) Fire(name string) bool {
	s.mu.Lock()
	job, ok := s.jobs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.dispatch(job)
	return true
}

func (s *fakeScheduler) job(name string) (schedule.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[name]
	return job, ok
}

type fakeProxySource struct {
	mu        sync.Mutex
	added     [][]crawler.Proxy
	refreshes []map[string]string
	err       error
}

func (p *fakeProxySource) AddProxies(proxies []crawler.Proxy) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.added = append(p.added, proxies)
	return nil
}

func (p *fakeProxySource) Refresh(_ context.Context, sources map[string]string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.refreshes = append(p.refreshes, sources)
	return nil
}

func (p *fakeProxySource) refreshCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.refreshes)
}

type publishCall struct {
	provider crawler.ProviderInfo
	port     int
}

type fakePublisher struct {
	mu    sync.Mutex
	calls []publishCall
}

func (p *fakePublisher) Register(_ context.Context, provider crawler.ProviderInfo, port int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, publishCall{provider: provider, port: port})
	return nil
}

type fakeConsumer struct {
	starts atomic.Int32
	closes atomic.Int32
	ctx    context.Context
}

func (c *fakeConsumer) Start(ctx context.Context) error {
	c.ctx = ctx
	c.starts.Add(1)
	return nil
}

func (c *fakeConsumer) Close() error {
	c.closes.Add(1)
	return nil
}

type fakeMonitor struct {
	mu        sync.Mutex
	ports     []int
	shutdowns int
	startErr  error
}

func (m *fakeMonitor) Start(port int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.startErr != nil {
		return m.startErr
	}
	m.ports = append(m.ports, port)
	return nil
}

func (m *fakeMonitor) Shutdown(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.shutdowns++
	return nil
}

// newTestEngine builds an Engine over a fake scheduler with a short stop timeout.
func newTestEngine(t *testing.T, cfg config.EngineConfig) (*Engine, *fakeScheduler) {
	t.Helper()
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 200 * time.Millisecond
	}
	sched := newFakeScheduler()
	e := New(Options{
		Config:    cfg,
		Scheduler: sched.factory,
		Factory: func(name string, _ crawler.Queue) crawler.Agent {
			return newFakeAgent(name)
		},
		Logger: zap.NewNop(),
	})
	return e, sched
}

func waitStarted(t *testing.T, agents ...*fakeAgent) {
	t.Helper()
	for _, a := range agents {
		select {
		case <-a.started:
		case <-time.After(2 * time.Second):
			t.Fatalf("spider %s never started", a.name)
		}
	}
}
