// Package spider implements the default crawl agent: it drains its partition
// of the engine's shared queue and fetches every request it receives.
package spider

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-engine/internal/crawler"
	"github.com/JakeFAU/spider-engine/internal/metrics"
)

// ErrAlreadyRunning is returned when Run is called on a spider that is running.
var ErrAlreadyRunning = errors.New("spider already running")

// PageHandler receives every successful fetch.
type PageHandler func(ctx context.Context, req crawler.Request, resp crawler.FetchResponse)

// Limiter paces fetches; see ratelimit.Limiter.
type Limiter interface {
	Wait(ctx context.Context, url string) error
}

// Config controls Spider behavior.
type Config struct {
	RespectRobots bool
	OnPage        PageHandler
	// Limiter is optional and may be shared between spiders.
	Limiter Limiter
}

// Spider is a crawler.Agent bound to a shared queue.
type Spider struct {
	name    string
	queue   crawler.Queue
	fetcher crawler.Fetcher
	cfg     Config
	logger  *zap.Logger

	pages    atomic.Int64
	failures atomic.Int64

	mu      sync.Mutex
	running bool
	stopped bool
	cancel  context.CancelFunc
}

// New constructs a Spider.
func New(name string, queue crawler.Queue, fetcher crawler.Fetcher, cfg Config, logger *zap.Logger) *Spider {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Spider{
		name:    name,
		queue:   queue,
		fetcher: fetcher,
		cfg:     cfg,
		logger:  logger.With(zap.String("spider", name)),
	}
}

// Name returns the spider's registry key.
func (s *Spider) Name() string {
	return s.name
}

// Run blocks, consuming requests until Stop is called, ctx ends, or the queue closes.
func (s *Spider) Run(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.cancel = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.cancel = nil
		s.mu.Unlock()
	}()

	s.logger.Info("spider started")
	for {
		req, err := s.queue.Poll(runCtx, s.name)
		if err != nil {
			if runCtx.Err() != nil || errors.Is(err, crawler.ErrQueueClosed) {
				s.logger.Info("spider stopped",
					zap.Int64("pages", s.pages.Load()),
					zap.Int64("failures", s.failures.Load()),
				)
				return nil
			}
			s.logger.Error("queue poll failed", zap.Error(err))
			continue
		}
		s.process(runCtx, req)
	}
}

// Stop requests a graceful halt. It never blocks.
func (s *Spider) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	if s.cancel != nil {
		s.cancel()
	}
}

// Stats reports page counters.
func (s *Spider) Stats() crawler.AgentStats {
	return crawler.AgentStats{
		Pages:    s.pages.Load(),
		Failures: s.failures.Load(),
	}
}

func (s *Spider) process(ctx context.Context, req crawler.Request) {
	if s.fetcher == nil {
		s.logger.Error("no fetcher configured", zap.String("url", req.URL))
		s.failures.Add(1)
		return
	}
	if s.cfg.Limiter != nil {
		if err := s.cfg.Limiter.Wait(ctx, req.URL); err != nil {
			return
		}
	}
	resp, err := s.fetcher.Fetch(ctx, crawler.FetchRequest{
		Spider:        s.name,
		URL:           req.URL,
		Depth:         req.Depth,
		Headers:       req.Header,
		RespectRobots: s.cfg.RespectRobots,
	})
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		s.failures.Add(1)
		metrics.ObserveCrawl(req.URL, "error", 0)
		s.logger.Warn("fetch failed", zap.String("url", req.URL), zap.Error(err))
		return
	}
	s.pages.Add(1)
	metrics.ObserveCrawl(req.URL, strconv.Itoa(resp.StatusCode), len(resp.Body))
	s.logger.Debug("page fetched",
		zap.String("url", req.URL),
		zap.Int("status", resp.StatusCode),
		zap.Duration("duration", resp.Duration),
	)
	if s.cfg.OnPage != nil {
		s.cfg.OnPage(ctx, req, resp)
	}
}
