package schedule

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Parser accepts both 5-field and Quartz-style 6-field expressions (leading
// seconds), the "?" wildcard, and descriptors such as "@every 5s".
var Parser = cron.NewParser(
	cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor,
)

// CronScheduler implements Scheduler on top of robfig/cron.
type CronScheduler struct {
	cron     *cron.Cron
	dispatch DispatchFunc
	logger   *zap.Logger

	mu       sync.RWMutex
	entries  map[string]cron.EntryID
	started  bool
	stopped  bool
	stopOnce sync.Once
}

// NewCronScheduler builds a scheduler that calls dispatch on every trigger.
// Panics raised by dispatch are recovered and logged. A trigger that fires
// while the previous run of the same job is still in flight is skipped.
func NewCronScheduler(dispatch DispatchFunc, logger *zap.Logger) *CronScheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	adapter := cronLogger{sugar: logger.Sugar()}
	return &CronScheduler{
		cron: cron.New(
			cron.WithParser(Parser),
			cron.WithLogger(adapter),
			cron.WithChain(cron.Recover(adapter), cron.SkipIfStillRunning(adapter)),
		),
		dispatch: dispatch,
		logger:   logger,
		entries:  make(map[string]cron.EntryID),
	}
}

// Validate reports whether expr parses.
func Validate(expr string) error {
	if strings.TrimSpace(expr) == "" {
		return fmt.Errorf("%w: blank expression", ErrInvalidCron)
	}
	if _, err := Parser.Parse(expr); err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidCron, expr, err)
	}
	return nil
}

// Add registers job. The timer is live once Add returns nil.
func (s *CronScheduler) Add(job Job) error {
	if job.Name == "" {
		return fmt.Errorf("add job: name required")
	}
	if strings.TrimSpace(job.Cron) == "" {
		return fmt.Errorf("%w: blank expression", ErrInvalidCron)
	}
	sched, err := Parser.Parse(job.Cron)
	if err != nil {
		return fmt.Errorf("%w %q: %v", ErrInvalidCron, job.Cron, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if _, exists := s.entries[job.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.Name)
	}
	s.entries[job.Name] = s.cron.Schedule(sched, cron.FuncJob(func() {
		s.fire(job)
	}))
	s.logger.Debug("job scheduled",
		zap.String("job", job.Name),
		zap.String("kind", job.Kind.String()),
		zap.String("cron", job.Cron),
	)
	return nil
}

// Cancel removes the named job's timer. Triggers already in flight for the
// job observe the cancellation and do nothing.
func (s *CronScheduler) Cancel(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.entries[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrJobNotFound, name)
	}
	delete(s.entries, name)
	s.cron.Remove(id)
	return nil
}

// Names lists live job names in sorted order.
func (s *CronScheduler) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.entries))
	for name := range s.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Start begins firing triggers. Calling Start more than once is a no-op.
func (s *CronScheduler) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.stopped {
		return
	}
	s.started = true
	s.cron.Start()
}

// Shutdown cancels every job and waits for running triggers up to ctx.
func (s *CronScheduler) Shutdown(ctx context.Context) error {
	var waitCtx context.Context
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.stopped = true
		for name, id := range s.entries {
			s.cron.Remove(id)
			delete(s.entries, name)
		}
		s.mu.Unlock()
		waitCtx = s.cron.Stop()
	})
	if waitCtx == nil {
		return nil
	}
	select {
	case <-waitCtx.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("scheduler shutdown wait: %w", ctx.Err())
	}
}

func (s *CronScheduler) fire(job Job) {
	s.mu.RLock()
	_, live := s.entries[job.Name]
	s.mu.RUnlock()
	if !live || s.dispatch == nil {
		return
	}
	s.dispatch(job)
}

// cronLogger routes robfig/cron logging into zap.
type cronLogger struct {
	sugar *zap.SugaredLogger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, append(keysAndValues, "error", err)...)
}
