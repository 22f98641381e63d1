package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-engine/internal/crawler"
	"github.com/JakeFAU/spider-engine/internal/metrics"
	"github.com/JakeFAU/spider-engine/internal/schedule"
)

// Job name prefixes. Both share one counter so names never collide.
const (
	spiderJobPrefix = "spider-job-"
	proxyJobPrefix  = "proxy-pool-job-"
)

const (
	proxyRefreshTimeout = time.Minute
	// dispatchTimeout bounds one trigger's push of its batch.
	dispatchTimeout = 30 * time.Second
)

// ScheduledJob is a cron-triggered batch of requests bound to one spider.
type ScheduledJob struct {
	Name         string
	Group        string
	Trigger      string
	TriggerGroup string
	Spider       string
	Cron         string
	CreatedAt    time.Time

	requests []crawler.Request
}

// Requests returns a copy of the job's batch.
func (j *ScheduledJob) Requests() []crawler.Request {
	out := make([]crawler.Request, len(j.requests))
	for i, req := range j.requests {
		out[i] = req.Clone()
	}
	return out
}

// jobRegistry holds live spider jobs by name.
type jobRegistry struct {
	mu   sync.RWMutex
	jobs map[string]*ScheduledJob
}

func newJobRegistry() *jobRegistry {
	return &jobRegistry{jobs: make(map[string]*ScheduledJob)}
}

func (r *jobRegistry) put(job *ScheduledJob) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.jobs[job.Name] = job
}

func (r *jobRegistry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.jobs[name]; !ok {
		return false
	}
	delete(r.jobs, name)
	return true
}

func (r *jobRegistry) get(name string) (*ScheduledJob, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	job, ok := r.jobs[name]
	return job, ok
}

func (r *jobRegistry) list() []*ScheduledJob {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ScheduledJob, 0, len(r.jobs))
	for _, job := range r.jobs {
		out = append(out, job)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (r *jobRegistry) len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.jobs)
}

// ScheduleJob binds a batch of requests to spider and registers a cron trigger
// that pushes the batch to the shared queue on every fire. Every stored request
// bypasses the duplicate filter so the batch is re-crawled on each trigger.
func (e *Engine) ScheduleJob(spider, cronExpr string, requests ...crawler.Request) (*ScheduledJob, error) {
	if e.stopping() {
		return nil, ErrEngineStopped
	}
	if _, ok := e.agents.get(spider); !ok {
		return nil, fmt.Errorf("%w: %w %q", ErrInvalidJobRequest, ErrUnknownAgent, spider)
	}
	if strings.TrimSpace(cronExpr) == "" {
		return nil, fmt.Errorf("%w: blank cron expression", ErrInvalidJobRequest)
	}
	if len(requests) == 0 {
		return nil, fmt.Errorf("%w: empty request batch", ErrInvalidJobRequest)
	}

	batch := make([]crawler.Request, len(requests))
	for i, req := range requests {
		cp := req.Clone()
		cp.Spider = spider
		cp.CheckDuplicate = false
		batch[i] = cp
	}

	job := &ScheduledJob{
		Name:         e.nextJobName(spiderJobPrefix),
		Group:        schedule.DefaultGroup,
		Trigger:      schedule.DefaultTrigger,
		TriggerGroup: schedule.DefaultTriggerGroup,
		Spider:       spider,
		Cron:         cronExpr,
		CreatedAt:    time.Now().UTC(),
		requests:     batch,
	}

	// The registry entry exists before the timer so the first trigger sees it.
	e.jobs.put(job)
	err := e.scheduler.Add(schedule.Job{
		Name:         job.Name,
		Group:        job.Group,
		Trigger:      job.Trigger,
		TriggerGroup: job.TriggerGroup,
		Cron:         cronExpr,
		Kind:         schedule.KindAgentDispatch,
		Spider:       spider,
	})
	if err != nil {
		e.jobs.remove(job.Name)
		return nil, fmt.Errorf("schedule %s: %w", job.Name, err)
	}
	e.refreshJobGauge()
	e.logger.Info("spider job scheduled",
		zap.String("job", job.Name),
		zap.String("spider", spider),
		zap.String("cron", cronExpr),
		zap.Int("requests", len(batch)),
	)
	return job, nil
}

// ScheduleURLs is ScheduleJob for plain URLs.
func (e *Engine) ScheduleURLs(spider, cronExpr string, urls ...string) (*ScheduledJob, error) {
	requests := make([]crawler.Request, 0, len(urls))
	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			continue
		}
		requests = append(requests, crawler.NewRequest(u, spider))
	}
	return e.ScheduleJob(spider, cronExpr, requests...)
}

// ScheduleProxyRefresh registers a cron trigger that reloads the proxy pool
// from sources. It returns the generated job name.
func (e *Engine) ScheduleProxyRefresh(sources map[string]string, cronExpr string) (string, error) {
	if e.stopping() {
		return "", ErrEngineStopped
	}
	if e.proxySource() == nil {
		return "", ErrNoProxySource
	}
	if len(sources) == 0 {
		return "", fmt.Errorf("%w: no proxy sources", ErrInvalidJobRequest)
	}
	if strings.TrimSpace(cronExpr) == "" {
		return "", fmt.Errorf("%w: blank cron expression", ErrInvalidJobRequest)
	}

	copied := make(map[string]string, len(sources))
	for k, v := range sources {
		copied[k] = v
	}
	name := e.nextJobName(proxyJobPrefix)

	e.mu.Lock()
	e.proxyJobs[name] = struct{}{}
	e.mu.Unlock()

	err := e.scheduler.Add(schedule.Job{
		Name:         name,
		Group:        schedule.DefaultGroup,
		Trigger:      schedule.DefaultTrigger,
		TriggerGroup: schedule.DefaultTriggerGroup,
		Cron:         cronExpr,
		Kind:         schedule.KindProxyRefresh,
		Sources:      copied,
	})
	if err != nil {
		e.mu.Lock()
		delete(e.proxyJobs, name)
		e.mu.Unlock()
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	e.refreshJobGauge()
	e.logger.Info("proxy refresh scheduled",
		zap.String("job", name),
		zap.String("cron", cronExpr),
		zap.Int("sources", len(copied)),
	)
	return name, nil
}

// CancelJob stops a spider or proxy job. The timer is removed before the
// registry entry so an in-flight trigger becomes a no-op.
func (e *Engine) CancelJob(name string) error {
	if err := e.scheduler.Cancel(name); err != nil {
		if errors.Is(err, schedule.ErrJobNotFound) {
			return fmt.Errorf("cancel %s: %w", name, ErrJobNotFound)
		}
		return fmt.Errorf("cancel %s: %w", name, err)
	}
	e.jobs.remove(name)
	e.mu.Lock()
	delete(e.proxyJobs, name)
	e.mu.Unlock()
	e.refreshJobGauge()
	e.logger.Info("job cancelled", zap.String("job", name))
	return nil
}

// Job returns the live spider job called name.
func (e *Engine) Job(name string) (*ScheduledJob, bool) {
	return e.jobs.get(name)
}

func (e *Engine) nextJobName(prefix string) string {
	return fmt.Sprintf("%s%d", prefix, e.jobSeq.Add(1))
}

func (e *Engine) proxyJobNames() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	names := make([]string, 0, len(e.proxyJobs))
	for name := range e.proxyJobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (e *Engine) refreshJobGauge() {
	metrics.SetScheduledJobs(e.jobs.len() + len(e.proxyJobNames()))
}

// dispatch is the scheduler's single trigger callback.
func (e *Engine) dispatch(job schedule.Job) {
	metrics.ObserveJobTrigger(job.Kind.String())
	switch job.Kind {
	case schedule.KindAgentDispatch:
		e.dispatchBatch(job.Name)
	case schedule.KindProxyRefresh:
		e.refreshProxies(job.Name, job.Sources)
	default:
		e.logger.Warn("unknown job kind", zap.String("job", job.Name), zap.Int("kind", int(job.Kind)))
	}
}

// dispatchBatch pushes a job's batch to its spider. A spider that has stopped
// or exited is skipped since nothing drains its partition, and the whole push
// is bounded by dispatchTimeout so a full partition cannot pin the trigger.
func (e *Engine) dispatchBatch(name string) {
	job, ok := e.jobs.get(name)
	if !ok {
		return
	}
	entry, ok := e.agents.get(job.Spider)
	if !ok {
		e.logger.Warn("job target missing", zap.String("job", name), zap.String("spider", job.Spider))
		return
	}
	if entry.stopRequested() || entry.State() == crawler.StateStopped {
		e.logger.Debug("job target stopped", zap.String("job", name), zap.String("spider", job.Spider))
		return
	}

	ctx, cancel := context.WithTimeout(e.ctx, e.dispatchTimeout)
	defer cancel()
	pushed := 0
	for _, req := range job.Requests() {
		accepted, err := e.queue.Push(ctx, req)
		if err != nil {
			e.logger.Warn("job dispatch aborted",
				zap.String("job", name),
				zap.String("spider", job.Spider),
				zap.Int("pushed", pushed),
				zap.Error(err),
			)
			return
		}
		if accepted {
			pushed++
			metrics.ObserveDispatch(job.Spider, "job")
		}
	}
	e.logger.Debug("job fired",
		zap.String("job", name),
		zap.String("spider", job.Spider),
		zap.Int("pushed", pushed),
	)
}

func (e *Engine) refreshProxies(name string, sources map[string]string) {
	src := e.proxySource()
	if src == nil {
		return
	}
	ctx, cancel := context.WithTimeout(e.ctx, proxyRefreshTimeout)
	defer cancel()
	if err := src.Refresh(ctx, sources); err != nil {
		e.logger.Warn("proxy refresh failed", zap.String("job", name), zap.Error(err))
		return
	}
	e.logger.Debug("proxy pool refreshed", zap.String("job", name))
}
