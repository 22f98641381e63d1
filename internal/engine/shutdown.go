package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/spider-engine/internal/crawler"
	"github.com/JakeFAU/spider-engine/internal/metrics"
	"github.com/JakeFAU/spider-engine/internal/schedule"
)

// Shutdown stops every spider, cancels every job, and releases the engine's
// resources. Only the first call does any work; later calls return nil.
//
// Each spider receives exactly one Stop and is given cfg.StopTimeout to exit.
// A spider that overruns is logged and abandoned without delaying the rest.
func (e *Engine) Shutdown(ctx context.Context) error {
	for {
		cur := engineState(e.state.Load())
		if cur == stateStopping || cur == stateStopped {
			return nil
		}
		if e.state.CompareAndSwap(int32(cur), int32(stateStopping)) {
			break
		}
	}
	e.logger.Info("stopping all spiders")

	e.stopAll()
	// Triggers blocked on a full partition observe ctx, so it is cancelled
	// before the scheduler waits for them.
	e.cancel()

	var errs []error
	if err := e.cancelJobs(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := e.CloseHTTPServer(ctx); err != nil {
		errs = append(errs, err)
	}
	e.mu.Lock()
	consumers := append([]Consumer(nil), e.consumers...)
	e.mu.Unlock()
	for _, c := range consumers {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close consumer: %w", err))
		}
	}

	e.queue.Close()
	e.state.Store(int32(stateStopped))
	e.logger.Info("spider engine stopped")
	return errors.Join(errs...)
}

// stopAll issues every spider's Stop concurrently and waits for each up to
// the stop timeout.
func (e *Engine) stopAll() {
	var g errgroup.Group
	for _, entry := range e.agents.list() {
		g.Go(func() error {
			launched, err := entry.stop()
			if err != nil {
				metrics.ObserveAgentFault(entry.name)
				e.logger.Error("spider stop failed", zap.String("spider", entry.name), zap.Error(err))
			}
			if !launched {
				entry.setState(crawler.StateStopped)
				return nil
			}
			if !entry.wait(e.cfg.StopTimeout) {
				e.logger.Warn("spider did not stop in time",
					zap.String("spider", entry.name),
					zap.Duration("timeout", e.cfg.StopTimeout),
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func (e *Engine) cancelJobs(ctx context.Context) error {
	for _, job := range e.jobs.list() {
		if err := e.scheduler.Cancel(job.Name); err != nil && !errors.Is(err, schedule.ErrJobNotFound) {
			e.logger.Warn("job cancel failed", zap.String("job", job.Name), zap.Error(err))
		}
		e.jobs.remove(job.Name)
	}
	for _, name := range e.proxyJobNames() {
		if err := e.scheduler.Cancel(name); err != nil && !errors.Is(err, schedule.ErrJobNotFound) {
			e.logger.Warn("job cancel failed", zap.String("job", name), zap.Error(err))
		}
		e.mu.Lock()
		delete(e.proxyJobs, name)
		e.mu.Unlock()
	}
	metrics.SetScheduledJobs(0)
	if err := e.scheduler.Shutdown(ctx); err != nil {
		return fmt.Errorf("stop scheduler: %w", err)
	}
	return nil
}
