package engine

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/spider-engine/internal/crawler"
	"github.com/JakeFAU/spider-engine/internal/metrics"
)

// launchAll starts every registered spider on its own goroutine.
func (e *Engine) launchAll() {
	entries := e.agents.list()
	if len(entries) == 0 {
		e.logger.Info("no spiders registered")
		return
	}
	for _, entry := range entries {
		e.launch(entry)
	}
}

// launchIfRunning starts a late registration. An entry that raced Shutdown
// still receives its Stop call.
func (e *Engine) launchIfRunning(entry *agentEntry) {
	switch engineState(e.state.Load()) {
	case stateRunning:
		e.launch(entry)
	case stateStopping, stateStopped:
		_, _ = entry.stop()
	}
}

// launch starts entry's run goroutine at most once.
func (e *Engine) launch(entry *agentEntry) {
	if !entry.markLaunched() {
		return
	}
	e.group.Go(func() error {
		e.supervise(entry)
		return nil
	})
}

// supervise runs one spider to completion. Failures are contained here and
// never reach sibling spiders.
func (e *Engine) supervise(entry *agentEntry) {
	defer close(entry.done)
	if !entry.begin() {
		entry.setState(crawler.StateStopped)
		return
	}

	entry.setState(crawler.StateRunning)
	metrics.IncAgentsRunning()
	defer metrics.DecAgentsRunning()

	logger := e.logger.With(zap.String("spider", entry.name))
	err := runAgent(e.ctx, entry.agent)
	entry.setState(crawler.StateStopped)
	if err != nil && !errors.Is(err, context.Canceled) {
		metrics.ObserveAgentFault(entry.name)
		logger.Error("spider exited with error", zap.Error(err))
		return
	}
	logger.Info("spider exited")
}

func runAgent(ctx context.Context, agent crawler.Agent) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: panic: %v", ErrAgentFault, r)
		}
	}()
	return agent.Run(ctx)
}

// Wait blocks until every launched spider has exited.
func (e *Engine) Wait() {
	_ = e.group.Wait()
}
