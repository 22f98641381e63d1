// Package schedule adapts a cron trigger engine to the crawl engine's job model.
// Jobs are tagged variants dispatched through a single typed callback.
package schedule

import (
	"context"
	"errors"
)

// Default naming metadata attached to every job.
const (
	DefaultGroup        = "spider-engine"
	DefaultTrigger      = "spider-engine-trigger"
	DefaultTriggerGroup = "spider-engine-triggers"
)

var (
	// ErrInvalidCron is returned when the trigger engine rejects an expression.
	ErrInvalidCron = errors.New("invalid cron expression")
	// ErrDuplicateJob is returned when a job name is already scheduled.
	ErrDuplicateJob = errors.New("job already scheduled")
	// ErrJobNotFound is returned when cancelling a job that is not live.
	ErrJobNotFound = errors.New("job not found")
	// ErrStopped is returned by Add after Shutdown.
	ErrStopped = errors.New("scheduler stopped")
)

// Kind tags the payload carried by a Job.
type Kind int

// Job variants.
const (
	KindAgentDispatch Kind = iota + 1
	KindProxyRefresh
)

func (k Kind) String() string {
	switch k {
	case KindAgentDispatch:
		return "agent_dispatch"
	case KindProxyRefresh:
		return "proxy_refresh"
	default:
		return "unknown"
	}
}

// Job is a recurring trigger registration.
type Job struct {
	Name         string
	Group        string
	Trigger      string
	TriggerGroup string
	Cron         string
	Kind         Kind

	// Spider is set for KindAgentDispatch. The batch itself stays in the
	// engine's job registry so a cancelled job dispatches nothing.
	Spider string
	// Sources is set for KindProxyRefresh.
	Sources map[string]string
}

// DispatchFunc runs on every trigger of a live job.
type DispatchFunc func(job Job)

// Scheduler registers and cancels recurring jobs.
type Scheduler interface {
	Add(job Job) error
	Cancel(name string) error
	Names() []string
	Start()
	Shutdown(ctx context.Context) error
}
