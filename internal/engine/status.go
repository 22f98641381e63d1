package engine

import (
	"time"

	"github.com/JakeFAU/spider-engine/internal/crawler"
)

// AgentStatus is the read-only view of one spider.
type AgentStatus struct {
	Name     string        `json:"name"`
	State    crawler.State `json:"state"`
	Pending  int           `json:"pending"`
	Pages    int64         `json:"pages"`
	Failures int64         `json:"failures"`
}

// JobStatus is the read-only view of one spider job.
type JobStatus struct {
	Name      string    `json:"name"`
	Spider    string    `json:"spider"`
	Cron      string    `json:"cron"`
	Requests  int       `json:"requests"`
	CreatedAt time.Time `json:"created_at"`
}

// Status is a point-in-time view of the engine. Slices are never nil.
type Status struct {
	State     string        `json:"state"`
	Agents    []AgentStatus `json:"spiders"`
	Jobs      []JobStatus   `json:"jobs"`
	ProxyJobs []string      `json:"proxy_jobs"`
}

// Snapshot reports every spider and job ordered by name.
func (e *Engine) Snapshot() Status {
	return Status{
		State:     engineState(e.state.Load()).String(),
		Agents:    e.AgentStatuses(),
		Jobs:      e.JobStatuses(),
		ProxyJobs: e.proxyJobNames(),
	}
}

// AgentStatuses reports every spider ordered by name.
func (e *Engine) AgentStatuses() []AgentStatus {
	entries := e.agents.list()
	out := make([]AgentStatus, 0, len(entries))
	for _, entry := range entries {
		out = append(out, e.agentStatus(entry))
	}
	return out
}

// AgentStatus reports one spider.
func (e *Engine) AgentStatus(name string) (AgentStatus, bool) {
	entry, ok := e.agents.get(name)
	if !ok {
		return AgentStatus{}, false
	}
	return e.agentStatus(entry), true
}

func (e *Engine) agentStatus(entry *agentEntry) AgentStatus {
	stats := entry.stats()
	return AgentStatus{
		Name:     entry.name,
		State:    entry.State(),
		Pending:  e.queue.Len(entry.name),
		Pages:    stats.Pages,
		Failures: stats.Failures,
	}
}

// JobStatuses reports every live spider job ordered by name.
func (e *Engine) JobStatuses() []JobStatus {
	jobs := e.jobs.list()
	out := make([]JobStatus, 0, len(jobs))
	for _, job := range jobs {
		out = append(out, JobStatus{
			Name:      job.Name,
			Spider:    job.Spider,
			Cron:      job.Cron,
			Requests:  len(job.requests),
			CreatedAt: job.CreatedAt,
		})
	}
	return out
}
