package engine

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/JakeFAU/spider-engine/internal/crawler"
)

// agentEntry tracks one registered spider and its lifecycle.
type agentEntry struct {
	name  string
	agent crawler.Agent
	state atomic.Value // crawler.State

	mu       sync.Mutex
	launched bool
	stopped  bool
	stopOnce sync.Once
	done     chan struct{}
}

func newAgentEntry(name string, agent crawler.Agent) *agentEntry {
	e := &agentEntry{name: name, agent: agent, done: make(chan struct{})}
	e.state.Store(crawler.StateIdle)
	return e
}

func (e *agentEntry) State() crawler.State {
	return e.state.Load().(crawler.State)
}

func (e *agentEntry) setState(s crawler.State) {
	e.state.Store(s)
}

// markLaunched reports whether the caller owns the entry's run goroutine.
func (e *agentEntry) markLaunched() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.launched {
		return false
	}
	e.launched = true
	return true
}

// begin reports whether Run may be invoked. It returns false once a stop has
// been requested, so a spider is never run after being told to stop.
func (e *agentEntry) begin() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.stopped
}

// stopRequested reports whether the spider has been told to stop.
func (e *agentEntry) stopRequested() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopped
}

// stop issues the entry's single Stop call. It reports whether the spider had
// been launched and so has a run goroutine to wait for. A panicking Stop is
// returned as ErrAgentFault.
func (e *agentEntry) stop() (launched bool, err error) {
	e.mu.Lock()
	e.stopped = true
	launched = e.launched
	e.mu.Unlock()

	e.stopOnce.Do(func() {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("%w: stop panic: %v", ErrAgentFault, r)
			}
		}()
		e.agent.Stop()
	})
	return launched, err
}

// wait blocks until the run goroutine exits or timeout elapses.
func (e *agentEntry) wait(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-e.done:
		return true
	case <-timer.C:
		return false
	}
}

func (e *agentEntry) stats() crawler.AgentStats {
	if r, ok := e.agent.(crawler.StatsReporter); ok {
		return r.Stats()
	}
	return crawler.AgentStats{}
}

// agentRegistry maps spider names to entries. The first registration of a
// name wins.
type agentRegistry struct {
	mu      sync.RWMutex
	entries map[string]*agentEntry
}

func newAgentRegistry() *agentRegistry {
	return &agentRegistry{entries: make(map[string]*agentEntry)}
}

func (r *agentRegistry) register(agent crawler.Agent) (*agentEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := agent.Name()
	if _, exists := r.entries[name]; exists {
		return nil, false
	}
	entry := newAgentEntry(name, agent)
	r.entries[name] = entry
	return entry, true
}

// create builds and stores a spider under name unless the name is taken.
// build runs under the write lock so concurrent creates store one handle.
func (r *agentRegistry) create(name string, build func() crawler.Agent) (*agentEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[name]; exists {
		return nil, false
	}
	entry := newAgentEntry(name, build())
	r.entries[name] = entry
	return entry, true
}

func (r *agentRegistry) get(name string) (*agentEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.entries[name]
	return entry, ok
}

func (r *agentRegistry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// list returns every entry ordered by name.
func (r *agentRegistry) list() []*agentEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*agentEntry, 0, len(r.entries))
	for _, entry := range r.entries {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].name < out[j].name
	})
	return out
}
