// Package crawler defines core types shared across subsystems.
package crawler

import (
	"net/http"
	"time"
)

// State represents the lifecycle state of a spider managed by the engine.
type State string

// Spider lifecycle states reported by the status surface.
const (
	StateIdle    State = "idle"
	StateRunning State = "running"
	StateStopped State = "stopped"
)

// Request is a unit of crawl work addressed to one spider.
type Request struct {
	URL    string      `json:"url"`
	Spider string      `json:"spider"`
	Depth  int         `json:"depth,omitempty"`
	Header http.Header `json:"header,omitempty"`
	// CheckDuplicate routes the request through the queue's duplicate filter.
	// Requests admitted to a scheduled job always carry false.
	CheckDuplicate bool `json:"check_duplicate"`
}

// NewRequest builds a request for spider with duplicate checking enabled.
func NewRequest(url, spider string) Request {
	return Request{URL: url, Spider: spider, CheckDuplicate: true}
}

// Clone returns a deep copy of the request.
func (r Request) Clone() Request {
	cp := r
	if r.Header != nil {
		cp.Header = r.Header.Clone()
	}
	return cp
}

// Proxy is a single outbound proxy endpoint.
type Proxy struct {
	Scheme string `json:"scheme"`
	Host   string `json:"host"`
	Port   int    `json:"port"`
}

// ProviderInfo describes this engine to a discovery registry.
type ProviderInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Host     string `json:"host"`
	Protocol string `json:"protocol"`
}

// AgentStats carries per-spider counters for the status surface.
type AgentStats struct {
	Pages    int64 `json:"pages"`
	Failures int64 `json:"failures"`
}

// FetchRequest captures everything needed to fetch a URL.
type FetchRequest struct {
	Spider        string
	URL           string
	Depth         int
	Headers       http.Header
	RespectRobots bool
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}
