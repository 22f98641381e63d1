package crawler

import (
	"context"
	"errors"
)

// ErrQueueClosed is returned by Queue operations after Close.
var ErrQueueClosed = errors.New("queue closed")

// Agent is an independently runnable spider. Run blocks until the spider is
// stopped or ctx ends; Stop requests a graceful halt and must not block.
type Agent interface {
	Name() string
	Run(ctx context.Context) error
	Stop()
}

// StatsReporter is implemented by agents that expose page counters.
type StatsReporter interface {
	Stats() AgentStats
}

// Queue is the work queue shared by every spider of an engine. Requests are
// partitioned by Request.Spider.
type Queue interface {
	Push(ctx context.Context, req Request) (bool, error)
	Poll(ctx context.Context, spider string) (Request, error)
	Len(spider string) int
	Close()
}

// Fetcher fetches a URL and returns the body plus metadata.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// ProxySource supplies proxies used by spiders' outbound requests.
type ProxySource interface {
	AddProxies(proxies []Proxy) error
	// Refresh reloads the pool from a map of source name to list URL.
	Refresh(ctx context.Context, sources map[string]string) error
}

// RegistryPublisher announces the engine's monitoring endpoint to a discovery system.
type RegistryPublisher interface {
	Register(ctx context.Context, provider ProviderInfo, port int) error
}
