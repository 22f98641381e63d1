// Package memory provides the in-process work queue shared by an engine's spiders.
package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/JakeFAU/spider-engine/internal/crawler"
	"github.com/JakeFAU/spider-engine/internal/hash/sha256"
)

const defaultCapacity = 1024

// Queue is a bounded, per-spider partitioned queue with a duplicate filter.
// Requests with CheckDuplicate set are admitted once per (spider, URL).
type Queue struct {
	capacity int
	hasher   *sha256.Hasher

	mu    sync.Mutex
	parts map[string]chan crawler.Request
	seen  map[string]struct{}

	done      chan struct{}
	closeOnce sync.Once
}

// NewQueue constructs a queue whose partitions each hold up to capacity requests.
func NewQueue(capacity int) *Queue {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Queue{
		capacity: capacity,
		hasher:   sha256.New(),
		parts:    make(map[string]chan crawler.Request),
		seen:     make(map[string]struct{}),
		done:     make(chan struct{}),
	}
}

// Push admits req into its spider's partition. It reports false without error
// when the duplicate filter drops the request.
func (q *Queue) Push(ctx context.Context, req crawler.Request) (bool, error) {
	if req.Spider == "" {
		return false, fmt.Errorf("push %q: request has no spider", req.URL)
	}
	select {
	case <-q.done:
		return false, crawler.ErrQueueClosed
	default:
	}
	if req.CheckDuplicate && !q.markSeen(req) {
		return false, nil
	}
	ch := q.partition(req.Spider)
	select {
	case <-ctx.Done():
		return false, fmt.Errorf("push canceled: %w", ctx.Err())
	case <-q.done:
		return false, crawler.ErrQueueClosed
	case ch <- req:
		return true, nil
	}
}

// Poll pops the next request for spider, respecting context cancellation.
func (q *Queue) Poll(ctx context.Context, spider string) (crawler.Request, error) {
	ch := q.partition(spider)
	select {
	case <-ctx.Done():
		return crawler.Request{}, fmt.Errorf("poll canceled: %w", ctx.Err())
	case <-q.done:
		return crawler.Request{}, crawler.ErrQueueClosed
	case req := <-ch:
		return req, nil
	}
}

// Len reports the number of requests waiting for spider.
func (q *Queue) Len(spider string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.parts[spider]
	if !ok {
		return 0
	}
	return len(ch)
}

// Close releases blocked producers and consumers. It is safe to call more than once.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}

func (q *Queue) partition(spider string) chan crawler.Request {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.parts[spider]
	if !ok {
		ch = make(chan crawler.Request, q.capacity)
		q.parts[spider] = ch
	}
	return ch
}

func (q *Queue) markSeen(req crawler.Request) bool {
	key := q.hasher.Fingerprint(req.Spider, req.URL)
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, dup := q.seen[key]; dup {
		return false
	}
	q.seen[key] = struct{}{}
	return true
}
