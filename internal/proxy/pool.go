// Package proxy keeps the outbound proxy pool shared by the engine's spiders.
// Rotation is delegated to colly's round-robin switcher.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"sync"

	"github.com/gocolly/colly/v2"
	collyproxy "github.com/gocolly/colly/v2/proxy"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-engine/internal/crawler"
)

// ErrInvalidProxy is returned for entries without a host or with a bad port.
var ErrInvalidProxy = errors.New("invalid proxy")

// Loader fetches a proxy list from a source URL.
type Loader interface {
	Load(ctx context.Context, sourceURL string) ([]crawler.Proxy, error)
}

// Pool implements crawler.ProxySource.
type Pool struct {
	loader Loader
	logger *zap.Logger

	mu       sync.RWMutex
	urls     []string
	switcher colly.ProxyFunc
}

// NewPool builds an empty pool. loader may be nil when Refresh is never used.
func NewPool(loader Loader, logger *zap.Logger) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pool{loader: loader, logger: logger}
}

// AddProxies merges proxies into the pool. The whole batch is rejected if any entry is invalid.
func (p *Pool) AddProxies(proxies []crawler.Proxy) error {
	urls := make([]string, 0, len(proxies))
	for _, px := range proxies {
		u, err := proxyURL(px)
		if err != nil {
			return err
		}
		urls = append(urls, u)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.setLocked(append(append([]string(nil), p.urls...), urls...))
}

// Refresh replaces the pool with the proxies loaded from every source. The
// current pool is kept when no source yields a proxy.
func (p *Pool) Refresh(ctx context.Context, sources map[string]string) error {
	if p.loader == nil {
		return errors.New("proxy refresh: no loader configured")
	}
	var (
		loaded []string
		errs   []error
	)
	for name, src := range sources {
		proxies, err := p.loader.Load(ctx, src)
		if err != nil {
			errs = append(errs, fmt.Errorf("source %s: %w", name, err))
			continue
		}
		for _, px := range proxies {
			u, err := proxyURL(px)
			if err != nil {
				p.logger.Debug("skipping proxy", zap.String("source", name), zap.Error(err))
				continue
			}
			loaded = append(loaded, u)
		}
	}
	if len(loaded) == 0 {
		if len(errs) > 0 {
			return fmt.Errorf("proxy refresh: %w", errors.Join(errs...))
		}
		return nil
	}
	for _, err := range errs {
		p.logger.Warn("proxy source failed", zap.Error(err))
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.setLocked(loaded); err != nil {
		return err
	}
	p.logger.Info("proxy pool refreshed", zap.Int("size", len(p.urls)))
	return nil
}

// ProxyFunc returns a colly.ProxyFunc rotating over the current pool. An empty
// pool connects directly.
func (p *Pool) ProxyFunc() colly.ProxyFunc {
	return func(r *http.Request) (*url.URL, error) {
		p.mu.RLock()
		sw := p.switcher
		p.mu.RUnlock()
		if sw == nil {
			return nil, nil
		}
		return sw(r)
	}
}

// List returns the proxy URLs currently in the pool.
func (p *Pool) List() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]string(nil), p.urls...)
}

// Size reports the number of proxies in the pool.
func (p *Pool) Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.urls)
}

func (p *Pool) setLocked(urls []string) error {
	urls = dedupe(urls)
	if len(urls) == 0 {
		p.urls = nil
		p.switcher = nil
		return nil
	}
	sw, err := collyproxy.RoundRobinProxySwitcher(urls...)
	if err != nil {
		return fmt.Errorf("build proxy switcher: %w", err)
	}
	p.urls = urls
	p.switcher = sw
	return nil
}

func proxyURL(px crawler.Proxy) (string, error) {
	if px.Host == "" {
		return "", fmt.Errorf("%w: missing host", ErrInvalidProxy)
	}
	if px.Port <= 0 || px.Port > 65535 {
		return "", fmt.Errorf("%w: port %d out of range for %s", ErrInvalidProxy, px.Port, px.Host)
	}
	scheme := px.Scheme
	if scheme == "" {
		scheme = "http"
	}
	u := url.URL{Scheme: scheme, Host: net.JoinHostPort(px.Host, strconv.Itoa(px.Port))}
	return u.String(), nil
}

func dedupe(urls []string) []string {
	seen := make(map[string]struct{}, len(urls))
	out := make([]string, 0, len(urls))
	for _, u := range urls {
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}
