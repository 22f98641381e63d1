// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/spider-engine/internal/crawler"
)

const defaultTimeout = 15 * time.Second

// Config controls collector behavior.
type Config struct {
	UserAgent     string
	RespectRobots bool
	Timeout       time.Duration
	// MaxBodySize caps downloaded bytes per page; zero keeps colly's default.
	MaxBodySize int
	// Proxy selects the outbound proxy per request; nil connects directly.
	Proxy colly.ProxyFunc
}

// Fetcher implements crawler.Fetcher. Spiders share one Fetcher and so one
// pooled transport; every Fetch runs on a clone of the base collector.
type Fetcher struct {
	cfg  Config
	base *colly.Collector
}

// New builds a Fetcher.
func New(cfg Config) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	base := colly.NewCollector(colly.AllowURLRevisit())
	if cfg.UserAgent != "" {
		base.UserAgent = cfg.UserAgent
	}
	if cfg.MaxBodySize > 0 {
		base.MaxBodySize = cfg.MaxBodySize
	}
	base.WithTransport(newTransport(cfg.Proxy))
	base.SetRequestTimeout(cfg.Timeout)
	return &Fetcher{cfg: cfg, base: base}
}

// Fetch performs one GET. ctx cancels the in-flight HTTP request.
func (f *Fetcher) Fetch(ctx context.Context, req crawler.FetchRequest) (crawler.FetchResponse, error) {
	c := f.base.Clone()
	c.Context = ctx
	c.IgnoreRobotsTxt = !(f.cfg.RespectRobots || req.RespectRobots)

	var (
		resp     crawler.FetchResponse
		status   int
		fetchErr error
		start    = time.Now()
	)
	c.OnResponse(func(r *colly.Response) {
		resp = toFetchResponse(r, start)
	})
	c.OnError(func(r *colly.Response, err error) {
		if r != nil {
			status = r.StatusCode
		}
		fetchErr = err
	})

	err := c.Request(http.MethodGet, req.URL, nil, nil, req.Headers.Clone())
	switch {
	case ctx.Err() != nil:
		return crawler.FetchResponse{}, fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err != nil:
		return crawler.FetchResponse{}, fmt.Errorf("colly visit %s: %w", req.URL, err)
	case fetchErr != nil:
		return crawler.FetchResponse{}, fmt.Errorf("colly response %s (status %d): %w", req.URL, status, fetchErr)
	}
	return resp, nil
}

func toFetchResponse(r *colly.Response, start time.Time) crawler.FetchResponse {
	out := crawler.FetchResponse{
		StatusCode: r.StatusCode,
		Body:       append([]byte(nil), r.Body...),
		Duration:   time.Since(start),
	}
	if r.Request != nil && r.Request.URL != nil {
		out.URL = r.Request.URL.String()
	}
	if r.Headers != nil {
		out.Headers = r.Headers.Clone()
	}
	return out
}

func newTransport(proxy colly.ProxyFunc) *http.Transport {
	t := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: time.Second,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
	}
	if proxy != nil {
		t.Proxy = proxy
	}
	return t
}
