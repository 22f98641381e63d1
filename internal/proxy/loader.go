package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/JakeFAU/spider-engine/internal/crawler"
)

// ListLoader downloads plain-text proxy lists with colly. Each non-comment
// line is either "host:port" or a full proxy URL.
type ListLoader struct {
	UserAgent string
	Timeout   time.Duration
}

// NewListLoader builds a ListLoader.
func NewListLoader(userAgent string, timeout time.Duration) *ListLoader {
	return &ListLoader{UserAgent: userAgent, Timeout: timeout}
}

// Load fetches and parses sourceURL.
func (l *ListLoader) Load(ctx context.Context, sourceURL string) ([]crawler.Proxy, error) {
	c := colly.NewCollector(colly.Async(false))
	if l.UserAgent != "" {
		c.UserAgent = l.UserAgent
	}
	timeout := l.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c.SetRequestTimeout(timeout)

	var (
		body     []byte
		fetchErr error
	)
	c.OnResponse(func(r *colly.Response) {
		body = append([]byte(nil), r.Body...)
	})
	c.OnError(func(_ *colly.Response, err error) {
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- c.Visit(sourceURL)
	}()
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("proxy list fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return nil, fmt.Errorf("proxy list visit failed: %w", err)
		}
		if fetchErr != nil {
			return nil, fmt.Errorf("proxy list response failed: %w", fetchErr)
		}
	}
	return ParseList(body)
}

// ParseList parses a newline separated proxy list. Blank lines and lines
// starting with '#' are ignored.
func ParseList(data []byte) ([]crawler.Proxy, error) {
	var out []crawler.Proxy
	sc := bufio.NewScanner(bytes.NewReader(data))
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		px, err := parseEntry(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		out = append(out, px)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan proxy list: %w", err)
	}
	return out, nil
}

func parseEntry(line string) (crawler.Proxy, error) {
	scheme := "http"
	hostport := line
	if strings.Contains(line, "://") {
		u, err := url.Parse(line)
		if err != nil {
			return crawler.Proxy{}, fmt.Errorf("%w: %v", ErrInvalidProxy, err)
		}
		scheme = u.Scheme
		hostport = u.Host
	}
	host, portStr, err := net.SplitHostPort(hostport)
	if err != nil {
		return crawler.Proxy{}, fmt.Errorf("%w: %v", ErrInvalidProxy, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return crawler.Proxy{}, fmt.Errorf("%w: port %q", ErrInvalidProxy, portStr)
	}
	return crawler.Proxy{Scheme: scheme, Host: host, Port: port}, nil
}
