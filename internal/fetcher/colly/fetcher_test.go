package collyfetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gocolly/colly/v2"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/spider-engine/internal/crawler"
)

func TestNewAppliesDefaults(t *testing.T) {
	t.Parallel()

	f := New(Config{UserAgent: "test-agent", MaxBodySize: 128})
	require.Equal(t, defaultTimeout, f.cfg.Timeout)
	require.Equal(t, "test-agent", f.base.UserAgent)
	require.Equal(t, 128, f.base.MaxBodySize)
}

func TestFetchAgainstServer(t *testing.T) {
	t.Parallel()

	var agent atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		agent.Store(r.UserAgent())
		w.Header().Set("X-Seen", r.Header.Get("X-Trace"))
		_, _ = w.Write([]byte("<html>ok</html>"))
	}))
	defer srv.Close()

	f := New(Config{UserAgent: "spider-test", Timeout: time.Second})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{
		URL:     srv.URL,
		Headers: http.Header{"X-Trace": {"abc"}},
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "abc", resp.Headers.Get("X-Seen"))
	require.Equal(t, "spider-test", agent.Load())
	require.Contains(t, string(resp.Body), "ok")
	require.True(t, strings.HasPrefix(resp.URL, srv.URL))

	// Revisiting the same URL is allowed; deduplication belongs to the queue.
	_, err = f.Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.NoError(t, err)
}

func TestFetchErrorStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "gone", http.StatusNotFound)
	}))
	defer srv.Close()

	_, err := New(Config{Timeout: time.Second}).Fetch(context.Background(), crawler.FetchRequest{URL: srv.URL})
	require.ErrorContains(t, err, "status 404")
}

func TestFetchCanceledContext(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	start := time.Now()
	_, err := New(Config{Timeout: 5 * time.Second}).Fetch(ctx, crawler.FetchRequest{URL: srv.URL})
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Less(t, time.Since(start), 2*time.Second)
}

func TestFetchUsesProxyFunc(t *testing.T) {
	t.Parallel()

	var proxied atomic.Bool
	proxySrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		proxied.Store(true)
		_, _ = w.Write([]byte("via proxy"))
	}))
	defer proxySrv.Close()

	proxyURL, err := url.Parse(proxySrv.URL)
	require.NoError(t, err)
	f := New(Config{
		Timeout: time.Second,
		Proxy: func(*http.Request) (*url.URL, error) {
			return proxyURL, nil
		},
	})
	resp, err := f.Fetch(context.Background(), crawler.FetchRequest{URL: "http://unreachable.invalid/page"})
	require.NoError(t, err)
	require.True(t, proxied.Load())
	require.Equal(t, "via proxy", string(resp.Body))
}

func TestToFetchResponseToleratesMissingFields(t *testing.T) {
	t.Parallel()

	resp := toFetchResponse(&colly.Response{StatusCode: http.StatusAccepted, Body: []byte("x")}, time.Now())
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	require.Empty(t, resp.URL)
	require.Nil(t, resp.Headers)
}
