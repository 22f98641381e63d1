package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-engine/internal/crawler"
)

func TestPoolAddProxies(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, zap.NewNop())
	require.NoError(t, p.AddProxies([]crawler.Proxy{
		{Host: "10.0.0.1", Port: 8080},
		{Scheme: "socks5", Host: "10.0.0.2", Port: 1080},
		{Host: "10.0.0.1", Port: 8080},
	}))
	require.Equal(t, []string{"http://10.0.0.1:8080", "socks5://10.0.0.2:1080"}, p.List())
	require.Equal(t, 2, p.Size())
}

func TestPoolAddProxiesRejectsInvalidBatch(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, zap.NewNop())
	err := p.AddProxies([]crawler.Proxy{
		{Host: "10.0.0.1", Port: 8080},
		{Host: "", Port: 8080},
	})
	require.ErrorIs(t, err, ErrInvalidProxy)
	require.Zero(t, p.Size())

	require.ErrorIs(t, p.AddProxies([]crawler.Proxy{{Host: "h", Port: 70000}}), ErrInvalidProxy)
}

func TestPoolProxyFuncRotates(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, zap.NewNop())
	fn := p.ProxyFunc()
	req := httptest.NewRequest(http.MethodGet, "https://example.com", nil)

	u, err := fn(req)
	require.NoError(t, err)
	require.Nil(t, u, "empty pool connects directly")

	require.NoError(t, p.AddProxies([]crawler.Proxy{
		{Host: "10.0.0.1", Port: 1},
		{Host: "10.0.0.2", Port: 2},
	}))
	seen := map[string]bool{}
	for i := 0; i < 4; i++ {
		u, err := fn(req)
		require.NoError(t, err)
		seen[u.Host] = true
	}
	require.Len(t, seen, 2)
}

type stubLoader struct {
	lists map[string][]crawler.Proxy
	errs  map[string]error
}

func (s stubLoader) Load(_ context.Context, src string) ([]crawler.Proxy, error) {
	if err, ok := s.errs[src]; ok {
		return nil, err
	}
	return s.lists[src], nil
}

func TestPoolRefreshReplacesContents(t *testing.T) {
	t.Parallel()

	loader := stubLoader{
		lists: map[string][]crawler.Proxy{
			"https://list.example/a": {{Host: "10.1.0.1", Port: 3128}},
		},
		errs: map[string]error{
			"https://list.example/b": errors.New("down"),
		},
	}
	p := NewPool(loader, zap.NewNop())
	require.NoError(t, p.AddProxies([]crawler.Proxy{{Host: "10.0.0.1", Port: 8080}}))

	err := p.Refresh(context.Background(), map[string]string{
		"a": "https://list.example/a",
		"b": "https://list.example/b",
	})
	require.NoError(t, err)
	require.Equal(t, []string{"http://10.1.0.1:3128"}, p.List())
}

func TestPoolRefreshKeepsPoolWhenAllSourcesFail(t *testing.T) {
	t.Parallel()

	loader := stubLoader{errs: map[string]error{"u": errors.New("down")}}
	p := NewPool(loader, zap.NewNop())
	require.NoError(t, p.AddProxies([]crawler.Proxy{{Host: "10.0.0.1", Port: 8080}}))

	err := p.Refresh(context.Background(), map[string]string{"a": "u"})
	require.Error(t, err)
	require.Equal(t, 1, p.Size())
}

func TestPoolRefreshWithoutLoader(t *testing.T) {
	t.Parallel()

	p := NewPool(nil, nil)
	require.Error(t, p.Refresh(context.Background(), map[string]string{"a": "u"}))
}

func TestParseList(t *testing.T) {
	t.Parallel()

	got, err := ParseList([]byte("# comment\n\n10.0.0.1:8080\nsocks5://10.0.0.2:1080\n[::1]:3128\n"))
	require.NoError(t, err)
	require.Equal(t, []crawler.Proxy{
		{Scheme: "http", Host: "10.0.0.1", Port: 8080},
		{Scheme: "socks5", Host: "10.0.0.2", Port: 1080},
		{Scheme: "http", Host: "::1", Port: 3128},
	}, got)

	_, err = ParseList([]byte("10.0.0.1\n"))
	require.ErrorIs(t, err, ErrInvalidProxy)
	_, err = ParseList([]byte("10.0.0.1:http\n"))
	require.ErrorIs(t, err, ErrInvalidProxy)
}

func TestListLoaderFetchesOverHTTP(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprintln(w, "10.0.0.9:8000")
	}))
	defer srv.Close()

	loader := NewListLoader("test-agent", time.Second)
	got, err := loader.Load(context.Background(), srv.URL+"/proxies.txt")
	require.NoError(t, err)
	require.Equal(t, []crawler.Proxy{{Scheme: "http", Host: "10.0.0.9", Port: 8000}}, got)
}

func TestListLoaderHTTPError(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, err := NewListLoader("", 0).Load(context.Background(), srv.URL)
	require.Error(t, err)
}
