package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	t.Parallel()

	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Engine.Port)
	require.False(t, cfg.Engine.UseMonitor)
	require.Equal(t, 5*time.Second, cfg.Engine.StopTimeout)
	require.Equal(t, 1024, cfg.Engine.QueueDepth)
	require.Equal(t, 15*time.Second, cfg.FetchTimeout())
	require.Equal(t, time.Minute, cfg.Registry.TTL)
}

func TestLoadWithFileOverrides(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
engine:
  port: 9000
  use_monitor: true
  stop_timeout: 2s
  queue_depth: 16
logging:
  development: false
fetcher:
  user_agent: test-agent
  timeout_seconds: 30
spiders:
  - name: A
    seeds: ["https://a.example"]
    jobs:
      - cron: "0/5 * * * * ?"
        urls: ["https://a.example/1", "https://a.example/2"]
  - name: B
proxy:
  proxies: ["10.0.0.1:8080"]
  sources:
    main: https://lists.example/proxies.txt
  refresh_cron: "@every 10m"
registry:
  enabled: true
  redis_addr: localhost:6379
  ttl: 30s
kafka:
  enabled: true
  brokers: ["localhost:9092"]
  topic: crawl-requests
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9000, cfg.Engine.Port)
	require.True(t, cfg.Engine.UseMonitor)
	require.Equal(t, 2*time.Second, cfg.Engine.StopTimeout)
	require.False(t, cfg.Logging.Development)
	require.Len(t, cfg.Spiders, 2)
	require.Equal(t, "A", cfg.Spiders[0].Name)
	require.Equal(t, "0/5 * * * * ?", cfg.Spiders[0].Jobs[0].Cron)
	require.Len(t, cfg.Spiders[0].Jobs[0].URLs, 2)
	require.Equal(t, "https://lists.example/proxies.txt", cfg.Proxy.Sources["main"])
	require.Equal(t, 30*time.Second, cfg.Registry.TTL)
	require.Equal(t, "spider-engine:", cfg.Registry.KeyPrefix)
	require.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	require.Equal(t, "spider-engine", cfg.Kafka.GroupID)
}

func TestLoadMalformedMonitorSettingsFallBack(t *testing.T) {
	t.Parallel()

	path := writeConfig(t, `
engine:
  port: not-a-port
  use_monitor: maybe
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, DefaultPort, cfg.Engine.Port)
	require.Equal(t, DefaultUseMonitor, cfg.Engine.UseMonitor)
}

func TestResolvePort(t *testing.T) {
	t.Parallel()

	require.Equal(t, 9000, ResolvePort(9000))
	require.Equal(t, 9000, ResolvePort("9000"))
	require.Equal(t, DefaultPort, ResolvePort(nil))
	require.Equal(t, DefaultPort, ResolvePort("abc"))
	require.Equal(t, DefaultPort, ResolvePort(-1))
	require.Equal(t, DefaultPort, ResolvePort(70000))
}

func TestResolveUseMonitor(t *testing.T) {
	t.Parallel()

	require.True(t, ResolveUseMonitor(true))
	require.True(t, ResolveUseMonitor("true"))
	require.False(t, ResolveUseMonitor("false"))
	require.False(t, ResolveUseMonitor(nil))
	require.False(t, ResolveUseMonitor("sometimes"))
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Engine:  EngineConfig{Port: DefaultPort, StopTimeout: time.Second, QueueDepth: 1},
		Fetcher: FetcherConfig{TimeoutSeconds: 10},
	}

	tests := []struct {
		name string
		cfg  Config
		want string
	}{
		{
			name: "invalid stop timeout",
			cfg: func() Config {
				c := base
				c.Engine.StopTimeout = 0
				return c
			}(),
			want: "engine.stop_timeout",
		},
		{
			name: "invalid queue depth",
			cfg: func() Config {
				c := base
				c.Engine.QueueDepth = 0
				return c
			}(),
			want: "engine.queue_depth",
		},
		{
			name: "invalid fetch timeout",
			cfg: func() Config {
				c := base
				c.Fetcher.TimeoutSeconds = 0
				return c
			}(),
			want: "fetcher.timeout_seconds",
		},
		{
			name: "blank spider name",
			cfg: func() Config {
				c := base
				c.Spiders = []SpiderConfig{{Name: " "}}
				return c
			}(),
			want: "spiders[0].name",
		},
		{
			name: "duplicate spider",
			cfg: func() Config {
				c := base
				c.Spiders = []SpiderConfig{{Name: "A"}, {Name: "A"}}
				return c
			}(),
			want: "declared twice",
		},
		{
			name: "job without urls",
			cfg: func() Config {
				c := base
				c.Spiders = []SpiderConfig{{Name: "A", Jobs: []JobConfig{{Cron: "@every 1m"}}}}
				return c
			}(),
			want: "jobs[0].urls",
		},
		{
			name: "seeds beyond queue depth",
			cfg: func() Config {
				c := base
				c.Spiders = []SpiderConfig{{Name: "A", Seeds: []string{"https://a.example/1", "https://a.example/2"}}}
				return c
			}(),
			want: "spiders[0].seeds exceed engine.queue_depth",
		},
		{
			name: "refresh without sources",
			cfg: func() Config {
				c := base
				c.Proxy.RefreshCron = "@every 1m"
				return c
			}(),
			want: "proxy.sources",
		},
		{
			name: "registry without address",
			cfg: func() Config {
				c := base
				c.Registry.Enabled = true
				return c
			}(),
			want: "registry.redis_addr",
		},
		{
			name: "kafka without topic",
			cfg: func() Config {
				c := base
				c.Kafka.Enabled = true
				c.Kafka.Brokers = []string{"b:9092"}
				return c
			}(),
			want: "kafka.brokers",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := tt.cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}
