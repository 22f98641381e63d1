// Package config loads and validates engine configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Monitor defaults applied when the configured values are missing or malformed.
const (
	DefaultPort       = 8715
	DefaultUseMonitor = false
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Engine   EngineConfig   `mapstructure:"engine"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Fetcher  FetcherConfig  `mapstructure:"fetcher"`
	Spiders  []SpiderConfig `mapstructure:"spiders"`
	Proxy    ProxyConfig    `mapstructure:"proxy"`
	Registry RegistryConfig `mapstructure:"registry"`
	Kafka    KafkaConfig    `mapstructure:"kafka"`
}

// EngineConfig controls the orchestrator and its monitoring endpoint.
type EngineConfig struct {
	Port        int           `mapstructure:"port"`
	UseMonitor  bool          `mapstructure:"use_monitor"`
	StopTimeout time.Duration `mapstructure:"stop_timeout"`
	QueueDepth  int           `mapstructure:"queue_depth"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// FetcherConfig configures the spiders' HTTP fetcher.
type FetcherConfig struct {
	UserAgent      string `mapstructure:"user_agent"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	RespectRobots  bool   `mapstructure:"respect_robots"`
	// RatePerSecond caps fetches per host across all spiders; 0 disables pacing.
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

// SpiderConfig declares a spider created at startup.
type SpiderConfig struct {
	Name  string      `mapstructure:"name"`
	Seeds []string    `mapstructure:"seeds"`
	Jobs  []JobConfig `mapstructure:"jobs"`
}

// JobConfig declares a cron job dispatching URLs to its spider.
type JobConfig struct {
	Cron string   `mapstructure:"cron"`
	URLs []string `mapstructure:"urls"`
}

// ProxyConfig seeds and refreshes the proxy pool.
type ProxyConfig struct {
	Proxies     []string          `mapstructure:"proxies"`
	Sources     map[string]string `mapstructure:"sources"`
	RefreshCron string            `mapstructure:"refresh_cron"`
}

// RegistryConfig controls announcement of the monitor endpoint in Redis.
type RegistryConfig struct {
	Enabled   bool          `mapstructure:"enabled"`
	RedisAddr string        `mapstructure:"redis_addr"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
	Provider  string        `mapstructure:"provider"`
	Host      string        `mapstructure:"host"`
}

// KafkaConfig controls the ad-hoc request consumer.
type KafkaConfig struct {
	Enabled bool     `mapstructure:"enabled"`
	Brokers []string `mapstructure:"brokers"`
	Topic   string   `mapstructure:"topic"`
	GroupID string   `mapstructure:"group_id"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("SPIDER_ENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	// Malformed monitor settings fall back to defaults instead of failing startup.
	v.Set("engine.port", ResolvePort(v.Get("engine.port")))
	v.Set("engine.use_monitor", ResolveUseMonitor(v.Get("engine.use_monitor")))

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// ResolvePort converts raw into a TCP port, returning DefaultPort when raw is
// missing, malformed, or out of range.
func ResolvePort(raw any) int {
	port, err := cast.ToIntE(raw)
	if err != nil || port <= 0 || port > 65535 {
		return DefaultPort
	}
	return port
}

// ResolveUseMonitor converts raw into a bool, returning DefaultUseMonitor when malformed.
func ResolveUseMonitor(raw any) bool {
	if raw == nil {
		return DefaultUseMonitor
	}
	enabled, err := cast.ToBoolE(raw)
	if err != nil {
		return DefaultUseMonitor
	}
	return enabled
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("engine.port", DefaultPort)
	v.SetDefault("engine.use_monitor", DefaultUseMonitor)
	v.SetDefault("engine.stop_timeout", "5s")
	v.SetDefault("engine.queue_depth", 1024)
	v.SetDefault("logging.development", true)
	v.SetDefault("fetcher.user_agent", "spider-engine/0.1")
	v.SetDefault("fetcher.timeout_seconds", 15)
	v.SetDefault("fetcher.respect_robots", true)
	v.SetDefault("fetcher.rate_per_second", 0)
	v.SetDefault("fetcher.burst", 1)
	v.SetDefault("registry.enabled", false)
	v.SetDefault("registry.key_prefix", "spider-engine:")
	v.SetDefault("registry.ttl", "1m")
	v.SetDefault("registry.provider", "spider-engine")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.group_id", "spider-engine")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Engine.StopTimeout <= 0 {
		return fmt.Errorf("engine.stop_timeout must be > 0")
	}
	if c.Engine.QueueDepth <= 0 {
		return fmt.Errorf("engine.queue_depth must be > 0")
	}
	if c.Fetcher.TimeoutSeconds <= 0 {
		return fmt.Errorf("fetcher.timeout_seconds must be > 0")
	}
	if c.Fetcher.RatePerSecond < 0 {
		return fmt.Errorf("fetcher.rate_per_second must be >= 0")
	}
	seen := make(map[string]struct{}, len(c.Spiders))
	for i, s := range c.Spiders {
		if strings.TrimSpace(s.Name) == "" {
			return fmt.Errorf("spiders[%d].name must be set", i)
		}
		if _, dup := seen[s.Name]; dup {
			return fmt.Errorf("spiders[%d].name %q is declared twice", i, s.Name)
		}
		seen[s.Name] = struct{}{}
		// Seeds are queued before any spider runs, so they must fit one partition.
		if len(s.Seeds) > c.Engine.QueueDepth {
			return fmt.Errorf("spiders[%d].seeds exceed engine.queue_depth (%d)", i, c.Engine.QueueDepth)
		}
		for j, job := range s.Jobs {
			if strings.TrimSpace(job.Cron) == "" {
				return fmt.Errorf("spiders[%d].jobs[%d].cron must be set", i, j)
			}
			if len(job.URLs) == 0 {
				return fmt.Errorf("spiders[%d].jobs[%d].urls must not be empty", i, j)
			}
		}
	}
	if c.Proxy.RefreshCron != "" && len(c.Proxy.Sources) == 0 {
		return fmt.Errorf("proxy.sources must be set when proxy.refresh_cron is set")
	}
	if c.Registry.Enabled && c.Registry.RedisAddr == "" {
		return fmt.Errorf("registry.redis_addr must be set when registry is enabled")
	}
	if c.Kafka.Enabled && (len(c.Kafka.Brokers) == 0 || c.Kafka.Topic == "") {
		return fmt.Errorf("kafka.brokers and kafka.topic must be set when kafka is enabled")
	}
	return nil
}

// FetchTimeout converts the fetcher timeout into a duration.
func (c Config) FetchTimeout() time.Duration {
	return time.Duration(c.Fetcher.TimeoutSeconds) * time.Second
}
