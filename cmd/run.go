package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-engine/internal/api"
	"github.com/JakeFAU/spider-engine/internal/config"
	"github.com/JakeFAU/spider-engine/internal/crawler"
	"github.com/JakeFAU/spider-engine/internal/discovery"
	"github.com/JakeFAU/spider-engine/internal/engine"
	collyfetcher "github.com/JakeFAU/spider-engine/internal/fetcher/colly"
	"github.com/JakeFAU/spider-engine/internal/ingest"
	"github.com/JakeFAU/spider-engine/internal/policy/ratelimit"
	"github.com/JakeFAU/spider-engine/internal/proxy"
	"github.com/JakeFAU/spider-engine/internal/queue/memory"
	"github.com/JakeFAU/spider-engine/internal/schedule"
	"github.com/JakeFAU/spider-engine/internal/spider"
)

const shutdownTimeout = 10 * time.Second

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Starts the engine and every configured spider",
		Long: `Builds the configured spiders, schedules their cron jobs, attaches the
proxy pool, discovery registration and Kafka ingest when enabled, then runs
until SIGINT or SIGTERM.`,
		RunE: runEngineCommand,
	}
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Checks the configuration and cron expressions without starting anything",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := resolveEnv(cmd.Context())
			if err != nil {
				return err
			}
			if err := validateSchedules(e.cfg); err != nil {
				return err
			}
			jobs := 0
			for _, s := range e.cfg.Spiders {
				jobs += len(s.Jobs)
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d spiders, %d jobs, monitor port %d (enabled=%t)\n",
				len(e.cfg.Spiders), jobs, e.cfg.Engine.Port, e.cfg.Engine.UseMonitor)
			return err
		},
	}
}

func runEngineCommand(cmd *cobra.Command, _ []string) error {
	e, err := resolveEnv(cmd.Context())
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, e.cfg, e.logger)
	if err != nil {
		return err
	}
	return rt.serve(ctx)
}

// runtime is a fully wired engine plus the collaborators it does not own.
type runtime struct {
	engine    *engine.Engine
	publisher *discovery.RedisPublisher
	logger    *zap.Logger
}

func validateSchedules(cfg config.Config) error {
	for _, s := range cfg.Spiders {
		for i, job := range s.Jobs {
			if err := schedule.Validate(job.Cron); err != nil {
				return fmt.Errorf("spiders[%s].jobs[%d]: %w", s.Name, i, err)
			}
		}
	}
	if cfg.Proxy.RefreshCron != "" {
		if err := schedule.Validate(cfg.Proxy.RefreshCron); err != nil {
			return fmt.Errorf("proxy.refresh_cron: %w", err)
		}
	}
	return nil
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *zap.Logger) (*runtime, error) {
	if err := validateSchedules(cfg); err != nil {
		return nil, err
	}

	queue := memory.NewQueue(cfg.Engine.QueueDepth)
	pool := proxy.NewPool(proxy.NewListLoader(cfg.Fetcher.UserAgent, cfg.FetchTimeout()), logger)
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent:     cfg.Fetcher.UserAgent,
		RespectRobots: cfg.Fetcher.RespectRobots,
		Timeout:       cfg.FetchTimeout(),
		Proxy:         pool.ProxyFunc(),
	})
	spiderCfg := spider.Config{
		RespectRobots: cfg.Fetcher.RespectRobots,
		Limiter: ratelimit.New(ratelimit.Config{
			RatePerSecond: cfg.Fetcher.RatePerSecond,
			Burst:         cfg.Fetcher.Burst,
		}),
	}

	eng := engine.New(engine.Options{
		Config: cfg.Engine,
		Queue:  queue,
		Factory: func(name string, q crawler.Queue) crawler.Agent {
			return spider.New(name, q, fetcher, spiderCfg, logger)
		},
		Logger: logger,
	})
	eng.SetProxySource(pool)
	eng.SetMonitor(api.NewServer(eng, api.Options{ExposeMetrics: cfg.Engine.UseMonitor}, logger))

	if err := configureProxies(ctx, eng, cfg.Proxy, logger); err != nil {
		return nil, err
	}
	if err := configureSpiders(ctx, eng, cfg.Spiders); err != nil {
		return nil, err
	}

	rt := &runtime{engine: eng, logger: logger}
	if cfg.Registry.Enabled {
		rt.publisher = discovery.NewRedisPublisher(cfg.Registry.RedisAddr, cfg.Registry.KeyPrefix, cfg.Registry.TTL, logger)
		eng.SetRegistry(rt.publisher, crawler.ProviderInfo{
			Name:     cfg.Registry.Provider,
			Host:     registryHost(cfg.Registry.Host),
			Protocol: "http",
		})
	}
	if cfg.Kafka.Enabled {
		eng.RegisterConsumers(ingest.NewKafkaConsumer(cfg.Kafka, eng.Submit, logger))
	}
	return rt, nil
}

func configureProxies(ctx context.Context, eng *engine.Engine, cfg config.ProxyConfig, logger *zap.Logger) error {
	if len(cfg.Proxies) > 0 {
		parsed, err := proxy.ParseList([]byte(strings.Join(cfg.Proxies, "\n")))
		if err != nil {
			return fmt.Errorf("proxy.proxies: %w", err)
		}
		if err := eng.AddProxies(parsed); err != nil {
			return err
		}
	}
	if len(cfg.Sources) > 0 {
		// Unreachable sources leave the static pool in place.
		if err := eng.StartProxyPool(ctx, cfg.Sources); err != nil {
			logger.Warn("initial proxy refresh failed", zap.Error(err))
		}
	}
	if cfg.RefreshCron != "" {
		if _, err := eng.ScheduleProxyRefresh(cfg.Sources, cfg.RefreshCron); err != nil {
			return err
		}
	}
	return nil
}

func configureSpiders(ctx context.Context, eng *engine.Engine, spiders []config.SpiderConfig) error {
	for _, sc := range spiders {
		if _, err := eng.CreateAgent(sc.Name); err != nil {
			return err
		}
		for _, seed := range sc.Seeds {
			if _, err := eng.Submit(ctx, crawler.NewRequest(seed, sc.Name)); err != nil {
				return fmt.Errorf("seed %s: %w", sc.Name, err)
			}
		}
		for _, job := range sc.Jobs {
			if _, err := eng.ScheduleURLs(sc.Name, job.Cron, job.URLs...); err != nil {
				return err
			}
		}
	}
	return nil
}

func registryHost(configured string) string {
	if configured != "" {
		return configured
	}
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}

// serve runs the engine until ctx ends, then shuts it down within shutdownTimeout.
func (rt *runtime) serve(ctx context.Context) error {
	if err := rt.engine.Run(ctx); err != nil {
		return fmt.Errorf("run engine: %w", err)
	}
	<-ctx.Done()
	rt.logger.Info("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := rt.engine.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, err)
	}
	rt.engine.Wait()
	if rt.publisher != nil {
		if err := rt.publisher.Close(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
