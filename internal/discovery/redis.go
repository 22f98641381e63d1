// Package discovery announces the engine's monitoring endpoint in Redis so
// operators and dashboards can find running engines.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/JakeFAU/spider-engine/internal/crawler"
)

// Registration is the JSON value stored under a provider's key.
type Registration struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Host         string    `json:"host"`
	Protocol     string    `json:"protocol"`
	Port         int       `json:"port"`
	RegisteredAt time.Time `json:"registered_at"`
}

// keyValueStore is the subset of *redis.Client used here.
type keyValueStore interface {
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisPublisher implements crawler.RegistryPublisher. While a TTL is set the
// key is rewritten every TTL/2 until Close.
type RedisPublisher struct {
	client keyValueStore
	prefix string
	ttl    time.Duration
	logger *zap.Logger

	mu     sync.Mutex
	key    string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewRedisPublisher connects to the Redis server at addr.
func NewRedisPublisher(addr, prefix string, ttl time.Duration, logger *zap.Logger) *RedisPublisher {
	return newRedisPublisher(redis.NewClient(&redis.Options{Addr: addr}), prefix, ttl, logger)
}

func newRedisPublisher(client keyValueStore, prefix string, ttl time.Duration, logger *zap.Logger) *RedisPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisPublisher{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.Named("discovery"),
	}
}

// Key returns the Redis key used for provider.
func (p *RedisPublisher) Key(provider crawler.ProviderInfo) string {
	if provider.ID == "" {
		return p.prefix + provider.Name
	}
	return p.prefix + provider.Name + ":" + provider.ID
}

// Register writes the provider's registration and starts the keepalive loop.
func (p *RedisPublisher) Register(ctx context.Context, provider crawler.ProviderInfo, port int) error {
	if provider.Name == "" {
		return fmt.Errorf("register: provider name required")
	}
	payload, err := json.Marshal(Registration{
		ID:           provider.ID,
		Name:         provider.Name,
		Host:         provider.Host,
		Protocol:     provider.Protocol,
		Port:         port,
		RegisteredAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal registration: %w", err)
	}
	key := p.Key(provider)
	if err := p.client.Set(ctx, key, payload, p.ttl).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		p.cancel()
	}
	p.key = key
	if p.ttl <= 0 {
		return nil
	}
	loopCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.wg.Add(1)
	go p.keepalive(loopCtx, key, payload)
	return nil
}

func (p *RedisPublisher) keepalive(ctx context.Context, key string, payload []byte) {
	defer p.wg.Done()
	interval := p.ttl / 2
	if interval <= 0 {
		interval = p.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := p.client.Set(ctx, key, payload, p.ttl).Err(); err != nil && ctx.Err() == nil {
				p.logger.Warn("registration refresh failed", zap.String("key", key), zap.Error(err))
			}
		}
	}
}

// Close stops the keepalive, removes the registration, and closes the client.
func (p *RedisPublisher) Close(ctx context.Context) error {
	p.mu.Lock()
	cancel, key := p.cancel, p.key
	p.cancel, p.key = nil, ""
	p.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	p.wg.Wait()

	var delErr error
	if key != "" {
		if err := p.client.Del(ctx, key).Err(); err != nil {
			delErr = fmt.Errorf("delete %s: %w", key, err)
		}
	}
	if err := p.client.Close(); err != nil {
		return fmt.Errorf("close redis client: %w", err)
	}
	return delErr
}
