// Package cache publishes the control plane's state to Redis for read-only
// observers. Only one process may own the state file; other processes watch
// through these keys instead. Publishing degrades gracefully: Redis being down
// never blocks or fails a safety decision.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"capguard/config"
	"capguard/internal/events"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	keyStatus       = "capguard:status"
	keyEventChannel = "capguard:events"
	statusTTL       = 24 * time.Hour
)

// ObserverPublisher mirrors safety status and events into Redis.
type ObserverPublisher struct {
	client *redis.Client
	logger zerolog.Logger

	mu           sync.Mutex
	healthy      bool
	failureCount int
	maxFailures  int
	lastAttempt  time.Time
	retryBackoff time.Duration
}

// NewObserverPublisher connects to Redis and verifies connectivity.
func NewObserverPublisher(cfg config.RedisConfig, logger zerolog.Logger) (*ObserverPublisher, error) {
	if !cfg.Enabled {
		return nil, fmt.Errorf("redis is not enabled in configuration")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	p := &ObserverPublisher{
		client:       client,
		logger:       logger.With().Str("component", "ObserverPublisher").Logger(),
		maxFailures:  3,
		retryBackoff: 30 * time.Second,
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	p.healthy = true

	p.logger.Info().Str("address", cfg.Address).Msg("observer publishing enabled")
	return p, nil
}

// PublishStatus mirrors the full status document under the status key.
func (p *ObserverPublisher) PublishStatus(ctx context.Context, status interface{}) {
	if !p.shouldAttempt() {
		return
	}

	data, err := json.Marshal(status)
	if err != nil {
		p.logger.Warn().Err(err).Msg("status marshal failed")
		return
	}

	if err := p.client.Set(ctx, keyStatus, data, statusTTL).Err(); err != nil {
		p.recordFailure(err)
		return
	}
	p.recordSuccess()
}

// PublishEvent relays a bus event on the observer channel.
func (p *ObserverPublisher) PublishEvent(ctx context.Context, event events.Event) {
	if !p.shouldAttempt() {
		return
	}

	data, err := json.Marshal(event)
	if err != nil {
		p.logger.Warn().Err(err).Msg("event marshal failed")
		return
	}

	if err := p.client.Publish(ctx, keyEventChannel, data).Err(); err != nil {
		p.recordFailure(err)
		return
	}
	p.recordSuccess()
}

// AttachTo wires the publisher to an event bus: every event is relayed.
func (p *ObserverPublisher) AttachTo(bus *events.EventBus) {
	bus.SubscribeAll(func(event events.Event) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		p.PublishEvent(ctx, event)
	})
}

// IsHealthy reports the connection state.
func (p *ObserverPublisher) IsHealthy() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.healthy
}

// Close releases the Redis connection.
func (p *ObserverPublisher) Close() error {
	return p.client.Close()
}

// shouldAttempt gates publishing while unhealthy, retrying on a backoff.
func (p *ObserverPublisher) shouldAttempt() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.healthy {
		return true
	}
	if time.Since(p.lastAttempt) >= p.retryBackoff {
		p.lastAttempt = time.Now()
		return true
	}
	return false
}

func (p *ObserverPublisher) recordFailure(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.failureCount++
	p.lastAttempt = time.Now()
	if p.failureCount >= p.maxFailures && p.healthy {
		p.healthy = false
		p.logger.Warn().Err(err).Int("failures", p.failureCount).
			Msg("observer publishing degraded, will retry on backoff")
	}
}

func (p *ObserverPublisher) recordSuccess() {
	p.mu.Lock()
	defer p.mu.Unlock()

	if !p.healthy {
		p.logger.Info().Msg("observer publishing recovered")
	}
	p.healthy = true
	p.failureCount = 0
}
