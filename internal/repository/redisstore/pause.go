// Package redisstore keeps shared campaign control state in Redis: the pause
// marker, the identity pool and the single-dispatcher lease.
package redisstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/failover-dialer/pkg/logger"
)

type pauseClient interface {
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// PauseGate treats the presence of a key as "paused".
type PauseGate struct {
	client pauseClient
	key    string
	logger *logger.Logger

	mu      sync.Mutex
	lastErr error
}

// NewPauseGate constructs a gate over key.
func NewPauseGate(client pauseClient, key string, lg *logger.Logger) *PauseGate {
	return &PauseGate{client: client, key: key, logger: lg}
}

// IsPaused fails closed: when Redis cannot answer the campaign is held.
func (g *PauseGate) IsPaused(ctx context.Context) bool {
	n, err := g.client.Exists(ctx, g.key).Result()
	g.mu.Lock()
	g.lastErr = err
	g.mu.Unlock()
	if err != nil {
		g.logger.Warn("redis pause gate: exists failed, holding campaign", zap.String("key", g.key), zap.Error(err))
		return true
	}
	return n > 0
}

// Err returns the error of the latest IsPaused lookup, so a held campaign can
// be told apart from an operator pause.
func (g *PauseGate) Err() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lastErr == nil {
		return nil
	}
	return fmt.Errorf("redis pause gate: exists %s: %w", g.key, g.lastErr)
}

// Pause sets the marker.
func (g *PauseGate) Pause(ctx context.Context) error {
	if err := g.client.Set(ctx, g.key, time.Now().UTC().Format(time.RFC3339), 0).Err(); err != nil {
		return fmt.Errorf("redis pause gate: set %s: %w", g.key, err)
	}
	return nil
}

// Resume clears the marker.
func (g *PauseGate) Resume(ctx context.Context) error {
	if err := g.client.Del(ctx, g.key).Err(); err != nil {
		return fmt.Errorf("redis pause gate: del %s: %w", g.key, err)
	}
	return nil
}
