package redisstore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/acme/failover-dialer/pkg/logger"
)

// ErrLeaseLost is returned by Keep when another holder owns the lease.
var ErrLeaseLost = errors.New("campaign lease lost")

var renewScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]
local ttl = tonumber(ARGV[2])
if redis.call('GET', key) == token then
  redis.call('PEXPIRE', key, ttl)
  return 1
end
return 0
`)

var releaseScript = redis.NewScript(`
local key = KEYS[1]
local token = ARGV[1]
if redis.call('GET', key) == token then
  return redis.call('DEL', key)
end
return 0
`)

type leaseClient interface {
	redis.Scripter
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
}

// Lease makes one dispatcher process the sole writer of a campaign ledger.
type Lease struct {
	client leaseClient
	key    string
	ttl    time.Duration
	token  string
	logger *logger.Logger
}

// NewLease constructs a lease with a fresh holder token.
func NewLease(client leaseClient, key string, ttl time.Duration, lg *logger.Logger) *Lease {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Lease{client: client, key: key, ttl: ttl, token: uuid.NewString(), logger: lg}
}

// Acquire reserves the lease. It reports false when another holder has it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease acquire: %w", err)
	}
	return ok, nil
}

// Renew extends the lease if this process still holds it.
func (l *Lease) Renew(ctx context.Context) (bool, error) {
	res, err := renewScript.Run(ctx, l.client, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("lease renew: %w", err)
	}
	return res == 1, nil
}

// Release frees the lease if this process still holds it.
func (l *Lease) Release(ctx context.Context) error {
	if _, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}

// Keep renews the lease every third of its ttl until ctx is done. It returns
// ErrLeaseLost once the key is held by someone else or cannot be renewed
// before it would expire.
func (l *Lease) Keep(ctx context.Context) error {
	interval := l.ttl / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastRenewed := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		ok, err := l.Renew(ctx)
		switch {
		case err != nil && ctx.Err() != nil:
			return ctx.Err()
		case err != nil:
			l.logger.Warn("lease: renew failed", zap.String("key", l.key), zap.Error(err))
			if time.Since(lastRenewed) >= l.ttl {
				return fmt.Errorf("%w: %s expired: %v", ErrLeaseLost, l.key, err)
			}
		case !ok:
			return fmt.Errorf("%w: %s", ErrLeaseLost, l.key)
		default:
			lastRenewed = time.Now()
		}
	}
}
