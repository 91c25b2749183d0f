package redisstore

import (
	"context"
	"fmt"

	redis "github.com/redis/go-redis/v9"

	"github.com/acme/failover-dialer/internal/domain"
)

type hashKeysClient interface {
	HKeys(ctx context.Context, key string) *redis.StringSliceCmd
}

// IdentitySource reads the identity pool from the field names of a hash. Field
// values are carrier metadata the dialer does not interpret.
type IdentitySource struct {
	client hashKeysClient
	key    string
}

// NewIdentitySource constructs the source over key.
func NewIdentitySource(client hashKeysClient, key string) *IdentitySource {
	return &IdentitySource{client: client, key: key}
}

// Load returns the pool. A missing hash is an empty pool.
func (s *IdentitySource) Load(ctx context.Context) (domain.IdentityPool, error) {
	fields, err := s.client.HKeys(ctx, s.key).Result()
	if err != nil {
		return domain.IdentityPool{}, fmt.Errorf("redis identities: hkeys %s: %w", s.key, err)
	}

	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return domain.NewIdentityPool(set), nil
}
