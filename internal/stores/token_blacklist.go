package stores

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrBlacklistBackend = errors.New("token blacklist backend unavailable")

// TokenBlacklist records consumed or revoked refresh token IDs. Entries expire
// with the token they describe, so the set never outgrows the live tokens.
type TokenBlacklist struct {
	redis  redis.UniversalClient
	prefix string
}

func NewTokenBlacklist(redisClient redis.UniversalClient, prefix string) *TokenBlacklist {
	if prefix == "" {
		prefix = "rbl"
	}
	return &TokenBlacklist{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (b *TokenBlacklist) key(tenantID, tokenID string) string {
	return b.prefix + ":" + normalizeTenantID(tenantID) + ":" + tokenID
}

// Add blacklists tokenID for ttl with SET NX and reports whether this call
// inserted it. Exactly one of any number of concurrent callers gets true.
func (b *TokenBlacklist) Add(ctx context.Context, tenantID, tokenID string, ttl time.Duration) (bool, error) {
	if ttl < time.Second {
		ttl = time.Second
	}
	ok, err := b.redis.SetNX(ctx, b.key(tenantID, tokenID), 1, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBlacklistBackend, err)
	}
	return ok, nil
}

func (b *TokenBlacklist) Contains(ctx context.Context, tenantID, tokenID string) (bool, error) {
	n, err := b.redis.Exists(ctx, b.key(tenantID, tokenID)).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrBlacklistBackend, err)
	}
	return n > 0, nil
}
