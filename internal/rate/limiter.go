package rate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Rule is a fixed-window budget: at most Limit hits per Window for one subject.
type Rule struct {
	// Prefix namespaces the counter keys of the rule, e.g. "aos".
	Prefix string
	Limit  int
	Window time.Duration
}

func (r Rule) key(subject string) string {
	return r.Prefix + ":" + subject
}

// Limiter evaluates Rules against Redis counters.
type Limiter struct {
	redis redis.UniversalClient
}

// New creates a [Limiter] backed by the given Redis client.
func New(redisClient redis.UniversalClient) *Limiter {
	return &Limiter{redis: redisClient}
}

// Allow records one hit for subject and returns ErrRateLimited once the
// rule's budget for the current window is spent.
func (l *Limiter) Allow(ctx context.Context, rule Rule, subject string) error {
	if rule.Limit <= 0 {
		return nil
	}
	count, err := l.incrementWithTTL(ctx, rule.key(subject), rule.Window)
	if err != nil {
		return err
	}
	if count > int64(rule.Limit) {
		return ErrRateLimited
	}
	return nil
}

// Check returns ErrRateLimited when subject already reached the limit,
// without recording a hit.
func (l *Limiter) Check(ctx context.Context, rule Rule, subject string) error {
	if rule.Limit <= 0 {
		return nil
	}
	count, err := l.Count(ctx, rule, subject)
	if err != nil {
		return err
	}
	if count >= rule.Limit {
		return ErrRateLimited
	}
	return nil
}

// Record adds a hit and reports whether the limit is now reached.
func (l *Limiter) Record(ctx context.Context, rule Rule, subject string) (bool, error) {
	if rule.Limit <= 0 {
		return false, nil
	}
	count, err := l.incrementWithTTL(ctx, rule.key(subject), rule.Window)
	if err != nil {
		return false, err
	}
	return count >= int64(rule.Limit), nil
}

// Count returns the hits recorded in the current window. Missing keys count
// as zero.
func (l *Limiter) Count(ctx context.Context, rule Rule, subject string) (int, error) {
	count, err := l.redis.Get(ctx, rule.key(subject)).Int64()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return 0, nil
		}
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if count < 0 {
		return 0, nil
	}
	return int(count), nil
}

// Reset clears the subject's window.
func (l *Limiter) Reset(ctx context.Context, rule Rule, subject string) error {
	if err := l.redis.Del(ctx, rule.key(subject)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

func (l *Limiter) incrementWithTTL(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := l.redis.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}

	// Fixed-window semantics: set TTL only for the first hit in the window.
	if count == 1 {
		if err := l.redis.Expire(ctx, key, ttl).Err(); err != nil {
			return 0, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
	}

	return count, nil
}
