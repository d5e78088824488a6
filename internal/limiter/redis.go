package limiter

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/and161185/safedrop/internal/errs"
)

// ScopeLimit is the window and ceiling for one scope.
type ScopeLimit struct {
	Window time.Duration
	Limit  int
}

// Client is the subset of redis commands the limiter issues.
// Implemented by *redis.Client.
type Client interface {
	Incr(ctx context.Context, key string) *redis.IntCmd
	Expire(ctx context.Context, key string, ttl time.Duration) *redis.BoolCmd
	TTL(ctx context.Context, key string) *redis.DurationCmd
}

// Redis is a Redis-backed sliding-window limiter. On backend failure it
// reports the error and a permissive result; the caller decides fail-open
// versus fail-closed per scope.
type Redis struct {
	client Client
	limits map[Scope]ScopeLimit
}

// NewRedis constructs a Redis-backed limiter with per-scope limits.
func NewRedis(client Client, limits map[Scope]ScopeLimit) *Redis {
	return &Redis{client: client, limits: limits}
}

// Allow increments the window counter, lazily setting the expiry on the first
// increment, and reports the remaining budget and reset time.
func (l *Redis) Allow(ctx context.Context, scope Scope, identity string) (Result, error) {
	lim, ok := l.limits[scope]
	if !ok {
		return Result{Allowed: true}, fmt.Errorf("unknown scope %q", scope)
	}
	key := fmt.Sprintf("rl:%s:%s", scope, identity)

	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Result{Allowed: true}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
	}
	if count == 1 {
		// first hit in the window opens it
		if err := l.client.Expire(ctx, key, lim.Window).Err(); err != nil {
			return Result{Allowed: true}, fmt.Errorf("%w: %v", errs.ErrStoreUnavailable, err)
		}
	}

	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl < 0 {
		ttl = lim.Window
	}

	remaining := lim.Limit - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Result{
		Allowed:    count <= int64(lim.Limit),
		Remaining:  remaining,
		ResetAfter: ttl,
	}, nil
}
