// Package seedlock serialises seeding runs so that two runs never write the
// same collection at once.
package seedlock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pal-onboarding/kb-seeder/internal/domain"
)

// DefaultTTL bounds how long a crashed run keeps the lock. A live run
// refreshes it before every batch.
const DefaultTTL = 10 * time.Minute

const keyPrefix = "kbseed:lock:"

// Key returns the Redis key guarding collection.
func Key(collection string) string { return keyPrefix + collection }

// RedisLock is a single-instance Redis lock: SET NX PX to take it and a
// compare-and-delete script to release it, so a run never frees a lock it no
// longer owns after the TTL expired.
type RedisLock struct {
	redis   *redis.Client
	ttl     time.Duration
	release *redis.Script
	refresh *redis.Script
}

// NewRedisLock returns a lock on rdb. A non-positive ttl uses DefaultTTL.
func NewRedisLock(rdb *redis.Client, ttl time.Duration) *RedisLock {
	if rdb == nil {
		return nil
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisLock{
		redis:   rdb,
		ttl:     ttl,
		release: redis.NewScript(luaReleaseScript),
		refresh: redis.NewScript(luaRefreshScript),
	}
}

// NewRedisLockFromURL parses a redis:// URL and pings the server.
func NewRedisLockFromURL(ctx context.Context, url string, ttl time.Duration) (*RedisLock, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("op=seedlock.NewRedisLockFromURL: %w: %v", domain.ErrInvalidArgument, err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("op=seedlock.NewRedisLockFromURL: ping: %w", err)
	}
	return NewRedisLock(rdb, ttl), nil
}

const luaReleaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`

const luaRefreshScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// Acquire takes the lock for owner or returns domain.ErrSeedLocked.
func (l *RedisLock) Acquire(ctx context.Context, collection, owner string) error {
	ok, err := l.redis.SetNX(ctx, Key(collection), owner, l.ttl).Result()
	if err != nil {
		return fmt.Errorf("op=seedlock.Acquire: %w", err)
	}
	if !ok {
		holder, gerr := l.redis.Get(ctx, Key(collection)).Result()
		if gerr != nil && !errors.Is(gerr, redis.Nil) {
			slog.Debug("seed lock holder lookup failed", slog.Any("error", gerr))
		}
		return fmt.Errorf("op=seedlock.Acquire: %w (holder %q)", domain.ErrSeedLocked, holder)
	}
	return nil
}

// Refresh resets the TTL of the lock if owner still holds it, or returns
// domain.ErrSeedLocked when the lock expired or was taken over.
func (l *RedisLock) Refresh(ctx context.Context, collection, owner string) error {
	n, err := l.refresh.Run(ctx, l.redis, []string{Key(collection)}, owner, l.ttl.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("op=seedlock.Refresh: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("op=seedlock.Refresh: %w: lock on %q lost", domain.ErrSeedLocked, collection)
	}
	return nil
}

// Release frees the lock if owner still holds it.
func (l *RedisLock) Release(ctx context.Context, collection, owner string) error {
	n, err := l.release.Run(ctx, l.redis, []string{Key(collection)}, owner).Int64()
	if err != nil {
		return fmt.Errorf("op=seedlock.Release: %w", err)
	}
	if n == 0 {
		slog.Warn("seed lock already expired or taken over", slog.String("collection", collection), slog.String("owner", owner))
	}
	return nil
}

// Ping checks the Redis connection.
func (l *RedisLock) Ping(ctx context.Context) error {
	return l.redis.Ping(ctx).Err()
}

// Close closes the Redis client.
func (l *RedisLock) Close() error {
	return l.redis.Close()
}

// Noop is used when no Redis is configured; every Acquire succeeds.
type Noop struct{}

// Acquire always succeeds.
func (Noop) Acquire(context.Context, string, string) error { return nil }

// Refresh always succeeds.
func (Noop) Refresh(context.Context, string, string) error { return nil }

// Release does nothing.
func (Noop) Release(context.Context, string, string) error { return nil }
