package seedlock

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pal-onboarding/kb-seeder/internal/domain"
)

func newTestLock(t *testing.T, ttl time.Duration) (*RedisLock, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		mr.Close()
	})
	return NewRedisLock(rdb, ttl), mr
}

func TestNewRedisLock_Nil(t *testing.T) {
	assert.Nil(t, NewRedisLock(nil, time.Minute))
}

func TestAcquire_ExclusiveUntilReleased(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t, time.Minute)

	require.NoError(t, l.Acquire(ctx, "kb", "run-1"))
	v, err := mr.Get(Key("kb"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", v)
	assert.Equal(t, time.Minute, mr.TTL(Key("kb")))

	err = l.Acquire(ctx, "kb", "run-2")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSeedLocked)
	assert.Contains(t, err.Error(), "run-1")

	// other collections are independent
	require.NoError(t, l.Acquire(ctx, "other", "run-2"))

	require.NoError(t, l.Release(ctx, "kb", "run-1"))
	assert.False(t, mr.Exists(Key("kb")))
	require.NoError(t, l.Acquire(ctx, "kb", "run-2"))
}

func TestRelease_DoesNotFreeForeignLock(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t, time.Minute)

	require.NoError(t, l.Acquire(ctx, "kb", "run-1"))
	require.NoError(t, l.Release(ctx, "kb", "run-2"))
	v, err := mr.Get(Key("kb"))
	require.NoError(t, err)
	assert.Equal(t, "run-1", v)
}

func TestAcquire_AfterExpiry(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t, time.Second)

	require.NoError(t, l.Acquire(ctx, "kb", "run-1"))
	mr.FastForward(2 * time.Second)
	require.NoError(t, l.Acquire(ctx, "kb", "run-2"))
	// the stale owner cannot release the new holder's lock
	require.NoError(t, l.Release(ctx, "kb", "run-1"))
	assert.True(t, mr.Exists(Key("kb")))
}

func TestRefresh_ExtendsOwnLock(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t, 10*time.Second)

	require.NoError(t, l.Acquire(ctx, "kb", "run-1"))
	mr.FastForward(8 * time.Second)
	require.NoError(t, l.Refresh(ctx, "kb", "run-1"))
	assert.Equal(t, 10*time.Second, mr.TTL(Key("kb")))

	mr.FastForward(8 * time.Second)
	assert.True(t, mr.Exists(Key("kb")), "refreshed lock outlives its original ttl")
	assert.ErrorIs(t, l.Acquire(ctx, "kb", "run-2"), domain.ErrSeedLocked)
}

func TestRefresh_ForeignOrExpiredLock(t *testing.T) {
	ctx := context.Background()
	l, mr := newTestLock(t, time.Second)

	require.NoError(t, l.Acquire(ctx, "kb", "run-1"))
	assert.ErrorIs(t, l.Refresh(ctx, "kb", "run-2"), domain.ErrSeedLocked)
	assert.Equal(t, time.Second, mr.TTL(Key("kb")))

	mr.FastForward(2 * time.Second)
	assert.ErrorIs(t, l.Refresh(ctx, "kb", "run-1"), domain.ErrSeedLocked)
}

func TestAcquire_RedisDown(t *testing.T) {
	l, mr := newTestLock(t, time.Minute)
	mr.Close()
	err := l.Acquire(context.Background(), "kb", "run-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrSeedLocked)
}

func TestNewRedisLockFromURL(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	defer mr.Close()

	l, err := NewRedisLockFromURL(context.Background(), "redis://"+mr.Addr()+"/0", 0)
	require.NoError(t, err)
	defer func() { _ = l.Close() }()
	assert.Equal(t, DefaultTTL, l.ttl)

	_, err = NewRedisLockFromURL(context.Background(), "not a url", 0)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestNoop(t *testing.T) {
	var l domain.SeedLock = Noop{}
	assert.NoError(t, l.Acquire(context.Background(), "kb", "a"))
	assert.NoError(t, l.Acquire(context.Background(), "kb", "b"))
	assert.NoError(t, l.Refresh(context.Background(), "kb", "a"))
	assert.NoError(t, l.Release(context.Background(), "kb", "a"))
}

func TestPing(t *testing.T) {
	l, mr := newTestLock(t, time.Minute)
	require.NoError(t, l.Ping(context.Background()))
	mr.Close()
	assert.Error(t, l.Ping(context.Background()))
}
