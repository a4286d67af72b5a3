package worker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryWindowEnforcesLimit(t *testing.T) {
	w := NewMemoryWindow(time.Minute)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		ok, _, err := w.Allow(ctx, 5)
		require.NoError(t, err)
		assert.True(t, ok, "send %d should fit", i+1)
	}
	ok, count, err := w.Allow(ctx, 5)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 5, count)
}

func TestMemoryWindowResetsAtBoundary(t *testing.T) {
	w := NewMemoryWindow(time.Minute)
	base := time.Date(2026, 8, 1, 10, 0, 30, 0, time.UTC)
	w.now = func() time.Time { return base }
	ctx := context.Background()

	ok, _, _ := w.Allow(ctx, 1)
	assert.True(t, ok)
	ok, _, _ = w.Allow(ctx, 1)
	assert.False(t, ok)

	// Cross into the next minute; allowance reopens.
	w.now = func() time.Time { return base.Add(time.Minute) }
	ok, count, _ := w.Allow(ctx, 1)
	assert.True(t, ok)
	assert.Equal(t, 1, count)
}

func TestRedisWindowSharedAcrossClients(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	fixed := time.Date(2026, 8, 1, 10, 0, 30, 0, time.UTC)
	a := NewRedisWindow(client, "pool-a", time.Minute)
	b := NewRedisWindow(client, "pool-a", time.Minute)
	a.now = func() time.Time { return fixed }
	b.now = func() time.Time { return fixed }

	ok, _, err := a.Allow(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _, err = b.Allow(ctx, 2)
	require.NoError(t, err)
	assert.True(t, ok)

	// Third slot is denied regardless of which client asks.
	ok, count, err := a.Allow(ctx, 2)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 2, count)

	n, err := b.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestNewSharedWindowSelectsBackend(t *testing.T) {
	_, ok := NewSharedWindow("", "", 0, "pool-c", time.Hour).(*MemoryWindow)
	assert.True(t, ok, "no redis address means a per-process window")

	mr := miniredis.RunT(t)
	fixed := time.Date(2026, 8, 1, 10, 0, 30, 0, time.UTC)

	sender, ok := NewSharedWindow(mr.Addr(), "", 0, "pool-c", time.Minute).(*RedisWindow)
	require.True(t, ok)
	status, ok := NewSharedWindow(mr.Addr(), "", 0, "pool-c", time.Minute).(*RedisWindow)
	require.True(t, ok)
	sender.now = func() time.Time { return fixed }
	status.now = func() time.Time { return fixed }

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		ok, _, err := sender.Allow(ctx, 10)
		require.NoError(t, err)
		assert.True(t, ok)
	}

	// A status read built separately from the same config sees the spend.
	n, err := status.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestRedisWindowKeyExpires(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()
	ctx := context.Background()

	w := NewRedisWindow(client, "pool-b", time.Minute)
	fixed := time.Date(2026, 8, 1, 10, 0, 30, 0, time.UTC)
	w.now = func() time.Time { return fixed }
	_, _, err := w.Allow(ctx, 10)
	require.NoError(t, err)

	mr.FastForward(3 * time.Minute)
	n, err := w.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
